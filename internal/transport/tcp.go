package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/trn.replay/internal/monitoring"
)

// TCPClient talks to a filter host over one TCP connection.
type TCPClient struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	addr    string
	timeout time.Duration
}

// DialTCP connects to addr. timeout bounds the dial and every later
// roundtrip; zero means no deadline.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*TCPClient, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPClient{conn: conn, r: bufio.NewReader(conn), addr: addr, timeout: timeout}, nil
}

// Addr returns the remote address.
func (c *TCPClient) Addr() string { return c.addr }

// Roundtrip writes req and reads the reply frame.
func (c *TCPClient) Roundtrip(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	if err := WriteFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	resp, err := ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return resp, nil
}

// Receive reads the next reply frame without sending. A reply to a
// roundtrip that timed out arrives this way.
func (c *TCPClient) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}
	resp, err := ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return resp, nil
}

func (c *TCPClient) setDeadline(ctx context.Context) error {
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	return c.conn.Close()
}

// TCPServer serves filter sessions, one per accepted connection.
type TCPServer struct {
	newHandler HandlerFactory

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewTCPServer creates a server that builds a Handler per connection.
func NewTCPServer(newHandler HandlerFactory) *TCPServer {
	return &TCPServer{newHandler: newHandler, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	monitoring.Logf("[transport] session from %s", conn.RemoteAddr())
	h := s.newHandler()
	r := bufio.NewReader(conn)
	for {
		req, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				monitoring.Logf("[transport] %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := WriteFrame(conn, h.Handle(req)); err != nil {
			monitoring.Logf("[transport] %s: write failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// Close stops accepting and drops open sessions.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	return err
}
