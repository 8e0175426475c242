package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/banshee-data/trn.replay/internal/monitoring"
)

// DefaultBusAddress is where the bus filter host listens when no address
// is configured.
const DefaultBusAddress = "tcp://127.0.0.1:27028"

// BusClient is a REQ socket connected to a filter host.
type BusClient struct {
	mu   sync.Mutex
	sock mangos.Socket
	addr string
}

// DialBus connects a REQ socket to addr. The dial is synchronous so an
// absent host fails here rather than on the first update.
func DialBus(addr string, timeout time.Duration) (*BusClient, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		if err := sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
			sock.Close()
			return nil, err
		}
		if err := sock.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
			sock.Close()
			return nil, err
		}
	}
	if err := sock.SetOption(mangos.OptionDialAsynch, false); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, err
	}
	return &BusClient{sock: sock, addr: addr}, nil
}

// Addr returns the bus address.
func (c *BusClient) Addr() string { return c.addr }

// Roundtrip sends msg and waits for the reply. Cancellation is observed
// only through the socket deadlines.
func (c *BusClient) Roundtrip(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sock.Send(msg); err != nil {
		return nil, err
	}
	return c.sock.Recv()
}

// Close closes the socket.
func (c *BusClient) Close() error {
	return c.sock.Close()
}

// BusServer answers requests on a REP socket with a single Handler.
type BusServer struct {
	sock mangos.Socket
	h    Handler
}

// ListenBus binds a REP socket to addr.
func ListenBus(addr string, h Handler) (*BusServer, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, err
	}
	return &BusServer{sock: sock, h: h}, nil
}

// Serve answers requests until ctx is cancelled or the socket closes.
func (s *BusServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.sock.Close()
	}()
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, mangos.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.sock.Send(s.h.Handle(msg)); err != nil {
			monitoring.Logf("[transport] bus reply failed: %v", err)
		}
	}
}

// Close closes the socket.
func (s *BusServer) Close() error {
	return s.sock.Close()
}
