// Command null-filter hosts a pass-through navigation filter for replay
// testing, over TCP or the message bus.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/transport"
	"github.com/banshee-data/trn.replay/internal/wire"
)

func newEngine(hello wire.Init) (dispatch.Engine, error) {
	log.Printf("session %s: map %s, filter type %d", hello.SessionID, hello.MapFile, hello.FilterType)
	return dispatch.NewNullEngine(), nil
}

func main() {
	listen := flag.String("listen", ":27027", "TCP listen address")
	bus := flag.Bool("bus", false, "serve on the message bus instead of TCP")
	busAddr := flag.String("bus-address", transport.DefaultBusAddress, "message bus address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *bus {
		srv, err := transport.ListenBus(*busAddr, dispatch.NewServerHandler(newEngine))
		if err != nil {
			log.Fatalf("listen bus %s: %v", *busAddr, err)
		}
		defer srv.Close()
		log.Printf("null filter on bus %s", *busAddr)
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("bus server: %v", err)
		}
		return
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	srv := transport.NewTCPServer(dispatch.NewServerHandlerFactory(newEngine))
	defer srv.Close()
	log.Printf("null filter on %s", ln.Addr())
	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Fatalf("tcp server: %v", err)
	}
}
