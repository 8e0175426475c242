// Command trn-replay replays a mission's sensor logs through a terrain
// relative navigation filter, either in process or on a remote host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/version"
)

// parseOptions layers command-line flags over the TRN_REPLAY_* environment.
// A single positional argument is taken as the log directory.
func parseOptions(args []string, output io.Writer) (config.RunOptions, bool, error) {
	opts, err := config.ParseEnv()
	if err != nil {
		return opts, false, err
	}

	fs := flag.NewFlagSet("trn-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.LogDir, "logdir", opts.LogDir, "mission log directory")
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "attribute file (default <logdir>/"+config.DefaultConfigName+")")
	fs.StringVar(&opts.MapFile, "map", opts.MapFile, "override mapFileName")
	fs.StringVar(&opts.Host, "host", opts.Host, "override terrainNavServer ("+config.BusHost+" selects the bus)")
	fs.IntVar(&opts.Port, "port", opts.Port, "override terrainNavPort")
	fs.StringVar(&opts.BusAddress, "bus", opts.BusAddress, "message bus address")
	fs.BoolVar(&opts.Fallback, "local-fallback", opts.Fallback, "use the in-process filter if the remote host cannot be reached")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "connect and roundtrip timeout")
	fs.Float64Var(&opts.Rate, "rate", opts.Rate, "playback rate multiplier (0 = as fast as possible)")
	fs.StringVar(&opts.DBPath, "db", opts.DBPath, "session store path (empty disables)")
	fs.StringVar(&opts.Capture, "capture", opts.Capture, "write every pair to this capture file")
	fs.StringVar(&opts.Listen, "listen", opts.Listen, "HTTP address for /metrics and /debug")
	fs.StringVar(&opts.GRPCListen, "grpc-listen", opts.GRPCListen, "gRPC health service address")
	fs.BoolVar(&opts.Resume, "resume", opts.Resume, "skip anchors already dispatched for this log directory")
	fs.BoolVar(&opts.SaveSteps, "save-steps", opts.SaveSteps, "record every step in the session store")
	fs.BoolVar(&opts.Hold, "hold", opts.Hold, "keep serving endpoints after the replay until interrupted")
	fs.BoolVar(&opts.Verbose, "v", opts.Verbose, "log skipped records and ignored keys")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return opts, false, err
	}
	if *showVersion {
		return opts, true, nil
	}
	switch fs.NArg() {
	case 0:
	case 1:
		opts.LogDir = fs.Arg(0)
	default:
		return opts, false, fmt.Errorf("expected at most one log directory, got %d arguments", fs.NArg())
	}
	return opts, false, opts.Validate()
}

func main() {
	opts, showVersion, err := parseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if showVersion {
		fmt.Println(version.String("trn-replay"))
		return
	}
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}
	monitoring.SetVerbose(opts.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("session %s: %d pairs, %d updates, %d reinits, %d failures",
		sum.SessionID, sum.Pairs, sum.Counters.Updates, sum.Counters.Reinits, sum.Counters.Failures)
}
