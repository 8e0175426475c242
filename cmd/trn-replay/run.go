package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/trn.replay/internal/capture"
	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/db"
	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/metrics"
	"github.com/banshee-data/trn.replay/internal/monitor"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/replay"
	"github.com/banshee-data/trn.replay/internal/source"
)

// run executes one replay session. Configuration and connect failures are
// returned before any pair is dispatched; a cancelled ctx stops the session
// between steps and returns the partial summary with ctx.Err().
func run(ctx context.Context, opts config.RunOptions) (replay.Summary, error) {
	attrs, err := config.LoadFile(opts.AttributePath(), opts.Overrides())
	if err != nil {
		return replay.Summary{}, err
	}

	logDir, err := filepath.Abs(opts.LogDir)
	if err != nil {
		return replay.Summary{}, fmt.Errorf("resolve log directory: %w", err)
	}
	set := source.OpenDir(logDir, attrs.DVLCSVFile)
	defer set.Close()
	for _, su := range set.Unavailable {
		monitoring.Logf("[replay] %v", su)
	}

	var store *db.DB
	if opts.DBPath != "" {
		store, err = db.Open(opts.DBPath)
		if err != nil {
			return replay.Summary{}, fmt.Errorf("open session store: %w", err)
		}
		defer store.Close()
	}

	var resumeAfter float64
	if opts.Resume {
		if store == nil {
			return replay.Summary{}, errors.New("resume needs a session store")
		}
		if resumeAfter, err = store.LastTimestamp(logDir); err != nil {
			return replay.Summary{}, err
		}
		monitoring.Logf("[replay] resuming %s after t=%.3f", logDir, resumeAfter)
	}

	id := uuid.NewString()
	disp, err := dispatch.New(ctx, attrs, dispatch.Options{
		Fallback:   opts.Fallback,
		Timeout:    opts.Timeout,
		BusAddress: opts.BusAddress,
		SessionID:  id,
	})
	if err != nil {
		return replay.Summary{SessionID: id}, err
	}
	defer disp.Close()

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return replay.Summary{SessionID: id}, err
	}
	sinks := []replay.StepSink{collector}

	var recorder *db.StepRecorder
	if store != nil && opts.SaveSteps {
		recorder = store.NewStepRecorder(0)
		sinks = append(sinks, recorder)
	}

	var capw *capture.Writer
	if opts.Capture != "" {
		if capw, err = capture.Create(opts.Capture); err != nil {
			return replay.Summary{SessionID: id}, err
		}
		sinks = append(sinks, replay.SinkFunc(func(res replay.StepResult) error {
			if res.Skipped {
				return nil
			}
			return capw.WritePair(res.Pair)
		}))
	}

	session, err := replay.NewSession(replay.SessionConfig{
		ID:          id,
		Sources:     set,
		Sync:        replay.SelectSources(set, attrs),
		Dispatcher:  disp,
		Sinks:       sinks,
		ResumeAfter: resumeAfter,
		Rate:        opts.Rate,
	})
	if err != nil {
		return replay.Summary{SessionID: id}, err
	}
	if err := collector.WatchSources(func() []source.Stats { return session.Snapshot().Sources }); err != nil {
		return replay.Summary{SessionID: id}, err
	}

	if store != nil {
		start := session.Snapshot()
		if err := store.BeginSession(db.SessionRecord{
			ID:         id,
			LogDir:     logDir,
			ConfigFile: opts.AttributePath(),
			MapFile:    attrs.MapFile,
			Target:     start.Target,
			Primary:    string(start.Primary),
			Started:    start.Started,
		}); err != nil {
			return start, err
		}
	}

	health := monitor.NewHealth()
	var wg sync.WaitGroup
	var server *http.Server
	defer func() {
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Logf("[monitor] http shutdown: %v", err)
			}
			cancel()
		}
		health.Stop()
		wg.Wait()
	}()

	var mux *http.ServeMux
	if opts.Listen != "" {
		mux = http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.Handle("/debug/counters", monitor.CountersHandler(session))
		mux.Handle("/debug/summary", monitor.SummaryHandler(session))
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return session.Summary(), err
			}
		}
	}

	serving := false
	if opts.GRPCListen != "" {
		lis, err := net.Listen("tcp", opts.GRPCListen)
		if err != nil {
			return session.Summary(), fmt.Errorf("listen %s: %w", opts.GRPCListen, err)
		}
		serving = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Serve(lis); err != nil {
				monitoring.Logf("[monitor] health server: %v", err)
			}
		}()
	}

	if mux != nil {
		ln, err := net.Listen("tcp", opts.Listen)
		if err != nil {
			return session.Summary(), fmt.Errorf("listen %s: %w", opts.Listen, err)
		}
		server = &http.Server{Addr: opts.Listen, Handler: mux}
		serving = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Logf("[monitor] http server: %v", err)
			}
		}()
	}

	health.SetReplaying(true)
	sum, runErr := session.Run(ctx)
	health.SetReplaying(false)

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			monitoring.Logf("[replay] flush steps: %v", err)
		}
	}
	if capw != nil {
		if err := capw.Close(); err != nil {
			monitoring.Logf("[replay] close capture: %v", err)
		} else {
			monitoring.Logf("[replay] captured %d pairs to %s (ratio %.2f)", capw.Count(), opts.Capture, capw.Ratio())
		}
	}
	if store != nil {
		if err := store.FinishSession(sum); err != nil {
			monitoring.Logf("[replay] record session: %v", err)
		}
	}

	if opts.Hold && serving && runErr == nil {
		monitoring.Logf("[replay] replay finished; serving until interrupted")
		<-ctx.Done()
	}

	return sum, runErr
}
