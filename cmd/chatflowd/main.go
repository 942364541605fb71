// chatflowd runs the turn scheduler as a daemon: executor workers, the
// stuck-run reaper and an HTTP listener exposing health, metrics and the
// event websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatflow"
	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	app, err := chatflow.Open(cfg,
		chatflow.WithProvider(providerFromEnv()),
		chatflow.WithAssembler(assemblerStub{}),
	)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	logger := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", app.WebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.Pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpServer := server.NewManager(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, mux, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(ctx) })
	g.Go(func() error {
		app.Scheduler.Reaper().Run(ctx)
		return nil
	})
	for i := 0; i < cfg.Scheduler.Workers; i++ {
		worker := i
		g.Go(func() error {
			return runWorker(ctx, app, cfg.Scheduler.PollInterval, logger.With(zap.Int("worker", worker)))
		})
	}

	logger.Info("chatflowd started",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("workers", cfg.Scheduler.Workers),
	)
	return g.Wait()
}

// runWorker polls for queued runs and executes them. Claim races between
// workers resolve inside Execute; losing is a no-op.
func runWorker(ctx context.Context, app *chatflow.App, poll time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		runs, err := app.Store.NextQueuedRuns(ctx, 8)
		if err != nil {
			logger.Warn("poll failed", zap.Error(err))
			continue
		}
		for _, run := range runs {
			if err := app.Scheduler.Execute(ctx, run.ID); err != nil {
				logger.Error("execute failed",
					zap.String("run", run.ID),
					zap.Error(err),
				)
			}
		}
	}
}
