package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/buildflow/internal/app/backend"
	httpx "github.com/splax/buildflow/internal/http"
	"github.com/splax/buildflow/internal/service/build"
	"github.com/splax/buildflow/pkg/config"
	"github.com/splax/buildflow/pkg/logger"
)

type queueLength interface {
	Len(ctx context.Context) (int64, error)
}

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := backend.Open(ctx, cfg.Backends(), log)
	if err != nil {
		log.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	if cfg.QueueBackend == config.BackendMemory {
		log.Warn("memory queue is private to this process; nothing will be consumed from the upload API")
	}
	if q, ok := backends.Consumer.(queueLength); ok {
		if err := build.RegisterQueueDepth(nil, q.Len, log); err != nil {
			log.Warn("queue depth gauge unavailable", "error", err)
		}
	}

	worker := build.New(backends.Consumer, backends.Statuses, backends.Deployments, backends.Objects, nil, log, build.Options{
		PollTimeout:  cfg.PollTimeout,
		BuildTimeout: cfg.BuildTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpx.NewProbeRouter(log, backends.HealthChecks(), nil),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("builder probe server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			errorCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("builder error", "error", err)
			exitCode = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("build worker did not stop before shutdown deadline")
	}
	log.Info("builder stopped")
	if exitCode != 0 {
		backends.Close()
		os.Exit(exitCode)
	}
}
