package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/splax/buildflow/internal/app/backend"
	"github.com/splax/buildflow/internal/app/migrate"
	"github.com/splax/buildflow/internal/git"
	httpx "github.com/splax/buildflow/internal/http"
	"github.com/splax/buildflow/internal/service/build"
	"github.com/splax/buildflow/internal/service/deploy"
	"github.com/splax/buildflow/internal/service/ingest"
	"github.com/splax/buildflow/internal/workspace"
	"github.com/splax/buildflow/internal/ws"
	"github.com/splax/buildflow/pkg/config"
	"github.com/splax/buildflow/pkg/logger"
)

func main() {
	cfg := config.LoadUploadConfig()
	log := logger.New("upload", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := backend.Open(ctx, cfg.Backends(), log)
	if err != nil {
		log.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	if backends.Pool != nil {
		runner, err := migrate.New(backends.Pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	ingestSvc := ingest.New(git.NewFetcher(), workspaces, backends.Objects, log, ingest.Options{
		FetchTimeout:  cfg.FetchTimeout,
		UploadTimeout: cfg.UploadTimeout,
		Concurrency:   cfg.UploadConcurrency,
	})
	deploySvc := deploy.New(ingestSvc, backends.Statuses, backends.Queue, backends.Deployments, log)

	hub := ws.NewHub()
	defer hub.Close()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		ws.Relay(ctx, backends.Notifier, hub, log)
	}()

	if cfg.EmbeddedBuilder {
		worker := build.New(backends.Consumer, backends.Statuses, backends.Deployments, backends.Objects, nil, log, build.Options{
			PollTimeout: cfg.BuildPollTimeout,
		})
		background.Add(1)
		go func() {
			defer background.Done()
			if err := worker.Run(ctx); err != nil {
				log.Error("embedded build worker stopped", "error", err)
			}
		}()
	} else if cfg.QueueBackend == config.BackendMemory {
		log.Warn("memory queue without an embedded builder; deployments will remain uploaded")
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:        log,
		Deploy:        deploySvc,
		Hub:           hub,
		Objects:       backends.Objects,
		ServingDomain: cfg.ServingDomain,
		CORSOrigins:   cfg.CORSOrigins,
		HealthChecks:  backends.HealthChecks(),
	})

	srv := router.Server(cfg.Addr)

	errorCh := make(chan error, 1)
	go func() {
		log.Info("upload server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		background.Wait()
		log.Info("upload server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
