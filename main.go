package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/hitloop/conductor/config"
	"github.com/hitloop/conductor/internal/engine/sse"
	"github.com/hitloop/conductor/internal/orchestrator"
	"github.com/hitloop/conductor/internal/repository"
	transporthttp "github.com/hitloop/conductor/internal/transport/http"
	v1 "github.com/hitloop/conductor/internal/transport/http/v1"
	"github.com/hitloop/conductor/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting conductor",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("engine", cfg.EngineURL))

	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer store.Close()

	eng := sse.NewClient(cfg.EngineURL, log)
	orch := orchestrator.New(eng, store, orchestrator.DefaultMetrics(), log)

	hub := ws.NewHub(log)
	go hub.Run()

	events, cancelSub := orch.Subscribe(cfg.EventBufferSize)
	go ws.Bridge(events, hub, log)

	apiHandler := v1.NewHandler(orch, store, log)
	wsServer := ws.NewServer(hub, log)
	server := transporthttp.NewServer(log, apiHandler, wsServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(fmt.Sprintf(":%d", cfg.HTTPPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down conductor")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Warn("orchestrator did not drain in time", zap.Error(err))
		}
		cancelSub()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("conductor exited with error", zap.Error(err))
	}
	log.Info("conductor stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
