package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/serve"
	"github.com/stratakv/stratakv/pkg/stratakv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stratakvd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := stratakv.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Periodic L1 expiry sweep
	g.Go(func() error { return store.RunSweepLoop(gctx) })

	// Ops HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, serve.Deps{
				Router:   store.Router(),
				Cache:    store.Cache(),
				Guard:    store.Guard(),
				Metrics:  store.Metrics(),
				Adapters: store.Adapters(),
				Logger:   logger.Named("api"),
			})
		})
	}

	// Prometheus metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Health server with one readiness probe per backend
	if cfg.Observability.Health.Enabled {
		var probes []metrics.Probe
		for name, a := range store.Adapters() {
			name, a := name, a
			probes = append(probes, metrics.Probe{Name: name, Check: a.HealthCheck})
		}
		checker := metrics.NewHealthChecker(probes)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("stratakvd started",
		zap.String("version", version),
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("classes", len(cfg.Classes)),
		zap.String("guard_mode", cfg.Guard.Mode),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
