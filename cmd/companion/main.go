package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/companionlab/companion/internal/auth"
	"github.com/companionlab/companion/internal/backup"
	"github.com/companionlab/companion/internal/config"
	"github.com/companionlab/companion/internal/observe"
	"github.com/companionlab/companion/internal/recap"
	"github.com/companionlab/companion/internal/server"
	"github.com/companionlab/companion/internal/session"
	"github.com/companionlab/companion/internal/storage"
	"github.com/companionlab/companion/internal/voice"
	"github.com/companionlab/companion/internal/voice/realtime"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("companion exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", envOrDefault(config.EnvPrefix+"CONFIG", "companion.yaml"), "path to YAML config file")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.ParsedLogLevel()}))
	slog.SetDefault(logger)
	for _, w := range warnings {
		slog.Warn("config", "warning", w)
	}
	slog.Info("companion starting", "version", version, "listen_addr", cfg.ListenAddr, "db_driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		metrics        *observe.Metrics
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "companion", ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
		if metrics, err = observe.NewMetrics(otel.GetMeterProvider()); err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		metricsHandler = promhttp.Handler()
	}

	var (
		store    storage.Store
		snapshot backup.Snapshotter
	)
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer func() { _ = pg.Close() }()
		store = pg
	default:
		lite, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() { _ = lite.Close() }()
		store, snapshot = lite, lite
	}

	var recapper session.Recapper
	if cfg.RecapEnabled() {
		recapper = recap.New(cfg.RecapModel, recap.Keys(cfg.RecapKeys()).Factory(), metrics)
	}

	hub := server.NewHub()
	sessions := session.NewManager(store, func() (voice.Engine, error) {
		return realtime.New(cfg.EngineURL, cfg.EngineToken), nil
	}, hub, recapper, metrics)
	defer sessions.Close()

	handler := server.Handler(server.Deps{
		Store:          store,
		Sessions:       sessions,
		Hub:            hub,
		Auth:           auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, handler)
	})

	if cfg.BackupEnabled() && snapshot != nil {
		uploader, err := backup.NewDriveUploader(ctx, cfg.GoogleCredentialsFile, cfg.BackupFolderID)
		if err != nil {
			slog.Warn("drive backup disabled", "error", err)
		} else {
			loop := backup.NewLoop(snapshot, uploader, cfg.ParsedBackupInterval(), cfg.BackupDir)
			g.Go(func() error { return loop.Run(gctx) })
		}
	}

	err = g.Wait()
	slog.Info("companion shutting down")
	return err
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
