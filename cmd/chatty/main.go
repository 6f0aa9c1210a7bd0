package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"chatty/internal/chatty/adapter/upload"
	"chatty/internal/chatty/app"
	"chatty/internal/chatty/router"
	"chatty/internal/platform/bus"
	"chatty/internal/platform/config"
	"chatty/internal/platform/server"
	"chatty/internal/platform/store"
	"chatty/internal/platform/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	nodeID := uuid.NewString()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("node_id", nodeID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdownTelemetry, err := telemetry.Setup(context.Background(), "chatty")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics initialization: %w", err)
	}

	// Store
	connector := store.NewConnector(store.Options{
		URL:            cfg.DatabaseURL,
		Dialer:         store.MongoDialer{ServerSelectionTimeout: cfg.StoreTimeout},
		ConnectTimeout: cfg.StoreTimeout,
		Logger:         logger.With("component", "store"),
		Metrics:        metrics,
	})
	if err := connector.Connect(ctx); err != nil {
		return err
	}

	uploader, err := upload.NewCloudinary(cfg.Cloud.Name, cfg.Cloud.APIKey, cfg.Cloud.APISecret)
	if err != nil {
		return fmt.Errorf("media uploader: %w", err)
	}

	a := app.New(app.Deps{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		NodeID:     nodeID,
		Checks:     []router.Check{{Name: "store", Probe: connector.Ping}},
		Registrars: []router.Registrar{app.UploadRoutes(uploader)},
	})

	// Broadcast bus
	pair, err := bus.Connect(ctx, bus.Config{
		URL:     cfg.BusURL,
		Name:    "chatty-" + nodeID,
		Timeout: cfg.BusTimeout,
		Logger:  logger.With("component", "bus"),
	})
	if err != nil {
		_ = connector.Close(context.Background())
		return err
	}
	if err := a.Start(ctx, pair); err != nil {
		_ = pair.Close()
		_ = connector.Close(context.Background())
		return err
	}

	srv := server.New(cfg.ServerAddr, a.Handler, logger)
	if err := srv.Listen(); err != nil {
		_ = a.Shutdown(context.Background())
		_ = pair.Close()
		_ = connector.Close(context.Background())
		return err
	}
	srv.OnShutdown(a.Shutdown)
	srv.OnShutdown(func(context.Context) error { return pair.Close() })
	srv.OnShutdown(connector.Close)

	slog.Info("chatty starting",
		"addr", srv.Addr(),
		"env", cfg.Env,
		"client_url", cfg.ClientURL,
		"ws_path", cfg.Realtime.Path,
		"bus_topic", cfg.BusTopic,
	)

	runErr := srv.Run(ctx)
	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}
	return runErr
}
