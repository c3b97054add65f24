// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/tranmq/config"
	"github.com/absmach/tranmq/engine"
	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/server/otel"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/storage/badger"
	"github.com/absmach/tranmq/storage/memory"
	"github.com/absmach/tranmq/topics"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting messaging engine", "version", "0.1.0")

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:                  cfg.Storage.BadgerDir,
			SyncWrites:           cfg.Storage.SyncWrites,
			CompressionThreshold: cfg.Storage.CompressionThreshold,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	var metrics *otel.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
	}

	eng, err := engine.New(engine.Options{
		Store:    store,
		Resolver: topics.NewRegistry(),
		Logger:   logger,
		Metrics:  metrics,
		MessageLimits: message.Limits{
			MaxPayloadSize:    cfg.Message.MaxPayloadSize,
			MaxDestinationLen: cfg.Message.MaxDestinationLen,
		},
		PublishRate:    cfg.Engine.PublishRate,
		PublishBurst:   cfg.Engine.PublishBurst,
		WorkerPoolSize: cfg.Engine.WorkerPoolSize,
		ExpiryInterval: cfg.Engine.ExpiryInterval,
	})
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}

	// Recovery replay runs before any client-visible traffic.
	if err := eng.Start(); err != nil {
		slog.Error("Recovery failed", "error", err)
		os.Exit(1)
	}
	eng.StartMessaging()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine stopped")
}
