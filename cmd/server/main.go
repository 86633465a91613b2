package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/diaspora-node/internal/config"
	"github.com/blackmichael/diaspora-node/internal/discovery"
	"github.com/blackmichael/diaspora-node/internal/federation"
	"github.com/blackmichael/diaspora-node/internal/httpserver"
	"github.com/blackmichael/diaspora-node/internal/media"
	"github.com/blackmichael/diaspora-node/internal/queue"
	"github.com/blackmichael/diaspora-node/internal/sqlite"
	"github.com/blackmichael/diaspora-node/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	repo, err := sqlite.NewRepository(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.DatabasePath)

	fetcher := media.NewFetcher(nil)
	resolver := discovery.NewResolver(repo, fetcher, logger, discovery.Options{
		Timeout: cfg.DiscoveryTimeout,
		Scheme:  cfg.Scheme,
	})
	dispatcher := federation.NewDispatcher(federation.NewRegistry())
	hub := stream.NewHub(logger)

	processor := queue.NewProcessor(repo, resolver, dispatcher, logger, queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		Media:       fetcher,
		Publisher:   hub,
	})

	// Drain inbound queues in the background
	go processor.StartDrainJob(ctx, cfg.DrainInterval)

	// Start the HTTP server
	server := httpserver.NewServer(cfg, repo, processor, hub, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
