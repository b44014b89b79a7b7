// Command threadkitd runs the thread persistence daemon: a SQLite-backed
// store behind the websocket sync endpoint.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/threadkit/threadkit/pkg/config"
	"github.com/threadkit/threadkit/pkg/server"
	"github.com/threadkit/threadkit/pkg/store/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "listen address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
		token      = flag.String("token", "", "auth token (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *token != "" {
		cfg.AuthToken = *token
	}

	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	threads, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer threads.Close()

	srv := server.New(threads, server.Config{
		AuthToken:   cfg.AuthToken,
		AuthTimeout: cfg.AuthTimeout.Std(),
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}
}
