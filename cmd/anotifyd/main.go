// Command anotifyd watches the paths listed in a YAML configuration file,
// journals every delivered filesystem event, pushes events to connected
// WebSocket clients, and exposes the journal and a liveness probe over an
// HTTP API. It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/anotify/internal/config"
	"github.com/tripwire/anotify/internal/daemon"
	"github.com/tripwire/anotify/internal/feed"
	"github.com/tripwire/anotify/internal/httpapi"
	"github.com/tripwire/anotify/internal/journal"
	"github.com/tripwire/anotify/internal/oplog"
)

func main() {
	configPath := flag.String("config", "/etc/anotifyd/config.yaml", "path to the anotifyd YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anotifyd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("api_addr", cfg.APIAddr),
		slog.Int("num_watches", len(cfg.Watches)),
	)

	// Open the event journal. SQLite for single-host deployments, Postgres
	// when several daemons aggregate into one database.
	var j journal.Journal
	switch cfg.Journal.Driver {
	case "postgres":
		pg, err := journal.OpenPostgres(context.Background(), cfg.Journal.DSN, 0, 0)
		if err != nil {
			logger.Error("failed to open postgres journal", slog.Any("error", err))
			os.Exit(1)
		}
		j = pg
	default:
		sq, err := journal.OpenSQLite(cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open sqlite journal",
				slog.String("path", cfg.Journal.Path),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
		j = sq
	}
	logger.Info("journal opened", slog.String("driver", cfg.Journal.Driver))

	// Optional tamper-evident operations log.
	var ops *oplog.Log
	if cfg.OplogPath != "" {
		ops, err = oplog.Open(cfg.OplogPath)
		if err != nil {
			logger.Error("failed to open oplog",
				slog.String("path", cfg.OplogPath),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
		defer ops.Close()
	}

	bc := feed.NewBroadcaster(logger, cfg.Buffer)
	defer bc.Close()

	opts := []daemon.Option{
		daemon.WithJournal(j),
		daemon.WithBroadcaster(bc),
	}
	if ops != nil {
		opts = append(opts, daemon.WithOplog(ops))
	}
	d := daemon.New(cfg, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional RS256 JWT verification for the API routes.
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = loadPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key",
				slog.String("path", cfg.JWTPublicKeyPath),
				slog.Any("error", err),
			)
			d.Stop()
			os.Exit(1)
		}
	}

	srv := httpapi.NewServer(j, d.Health, logger)
	stream := feed.NewHandler(bc, logger, 0)

	apiServer := &http.Server{
		Addr:        cfg.APIAddr,
		Handler:     httpapi.NewRouter(srv, pubKey, stream),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: the /api/v1/stream WebSocket connection is
		// long-lived; per-frame write deadlines are applied by the feed
		// handler instead.
	}

	go func() {
		logger.Info("api server listening", slog.String("addr", cfg.APIAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the daemon first, then the HTTP server.
	d.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", slog.Any("error", err))
	}

	logger.Info("anotifyd exited cleanly")
}

// loadPublicKey reads a PEM-encoded RSA public key from path.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q does not contain an RSA public key", path)
	}
	return rsaKey, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
