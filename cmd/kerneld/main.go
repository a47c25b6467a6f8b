// Command kerneld runs the capability-enforcement kernel as a standalone
// process: it wires a kernel.Kernel, serves its RPC method surface over
// HTTP+JSON, and terminates node websocket connections for node.invoke
// forwarding.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/kernel/pkg/bus"
	"github.com/openclaw/kernel/pkg/config"
	"github.com/openclaw/kernel/pkg/kernel"
	"github.com/openclaw/kernel/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kerneld exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to kerneld.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	tracerProvider, err := telemetry.NewTracerProvider("kerneld")
	if err != nil {
		return fmt.Errorf("construct tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	dataDir, err := config.ResolveDataDir(cfg)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	messageBus, closeBus := newBus(log)
	defer closeBus()

	hub := NewNodeHub(log)
	kcfg := kernel.ConfigFromEnv(dataDir)
	k, err := kernel.New(kcfg, hub, messageBus)
	if err != nil {
		return fmt.Errorf("construct kernel: %w", err)
	}
	defer k.Close()

	tokens := newTokenManagerFromEnv(cfg)

	router := newRouter(k, hub, tokens, log, cfg.EnableMetrics)

	srv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("kerneld listening", "addr", cfg.Bind, "tls", cfg.TLSCertFile != "")
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newBus selects the message bus backend: an in-process bus by default, or
// a NATS-backed bus when KERNELD_NATS_URL is set. The returned close func
// is always safe to defer, even for the in-memory backend.
func newBus(log *slog.Logger) (bus.MessageBus, func()) {
	url := os.Getenv("KERNELD_NATS_URL")
	if url == "" {
		b := bus.NewMemoryBus()
		return b, func() { _ = b.Close() }
	}

	natsBus, err := bus.NewNATSBus(bus.Config{URL: url, Name: "kerneld", Timeout: 10 * time.Second})
	if err != nil {
		log.Warn("failed to connect to NATS, falling back to in-memory bus", "url", url, "error", err)
		b := bus.NewMemoryBus()
		return b, func() { _ = b.Close() }
	}
	return natsBus, func() { _ = natsBus.Close() }
}
