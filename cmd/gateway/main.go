// Package main runs the speechbridge voice-conversation gateway: an HTTP
// server that upgrades client connections to websockets and bridges each
// one to a Session Engine talking to the remote speech service over
// HTTP/2.
//
// Environment variables:
//
//	SPEECHBRIDGE_ADDR            - listen address (default ":8080")
//	SPEECHBRIDGE_REMOTE_ENDPOINT - remote speech service stream endpoint
//	SPEECHBRIDGE_VOICE           - default synthesis voice ID
//	OTEL_EXPORTER_OTLP_ENDPOINT  - trace collector endpoint
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/speechbridge/gateway/engine"
	"github.com/speechbridge/gateway/gateway"
	"github.com/speechbridge/gateway/obs"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, err := obs.Init(ctx, obsOptions())
	if err != nil {
		logger.Error("failed to initialize observability", "error", err)
		os.Exit(1)
	}

	cfg := engine.Config{
		RemoteEndpoint: os.Getenv("SPEECHBRIDGE_REMOTE_ENDPOINT"),
		Voice:          os.Getenv("SPEECHBRIDGE_VOICE"),
	}
	cfg.ApplyDefaults()

	manager := engine.NewManager(cfg, logger)
	manager.StartSweeper(ctx)

	srv := gateway.NewServer(manager, cfg, logger)
	mux := http.NewServeMux()
	srv.Register(mux)

	addr := os.Getenv("SPEECHBRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway listening", "addr", addr, "remote", cfg.RemoteEndpoint)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-sigCh
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownObs(shutdownCtx); err != nil {
		logger.Error("observability shutdown error", "error", err)
	}
}

func obsOptions() obs.Options {
	opts := obs.DefaultOptions()
	opts.ServiceName = "speechbridge-gateway"
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		opts.Endpoint = endpoint
	} else {
		opts.Exporter = obs.ExporterStdout
	}
	return opts
}
