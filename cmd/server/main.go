package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellnessai/voice-bridge/internal/config"
	"github.com/wellnessai/voice-bridge/internal/observability"
	"github.com/wellnessai/voice-bridge/internal/relay"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("upstream_url", cfg.UpstreamURL).
		Bool("default_agent", cfg.DefaultAgentID != "").
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice relay starting")

	if !cfg.HasCredential() {
		logger.Warn().Msg("ELEVENLABS_API_KEY is not set; connections will be closed with 1011")
	}

	handler := relay.NewHandler(cfg, relay.WithLogger(logger))

	mux := http.NewServeMux()

	// Browser WebSocket endpoint
	mux.Handle("/agent", handler)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"upstream": handler.Ready,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket sessions are long lived, so there are no read/write timeouts
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	endpoint := cfg.PublicURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+"/agent").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int64("open_pairs", observability.OpenPairs()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// relay closes its sessions itself
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := handler.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Relay sessions did not close in time")
	}

	logger.Info().Msg("Server exited gracefully")
}
