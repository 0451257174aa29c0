package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/stt-gateway/internal/config"
	"github.com/lexiqai/stt-gateway/internal/gateway"
	"github.com/lexiqai/stt-gateway/internal/observability"
	"github.com/lexiqai/stt-gateway/internal/stt"
)

func main() {
	// Load configuration; CONFIG_FILE optionally points at a YAML overlay
	cfg, err := config.LoadFile(config.GetEnv("CONFIG_FILE", ""))
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
		Str("grpc_port", cfg.GRPCPort).
		Str("model", cfg.DeepgramModel).
		Str("transport", cfg.STTTransport).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("STT Gateway Service starting")

	if cfg.DeepgramAPIKey == "" {
		logger.Warn().Msg("DEEPGRAM_API_KEY is not set, transcription requests will be rejected")
	}

	// Shared provider for single-shot requests; each streaming client gets its own
	provider := stt.NewDeepgramProvider(cfg, nil)
	newStreamingProvider := func() gateway.StreamingProvider {
		return stt.NewDeepgramProvider(cfg, nil)
	}

	checks := map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) {
			if !provider.IsModelLoaded(ctx) {
				return false, errors.New("deepgram api key not configured")
			}
			// No API call here to avoid billing a readiness check
			return true, nil
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/transcribe", gateway.HandleTranscriptionStream(newStreamingProvider))
	mux.HandleFunc("/v1/transcribe", gateway.HandleTranscribe(provider))
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// gRPC health service mirrors /ready for service meshes and orchestrators
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Str("grpc_port", cfg.GRPCPort).Msg("Failed to bind gRPC listener")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go observability.WatchGRPCHealth(ctx, healthServer, checks, 15*time.Second)

	go func() {
		logger.Info().Str("grpc_port", cfg.GRPCPort).Msg("gRPC health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error().Err(err).Msg("gRPC server terminated with error")
		}
	}()

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/transcribe", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("gRPC graceful stop timed out, forcing stop")
		grpcServer.Stop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
