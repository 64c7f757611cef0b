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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/transcription-gateway/internal/config"
	"github.com/lexiqai/transcription-gateway/internal/events"
	"github.com/lexiqai/transcription-gateway/internal/gateway"
	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/stt"
)

const shutdownTimeout = 30 * time.Second

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
		Str("provider", cfg.Provider).
		Str("log_level", cfg.LogLevel).
		Int("max_connections", cfg.MaxConnections).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Msg("Transcription Gateway starting")

	sttLogger := observability.WithComponent("stt")
	breaker := stt.NewBreaker(cfg, sttLogger)
	factory, err := stt.NewFactory(cfg, breaker, sttLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transcription provider")
	}

	publisher := events.New(&events.Config{
		Brokers:        cfg.KafkaBrokers,
		TopicInterim:   cfg.KafkaTopicInterim,
		TopicFinal:     cfg.KafkaTopicFinal,
		PublishInterim: cfg.KafkaPublishInterim,
		Enabled:        cfg.KafkaEnabled,
	})

	gw := gateway.New(cfg, factory, publisher)

	// Create HTTP server
	mux := http.NewServeMux()
	gw.Register(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(gw.Draining,
		observability.DependencyCheck{Name: cfg.Provider, Check: stt.BreakerCheck(breaker)},
		observability.DependencyCheck{Name: "kafka", Check: publisher.Check},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: meeting websockets are long-lived
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, gateway.MeetingPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var healthServer *health.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}

		grpcServer := grpc.NewServer()
		healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

		g.Go(func() error {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		if healthServer != nil {
			healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Meetings are hijacked connections, which http.Server.Shutdown does not track
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Meeting connections did not close in time")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if cerr := publisher.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("Failed to flush transcript publisher")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}

	observability.SetGracefulShutdown(false)
	logger.Info().Msg("Server exited gracefully")
}
