// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/SyedDaiam9101/mri-classifier/internal/cache"
	"github.com/SyedDaiam9101/mri-classifier/internal/config"
	"github.com/SyedDaiam9101/mri-classifier/internal/handler"
	"github.com/SyedDaiam9101/mri-classifier/internal/imaging"
	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
	"github.com/SyedDaiam9101/mri-classifier/internal/metrics"
	"github.com/SyedDaiam9101/mri-classifier/internal/middleware"
	"github.com/SyedDaiam9101/mri-classifier/internal/pipeline"
	"github.com/SyedDaiam9101/mri-classifier/internal/store"
)

const serviceName = "mri-classifier"

func main() {
	// Parse command-line flags
	port := flag.Int("port", 0, "HTTP API port (default: 8000)")
	grpcPort := flag.Int("grpc-port", 0, "gRPC health port (default: 50051)")
	metricsPort := flag.Int("metrics", 0, "Prometheus metrics port (default: 9100)")
	modelPath := flag.String("model", "", "Path or URL of the ONNX model (default: model/vit_b32.onnx)")
	backend := flag.String("backend", "", "Inference backend: ort or go")
	redisAddr := flag.String("redis", "", "Redis address for the prediction cache (optional)")
	databaseURL := flag.String("database-url", "", "PostgreSQL URL for prediction history (optional)")
	configFile := flag.String("config", "", "Path to config file (optional)")
	useMock := flag.Bool("mock", false, "Use mock inference engine (for testing)")
	warmup := flag.Bool("warmup", false, "Load the model before accepting requests")
	drain := flag.Duration("drain", 5*time.Second, "Time to report NOT_SERVING before shutting down")
	flag.Parse()

	config.LoadDotEnv()

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadWithConfigFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override with flags if provided
	if *port > 0 {
		cfg.Port = *port
	}
	if *grpcPort > 0 {
		cfg.GRPCPort = *grpcPort
	}
	if *metricsPort > 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *modelPath != "" {
		cfg.Model = *modelPath
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *redisAddr != "" {
		cfg.Redis = *redisAddr
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *useMock {
		cfg.UseMockInference = true
	}
	if *warmup {
		cfg.Warmup = true
	}

	setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Int("port", cfg.Port).
		Int("grpc_port", cfg.GRPCPort).
		Int("metrics_port", cfg.MetricsPort).
		Str("model", cfg.Model).
		Str("backend", cfg.Backend).
		Bool("mock", cfg.UseMockInference).
		Bool("cache", cfg.Redis != "").
		Bool("history", cfg.DatabaseURL != "").
		Bool("otel", cfg.OTELEnabled).
		Msgf("starting %s", serviceName)

	// Initialize OpenTelemetry tracer
	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer(cfg.OTELEndpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize tracer")
		} else {
			log.Info().Str("endpoint", cfg.OTELEndpoint).Msg("OpenTelemetry tracing enabled")
		}
	}

	// The model is loaded on first use and shared by every request
	loader := inference.NewLoader(inference.Options{
		ModelPath:      cfg.Model,
		MetadataPath:   cfg.ModelMetadata,
		Backend:        cfg.Backend,
		ORTLibrary:     cfg.ORTLibrary,
		IntraOpThreads: cfg.IntraOpThreads,
	})
	if cfg.UseMockInference {
		log.Info().Msg("using mock inference engine")
		loader = func(context.Context) (inference.Engine, error) { return inference.NewMock(), nil }
	}
	oracle := inference.NewLazy(loader)
	defer func() {
		if err := oracle.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close model")
		}
		if !cfg.UseMockInference && cfg.Backend == inference.BackendORT {
			if err := inference.ShutdownRuntime(); err != nil {
				log.Warn().Err(err).Msg("failed to shut down onnxruntime")
			}
		}
	}()

	if cfg.Warmup {
		start := time.Now()
		if _, err := oracle.Get(context.Background()); err != nil {
			log.Error().Err(err).Msg("model warm-up failed; predictions will fail until reload")
		} else {
			log.Info().Dur("elapsed", time.Since(start)).Msg("model warmed up")
		}
	}

	opts := []pipeline.Option{
		pipeline.WithDecodeOptions(imaging.Options{MaxBytes: cfg.MaxUploadBytes, Size: cfg.ImageSize}),
		pipeline.WithRenderWithoutAttention(cfg.RenderWithoutAttention),
	}

	// Initialize Redis cache (optional)
	if cfg.Redis != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cacheClient, err := cache.New(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without cache")
		} else {
			defer cacheClient.Close()
			opts = append(opts, pipeline.WithCache(cacheClient, cfg.CacheTTL))
			log.Info().Str("redis", cfg.Redis).Msg("prediction cache enabled")
		}
	}

	// Initialize prediction history (optional)
	var history handler.History
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := store.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, continuing without history")
		} else {
			defer db.Close()
			history = db
			opts = append(opts, pipeline.WithRecorder(db))
			log.Info().Msg("prediction history enabled")
		}
	}

	h := handler.New(pipeline.New(oracle, opts...), oracle, history, handler.Options{
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	})
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Create gRPC health server
	healthServer := health.NewServer()

	// Start HTTP server for metrics and health checks
	opsServer := startOpsServer(cfg.MetricsPort, healthServer, oracle)

	// Build interceptor chain
	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(),
	}
	if cfg.OTELEnabled {
		interceptors = append(interceptors, otelgrpc.UnaryServerInterceptor())
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", grpcAddr).Msg("failed to listen")
	}
	go func() {
		log.Info().Str("addr", grpcAddr).Msg("gRPC health server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Set health status to serving
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING) // Overall health
	metrics.SetHealthy()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

		// Set health to not serving
		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.SetUnhealthy()

		// Give time for load balancers to detect unhealthy status
		time.Sleep(*drain)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown")
		}
		grpcServer.GracefulStop()
		if err := opsServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("ops server shutdown")
		}

		// Shutdown tracer
		if tracerShutdown != nil {
			if err := tracerShutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}
	}()

	log.Info().Str("addr", apiServer.Addr).Msgf("%s is ready to accept requests", serviceName)
	if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("failed to serve")
		return
	}

	<-done
	log.Info().Msg("server shutdown complete")
}
