package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	config "coordkit/configs"
	"coordkit/pkg/api"
	"coordkit/pkg/coordinator"
	"coordkit/pkg/logger"
	tracing "coordkit/pkg/observability"
	"coordkit/pkg/resilience"
)

func main() {
	configPath := flag.String("config", os.Getenv("COORD_CONFIG_FILE"), "optional TOML config file")
	flag.Parse()

	cfg := config.LoadConfig()
	if *configPath != "" {
		fileCfg, err := config.LoadFile(*configPath)
		if err != nil {
			logger.Fatal("failed to load config file", zap.String("path", *configPath), zap.Error(err))
		}
		cfg = fileCfg
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logCfg := logger.DefaultConfig("coordd")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()
	log.Info("starting coordd", zap.String("backend", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("coordd")
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	traceCfg.SamplingRate = cfg.TracingSampling
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	server, svc, err := build(cfg, log, tp.Tracer())
	if err != nil {
		log.Fatal("failed to start coordination service", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn("coordination service close", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// build opens the store and stacks the breaker and tracing decorators on it,
// then starts the coordination service and the API server around it.
func build(cfg *config.Config, log *zap.Logger, tracer trace.Tracer) (*api.Server, *coordinator.Service, error) {
	raw, err := coordinator.OpenStore(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to coordination store: %w", err)
	}
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Timeout = cfg.BreakerTimeout.Duration
	guarded := resilience.NewBreakerStore(raw, breakerCfg, log.Named("breaker"))
	store := tracing.NewTracedStore(guarded, tracer)

	svc, err := coordinator.New(store, cfg, log.Named("coordinator"))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		ServiceName: "coordd",
		Service:     svc,
		Breaker:     guarded.Breaker(),
		Logger:      log.Named("api"),
	})
	return server, svc, nil
}
