package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"s3zipper/internal/audit"
	"s3zipper/internal/auth"
	"s3zipper/internal/circuitbreaker"
	"s3zipper/internal/config"
	"s3zipper/internal/handlers"
	"s3zipper/internal/metrics"
	"s3zipper/internal/otelx"
	"s3zipper/internal/ratelimit"
	"s3zipper/internal/server"
	"s3zipper/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to config file (overrides CONFIG_FILE env var)")
	flag.Parse()

	// Load environment variables from file
	loadEnvFile(*configFile)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to init logger:", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing, err := otelx.Init(ctx, otelx.Options{
		Enabled:  cfg.OTelEnabled,
		Endpoint: cfg.OTelEndpoint,
		Insecure: cfg.OTelInsecure,
		Sample:   cfg.OTelSampleRatio,
		Service:  cfg.ServiceName,
		Version:  version,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	// Initialize metrics
	m := metrics.New()
	m.StartRuntimeMetricsCollector(ctx, 15*time.Second)

	// Initialize circuit breakers
	storageBreaker := circuitbreaker.New("storage", cfg, m, circuitbreaker.WithSuccessFunc(storage.BreakerSuccess))
	logger.Info("initialized circuit breaker", zap.String("name", "storage"))

	// Initialize storage provider
	storageProvider, err := storage.New(ctx, cfg, m, storageBreaker)
	if err != nil {
		logger.Fatal("failed to initialize storage provider", zap.Error(err))
	}
	if closer, ok := storageProvider.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("initialized storage provider", zap.String("type", storageProvider.Type()))

	// Initialize audit trail
	sink, err := audit.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize audit sink", zap.Error(err))
	}
	recorder := audit.NewRecorder(sink, logger, m, cfg.AuditTimeout)
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("audit close error", zap.Error(err))
		}
	}()
	logger.Info("initialized audit sink", zap.String("sink", recorder.Name()))

	// Initialize auth verifier
	var verifier *auth.Verifier
	if cfg.EnforceSigning || len(cfg.SigningSecret) > 0 {
		verifier = auth.NewVerifier(cfg.SigningSecret, cfg.EnforceSigning, m)
	}

	// Initialize handlers
	downloadHandler := handlers.NewHandler(logger, storageProvider, verifier, recorder, m, handlers.OptionsFromConfig(cfg))
	healthHandler := handlers.NewHealthHandler(logger, storageProvider, recorder, m)

	var limiter *ratelimit.IPLimiter
	if cfg.RateLimitPerIP > 0 {
		limiter = ratelimit.New(ctx,
			ratelimit.WithRate(cfg.RateLimitPerIP, cfg.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.RateLimitedTotal.Inc() }),
			ratelimit.WithOnFirstDenied(func(ip string) {
				logger.Warn("client rate limited", zap.String("client_ip", ip))
			}),
		)
	}

	// Initialize and start server
	srv := server.New(logger, cfg, m, downloadHandler, healthHandler, limiter)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	// Wait for shutdown signal
	if err := srv.WaitForShutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// newLogger builds a JSON production logger at level. "debug" switches to
// the development encoder.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// loadEnvFile loads environment variables from a file
// Priority: --config flag > CONFIG_FILE env var > .env file
// Silently continues if file doesn't exist (falls back to OS env vars)
func loadEnvFile(flagConfigFile string) {
	var configFile string

	// 1. Check --config flag
	if flagConfigFile != "" {
		configFile = flagConfigFile
	} else {
		// 2. Check CONFIG_FILE env var
		configFile = os.Getenv("CONFIG_FILE")
	}

	// 3. Try specified file or default to .env
	if configFile != "" {
		// User specified a file - fail if it doesn't exist
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("failed to load config file %s: %v", configFile, err)
		}
		log.Printf("loaded config from: %s", configFile)
	} else if err := godotenv.Load(); err == nil {
		log.Println("loaded config from: .env")
	}
}
