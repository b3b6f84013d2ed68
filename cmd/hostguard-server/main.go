package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/api"
	"github.com/wardenlabs/hostguard/internal/auth"
	"github.com/wardenlabs/hostguard/internal/chread"
	"github.com/wardenlabs/hostguard/internal/dispatch"
	"github.com/wardenlabs/hostguard/internal/evidence"
	"github.com/wardenlabs/hostguard/internal/registry"
	"github.com/wardenlabs/hostguard/internal/risk"
	"github.com/wardenlabs/hostguard/internal/rollout"
	"github.com/wardenlabs/hostguard/internal/storage"
	"github.com/wardenlabs/hostguard/internal/store"
	"github.com/wardenlabs/hostguard/internal/trust"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("HOSTGUARD_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("HOSTGUARD_HTTP_PORT", "8080")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	cacheTTL := envOrDefaultInt("HOSTGUARD_AUTH_CACHE_TTL_S", 30)
	riskEnabled := envOrDefault("HOSTGUARD_RISK_ENABLED", "true") == "true"
	riskTimeoutMs := envOrDefaultInt("HOSTGUARD_RISK_TIMEOUT_MS", 50)
	riskFailClosed := envOrDefault("HOSTGUARD_RISK_FAIL_CLOSED", "true") == "true"
	executorURL := os.Getenv("HOSTGUARD_EXECUTOR_URL")
	executorTimeoutMs := envOrDefaultInt("HOSTGUARD_EXECUTOR_TIMEOUT_MS", 30000)

	logger.Info("starting hostguard server",
		zap.String("http_port", httpPort),
		zap.Bool("risk_enabled", riskEnabled),
		zap.Int("risk_timeout_ms", riskTimeoutMs),
		zap.Bool("risk_fail_closed", riskFailClosed),
	)

	// Postgres pool (required: extensions, trust, rollout, and ledger all
	// persist here)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	logger.Info("postgres connected")

	// Risk ledger — replayed from Postgres so hash chains survive restarts.
	// A chain break here means the persisted record was tampered with or
	// corrupted; refuse to start.
	led, err := pgStore.LoadLedger(context.Background())
	if err != nil {
		logger.Fatal("failed to load risk ledger", zap.Error(err))
	}
	logger.Info("risk ledger loaded", zap.Int("entries", led.Len()))

	alerts := alert.NewStream()
	tracker := trust.NewTracker(pgStore, alerts, logger)

	controller, err := rollout.NewController(context.Background(), pgStore, led, rolloutSLOFromEnv(), alerts, logger)
	if err != nil {
		logger.Fatal("failed to init rollout controller", zap.Error(err))
	}
	logger.Info("rollout controller ready", zap.String("phase", controller.Phase().String()))

	riskCfg := risk.DefaultConfig()
	riskCfg.DecisionTimeout = time.Duration(riskTimeoutMs) * time.Millisecond
	riskCfg.FailClosed = riskFailClosed
	riskEngine := risk.NewEngine(riskCfg, logger)

	reg := registry.New()
	subs := evidence.NewSubLedgers()

	// Telemetry — ClickHouse (or log fallback) for analytics, plus an
	// in-memory copy that feeds evidence bundles.
	memEvents := storage.NewMemoryWriter()
	var sink storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			sink = storage.NewLogWriter(logger)
		} else {
			sink = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		sink = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	events := storage.NewMultiWriter(sink, memEvents)
	defer events.Close()

	bundler := evidence.NewBundler(led, alerts, memEvents, subs)

	// Executor — the host runtime endpoint, or an acknowledge-only fallback
	var executor dispatch.Executor
	if executorURL != "" {
		executor = dispatch.NewHTTPExecutor(executorURL, time.Duration(executorTimeoutMs)*time.Millisecond)
		logger.Info("http executor configured", zap.String("endpoint", executorURL))
	} else {
		executor = dispatch.NewLogExecutor(logger)
		logger.Info("no HOSTGUARD_EXECUTOR_URL set, allowed calls are acknowledged only")
	}

	dispatcher := dispatch.New(
		tracker, riskEngine, controller, led, alerts, reg,
		pgStore, executor, events, subs,
		dispatch.Options{EnableRisk: riskEnabled, LedgerSink: pgStore},
		logger,
	)

	// ClickHouse reader (for events/analytics HTTP endpoints)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	authenticator := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		DB:       db,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
		Logger:   logger,
	})

	deps := &api.Dependencies{
		Store:      pgStore,
		Dispatcher: dispatcher,
		Trust:      tracker,
		Rollout:    controller,
		Alerts:     alerts,
		Registry:   reg,
		Bundler:    bundler,
		Reader:     chReader,
		Auth:       authenticator,
		Logger:     logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("hostguard server stopped")
}

// rolloutSLOFromEnv returns the rollback-trigger SLO with env overrides
// applied on top of the defaults.
func rolloutSLOFromEnv() rollout.SLO {
	slo := rollout.DefaultSLO()
	slo.MinSamples = envOrDefaultInt("HOSTGUARD_SLO_MIN_SAMPLES", slo.MinSamples)
	slo.WindowSize = envOrDefaultInt("HOSTGUARD_SLO_WINDOW", slo.WindowSize)
	slo.MaxFalsePositiveRate = float64(envOrDefaultFloat("HOSTGUARD_SLO_MAX_FP_RATE", float32(slo.MaxFalsePositiveRate)))
	slo.MaxErrorRate = float64(envOrDefaultFloat("HOSTGUARD_SLO_MAX_ERROR_RATE", float32(slo.MaxErrorRate)))
	slo.MaxDecisionLatencyMs = float64(envOrDefaultFloat("HOSTGUARD_SLO_MAX_DECISION_MS", float32(slo.MaxDecisionLatencyMs)))
	return slo
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}
