// Command controld runs the learning signal control layer: ingestion,
// signal log, state engine, decision engine, and the query API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/config"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/policy"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/ratelimit"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/server"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/decision"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/ingest"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/service/state"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	stores, err := storage.OpenStores(ctx, storage.Paths{
		Idempotency: cfg.IdempotencyDBPath,
		SignalLog:   cfg.SignalLogDBPath,
		State:       cfg.StateStoreDBPath,
		Decisions:   cfg.DecisionDBPath,
	})
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	def, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	logger.Info("policy loaded",
		"policy_id", def.PolicyID,
		"policy_version", def.PolicyVersion,
		"rules", len(def.Rules),
	)

	broker := server.NewBroker(logger)
	states := state.New(stores.SignalLog, stores.State, logger)
	decisions := decision.New(states, stores.Decisions, def, broker, logger)
	ing := ingest.New(stores.Idempotency, stores.SignalLog, states, decisions, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	handlers := server.NewHandlers(ing, stores.SignalLog, stores.Decisions, stores, broker,
		logger, version, cfg.MaxRequestBodyBytes)
	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, handlers, limiter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
