package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/metered-gateway/config"
	"github.com/vnmchuo/metered-gateway/internal/auth"
	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/budget"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
	"github.com/vnmchuo/metered-gateway/internal/logging"
	"github.com/vnmchuo/metered-gateway/internal/metering"
	"github.com/vnmchuo/metered-gateway/internal/provider"
	"github.com/vnmchuo/metered-gateway/internal/provider/claude"
	"github.com/vnmchuo/metered-gateway/internal/provider/gemini"
	"github.com/vnmchuo/metered-gateway/internal/provider/openai"
	"github.com/vnmchuo/metered-gateway/internal/proxy"
	"github.com/vnmchuo/metered-gateway/internal/routing"
	"github.com/vnmchuo/metered-gateway/internal/seeder"
	"github.com/vnmchuo/metered-gateway/internal/telemetry"
	"github.com/vnmchuo/metered-gateway/internal/worker"
	"github.com/vnmchuo/metered-gateway/pkg/ratelimit"
)

const serviceName = "metered-gateway"

func main() {
	logger, err := logging.NewFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics("gateway")
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := ledger.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	if err := auth.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate api keys: %w", err)
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	var (
		rdb     *redis.Client
		cache   redis.UniversalClient
		limiter *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		cache = rdb
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("redis connected")
	} else {
		logger.Warn("REDIS_ADDR not set: auth cache and rate limiting disabled")
	}

	// 5. Budgets
	var budgetStore budget.Store
	switch cfg.BudgetStore {
	case "memory":
		budgetStore = budget.NewMemoryStore()
	case "redis":
		budgetStore = budget.NewResilientStore(budget.NewRedisStore(rdb), budget.DefaultResilientConfig(), logger)
	default:
		return fmt.Errorf("unknown budget store %q", cfg.BudgetStore)
	}
	tracker := budget.NewTracker(budgetStore, limits(cfg.UserBudget), limits(cfg.GlobalBudget), logger)

	// 6. Ledger
	accounts := ledger.New(ledger.NewPostgresStore(pool),
		ledger.WithCurrency(cfg.LedgerCurrency),
		ledger.WithRequireFunds(cfg.LedgerRequireFunds),
		ledger.WithLogger(logger),
		ledger.WithTransitionHook(metrics.LedgerTransition),
	)

	// 7. Backends and breakers
	breakerCfg := breakerConfig(cfg.Breaker)
	if err := breakerCfg.Validate(); err != nil {
		return err
	}
	breakers := breaker.NewRegistry(breakerCfg,
		breaker.WithStateChange(func(backend string, from, to breaker.State) {
			metrics.BreakerStateChanged(backend, from, to)
			logger.Warn("breaker state changed",
				zap.String("backend", backend),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	policy, err := routing.PolicyByName(cfg.RouterPolicy)
	if err != nil {
		return err
	}
	router := routing.NewRouter(backends, breakers, policy,
		routing.Config{
			MaxRetries:     cfg.RouterMaxRetries,
			AttemptTimeout: cfg.RouterAttemptTimeout,
		},
		routing.WithObserver(metrics),
		routing.WithLogger(logger),
		routing.WithTracer(tracer),
	)

	// 8. Metering pipeline
	pipeline := metering.New(tracker, router, accounts,
		metering.WithLogger(logger),
		metering.WithTracer(tracer),
		metering.WithObserver(metrics),
	)

	// 9. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, cache, logger)

	// 10. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		if err := seeder.Seed(ctx, authStore, accounts, logger); err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
	}

	// 11. Init handler
	handler := proxy.NewHandler(proxy.Deps{
		Spender:       pipeline,
		Accounts:      accounts,
		Budgets:       tracker,
		Breakers:      breakers,
		Limiter:       limiter,
		WebhookSecret: cfg.PaymentWebhookSecret,
		Tracer:        tracer,
		Logger:        logger,
	})

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestIDBridge)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	handler.Mount(r, authMiddleware)

	// 13. Serve until signalled
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	reaper := worker.NewReaper(accounts, worker.ReaperConfig{
		After: cfg.PendingReapAfter,
		Every: cfg.PendingReapEvery,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway starting", zap.String("port", cfg.Port), zap.Int("backends", len(backends)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func buildBackends(cfg *config.Config) ([]routing.Backend, error) {
	catalog, err := config.LoadBackends(cfg.BackendsFile)
	if err != nil {
		return nil, err
	}

	adapters := map[string]func() provider.Provider{
		"gemini": func() provider.Provider { return gemini.New(cfg.GeminiAPIKey) },
		"openai": func() provider.Provider { return openai.New(cfg.OpenAIAPIKey) },
		"claude": func() provider.Provider { return claude.New(cfg.AnthropicAPIKey) },
	}

	backends := make([]routing.Backend, 0, len(catalog))
	for _, bc := range catalog {
		newAdapter, ok := adapters[bc.Name]
		if !ok {
			return nil, fmt.Errorf("backend %q: no adapter with that name", bc.Name)
		}
		b, err := routing.NewBackend(bc, newAdapter())
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, errors.New("no backends enabled")
	}
	return backends, nil
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:  c.FailureThreshold,
		SuccessThreshold:  c.SuccessThreshold,
		HalfOpenMaxProbes: c.HalfOpenMaxProbes,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		JitterFraction:    c.JitterFraction,
	}
}

func limits(w config.WindowLimits) budget.Limits {
	return budget.Limits{Hourly: w.Hourly, Daily: w.Daily, Monthly: w.Monthly}
}

// requestIDBridge copies chi's request id into the auth context so handlers
// and logs share one id.
func requestIDBridge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(auth.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
