package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	BackendsFile    string // optional YAML backend catalog

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Ledger
	LedgerCurrency     string // default: "CREDIT"
	LedgerRequireFunds bool
	PendingReapAfter   time.Duration
	PendingReapEvery   time.Duration

	// Circuit breakers
	Breaker BreakerConfig

	// Routing
	RouterPolicy         string // "cheapest" or "best_match"
	RouterMaxRetries     int
	RouterAttemptTimeout time.Duration

	// Budgets, in ledger minor units. Zero disables a window.
	BudgetStore  string // "redis" or "memory"
	UserBudget   WindowLimits
	GlobalBudget WindowLimits

	// Payments
	PaymentWebhookSecret string
}

type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	HalfOpenMaxProbes int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	JitterFraction    float64
}

type WindowLimits struct {
	Hourly  int64
	Daily   int64
	Monthly int64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		BackendsFile:         os.Getenv("BACKENDS_FILE"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LedgerCurrency:       getEnv("LEDGER_CURRENCY", "CREDIT"),
		RouterPolicy:         getEnv("ROUTER_POLICY", "cheapest"),
		BudgetStore:          getEnv("BUDGET_STORE", "redis"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
	}

	p := &parser{}
	cfg.DefaultRateLimitTPM = p.int64("DEFAULT_RATE_LIMIT_TPM", 100000)
	cfg.LedgerRequireFunds = p.bool("LEDGER_REQUIRE_FUNDS", false)
	cfg.PendingReapAfter = p.duration("PENDING_REAP_AFTER", 10*time.Minute)
	cfg.PendingReapEvery = p.duration("PENDING_REAP_INTERVAL", time.Minute)

	cfg.Breaker = BreakerConfig{
		FailureThreshold:  p.int("BREAKER_FAILURE_THRESHOLD", 5),
		SuccessThreshold:  p.int("BREAKER_SUCCESS_THRESHOLD", 2),
		HalfOpenMaxProbes: p.int("BREAKER_HALF_OPEN_MAX_PROBES", 3),
		BaseDelay:         p.duration("BREAKER_BASE_DELAY", time.Second),
		MaxDelay:          p.duration("BREAKER_MAX_DELAY", 5*time.Minute),
		JitterFraction:    p.float("BREAKER_JITTER_FRACTION", 0.2),
	}

	cfg.RouterMaxRetries = p.int("ROUTER_MAX_RETRIES", 2)
	cfg.RouterAttemptTimeout = p.duration("ROUTER_ATTEMPT_TIMEOUT", 60*time.Second)

	cfg.UserBudget = WindowLimits{
		Hourly:  p.int64("BUDGET_USER_HOURLY", 0),
		Daily:   p.int64("BUDGET_USER_DAILY", 0),
		Monthly: p.int64("BUDGET_USER_MONTHLY", 0),
	}
	cfg.GlobalBudget = WindowLimits{
		Hourly:  p.int64("BUDGET_GLOBAL_HOURLY", 0),
		Daily:   p.int64("BUDGET_GLOBAL_DAILY", 0),
		Monthly: p.int64("BUDGET_GLOBAL_MONTHLY", 0),
	}

	if p.err != nil {
		return nil, p.err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.BudgetStore != "redis" && cfg.BudgetStore != "memory" {
		return nil, fmt.Errorf("invalid BUDGET_STORE %q: want redis or memory", cfg.BudgetStore)
	}
	if cfg.BudgetStore == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.RouterPolicy != "cheapest" && cfg.RouterPolicy != "best_match" {
		return nil, fmt.Errorf("invalid ROUTER_POLICY %q: want cheapest or best_match", cfg.RouterPolicy)
	}
	if cfg.RouterMaxRetries < 0 {
		return nil, fmt.Errorf("ROUTER_MAX_RETRIES must not be negative")
	}
	if cfg.RouterAttemptTimeout <= 0 {
		return nil, fmt.Errorf("ROUTER_ATTEMPT_TIMEOUT must be positive")
	}
	if cfg.Breaker.FailureThreshold < 1 || cfg.Breaker.SuccessThreshold < 1 || cfg.Breaker.HalfOpenMaxProbes < 1 {
		return nil, fmt.Errorf("breaker thresholds must be at least 1")
	}
	if cfg.Breaker.BaseDelay <= 0 || cfg.Breaker.MaxDelay < cfg.Breaker.BaseDelay {
		return nil, fmt.Errorf("need 0 < BREAKER_BASE_DELAY <= BREAKER_MAX_DELAY")
	}
	if cfg.Breaker.JitterFraction < 0 || cfg.Breaker.JitterFraction > 1 {
		return nil, fmt.Errorf("BREAKER_JITTER_FRACTION must be within [0, 1]")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int64(key string, fallback int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) int(key string, fallback int) int {
	return int(p.int64(key, int64(fallback)))
}

func (p *parser) float(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
