package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Expected failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.RouterMaxRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", cfg.RouterMaxRetries)
	}
	if cfg.PendingReapAfter != 10*time.Minute {
		t.Errorf("Expected reap after 10m, got %s", cfg.PendingReapAfter)
	}
}

func TestLoad_MissingDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for missing POSTGRES_DSN")
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("BUDGET_USER_DAILY", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid BUDGET_USER_DAILY")
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ROUTER_POLICY", "random")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown ROUTER_POLICY")
	}
}

func TestLoad_RejectsUnsafeSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown budget store", "BUDGET_STORE", "memroy"},
		{"zero breaker base delay", "BREAKER_BASE_DELAY", "0s"},
		{"negative breaker base delay", "BREAKER_BASE_DELAY", "-1s"},
		{"max delay below base delay", "BREAKER_MAX_DELAY", "500ms"},
		{"zero attempt timeout", "ROUTER_ATTEMPT_TIMEOUT", "0s"},
		{"negative attempt timeout", "ROUTER_ATTEMPT_TIMEOUT", "-5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
			t.Setenv("REDIS_ADDR", "")
			t.Setenv("BUDGET_STORE", "memory")
			t.Setenv(tt.key, tt.val)

			if _, err := Load(); err == nil {
				t.Fatalf("Expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_MemoryBudgetStoreWithoutRedis(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("BUDGET_STORE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BudgetStore != "memory" {
		t.Errorf("Expected memory budget store, got %s", cfg.BudgetStore)
	}
}

func TestParseBackends(t *testing.T) {
	raw := []byte(`
backends:
  - name: openai
    priority: 1
    kinds: [chat, code]
    suitability:
      code: 90
    input_per_million: 150
    output_per_million: 600
  - name: claude
    disabled: true
    kinds: [chat]
`)
	backends, err := ParseBackends(raw)
	if err != nil {
		t.Fatalf("ParseBackends failed: %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("Expected 1 enabled backend, got %d", len(backends))
	}
	if backends[0].Suitability["code"] != 90 {
		t.Errorf("Expected code suitability 90, got %d", backends[0].Suitability["code"])
	}
	if backends[0].OutputPerMillion != 600 {
		t.Errorf("Expected output price 600, got %d", backends[0].OutputPerMillion)
	}
}

func TestParseBackends_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name": "backends:\n  - kinds: [chat]\n",
		"no kinds":     "backends:\n  - name: a\n",
		"duplicate":    "backends:\n  - name: a\n    kinds: [chat]\n  - name: a\n    kinds: [chat]\n",
		"negative":     "backends:\n  - name: a\n    kinds: [chat]\n    input_per_million: -1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBackends([]byte(raw)); err == nil {
				t.Errorf("Expected error")
			}
		})
	}
}
