package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vnmchuo/metered-gateway/internal/provider"
)

func newTestProvider(url string) *OpenAIProvider {
	p := New("test-key")
	p.baseURL = url
	return p
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		var body openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "gpt-4o-mini" {
			t.Errorf("Expected default model gpt-4o-mini, got %s", body.Model)
		}

		resp := openAIResponse{
			ID: "test-id",
			Choices: []openAIChoice{
				{
					Message: openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"},
				},
			},
			Usage: openAIUsage{
				PromptTokens:     15,
				CompletionTokens: 25,
			},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	p.SetPricing(provider.Pricing{InputPerMillion: 1_000_000, OutputPerMillion: 2_000_000})

	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from OpenAI mock!" {
		t.Errorf("Expected 'Hello from OpenAI mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 15 {
		t.Errorf("Expected 15 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 25 {
		t.Errorf("Expected 25 output tokens, got %d", resp.OutputTokens)
	}
	if resp.Cost != 65 {
		t.Errorf("Expected cost 65, got %d", resp.Cost)
	}
	if resp.Provider != "openai" {
		t.Errorf("Expected provider openai, got %s", resp.Provider)
	}
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Complete(context.Background(), &provider.Request{})
	if err == nil {
		t.Fatal("Expected error for non-200 response")
	}
}

func TestComplete_HonoursCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(ctx, &provider.Request{})
	if err == nil {
		t.Fatal("Expected error after context deadline")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Complete did not stop on cancellation")
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	models := p.SupportedModels()
	found := false
	for _, m := range models {
		if m == "gpt-4o-mini" {
			found = true
			break
		}
	}
	if !found {
		t.Error("gpt-4o-mini should be in supported models")
	}
}
