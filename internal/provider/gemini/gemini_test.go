package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/metered-gateway/internal/provider"
)

func newTestProvider(url string) *GeminiProvider {
	p := New("test-key")
	p.baseURL = url
	return p
}

func TestComplete_Mock(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("Expected key query parameter, got %q", r.URL.Query().Get("key"))
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Parts: []geminiPart{{Text: "Hello from mock!"}},
					},
				},
			},
			UsageMetadata: geminiUsageMetadata{
				PromptTokenCount:     10,
				CandidatesTokenCount: 20,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	p.SetPricing(provider.Pricing{InputPerMillion: 1_000_000, OutputPerMillion: 1_000_000})

	req := &provider.Request{
		Model: "gemini-1.5-flash",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if !strings.HasSuffix(path, "/models/gemini-1.5-flash:generateContent") {
		t.Errorf("Unexpected request path %s", path)
	}
	if resp.Content != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if resp.Cost != 30 {
		t.Errorf("Expected cost 30, got %d", resp.Cost)
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	if _, err := p.Complete(context.Background(), &provider.Request{}); err == nil {
		t.Fatal("Expected error when no candidates are returned")
	}
}

func TestMapRequest_SystemInstruction(t *testing.T) {
	p := New("key")
	got := p.mapRequest(&provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("Expected system instruction to carry the system message")
	}
	if len(got.Contents) != 2 {
		t.Fatalf("Expected 2 contents, got %d", len(got.Contents))
	}
	if got.Contents[1].Role != "model" {
		t.Errorf("Expected assistant role mapped to model, got %s", got.Contents[1].Role)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got %s", p.Name())
	}
}
