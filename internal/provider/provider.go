package provider

import (
	"context"
)

// TaskKind is the kind of work a request asks a backend to do.
type TaskKind string

const (
	KindChat      TaskKind = "chat"
	KindCode      TaskKind = "code"
	KindSummarize TaskKind = "summarize"
	KindClassify  TaskKind = "classify"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindChat, KindCode, KindSummarize, KindClassify:
		return true
	}
	return false
}

type Request struct {
	Kind        TaskKind  `json:"kind"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	// Metadata for routing decisions
	UserID    string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
	// Cost is the actual charge for this call in ledger minor units.
	Cost int64
}

// Pricing is expressed in ledger minor units per million tokens.
type Pricing struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// Cost returns the charge for the given token counts, rounded up so a
// non-empty call never costs zero.
func (p Pricing) Cost(inputTokens, outputTokens int) int64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	micro := int64(inputTokens)*p.InputPerMillion + int64(outputTokens)*p.OutputPerMillion
	return (micro + 999_999) / 1_000_000
}

// Max returns the more expensive of the two prices on each side.
func (p Pricing) Max(o Pricing) Pricing {
	if o.InputPerMillion > p.InputPerMillion {
		p.InputPerMillion = o.InputPerMillion
	}
	if o.OutputPerMillion > p.OutputPerMillion {
		p.OutputPerMillion = o.OutputPerMillion
	}
	return p
}

// Provider is a backend adapter. Implementations must honour ctx
// cancellation and report the actual cost of a successful call.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	Pricing() Pricing
	SupportedModels() []string
}

// Priced lets the catalog override an adapter's built-in prices.
type Priced interface {
	SetPricing(Pricing)
}
