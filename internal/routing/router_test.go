package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/metered-gateway/config"
	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/provider"
)

type fakeProvider struct {
	name    string
	pricing provider.Pricing
	models  []string
	cost    int64

	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding; -1 fails forever
	block    bool
}

func (f *fakeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New(f.name + " returned 500")
	}
	return &provider.Response{Content: "ok from " + f.name, Provider: f.name, InputTokens: 10, OutputTokens: 10, Cost: f.cost}, nil
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Pricing() provider.Pricing   { return f.pricing }
func (f *fakeProvider) SetPricing(p provider.Pricing) { f.pricing = p }
func (f *fakeProvider) SupportedModels() []string   { return f.models }

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func backend(p *fakeProvider, priority int, kinds ...provider.TaskKind) Backend {
	b := Backend{
		Name:        p.name,
		Provider:    p,
		Priority:    priority,
		Kinds:       map[provider.TaskKind]bool{},
		Suitability: map[provider.TaskKind]int{},
	}
	if len(kinds) == 0 {
		kinds = []provider.TaskKind{provider.KindChat}
	}
	for _, k := range kinds {
		b.Kinds[k] = true
	}
	return b
}

func breakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.JitterFraction = 0
	return cfg
}

func chatRequest() *provider.Request {
	return &provider.Request{Kind: provider.KindChat, Messages: []provider.Message{{Role: "user", Content: "hi"}}}
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveAttempt(backend, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[backend+":"+outcome]++
}

func TestRoute_AllBreakersOpenMakesNoCalls(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	reg := breaker.NewRegistry(breakerConfig())
	for _, name := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			reg.Get(name).OnFailure()
		}
	}
	r := NewRouter([]Backend{backend(a, 1), backend(b, 2)}, reg, Cheapest{}, Config{MaxRetries: 2})

	_, err := r.Route(context.Background(), chatRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBackendsUnavailable)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Len(t, unavailable.Attempts, 2)
	assert.Zero(t, unavailable.Called())
	assert.Zero(t, a.Calls())
	assert.Zero(t, b.Calls())
}

func TestRoute_FailuresBelowThresholdThenFailover(t *testing.T) {
	a := &fakeProvider{name: "a", cost: 5, failures: -1}
	b := &fakeProvider{name: "b", cost: 40}
	reg := breaker.NewRegistry(breakerConfig())
	r := NewRouter([]Backend{backend(a, 1), backend(b, 2)}, reg, Cheapest{}, Config{MaxRetries: 2})

	for i := 0; i < 2; i++ {
		res, err := r.Route(context.Background(), chatRequest(), nil)
		require.NoError(t, err)
		assert.Equal(t, "b", res.Backend)
		assert.Equal(t, int64(40), res.Cost)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, "a", res.Failed[0].Backend)
	}

	snap := reg.Get("a").Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, breaker.Closed, snap.State)
	assert.Equal(t, 2, a.Calls())
}

func TestRoute_SucceedsOnThirdCandidate(t *testing.T) {
	a := &fakeProvider{name: "a", failures: -1}
	c := &fakeProvider{name: "c", failures: -1}
	b := &fakeProvider{name: "b", cost: 12}
	obs := &countingObserver{}
	r := NewRouter([]Backend{backend(a, 1), backend(c, 2), backend(b, 3)},
		breaker.NewRegistry(breakerConfig()), Cheapest{}, Config{MaxRetries: 2}, WithObserver(obs))

	res, err := r.Route(context.Background(), chatRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.Equal(t, int64(12), res.Cost)
	assert.Equal(t, 1, obs.outcomes["a:failure"])
	assert.Equal(t, 1, obs.outcomes["c:failure"])
	assert.Equal(t, 1, obs.outcomes["b:success"])
}

func TestRoute_RetryLimit(t *testing.T) {
	a := &fakeProvider{name: "a", failures: -1}
	b := &fakeProvider{name: "b", failures: -1}
	c := &fakeProvider{name: "c"}
	r := NewRouter([]Backend{backend(a, 1), backend(b, 2), backend(c, 3)},
		breaker.NewRegistry(breakerConfig()), Cheapest{}, Config{MaxRetries: 1})

	_, err := r.Route(context.Background(), chatRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExceeded)
	assert.Zero(t, c.Calls())

	var unavailable *UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 2, unavailable.Called())
	assert.Contains(t, err.Error(), "a returned 500")
	assert.Contains(t, err.Error(), "b returned 500")
}

func TestRoute_OpenCandidatesDoNotConsumeRetries(t *testing.T) {
	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b", failures: -1}
	c := &fakeProvider{name: "c", cost: 3}
	reg := breaker.NewRegistry(breakerConfig())
	for i := 0; i < 3; i++ {
		reg.Get("a").OnFailure()
	}
	r := NewRouter([]Backend{backend(a, 1), backend(b, 2), backend(c, 3)}, reg, Cheapest{}, Config{MaxRetries: 1})

	res, err := r.Route(context.Background(), chatRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "c", res.Backend)
	assert.Zero(t, a.Calls())
}

func TestRoute_TimeoutCountsAsFailure(t *testing.T) {
	slow := &fakeProvider{name: "slow", block: true}
	fast := &fakeProvider{name: "fast", cost: 7}
	reg := breaker.NewRegistry(breakerConfig())
	r := NewRouter([]Backend{backend(slow, 1), backend(fast, 2)}, reg, Cheapest{},
		Config{MaxRetries: 2, AttemptTimeout: 20 * time.Millisecond})

	res, err := r.Route(context.Background(), chatRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Backend)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Reason, ErrBackendTimeout.Error())
	assert.Equal(t, 1, reg.Get("slow").Snapshot().ConsecutiveFailures)
}

func TestRoute_CallerCancellation(t *testing.T) {
	slow := &fakeProvider{name: "slow", block: true}
	other := &fakeProvider{name: "other"}
	reg := breaker.NewRegistry(breakerConfig())
	r := NewRouter([]Backend{backend(slow, 1), backend(other, 2)}, reg, Cheapest{}, Config{MaxRetries: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Route(ctx, chatRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, other.Calls())
	assert.Zero(t, reg.Get("slow").Snapshot().ConsecutiveFailures)
}

func TestRoute_CancelledHalfOpenProbeIsReleased(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := breaker.NewRegistry(breakerConfig(), breaker.WithClock(func() time.Time { return now }))
	for i := 0; i < 3; i++ {
		reg.Get("slow").OnFailure()
	}
	now = now.Add(time.Hour)

	slow := &fakeProvider{name: "slow", block: true}
	r := NewRouter([]Backend{backend(slow, 1)}, reg, Cheapest{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Route(ctx, chatRequest(), nil)
	require.Error(t, err)

	snap := reg.Get("slow").Snapshot()
	assert.Equal(t, breaker.HalfOpen, snap.State)
	assert.Zero(t, snap.InFlightProbes)
	assert.True(t, reg.Get("slow").Allow(), "probe slot was handed back")
}

func TestRoute_ConfigurationErrors(t *testing.T) {
	a := &fakeProvider{name: "a", models: []string{"model-a"}}
	r := NewRouter([]Backend{backend(a, 1, provider.KindChat)},
		breaker.NewRegistry(breakerConfig()), Cheapest{}, Config{})

	tests := []struct {
		name string
		req  *provider.Request
	}{
		{"unknown kind", &provider.Request{Kind: "poetry"}},
		{"kind without backend", &provider.Request{Kind: provider.KindCode}},
		{"model not served", &provider.Request{Kind: provider.KindChat, Model: "model-z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Route(context.Background(), tt.req, nil)
			assert.ErrorIs(t, err, ErrNoBackendForTask)
			assert.NotErrorIs(t, err, ErrAllBackendsUnavailable)
		})
	}
	assert.Zero(t, a.Calls())
}

func TestRoute_ModelNarrowsCandidates(t *testing.T) {
	a := &fakeProvider{name: "a", models: []string{"model-a"}}
	b := &fakeProvider{name: "b", models: []string{"model-b"}}
	r := NewRouter([]Backend{backend(a, 1), backend(b, 2)},
		breaker.NewRegistry(breakerConfig()), Cheapest{}, Config{})

	req := chatRequest()
	req.Model = "model-b"
	res, err := r.Route(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.Zero(t, a.Calls())
}

func TestRoute_CheapestUsesCostFunc(t *testing.T) {
	pricey := &fakeProvider{name: "pricey", pricing: provider.Pricing{InputPerMillion: 10_000_000, OutputPerMillion: 10_000_000}}
	cheap := &fakeProvider{name: "cheap", pricing: provider.Pricing{InputPerMillion: 1_000_000, OutputPerMillion: 1_000_000}}
	r := NewRouter([]Backend{backend(pricey, 1), backend(cheap, 2)},
		breaker.NewRegistry(breakerConfig()), Cheapest{}, Config{})

	cost := func(_ *provider.Request, p provider.Pricing) int64 { return p.Cost(100, 100) }
	res, err := r.Route(context.Background(), chatRequest(), cost)
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Backend)
}

func TestPolicies(t *testing.T) {
	x := Backend{Name: "x", Priority: 2, Suitability: map[provider.TaskKind]int{provider.KindCode: 90}}
	y := Backend{Name: "y", Priority: 1, Suitability: map[provider.TaskKind]int{provider.KindCode: 60}}
	z := Backend{Name: "z", Priority: 3, Suitability: map[provider.TaskKind]int{provider.KindCode: 90}}
	candidates := []Candidate{{Backend: z, EstimatedCost: 5}, {Backend: x, EstimatedCost: 5}, {Backend: y, EstimatedCost: 9}}

	names := func(cs []Candidate) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.Backend.Name
		}
		return out
	}

	assert.Equal(t, []string{"x", "z", "y"}, names(Cheapest{}.Rank(provider.KindCode, candidates)))
	assert.Equal(t, []string{"x", "z", "y"}, names(BestMatch{}.Rank(provider.KindCode, candidates)))
	assert.Equal(t, []string{"y", "x", "z"}, names(BestMatch{}.Rank(provider.KindChat, candidates)))
	assert.Equal(t, "z", candidates[0].Backend.Name, "input is not reordered")

	p, err := PolicyByName("best_match")
	require.NoError(t, err)
	assert.Equal(t, PolicyBestMatch, p.Name())
	_, err = PolicyByName("random")
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	p := &fakeProvider{name: "openai", pricing: provider.Pricing{InputPerMillion: 1, OutputPerMillion: 2}}
	b, err := NewBackend(config.BackendConfig{
		Name:            "openai",
		Priority:        2,
		Kinds:           []string{"chat", "code"},
		Suitability:     map[string]int{"code": 80},
		InputPerMillion: 500,
	}, p)
	require.NoError(t, err)
	assert.True(t, b.Supports(provider.KindCode))
	assert.False(t, b.Supports(provider.KindClassify))
	assert.Equal(t, 80, b.Suitability[provider.KindCode])
	assert.Equal(t, provider.Pricing{InputPerMillion: 500, OutputPerMillion: 2}, p.Pricing())

	_, err = NewBackend(config.BackendConfig{Name: "bad", Kinds: []string{"poetry"}}, p)
	assert.Error(t, err)
}
