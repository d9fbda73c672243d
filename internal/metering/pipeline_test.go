package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/budget"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
	"github.com/vnmchuo/metered-gateway/internal/provider"
	"github.com/vnmchuo/metered-gateway/internal/routing"
)

var unitPricing = provider.Pricing{InputPerMillion: 1_000_000, OutputPerMillion: 1_000_000}

type stubProvider struct {
	name    string
	cost    int64
	fail    bool
	block   bool
	pricing provider.Pricing

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.fail {
		return nil, fmt.Errorf("%s: upstream error", s.name)
	}
	return &provider.Response{Content: "done", Provider: s.name, Model: s.name + "-model", InputTokens: 3, OutputTokens: 7, Cost: s.cost}, nil
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) Pricing() provider.Pricing { return s.pricing }
func (s *stubProvider) SupportedModels() []string { return []string{s.name + "-model"} }

func (s *stubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	denials  []string
}

func (o *recordingObserver) ObserveSpend(outcome string, _ int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) ObserveBudgetDenial(scope, window string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denials = append(o.denials, scope+"/"+window)
}

type fixture struct {
	ledger   *ledger.Ledger
	tracker  *budget.Tracker
	breakers *breaker.Registry
	router   *routing.Router
	observer *recordingObserver
	pipeline *Pipeline
}

func newFixture(t *testing.T, limits budget.Limits, ledgerOpts []ledger.Option, providers ...*stubProvider) *fixture {
	t.Helper()

	backends := make([]routing.Backend, 0, len(providers))
	for i, p := range providers {
		if p.pricing == (provider.Pricing{}) {
			p.pricing = unitPricing
		}
		backends = append(backends, routing.Backend{
			Name:     p.name,
			Provider: p,
			Priority: i + 1,
			Kinds:    map[provider.TaskKind]bool{provider.KindChat: true},
		})
	}

	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 3
	f := &fixture{
		ledger:   ledger.New(ledger.NewMemoryStore(), ledgerOpts...),
		tracker:  budget.NewTracker(budget.NewMemoryStore(), limits, budget.Limits{}, zap.NewNop()),
		breakers: breaker.NewRegistry(cfg),
		observer: &recordingObserver{},
	}
	f.router = routing.NewRouter(backends, f.breakers, routing.Cheapest{}, routing.Config{MaxRetries: 2})
	f.pipeline = New(f.tracker, f.router, f.ledger, WithObserver(f.observer))
	return f
}

func spendRequest(user, key string) SpendRequest {
	return SpendRequest{
		UserID:         user,
		IdempotencyKey: key,
		Request: &provider.Request{
			Messages:  []provider.Message{{Role: "user", Content: "hello there"}},
			MaxTokens: 10,
		},
	}
}

func (f *fixture) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (f *fixture) consumed(t *testing.T, user string, w budget.Window) int64 {
	t.Helper()
	counters, err := f.tracker.Counters(context.Background(), user)
	require.NoError(t, err)
	for _, c := range counters {
		if c.Scope == budget.UserScope(user) && c.Window == w {
			return c.Consumed
		}
	}
	t.Fatalf("no %s counter for %s", w, user)
	return 0
}

func TestSpend_ChargesActualCost(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 40}
	f := newFixture(t, budget.Limits{Daily: 100}, nil, healthy)

	res, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Status)
	assert.Equal(t, "healthy", res.Backend)
	assert.Equal(t, int64(40), res.Cost)
	assert.Equal(t, int64(13), res.Estimate)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Response)

	assert.Equal(t, int64(-40), f.balance(t, "alice"))
	assert.Equal(t, int64(40), f.balance(t, ledger.SystemRevenue))
	assert.Equal(t, int64(40), f.consumed(t, "alice", budget.Daily))

	tx, err := f.ledger.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
	assert.Equal(t, "healthy", tx.Metadata["backend"])
	assert.Equal(t, "7", tx.Metadata["output_tokens"])
	assert.Equal(t, []string{OutcomeCompleted}, f.observer.outcomes)
}

func TestSpend_BudgetExceededLeavesFailedTransaction(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 5}
	f := newFixture(t, budget.Limits{Hourly: 10}, nil, healthy)

	_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)

	var exceeded *budget.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, budget.Hourly, exceeded.Window)

	tx, err := f.ledger.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Empty(t, tx.Entries)
	assert.Contains(t, tx.Metadata["failure_reason"], "hourly")

	assert.Zero(t, healthy.Calls())
	assert.Zero(t, f.balance(t, "alice"))
	assert.Equal(t, []string{"user/hourly"}, f.observer.denials)
	assert.Equal(t, []string{OutcomeBudgetExceeded}, f.observer.outcomes)
}

func TestSpend_AllBackendsDownChargesNothing(t *testing.T) {
	a := &stubProvider{name: "a", fail: true}
	b := &stubProvider{name: "b", fail: true}
	f := newFixture(t, budget.Limits{Daily: 100}, nil, a, b)

	_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrAllBackendsUnavailable)
	assert.Contains(t, err.Error(), "a: upstream error")
	assert.Contains(t, err.Error(), "b: upstream error")

	tx, err := f.ledger.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Empty(t, tx.Entries)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Zero(t, f.consumed(t, "alice", budget.Daily))
	assert.Equal(t, []string{OutcomeUnavailable}, f.observer.outcomes)
}

func TestSpend_FailoverChargesOnlyTheWinner(t *testing.T) {
	a := &stubProvider{name: "a", fail: true}
	b := &stubProvider{name: "b", cost: 25}
	f := newFixture(t, budget.Limits{}, nil, a, b)

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.Spend(context.Background(), spendRequest("alice", fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, "b", res.Backend)
		assert.Equal(t, int64(25), res.Cost)
	}

	snap := f.breakers.Get("a").Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, breaker.Closed, snap.State)
	assert.Equal(t, int64(-50), f.balance(t, "alice"))

	tx, err := f.ledger.Lookup(context.Background(), "req-0")
	require.NoError(t, err)
	assert.Equal(t, "a", tx.Metadata["failed_over"])
}

func TestSpend_DuplicateKeyChargesOnce(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 40}
	f := newFixture(t, budget.Limits{Daily: 100}, nil, healthy)

	first, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.NoError(t, err)
	second, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Response)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(40), second.Cost)
	assert.Equal(t, "healthy", second.Backend)
	assert.Equal(t, 1, healthy.Calls())
	assert.Equal(t, int64(-40), f.balance(t, "alice"))
	assert.Equal(t, int64(40), f.consumed(t, "alice", budget.Daily))
}

func TestSpend_ConcurrentDuplicatesCallOneBackend(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 40}
	f := newFixture(t, budget.Limits{}, nil, healthy)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
			if err != nil {
				assert.ErrorIs(t, err, ErrRequestInFlight)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, healthy.Calls())
	assert.Equal(t, int64(-40), f.balance(t, "alice"))
}

func TestSpend_RetryAfterFailureIsRejected(t *testing.T) {
	down := &stubProvider{name: "down", fail: true}
	f := newFixture(t, budget.Limits{}, nil, down)

	_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.Error(t, err)

	_, err = f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, 1, down.Calls())
}

func TestSpend_CancellationSettlesAsFailed(t *testing.T) {
	slow := &stubProvider{name: "slow", block: true}
	f := newFixture(t, budget.Limits{}, nil, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.pipeline.Spend(ctx, spendRequest("alice", "req-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	tx, err := f.ledger.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Zero(t, f.breakers.Get("slow").Snapshot().ConsecutiveFailures)
	assert.Equal(t, []string{OutcomeCancelled}, f.observer.outcomes)
}

func TestSpend_ConfigurationErrorReservesNothing(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 1}
	f := newFixture(t, budget.Limits{}, nil, healthy)

	sr := spendRequest("alice", "req-1")
	sr.Request.Kind = provider.KindCode
	_, err := f.pipeline.Spend(context.Background(), sr)
	assert.ErrorIs(t, err, routing.ErrNoBackendForTask)

	_, err = f.ledger.Lookup(context.Background(), "req-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Zero(t, healthy.Calls())
}

func TestSpend_KeyOwnedByAnotherUser(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 1}
	f := newFixture(t, budget.Limits{}, nil, healthy)

	_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "shared"))
	require.NoError(t, err)

	_, err = f.pipeline.Spend(context.Background(), spendRequest("bob", "shared"))
	assert.ErrorIs(t, err, ledger.ErrKeyConflict)
	assert.Equal(t, 1, healthy.Calls())
}

func TestSpend_InsufficientFunds(t *testing.T) {
	healthy := &stubProvider{name: "healthy", cost: 1}
	f := newFixture(t, budget.Limits{}, []ledger.Option{ledger.WithRequireFunds(true)}, healthy)

	_, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Zero(t, healthy.Calls())

	_, err = f.ledger.CreditPurchase(context.Background(), "payment:evt-1", "alice", 100, nil)
	require.NoError(t, err)

	res, err := f.pipeline.Spend(context.Background(), spendRequest("alice", "req-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Cost)
	assert.Equal(t, int64(99), f.balance(t, "alice"))
}

// brokenCompleteLedger loses every completion write.
type brokenCompleteLedger struct {
	*ledger.Ledger
}

func (brokenCompleteLedger) Complete(context.Context, ledger.TransactionRef, int64, map[string]string) error {
	return errors.New("storage: connection reset")
}

func TestSpend_CompletionErrorSettlesAsFailed(t *testing.T) {
	a := &stubProvider{name: "a", cost: 40}
	f := newFixture(t, budget.Limits{Daily: 100}, nil, a)
	p := New(f.tracker, f.router, brokenCompleteLedger{f.ledger}, WithObserver(f.observer))

	_, err := p.Spend(context.Background(), spendRequest("alice", "req-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	tx, err := f.ledger.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
	assert.Contains(t, tx.Metadata["failure_reason"], "settlement failed")
	assert.Empty(t, tx.Entries)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Equal(t, []string{OutcomeError}, f.observer.outcomes)
}

func TestSpend_Validation(t *testing.T) {
	f := newFixture(t, budget.Limits{}, nil, &stubProvider{name: "healthy"})

	tests := []struct {
		name string
		sr   SpendRequest
	}{
		{"missing user", spendRequest("", "req-1")},
		{"missing key", spendRequest("alice", " ")},
		{"missing request", SpendRequest{UserID: "alice", IdempotencyKey: "req-1"}},
		{"no messages", SpendRequest{UserID: "alice", IdempotencyKey: "req-1", Request: &provider.Request{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Spend(context.Background(), tt.sr)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestWorstCaseEstimator(t *testing.T) {
	cheap := &stubProvider{name: "cheap", pricing: provider.Pricing{InputPerMillion: 1_000_000, OutputPerMillion: 2_000_000}}
	dear := &stubProvider{name: "dear", pricing: provider.Pricing{InputPerMillion: 3_000_000, OutputPerMillion: 1_000_000}}
	capable := []routing.Backend{{Name: "cheap", Provider: cheap}, {Name: "dear", Provider: dear}}

	req := &provider.Request{Messages: []provider.Message{{Content: "abcdefgh"}, {Content: "i"}}, MaxTokens: 5}
	assert.Equal(t, 3, PromptTokens(req))
	// 3 prompt tokens at 3 each, 5 output tokens at 2 each.
	assert.Equal(t, int64(19), WorstCaseEstimator(req, capable))

	req.MaxTokens = 0
	assert.Equal(t, DefaultMaxTokens, OutputTokens(req))
	assert.Equal(t, int64(1009), CandidateCost(req, dear.pricing))
}
