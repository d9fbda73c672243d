// Package metering runs one paid completion end to end: admission against
// budgets, a ledger reservation, routing, and settlement. It owns no state.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/internal/budget"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
	"github.com/vnmchuo/metered-gateway/internal/provider"
	"github.com/vnmchuo/metered-gateway/internal/routing"
)

var (
	ErrInvalidRequest = errors.New("metering: invalid request")
	// ErrRequestInFlight is returned for a key whose first attempt has not
	// settled yet.
	ErrRequestInFlight = errors.New("metering: request with this idempotency key is still in flight")
	// ErrRequestFailed is returned for a key whose first attempt failed.
	// Clients retry with a new key.
	ErrRequestFailed = errors.New("metering: request with this idempotency key already failed")
)

// Spend outcomes reported to the Observer.
const (
	OutcomeCompleted      = "completed"
	OutcomeDuplicate      = "duplicate"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeUnavailable    = "unavailable"
	OutcomeCancelled      = "cancelled"
	OutcomeRejected       = "rejected"
	OutcomeError          = "error"
)

// Budget is the admission side of the budget tracker.
type Budget interface {
	CheckAdmission(ctx context.Context, userID string, estimate int64) error
	Record(ctx context.Context, userID string, actual int64) error
}

// Router picks and calls a backend.
type Router interface {
	Capable(kind provider.TaskKind, model string) ([]routing.Backend, error)
	Route(ctx context.Context, req *provider.Request, cost routing.CostFunc) (*routing.Result, error)
}

// Ledger is the part of the ledger a spend touches.
type Ledger interface {
	Lookup(ctx context.Context, key string) (*ledger.Transaction, error)
	Reserve(ctx context.Context, key, owner string, estimate int64, meta map[string]string) (ledger.TransactionRef, error)
	Complete(ctx context.Context, ref ledger.TransactionRef, actual int64, meta map[string]string) error
	Fail(ctx context.Context, ref ledger.TransactionRef, reason string) error
}

// Observer receives one call per finished spend.
type Observer interface {
	ObserveSpend(outcome string, charged int64)
	ObserveBudgetDenial(scope, window string)
}

// SpendRequest is one paid completion. UserID is the already authenticated
// owner; IdempotencyKey collapses client retries into one charge.
type SpendRequest struct {
	UserID         string
	IdempotencyKey string
	Request        *provider.Request
}

// Result describes a settled spend. Response is nil when Duplicate is set.
type Result struct {
	TransactionID  string             `json:"transaction_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         ledger.Status      `json:"status"`
	Duplicate      bool               `json:"duplicate"`
	Backend        string             `json:"backend"`
	Estimate       int64              `json:"estimate"`
	Cost           int64              `json:"cost"`
	Response       *provider.Response `json:"-"`
}

type Pipeline struct {
	budget   Budget
	router   Router
	ledger   Ledger
	estimate Estimator
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

type Option func(*Pipeline)

// WithEstimator replaces WorstCaseEstimator.
func WithEstimator(e Estimator) Option {
	return func(p *Pipeline) { p.estimate = e }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func New(b Budget, r Router, l Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		budget:   b,
		router:   r,
		ledger:   l,
		estimate: WorstCaseEstimator,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("metering"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("metering")
	return p
}

// Spend charges the user for one completion. Every reservation it makes is
// settled before it returns, whether the call succeeds, fails, or the caller
// goes away. A repeated key returns the first outcome without calling a
// backend again.
func (p *Pipeline) Spend(ctx context.Context, sr SpendRequest) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "metering.spend")
	defer span.End()

	res, outcome, err := p.spend(ctx, span, sr)
	var charged int64
	if res != nil {
		charged = res.Cost
		if res.Duplicate {
			charged = 0
		}
	}
	if p.observer != nil {
		p.observer.ObserveSpend(outcome, charged)
	}
	span.SetAttributes(attribute.String("spend.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Pipeline) spend(ctx context.Context, span trace.Span, sr SpendRequest) (*Result, string, error) {
	req, err := normalize(sr)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	key := sr.IdempotencyKey
	span.SetAttributes(
		attribute.String("user.id", sr.UserID),
		attribute.String("idempotency.key", key),
		attribute.String("task.kind", string(req.Kind)),
	)

	if tx, err := p.ledger.Lookup(ctx, key); err == nil {
		res, err := p.duplicate(tx, sr.UserID)
		return res, OutcomeDuplicate, err
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, OutcomeError, err
	}

	capable, err := p.router.Capable(req.Kind, req.Model)
	if err != nil {
		return nil, OutcomeRejected, err
	}
	estimate := p.estimate(req, capable)
	span.SetAttributes(attribute.Int64("spend.estimate", estimate))

	meta := map[string]string{
		"kind":       string(req.Kind),
		"request_id": req.RequestID,
	}
	if req.Model != "" {
		meta["model"] = req.Model
	}

	if err := p.budget.CheckAdmission(ctx, sr.UserID, estimate); err != nil {
		p.deny(ctx, key, sr.UserID, estimate, meta, err)
		if errors.Is(err, budget.ErrBudgetExceeded) {
			return nil, OutcomeBudgetExceeded, err
		}
		return nil, OutcomeError, err
	}

	ref, err := p.ledger.Reserve(ctx, key, sr.UserID, estimate, meta)
	if err != nil {
		return nil, outcomeOf(err), err
	}
	if ref.Existing {
		// Another request with this key reserved first.
		tx, err := p.ledger.Lookup(ctx, key)
		if err != nil {
			return nil, OutcomeError, err
		}
		res, err := p.duplicate(tx, sr.UserID)
		return res, OutcomeDuplicate, err
	}
	span.SetAttributes(attribute.String("ledger.tx_id", ref.ID))

	routed, err := p.router.Route(ctx, req, CandidateCost)
	if err != nil {
		// The caller may already be gone; the reservation still has to settle.
		settleCtx := context.WithoutCancel(ctx)
		if ferr := p.ledger.Fail(settleCtx, ref, err.Error()); ferr != nil && !errors.Is(ferr, ledger.ErrNotPending) {
			p.logger.Error("failed to settle reservation as failed",
				zap.String("tx_id", ref.ID),
				zap.String("key", key),
				zap.Error(ferr),
			)
		}
		p.logger.Info("spend failed",
			zap.String("tx_id", ref.ID),
			zap.String("user_id", sr.UserID),
			zap.Error(err),
		)
		return nil, outcomeOf(err), err
	}

	res := &Result{
		TransactionID:  ref.ID,
		IdempotencyKey: key,
		Status:         ledger.StatusCompleted,
		Backend:        routed.Backend,
		Estimate:       estimate,
		Cost:           routed.Cost,
		Response:       routed.Response,
	}
	span.SetAttributes(
		attribute.String("backend", routed.Backend),
		attribute.Int64("spend.cost", routed.Cost),
	)

	settleCtx := context.WithoutCancel(ctx)
	meta["backend"] = routed.Backend
	meta["input_tokens"] = strconv.Itoa(routed.Response.InputTokens)
	meta["output_tokens"] = strconv.Itoa(routed.Response.OutputTokens)
	if routed.Response.Model != "" {
		meta["model"] = routed.Response.Model
	}
	if len(routed.Failed) > 0 {
		meta["failed_over"] = failedBackends(routed.Failed)
	}

	if err := p.ledger.Complete(settleCtx, ref, routed.Cost, meta); err != nil {
		if !errors.Is(err, ledger.ErrNotPending) {
			p.logger.Error("failed to complete reservation",
				zap.String("tx_id", ref.ID),
				zap.Int64("cost", routed.Cost),
				zap.Error(err),
			)
			if ferr := p.ledger.Fail(settleCtx, ref, "settlement failed: "+err.Error()); ferr != nil && !errors.Is(ferr, ledger.ErrNotPending) {
				p.logger.Error("failed to settle reservation as failed",
					zap.String("tx_id", ref.ID),
					zap.String("key", key),
					zap.Error(ferr),
				)
			}
			return nil, OutcomeError, err
		}
		// Settled elsewhere, usually by the pending reaper.
		tx, lerr := p.ledger.Lookup(settleCtx, key)
		if lerr != nil {
			return nil, OutcomeError, lerr
		}
		p.logger.Warn("reservation settled before completion",
			zap.String("tx_id", ref.ID),
			zap.String("status", string(tx.Status)),
		)
		res.Status = tx.Status
		res.Cost = tx.Amount
		if tx.Status != ledger.StatusCompleted {
			return res, OutcomeError, nil
		}
	}

	if err := p.budget.Record(settleCtx, sr.UserID, res.Cost); err != nil {
		p.logger.Warn("failed to record spend against budgets",
			zap.String("tx_id", ref.ID),
			zap.Int64("cost", res.Cost),
			zap.Error(err),
		)
	}

	p.logger.Info("spend completed",
		zap.String("tx_id", ref.ID),
		zap.String("user_id", sr.UserID),
		zap.String("backend", routed.Backend),
		zap.Int64("estimate", estimate),
		zap.Int64("cost", res.Cost),
	)
	return res, OutcomeCompleted, nil
}

// deny records a refused admission as a FAILED transaction under the
// request's key so that the key stays auditable.
func (p *Pipeline) deny(ctx context.Context, key, userID string, estimate int64, meta map[string]string, cause error) {
	var exceeded *budget.ExceededError
	if errors.As(cause, &exceeded) && p.observer != nil {
		scope := exceeded.Scope
		if scope != budget.GlobalScope {
			scope = "user"
		}
		p.observer.ObserveBudgetDenial(scope, string(exceeded.Window))
	}

	ref, err := p.ledger.Reserve(ctx, key, userID, estimate, meta)
	if err != nil || ref.Existing {
		if err != nil {
			p.logger.Warn("failed to record denied request", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := p.ledger.Fail(context.WithoutCancel(ctx), ref, cause.Error()); err != nil {
		p.logger.Error("failed to settle denied request", zap.String("tx_id", ref.ID), zap.Error(err))
	}
}

func (p *Pipeline) duplicate(tx *ledger.Transaction, userID string) (*Result, error) {
	if tx.Kind != ledger.TxSpend || tx.Owner != userID {
		return nil, fmt.Errorf("%w: %s", ledger.ErrKeyConflict, tx.IdempotencyKey)
	}
	switch tx.Status {
	case ledger.StatusCompleted:
		return &Result{
			TransactionID:  tx.ID,
			IdempotencyKey: tx.IdempotencyKey,
			Status:         tx.Status,
			Duplicate:      true,
			Backend:        tx.Metadata["backend"],
			Estimate:       tx.Estimate,
			Cost:           tx.Amount,
		}, nil
	case ledger.StatusPending:
		return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, tx.IdempotencyKey)
	default:
		return nil, fmt.Errorf("%w: %s: %s", ErrRequestFailed, tx.IdempotencyKey, tx.Metadata["failure_reason"])
	}
}

func normalize(sr SpendRequest) (*provider.Request, error) {
	if strings.TrimSpace(sr.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(sr.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if sr.Request == nil || len(sr.Request.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	if sr.Request.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	req := *sr.Request
	if req.Kind == "" {
		req.Kind = provider.KindChat
	}
	req.UserID = sr.UserID
	return &req, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.Is(err, routing.ErrAllBackendsUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountInactive):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

func failedBackends(attempts []routing.Attempt) string {
	names := make([]string, len(attempts))
	for i, a := range attempts {
		names[i] = a.Backend
	}
	return strings.Join(names, ",")
}
