// Package routing picks a completion backend for a request, gating every
// attempt on that backend's circuit breaker and failing over in ranked order.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/config"
	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/provider"
)

// Backend is one routable adapter with its catalog attributes.
type Backend struct {
	Name        string
	Provider    provider.Provider
	Priority    int
	Kinds       map[provider.TaskKind]bool
	Suitability map[provider.TaskKind]int
}

// NewBackend binds a catalog entry to its adapter. Catalog prices, when set,
// replace the adapter's built-in pricing.
func NewBackend(cfg config.BackendConfig, p provider.Provider) (Backend, error) {
	b := Backend{
		Name:        cfg.Name,
		Provider:    p,
		Priority:    cfg.Priority,
		Kinds:       make(map[provider.TaskKind]bool, len(cfg.Kinds)),
		Suitability: make(map[provider.TaskKind]int, len(cfg.Suitability)),
	}
	for _, k := range cfg.Kinds {
		kind := provider.TaskKind(k)
		if !kind.Valid() {
			return Backend{}, fmt.Errorf("backend %q: unknown task kind %q", cfg.Name, k)
		}
		b.Kinds[kind] = true
	}
	for k, score := range cfg.Suitability {
		b.Suitability[provider.TaskKind(k)] = score
	}
	if cfg.InputPerMillion > 0 || cfg.OutputPerMillion > 0 {
		priced, ok := p.(provider.Priced)
		if !ok {
			return Backend{}, fmt.Errorf("backend %q: adapter does not accept catalog pricing", cfg.Name)
		}
		pricing := p.Pricing()
		if cfg.InputPerMillion > 0 {
			pricing.InputPerMillion = cfg.InputPerMillion
		}
		if cfg.OutputPerMillion > 0 {
			pricing.OutputPerMillion = cfg.OutputPerMillion
		}
		priced.SetPricing(pricing)
	}
	return b, nil
}

// Supports reports whether the backend handles kind.
func (b Backend) Supports(kind provider.TaskKind) bool {
	return b.Kinds[kind]
}

// Serves reports whether the backend offers model. An empty model matches.
func (b Backend) Serves(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range b.Provider.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// CostFunc prices req on a backend with the given pricing.
type CostFunc func(req *provider.Request, pricing provider.Pricing) int64

// Observer receives one call per candidate considered.
type Observer interface {
	ObserveAttempt(backend, outcome string, elapsed time.Duration)
}

// Attempt outcomes reported to the Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

type Config struct {
	// MaxRetries is the number of further candidates tried after the first.
	MaxRetries int
	// AttemptTimeout bounds each backend call. Zero means no extra bound.
	AttemptTimeout time.Duration
}

// Result is a successful route.
type Result struct {
	Response *provider.Response
	Backend  string
	Cost     int64
	// Failed lists the candidates that were tried or skipped before Backend.
	Failed []Attempt
}

type Router struct {
	backends []Backend
	breakers *breaker.Registry
	policy   Policy
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func NewRouter(backends []Backend, breakers *breaker.Registry, policy Policy, cfg Config, opts ...Option) *Router {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Router{
		backends: backends,
		breakers: breakers,
		policy:   policy,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("routing"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	return r
}

// Backends returns the configured catalog.
func (r *Router) Backends() []Backend {
	return append([]Backend(nil), r.backends...)
}

// Capable returns every backend that can serve kind and model, regardless of
// breaker state. An empty result is a configuration error.
func (r *Router) Capable(kind provider.TaskKind, model string) ([]Backend, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrNoBackendForTask, kind)
	}
	var out []Backend
	servesKind := false
	for _, b := range r.backends {
		if !b.Supports(kind) {
			continue
		}
		servesKind = true
		if b.Serves(model) {
			out = append(out, b)
		}
	}
	if !servesKind {
		return nil, fmt.Errorf("%w: no backend serves task kind %q", ErrNoBackendForTask, kind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %q backend serves model %q", ErrNoBackendForTask, kind, model)
	}
	return out, nil
}

// Route tries ranked candidates until one succeeds. Breakers are consulted
// lazily, right before each attempt, so a half-open probe slot is only taken
// for a call that is actually made. Candidates skipped because their breaker
// is open do not count against the retry limit.
func (r *Router) Route(ctx context.Context, req *provider.Request, cost CostFunc) (*Result, error) {
	capable, err := r.Capable(req.Kind, req.Model)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(capable))
	for _, b := range capable {
		c := Candidate{Backend: b}
		if cost != nil {
			c.EstimatedCost = cost(req, b.Provider.Pricing())
		}
		candidates = append(candidates, c)
	}
	ranked := r.policy.Rank(req.Kind, candidates)

	unavailable := &UnavailableError{Kind: req.Kind}
	maxAttempts := 1 + r.cfg.MaxRetries
	called := 0

	for _, c := range ranked {
		name := c.Backend.Name
		if called >= maxAttempts {
			unavailable.add(name, false, ErrRetriesExceeded)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("routing: %w", err)
		}

		br := r.breakers.Get(name)
		if !br.Allow() {
			unavailable.add(name, false, ErrBreakerOpen)
			r.observe(name, OutcomeSkipped, 0)
			continue
		}

		called++
		start := time.Now()
		resp, err := r.attempt(ctx, c.Backend, req)
		elapsed := time.Since(start)

		if err == nil {
			br.OnSuccess()
			r.observe(name, OutcomeSuccess, elapsed)
			charge := resp.Cost
			if charge < 0 {
				charge = 0
			}
			return &Result{Response: resp, Backend: name, Cost: charge, Failed: unavailable.Attempts}, nil
		}

		if ctx.Err() != nil {
			// The caller gave up; this says nothing about the backend.
			br.Release()
			r.observe(name, OutcomeCancelled, elapsed)
			return nil, fmt.Errorf("routing: %w", ctx.Err())
		}

		br.OnFailure()
		outcome := OutcomeFailure
		if errors.Is(err, ErrBackendTimeout) {
			outcome = OutcomeTimeout
		}
		r.observe(name, outcome, elapsed)
		r.logger.Warn("backend attempt failed",
			zap.String("backend", name),
			zap.String("kind", string(req.Kind)),
			zap.String("request_id", req.RequestID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		unavailable.add(name, true, err)
	}

	r.logger.Warn("no backend available",
		zap.String("kind", string(req.Kind)),
		zap.String("request_id", req.RequestID),
		zap.Int("called", unavailable.Called()),
		zap.Error(unavailable),
	)
	return nil, unavailable
}

func (r *Router) attempt(ctx context.Context, b Backend, req *provider.Request) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "routing.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", b.Name),
		attribute.String("task.kind", string(req.Kind)),
	)

	attemptCtx := ctx
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}

	resp, err := b.Provider.Complete(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrBackendTimeout, r.cfg.AttemptTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		err := errors.New("backend returned no response")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tokens.input", resp.InputTokens),
		attribute.Int("tokens.output", resp.OutputTokens),
		attribute.Int64("cost", resp.Cost),
	)
	return resp, nil
}

func (r *Router) observe(backend, outcome string, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveAttempt(backend, outcome, elapsed)
	}
}
