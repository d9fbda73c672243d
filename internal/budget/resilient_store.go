package budget

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientConfig bounds how long the tracker waits on a slow counter store
// and when it stops trying.
type ResilientConfig struct {
	Timeout             time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:             500 * time.Millisecond,
		ConsecutiveFailures: 5,
		OpenTimeout:         10 * time.Second,
		HalfOpenRequests:    1,
	}
}

// ResilientStore guards a remote Store with a timeout and a circuit breaker.
// While the breaker is open every call fails with ErrStoreUnavailable, which
// the tracker turns into a denial.
type ResilientStore struct {
	store   Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger
}

func NewResilientStore(store Store, cfg ResilientConfig, logger *zap.Logger) *ResilientStore {
	logger = logger.Named("budget_store")
	rs := &ResilientStore{
		store:   store,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	rs.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "budget-store",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Caller cancellation says nothing about the store's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return rs
}

func (rs *ResilientStore) Load(ctx context.Context, scope string, now time.Time) (map[Window]Usage, error) {
	res, err := rs.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return rs.store.Load(ctx, scope, now)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[Window]Usage), nil
}

func (rs *ResilientStore) Add(ctx context.Context, scope string, amount int64, now time.Time) error {
	_, err := rs.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, rs.store.Add(ctx, scope, amount, now)
	})
	return err
}

func (rs *ResilientStore) execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	res, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrStoreUnavailable
		}
		return nil, err
	}
	return res, nil
}
