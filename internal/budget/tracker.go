// Package budget enforces per-user and global spend caps over hourly, daily
// and monthly windows.
package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// GlobalScope is the scope shared by every user.
const GlobalScope = "global"

// UserScope returns the counter scope for a user.
func UserScope(userID string) string {
	return "user:" + userID
}

// Tracker performs admission control against estimates and records actual
// spend. It fails closed: a counter store error denies admission.
type Tracker struct {
	store  Store
	user   Limits
	global Limits
	now    func() time.Time
	logger *zap.Logger
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, user, global Limits, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		user:   user,
		global: global,
		now:    time.Now,
		logger: logger.Named("budget"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckAdmission returns nil if estimate fits every window of both the user
// and the global scope. A denial is an *ExceededError; any other error means
// the counters could not be read and the request must not proceed either.
func (t *Tracker) CheckAdmission(ctx context.Context, userID string, estimate int64) error {
	now := t.now()
	for _, sc := range t.scopes(userID) {
		if sc.limits.Unlimited() {
			continue
		}
		usage, err := t.store.Load(ctx, sc.scope, now)
		if err != nil {
			t.logger.Error("admission check failed, denying",
				zap.String("scope", sc.scope),
				zap.Error(err),
			)
			return fmt.Errorf("budget: load %s: %w", sc.scope, err)
		}
		for _, w := range Windows {
			limit := sc.limits.For(w)
			if limit <= 0 {
				continue
			}
			consumed := usage[w].Consumed
			if consumed+estimate > limit {
				t.logger.Info("admission denied",
					zap.String("scope", sc.scope),
					zap.String("window", string(w)),
					zap.Int64("limit", limit),
					zap.Int64("consumed", consumed),
					zap.Int64("estimate", estimate),
				)
				return &ExceededError{
					Scope:     sc.scope,
					Window:    w,
					Limit:     limit,
					Consumed:  consumed,
					Requested: estimate,
				}
			}
		}
	}
	return nil
}

// Record adds the actual cost of a call to the user and global counters.
func (t *Tracker) Record(ctx context.Context, userID string, actual int64) error {
	if actual <= 0 {
		return nil
	}
	now := t.now()
	var errs error
	for _, sc := range t.scopes(userID) {
		if err := t.store.Add(ctx, sc.scope, actual, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("budget: record %s: %w", sc.scope, err))
		}
	}
	return errs
}

// Counters returns the user's and the global counters with their limits.
func (t *Tracker) Counters(ctx context.Context, userID string) ([]Counter, error) {
	now := t.now()
	var out []Counter
	for _, sc := range t.scopes(userID) {
		usage, err := t.store.Load(ctx, sc.scope, now)
		if err != nil {
			return nil, fmt.Errorf("budget: load %s: %w", sc.scope, err)
		}
		for _, w := range Windows {
			u := usage[w]
			out = append(out, Counter{
				Scope:       sc.scope,
				Window:      w,
				Limit:       sc.limits.For(w),
				Consumed:    u.Consumed,
				WindowStart: u.WindowStart,
				ResetsAt:    w.End(now),
			})
		}
	}
	return out, nil
}

type scopeLimits struct {
	scope  string
	limits Limits
}

func (t *Tracker) scopes(userID string) []scopeLimits {
	return []scopeLimits{
		{scope: UserScope(userID), limits: t.user},
		{scope: GlobalScope, limits: t.global},
	}
}
