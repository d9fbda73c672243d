// Package worker runs background maintenance for the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/internal/ledger"
)

// PendingLedger is what the reaper needs from the ledger.
type PendingLedger interface {
	ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*ledger.Transaction, error)
	Fail(ctx context.Context, ref ledger.TransactionRef, reason string) error
}

type ReaperConfig struct {
	// After is how long a reservation may stay PENDING before it is failed.
	After time.Duration
	// Every is the sweep interval.
	Every time.Duration
	// Batch caps the transactions failed per sweep.
	Batch int
}

// Reaper fails reservations left PENDING by a crashed or stuck request so
// none dangles indefinitely.
type Reaper struct {
	ledger PendingLedger
	cfg    ReaperConfig
	logger *zap.Logger
}

func NewReaper(l PendingLedger, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reaper{ledger: l, cfg: cfg, logger: logger.Named("reaper")}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("pending reaper started",
		zap.Duration("after", r.cfg.After),
		zap.Duration("every", r.cfg.Every),
	)
	ticker := time.NewTicker(r.cfg.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("pending reaper stopped")
			return nil
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", zap.Int("reaped", n), zap.Error(err))
			} else if n > 0 {
				r.logger.Warn("reaped stale reservations", zap.Int("reaped", n))
			}
		}
	}
}

// Sweep fails one batch of stale reservations and returns how many it
// settled. Reservations settled concurrently by their request are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.ledger.ListStalePending(ctx, r.cfg.After, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	reason := fmt.Sprintf("abandoned: pending longer than %s", r.cfg.After)
	reaped := 0
	var errs error
	for _, tx := range stale {
		err := r.ledger.Fail(ctx, tx.Ref(), reason)
		switch {
		case err == nil:
			reaped++
			r.logger.Debug("reservation reaped",
				zap.String("tx_id", tx.ID),
				zap.String("owner", tx.Owner),
				zap.Time("created_at", tx.CreatedAt),
			)
		case errors.Is(err, ledger.ErrNotPending):
		default:
			errs = multierr.Append(errs, fmt.Errorf("fail %s: %w", tx.ID, err))
		}
	}
	return reaped, errs
}
