// Package ratelimit caps the tokens each user may request per minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// user id.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes tokens from the user's minute window. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, userID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, Key(userID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Key is the limiter key for a user.
func Key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}
