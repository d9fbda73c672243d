// Package seeder creates a development API key and starting credit.
package seeder

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/internal/auth"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestUserID = "00000000-0000-0000-0000-000000000001"
	// TestCredit is the seeded balance in minor units (10 credits).
	TestCredit = 10_000_000
)

// Purchaser is the part of the ledger the seeder uses.
type Purchaser interface {
	CreditPurchase(ctx context.Context, key, owner string, amount int64, meta map[string]string) (ledger.TransactionRef, error)
}

// Seed creates the test key and credits the test user once. Running it again
// changes nothing.
func Seed(ctx context.Context, store auth.Store, l Purchaser, logger *zap.Logger) error {
	logger = logger.Named("seeder")

	apiKey := &auth.APIKey{
		UserID:    TestUserID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	switch err := store.Create(ctx, apiKey); {
	case err == nil:
		logger.Info("test api key created", zap.String("key", TestAPIKey), zap.String("user_id", TestUserID))
	case errors.Is(err, auth.ErrKeyExists):
		logger.Debug("test api key already exists")
	default:
		return err
	}

	ref, err := l.CreditPurchase(ctx, "seed:"+TestUserID, TestUserID, TestCredit, map[string]string{"source": "seed"})
	if err != nil {
		return err
	}
	if !ref.Existing {
		logger.Info("test user credited", zap.String("user_id", TestUserID), zap.Int64("amount", TestCredit))
	}
	return nil
}
