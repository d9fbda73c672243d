package metering

import (
	"unicode/utf8"

	"github.com/vnmchuo/metered-gateway/internal/provider"
	"github.com/vnmchuo/metered-gateway/internal/routing"
)

// DefaultMaxTokens is the output allowance assumed when a request sets none.
const DefaultMaxTokens = 1000

// Estimator returns the amount to check against budgets and reserve before a
// request is routed. It must not under-estimate.
type Estimator func(req *provider.Request, capable []routing.Backend) int64

// WorstCaseEstimator prices the request on the most expensive capable
// backend, input and output sides taken separately.
func WorstCaseEstimator(req *provider.Request, capable []routing.Backend) int64 {
	var worst provider.Pricing
	for _, b := range capable {
		worst = worst.Max(b.Provider.Pricing())
	}
	return worst.Cost(PromptTokens(req), OutputTokens(req))
}

// CandidateCost prices the request on one backend. The router uses it to
// rank candidates under the cheapest policy.
func CandidateCost(req *provider.Request, pricing provider.Pricing) int64 {
	return pricing.Cost(PromptTokens(req), OutputTokens(req))
}

// PromptTokens approximates the prompt size at four characters per token,
// rounded up.
func PromptTokens(req *provider.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return (chars + 3) / 4
}

// OutputTokens is the request's output allowance.
func OutputTokens(req *provider.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}
