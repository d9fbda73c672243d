package routing

import (
	"fmt"
	"sort"

	"github.com/vnmchuo/metered-gateway/internal/provider"
)

// Candidate is a capable backend with the estimated cost of the current
// request on it.
type Candidate struct {
	Backend       Backend
	EstimatedCost int64
}

// Policy orders candidates, best first. Implementations must be
// deterministic: ties fall back to backend priority, then name.
type Policy interface {
	Name() string
	Rank(kind provider.TaskKind, candidates []Candidate) []Candidate
}

const (
	PolicyCheapest  = "cheapest"
	PolicyBestMatch = "best_match"
)

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case PolicyCheapest, "":
		return Cheapest{}, nil
	case PolicyBestMatch:
		return BestMatch{}, nil
	default:
		return nil, fmt.Errorf("routing: unknown policy %q", name)
	}
}

// Cheapest prefers the lowest estimated cost.
type Cheapest struct{}

func (Cheapest) Name() string { return PolicyCheapest }

func (Cheapest) Rank(_ provider.TaskKind, candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EstimatedCost != out[j].EstimatedCost {
			return out[i].EstimatedCost < out[j].EstimatedCost
		}
		return byPriority(out[i].Backend, out[j].Backend)
	})
	return out
}

// BestMatch prefers the highest suitability score for the task kind.
type BestMatch struct{}

func (BestMatch) Name() string { return PolicyBestMatch }

func (BestMatch) Rank(kind provider.TaskKind, candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Backend.Suitability[kind], out[j].Backend.Suitability[kind]
		if si != sj {
			return si > sj
		}
		return byPriority(out[i].Backend, out[j].Backend)
	})
	return out
}

func byPriority(a, b Backend) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}
