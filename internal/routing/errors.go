package routing

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/vnmchuo/metered-gateway/internal/provider"
)

var (
	// ErrAllBackendsUnavailable is matched by every *UnavailableError.
	ErrAllBackendsUnavailable = errors.New("routing: all backends unavailable")
	// ErrNoBackendForTask is a configuration error: nothing in the catalog
	// can serve the requested task kind or model.
	ErrNoBackendForTask = errors.New("routing: no backend configured for task")

	ErrBreakerOpen     = errors.New("breaker open")
	ErrBackendTimeout  = errors.New("backend timeout")
	ErrRetriesExceeded = errors.New("retry limit reached")
)

// Attempt is the outcome of one candidate in a failed route.
type Attempt struct {
	Backend string `json:"backend"`
	// Called is false when the candidate was skipped without a network call.
	Called bool   `json:"called"`
	Reason string `json:"reason"`
}

// UnavailableError names every candidate the router considered and why it
// did not produce a result.
type UnavailableError struct {
	Kind     provider.TaskKind
	Attempts []Attempt
	errs     error
}

func (e *UnavailableError) add(backend string, called bool, err error) {
	e.Attempts = append(e.Attempts, Attempt{Backend: backend, Called: called, Reason: err.Error()})
	e.errs = multierr.Append(e.errs, fmt.Errorf("%s: %w", backend, err))
}

// Called returns how many candidates were actually invoked.
func (e *UnavailableError) Called() int {
	n := 0
	for _, a := range e.Attempts {
		if a.Called {
			n++
		}
	}
	return n
}

func (e *UnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s for %s", ErrAllBackendsUnavailable, e.Kind)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, err := range multierr.Errors(e.errs) {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%s for %s: %s", ErrAllBackendsUnavailable, e.Kind, strings.Join(parts, "; "))
}

// Unwrap exposes the sentinel and every per-backend cause.
func (e *UnavailableError) Unwrap() []error {
	return append([]error{ErrAllBackendsUnavailable}, multierr.Errors(e.errs)...)
}
