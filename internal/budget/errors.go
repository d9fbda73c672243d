package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrBudgetExceeded is matched by every *ExceededError.
	ErrBudgetExceeded = errors.New("budget: limit exceeded")
	// ErrStoreUnavailable is returned while the counter store is tripped.
	ErrStoreUnavailable = errors.New("budget: counter store unavailable")
)

// ExceededError describes the first window that denied admission.
type ExceededError struct {
	Scope     string
	Window    Window
	Limit     int64
	Consumed  int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s %s limit exceeded: %d consumed + %d requested > %d",
		e.Scope, e.Window, e.Consumed, e.Requested, e.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
