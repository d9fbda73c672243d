package budget

import "time"

// Window is a spend accounting period. Windows are aligned to UTC
// calendar boundaries so every instance agrees on when one rolls over.
type Window string

const (
	Hourly  Window = "hourly"
	Daily   Window = "daily"
	Monthly Window = "monthly"
)

// Windows lists every window kind in evaluation order.
var Windows = []Window{Hourly, Daily, Monthly}

// Start returns the beginning of the window containing t.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Hourly:
		return t.Truncate(time.Hour)
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// End returns the first instant after the window containing t.
func (w Window) End(t time.Time) time.Time {
	start := w.Start(t)
	switch w {
	case Hourly:
		return start.Add(time.Hour)
	case Daily:
		return start.AddDate(0, 0, 1)
	case Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Limits are the per-window caps for one scope, in minor units. A limit of
// zero or less means the window is unlimited.
type Limits struct {
	Hourly  int64 `json:"hourly"`
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// For returns the limit for w.
func (l Limits) For(w Window) int64 {
	switch w {
	case Hourly:
		return l.Hourly
	case Daily:
		return l.Daily
	case Monthly:
		return l.Monthly
	default:
		return 0
	}
}

// Unlimited reports whether no window carries a limit.
func (l Limits) Unlimited() bool {
	return l.Hourly <= 0 && l.Daily <= 0 && l.Monthly <= 0
}

// Usage is the consumed amount of one window.
type Usage struct {
	WindowStart time.Time
	Consumed    int64
}

// Counter is the externally visible state of one scope and window.
type Counter struct {
	Scope       string    `json:"scope"`
	Window      Window    `json:"window"`
	Limit       int64     `json:"limit"`
	Consumed    int64     `json:"consumed"`
	WindowStart time.Time `json:"window_start"`
	ResetsAt    time.Time `json:"resets_at"`
}
