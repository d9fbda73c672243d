// Package breaker gates calls to completion backends. A Breaker never calls
// the backend itself; the router asks it for permission before each attempt
// and reports the outcome afterwards.
package breaker

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the retry deadline passes.
	Open
	// HalfOpen lets a bounded number of probe calls test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes failure detection and recovery.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold int
	// SuccessThreshold is the number of probe successes that closes a
	// half-open breaker.
	SuccessThreshold int
	// HalfOpenMaxProbes bounds concurrent probes once the first probe has
	// succeeded. Until then only one probe is in flight.
	HalfOpenMaxProbes int
	// BaseDelay, MaxDelay and JitterFraction shape the open period:
	// min(MaxDelay, BaseDelay*2^(failures-1)) plus up to JitterFraction of
	// that delay at random.
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultConfig returns the defaults used for backends created on demand.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 3,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		JitterFraction:    0.2,
	}
}

// Validate reports a configuration that would leave a breaker unusable.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker: success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.HalfOpenMaxProbes < 1 {
		return fmt.Errorf("breaker: half-open probes must be at least 1, got %d", c.HalfOpenMaxProbes)
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("breaker: need 0 < base delay <= max delay, got %s and %s", c.BaseDelay, c.MaxDelay)
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("breaker: jitter fraction must be within [0, 1], got %v", c.JitterFraction)
	}
	return nil
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Backend              string    `json:"backend"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	InFlightProbes       int       `json:"in_flight_probes"`
	LastFailureAt        time.Time `json:"last_failure_at"`
	NextRetryAt          time.Time `json:"next_retry_at"`
}

// StateChangeFunc observes transitions. It runs after the breaker's lock is
// released, on the goroutine that caused the transition.
type StateChangeFunc func(backend string, from, to State)

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(b *Breaker) { b.random = fn }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

type event int

const (
	evAllow event = iota
	evSuccess
	evFailure
	evRelease
)

// Breaker is a per-backend circuit breaker. All methods are safe for
// concurrent use; every mutation goes through apply under one mutex.
type Breaker struct {
	name          string
	cfg           Config
	now           func() time.Time
	random        func() float64
	onStateChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	nextRetry   time.Time
}

// New creates a closed breaker for the named backend.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		random: rand.Float64,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend identity.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may be attempted now. An open breaker whose
// retry deadline has passed moves to half-open and admits one probe.
func (b *Breaker) Allow() bool {
	return b.apply(evAllow)
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.apply(evSuccess)
}

// OnFailure records a failed or timed-out call.
func (b *Breaker) OnFailure() {
	b.apply(evFailure)
}

// Release hands back a probe slot for a call that was admitted but ended
// without a verdict on the backend, such as a caller cancellation.
func (b *Breaker) Release() {
	b.apply(evRelease)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Backend:              b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		InFlightProbes:       b.probes,
		LastFailureAt:        b.lastFailure,
		NextRetryAt:          b.nextRetry,
	}
}

func (b *Breaker) apply(ev event) bool {
	b.mu.Lock()
	from := b.state
	allowed := b.step(ev, b.now())
	to := b.state
	notify := b.onStateChange
	b.mu.Unlock()

	if from != to && notify != nil {
		notify(b.name, from, to)
	}
	return allowed
}

// step is the transition table. It must be called with b.mu held.
func (b *Breaker) step(ev event, now time.Time) bool {
	switch b.state {
	case Closed:
		switch ev {
		case evAllow:
			return true
		case evSuccess:
			b.failures = 0
		case evFailure:
			b.recordFailure(now)
			if b.failures >= b.cfg.FailureThreshold {
				b.trip(now)
			}
		case evRelease:
		}

	case Open:
		switch ev {
		case evAllow:
			if now.Before(b.nextRetry) {
				return false
			}
			b.state = HalfOpen
			b.successes = 0
			b.probes = 1
			return true
		case evFailure:
			// Outcome of a call admitted before the trip.
			b.recordFailure(now)
		case evSuccess, evRelease:
		}

	case HalfOpen:
		switch ev {
		case evAllow:
			limit := 1
			if b.successes > 0 {
				limit = b.cfg.HalfOpenMaxProbes
			}
			if b.probes >= limit {
				return false
			}
			b.probes++
			return true
		case evSuccess:
			b.releaseProbe()
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.reset()
			}
		case evFailure:
			b.recordFailure(now)
			b.trip(now)
		case evRelease:
			b.releaseProbe()
		}
	}
	return false
}

func (b *Breaker) recordFailure(now time.Time) {
	b.failures++
	b.lastFailure = now
}

func (b *Breaker) releaseProbe() {
	if b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.successes = 0
	b.probes = 0
	b.nextRetry = now.Add(b.backoff(b.failures))
}

func (b *Breaker) reset() {
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.nextRetry = time.Time{}
}

// backoff returns min(MaxDelay, BaseDelay*2^(failures-1)) plus jitter.
func (b *Breaker) backoff(failures int) time.Duration {
	delay := Backoff(b.cfg.BaseDelay, b.cfg.MaxDelay, failures)
	if b.cfg.JitterFraction > 0 {
		delay += time.Duration(float64(delay) * b.cfg.JitterFraction * b.random())
	}
	return delay
}

// Backoff is the un-jittered exponential delay for the given failure count.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
