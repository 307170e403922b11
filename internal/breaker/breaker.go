package breaker

import (
	"sync"
	"time"
)

// State is the circuit position for one provider.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the transition thresholds. Zero-value fields fall back to the
// deployment defaults.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	return c
}

// TransitionHook observes state changes for logging and metrics. It runs
// after the breaker lock is released and must not block.
type TransitionHook func(providerName string, from, to State)

// Breaker isolates one unhealthy provider. Only dispatch failures count;
// quota refusals never reach the breaker.
type Breaker struct {
	providerName string
	cfg          Config
	onTransition TransitionHook
	nowFn        func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(providerName string, cfg Config, onTransition TransitionHook) *Breaker {
	return &Breaker{
		providerName: providerName,
		cfg:          cfg.withDefaults(),
		onTransition: onTransition,
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

type transition struct {
	from, to State
	occurred bool
}

// Allow reports whether a dispatch may proceed. An OPEN breaker flips to
// HALF_OPEN once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	var change transition
	b.mu.Lock()
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.successes = 0
		change = b.transitionLocked(StateHalfOpen)
	}
	allowed := b.state != StateOpen
	b.mu.Unlock()
	b.notify(change)
	return allowed
}

// RecordSuccess counts a successful dispatch. A HALF_OPEN breaker closes
// after SuccessThreshold consecutive successes.
func (b *Breaker) RecordSuccess() {
	var change transition
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			change = b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

// RecordFailure counts a failed dispatch. A CLOSED breaker opens at
// FailureThreshold consecutive failures; a HALF_OPEN breaker reopens
// immediately and restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	var change transition
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.nowFn()
			change = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.openedAt = b.nowFn()
		change = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	b.notify(change)
}

// Snapshot captures the current position for health reporting.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) transitionLocked(to State) transition {
	from := b.state
	if from == to {
		return transition{}
	}
	b.state = to
	return transition{from: from, to: to, occurred: true}
}

func (b *Breaker) notify(change transition) {
	if change.occurred && b.onTransition != nil {
		b.onTransition(b.providerName, change.from, change.to)
	}
}
