// Package circuitbreaker stops sending to a provider that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive transient failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout has passed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling the provider. Callers treat
// it as a transient delivery error.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for one breaker, usually one per channel.
type Config struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	// OnStateChange, if set, is called with the lock held after every
	// transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	state            State
	failures         int
	lastFailure      time.Time
	lastChange       time.Time
	halfOpenInFlight int

	rejected int64
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &Breaker{
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a call may go to the provider now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			return true
		}
	}
	b.rejected++
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
		b.logger.Info("circuit breaker closed", zap.String("name", b.config.Name))
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.transitionTo(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failures),
			)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.logger.Warn("circuit breaker re-opened, probe failed", zap.String("name", b.config.Name))
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string { return b.config.Name }

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Failures   int    `json:"failures"`
	Rejected   int64  `json:"rejected"`
	LastChange string `json:"last_change"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:       b.config.Name,
		State:      b.state.String(),
		Failures:   b.failures,
		Rejected:   b.rejected,
		LastChange: b.lastChange.Format(time.RFC3339),
	}
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastChange = b.now()
	b.halfOpenInFlight = 0
	if b.OnStateChange != nil {
		b.OnStateChange(b.config.Name, prev, next)
	}
}
