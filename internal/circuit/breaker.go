// Package circuit stops hammering an object store that keeps failing. A
// breaker trips after a run of transient failures, rejects calls while open
// and lets a single probe through once the cooldown has passed.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests pass through
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown expires
	StateOpen
	// StateHalfOpen allows one probe request
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive transient failures that trip the breaker; 0 disables it
	Failures int `yaml:"failures"`

	// Period of the open state after which the breaker lets a probe through
	Cooldown time.Duration `yaml:"cooldown"`
}

// Counts holds the numbers of requests and their outcomes since the last
// state change.
type Counts struct {
	Requests            uint32    `json:"requests"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker guards calls to one object store endpoint.
type Breaker struct {
	name   string
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	counts  Counts
	expiry  time.Time
	probing bool
}

// New creates a breaker. A nil breaker, or one with Failures 0, passes
// every call through.
func New(name string, config Config, logger zerolog.Logger) *Breaker {
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logger.With().Str("component", "circuit").Str("endpoint", name).Logger(),
		now:    time.Now,
	}
}

// Execute runs fn when the breaker allows it. Only transient failures count
// towards tripping; not-found, conflict and similar answers prove the
// endpoint is alive.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b == nil || b.config.Failures <= 0 {
		return fn(ctx)
	}
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return bverrors.NewError(bverrors.ErrCodeConnectionFailed, "circuit open").
			WithComponent("circuit").
			WithDetail("endpoint", b.name).
			WithDetail("retry_after", b.expiry.Sub(b.now()).Round(time.Second).String())
	case StateHalfOpen:
		if b.probing {
			return bverrors.NewError(bverrors.ErrCodeConnectionFailed, "circuit half-open, probe in flight").
				WithComponent("circuit").
				WithDetail("endpoint", b.name)
		}
		b.probing = true
	}
	b.counts.Requests++
	b.counts.LastActivity = b.now()
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if state == StateHalfOpen {
		b.probing = false
	}

	if err == nil || !bverrors.IsKind(err, bverrors.CategoryTransient) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if int(b.counts.ConsecutiveFailures) >= b.config.Failures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.expiry.After(b.now()) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	b.expiry = time.Time{}
	if state == StateOpen {
		b.expiry = b.now().Add(b.config.Cooldown)
	}

	ev := b.logger.Info()
	if state == StateOpen {
		ev = b.logger.Warn()
	}
	ev.Str("from", prev.String()).Str("to", state.String()).Msg("circuit state changed")
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the endpoint the breaker guards
func (b *Breaker) Name() string {
	return b.name
}
