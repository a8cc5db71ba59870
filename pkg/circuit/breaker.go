package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
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

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker guards calls to a flaky downstream, such as the verification
// provider. After MaxFailures consecutive failures the circuit opens; once
// Timeout elapses a single probe is let through.
type Breaker struct {
	maxFailures int
	timeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxFailures int
	Timeout     time.Duration
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		timeout:     cfg.Timeout,
		state:       StateClosed,
	}
}

// Execute runs fn with breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.timeout {
			b.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
