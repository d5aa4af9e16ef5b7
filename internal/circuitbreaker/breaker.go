// Package circuitbreaker implements a three-state breaker used to shield the
// engine from a misbehaving LLM provider. Closed passes calls through and
// counts consecutive failures; open rejects immediately until a cooldown
// elapses; half-open admits a small number of probes and closes again after
// enough successes.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without invoking the call while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrHalfOpenSaturated is returned when the half-open probe quota is in use.
	ErrHalfOpenSaturated = errors.New("circuit breaker half-open probe limit reached")
)

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
	// Cooldown is how long an open breaker waits before admitting probes.
	Cooldown time.Duration
	// HalfOpenProbes caps concurrent requests while half-open.
	HalfOpenProbes uint32
	// CountingWindow resets the closed-state failure counter periodically so
	// sporadic failures spread over hours never trip the breaker. Zero keeps
	// counts indefinitely.
	CountingWindow time.Duration
	// OnStateChange, when set, observes transitions.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
		HalfOpenProbes:   3,
		CountingWindow:   60 * time.Second,
	}
}

// Counts is a snapshot of the breaker statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker is safe for concurrent use. Every admitted call belongs to a
// generation; outcomes reported against a stale generation (the state changed
// while the call was in flight) are discarded.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	if config.HalfOpenProbes == 0 {
		config.HalfOpenProbes = DefaultConfig().HalfOpenProbes
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	if config.CountingWindow > 0 {
		b.expiry = b.now().Add(config.CountingWindow)
	}
	return b
}

// Execute runs fn when the breaker admits the call and records its outcome.
// A panic in fn counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.settle(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.settle(generation, err == nil)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.refresh(b.now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.refresh(b.now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.config.HalfOpenProbes:
		return generation, ErrHalfOpenSaturated
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) settle(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.refresh(now)
	if current != generation {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// refresh applies timer-driven transitions and returns the effective state.
func (b *Breaker) refresh(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.nextGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
		b.transition(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe re-opens immediately.
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.nextGeneration(now)

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()))
}

func (b *Breaker) nextGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.config.CountingWindow > 0 {
			b.expiry = now.Add(b.config.CountingWindow)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
