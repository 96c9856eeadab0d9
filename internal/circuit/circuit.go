// Package circuit implements the per-version circuit breaker and
// recovery manager (C9): consecutive-failure and unhealthy-transition
// thresholds, a cooldown timer, and half-open probation. Grounded on
// itsneelabh-gomind/resilience/circuit_breaker.go's atomic-state +
// listener shape, deliberately simplified from gomind's sliding-window
// error-rate model to spec.md's consecutive-count + fixed-cooldown
// model — that is what the spec mandates, not a statistical estimator.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// Config is the per-breaker policy (spec.md §4.8 defaults).
type Config struct {
	FailureThreshold   int
	UnhealthyThreshold int
	Cooldown           time.Duration
	HalfOpenSuccesses  int
}

// DefaultConfig matches spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		UnhealthyThreshold: 3,
		Cooldown:           60 * time.Second,
		HalfOpenSuccesses:  3,
	}
}

// Listener is invoked on every state transition, outside the breaker's
// lock, so it may safely call back into the coordinator.
type Listener func(key model.VersionKey, from, to model.CircuitState)

type breakerState struct {
	mu                 sync.Mutex
	state              model.CircuitState
	consecutiveFails   int
	unhealthyCount     int
	halfOpenSuccesses  int
	openedAt           time.Time
}

// Breaker tracks circuit state per version and invokes a Listener on
// every transition.
type Breaker struct {
	cfg      Config
	mu       sync.Mutex
	byKey    map[model.VersionKey]*breakerState
	listener Listener
}

// New builds a Breaker with cfg and a transition listener.
func New(cfg Config, listener Listener) *Breaker {
	return &Breaker{cfg: cfg, byKey: make(map[model.VersionKey]*breakerState), listener: listener}
}

func (b *Breaker) stateFor(key model.VersionKey) *breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byKey[key]
	if !ok {
		s = &breakerState{state: model.CircuitClosed}
		b.byKey[key] = s
	}
	return s
}

// State returns the current circuit state for a version.
func (b *Breaker) State(key model.VersionKey) model.CircuitState {
	s := b.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.maybeExpireCooldownLocked(key, s)
	return s.state
}

func (b *Breaker) maybeExpireCooldownLocked(key model.VersionKey, s *breakerState) {
	if s.state == model.CircuitOpen && time.Since(s.openedAt) >= b.cfg.Cooldown {
		from := s.state
		s.state = model.CircuitHalfOpen
		s.halfOpenSuccesses = 0
		s.mu.Unlock()
		b.notify(key, from, model.CircuitHalfOpen)
		s.mu.Lock()
	}
}

func (b *Breaker) notify(key model.VersionKey, from, to model.CircuitState) {
	log.Info().Str("model_id", key.ModelID).Str("version", key.Version).
		Str("from", string(from)).Str("to", string(to)).Msg("circuit: state transition")
	if b.listener != nil {
		b.listener(key, from, to)
	}
}

// RecordSuccess records a successful execution outcome.
func (b *Breaker) RecordSuccess(key model.VersionKey) {
	s := b.stateFor(key)
	s.mu.Lock()
	s.consecutiveFails = 0

	if s.state == model.CircuitHalfOpen {
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			from := s.state
			s.state = model.CircuitClosed
			s.unhealthyCount = 0
			s.mu.Unlock()
			b.notify(key, from, model.CircuitClosed)
			return
		}
	}
	s.mu.Unlock()
}

// RecordFailure records a failed, non-retryable-or-timeout-classified
// execution outcome.
func (b *Breaker) RecordFailure(key model.VersionKey) {
	s := b.stateFor(key)
	s.mu.Lock()

	if s.state == model.CircuitHalfOpen {
		from := s.state
		s.state = model.CircuitOpen
		s.openedAt = time.Now()
		s.consecutiveFails = 0
		s.mu.Unlock()
		b.notify(key, from, model.CircuitOpen)
		return
	}

	s.consecutiveFails++
	if s.consecutiveFails >= b.cfg.FailureThreshold && s.state == model.CircuitClosed {
		from := s.state
		s.state = model.CircuitOpen
		s.openedAt = time.Now()
		s.mu.Unlock()
		b.notify(key, from, model.CircuitOpen)
		return
	}
	s.mu.Unlock()
}

// RecordUnhealthyTransition counts a version's health moving to
// UNHEALTHY; crossing the threshold trips the circuit open the same way
// a failure-count trip does.
func (b *Breaker) RecordUnhealthyTransition(key model.VersionKey) {
	s := b.stateFor(key)
	s.mu.Lock()
	s.unhealthyCount++
	if s.unhealthyCount >= b.cfg.UnhealthyThreshold && s.state == model.CircuitClosed {
		from := s.state
		s.state = model.CircuitOpen
		s.openedAt = time.Now()
		s.mu.Unlock()
		b.notify(key, from, model.CircuitOpen)
		return
	}
	s.mu.Unlock()
}

// Reenable moves an OPEN or HALF_OPEN breaker back to CLOSED via
// explicit operator action, independent of cooldown/probation counts.
func (b *Breaker) Reenable(key model.VersionKey) {
	s := b.stateFor(key)
	s.mu.Lock()
	from := s.state
	s.state = model.CircuitClosed
	s.consecutiveFails = 0
	s.unhealthyCount = 0
	s.halfOpenSuccesses = 0
	s.mu.Unlock()
	if from != model.CircuitClosed {
		b.notify(key, from, model.CircuitClosed)
	}
}
