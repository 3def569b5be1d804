// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package breaker implements a circuit breaker that protects calls to
// flaky upstreams. The breaker cycles through three states: standby, where
// all executions run and their outcomes feed a trip condition; tripped,
// where executions are rejected outright; and recovering, where a rationed
// trickle of probes determines whether the upstream is healthy again.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// State represents an operating state of a CircuitBreaker.
type State int

const (
	// StateStandby indicates the breaker is passing all executions through
	// and tracking their outcomes.
	StateStandby State = iota
	// StateTripped indicates too many executions have failed and all
	// executions are rejected.
	StateTripped
	// StateRecovering indicates the breaker is allowing a limited number
	// of probe executions to determine whether the upstream recovered.
	StateRecovering
)

// String returns the textual representation of the state.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("undefined(%d)", int(s))
	}
}

var (
	// ErrStateTripped is returned from Execute when the breaker is tripped.
	ErrStateTripped = &trace.ConnectionProblemError{Message: "breaker is tripped"}

	// ErrRecoveryLimitExceeded is returned from Execute when the ration of
	// probe executions for the current recovery window is used up.
	ErrRecoveryLimitExceeded = &trace.LimitExceededError{Message: "too many requests during recovery"}
)

// Metrics tallies execution outcomes within the current generation. A new
// generation starts on every state change and every Interval.
type Metrics struct {
	// Executions is the number of executions admitted.
	Executions uint32
	// Successes is the number of successful executions.
	Successes uint32
	// Failures is the number of failed executions.
	Failures uint32
	// ConsecutiveSuccesses is the current streak of successes.
	ConsecutiveSuccesses uint32
	// ConsecutiveFailures is the current streak of failures.
	ConsecutiveFailures uint32
}

func (m *Metrics) reset() {
	*m = Metrics{}
}

func (m *Metrics) success() {
	m.Successes++
	m.ConsecutiveSuccesses++
	m.ConsecutiveFailures = 0
}

func (m *Metrics) failure() {
	m.Failures++
	m.ConsecutiveFailures++
	m.ConsecutiveSuccesses = 0
}

// TripFn determines whether the breaker should trip based on the metrics of
// the current generation. It is consulted after every failed execution.
type TripFn = func(m Metrics) bool

// StaticTripper returns a TripFn that always returns the provided value.
// Mainly used in tests.
func StaticTripper(trip bool) TripFn {
	return func(Metrics) bool {
		return trip
	}
}

// ConsecutiveFailureTripper returns a TripFn that trips after more than max
// consecutive failures.
func ConsecutiveFailureTripper(max uint32) TripFn {
	return func(m Metrics) bool {
		return m.ConsecutiveFailures > max
	}
}

// RatioTripper returns a TripFn that trips when the failure ratio of the
// current generation meets ratio, once at least minExecutions completed.
func RatioTripper(ratio float64, minExecutions uint32) TripFn {
	return func(m Metrics) bool {
		if m.Executions < minExecutions {
			return false
		}
		return float64(m.Failures)/float64(m.Executions) >= ratio
	}
}

const (
	defaultInterval      = time.Minute
	defaultTrippedPeriod = time.Minute
	defaultRecoveryLimit = 1
)

// Config contains configuration of a CircuitBreaker.
type Config struct {
	// Clock is used to control time. Defaults to the real clock.
	Clock clockwork.Clock
	// Interval is the generation length: metrics reset and, while
	// recovering, the probe ration renews every Interval.
	Interval time.Duration
	// TrippedPeriod is how long the breaker stays tripped before it starts
	// recovering.
	TrippedPeriod time.Duration
	// RecoveryLimit is the number of probe executions admitted per
	// Interval while recovering. Reaching the same number of consecutive
	// successes returns the breaker to standby.
	RecoveryLimit uint32
	// Trip determines whether a failure should trip the breaker. Required.
	Trip TripFn
	// IsSuccessful classifies an execution outcome. Defaults to treating
	// any non-nil error as a failure.
	IsSuccessful func(v any, err error) bool
	// OnTripped is called when the breaker trips. Must not call back into
	// the breaker.
	OnTripped func()
	// OnStandby is called when the breaker returns to standby. Must not
	// call back into the breaker.
	OnStandby func()
	// OnExecute is called once per Execute call with the outcome and the
	// state the breaker was in. Rejected executions report success=false.
	// Must not call back into the breaker.
	OnExecute func(success bool, state State)
}

// Clone returns a copy of the Config. Used to derive instrumented variants
// of a shared base configuration.
func (c Config) Clone() Config {
	return c
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Trip == nil {
		return trace.BadParameter("missing parameter Trip")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.TrippedPeriod <= 0 {
		c.TrippedPeriod = defaultTrippedPeriod
	}
	if c.RecoveryLimit <= 0 {
		c.RecoveryLimit = defaultRecoveryLimit
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(_ any, err error) bool { return err == nil }
	}
	return nil
}

// DefaultBreakerConfig returns a configuration suited for guarding slow
// network upstreams: five consecutive failures trip the breaker for a
// minute, after which single probes are admitted.
func DefaultBreakerConfig(clock clockwork.Clock) Config {
	return Config{
		Clock:         clock,
		Interval:      defaultInterval,
		TrippedPeriod: defaultTrippedPeriod,
		RecoveryLimit: defaultRecoveryLimit,
		Trip:          ConsecutiveFailureTripper(5),
	}
}

// CircuitBreaker implements the circuit breaker pattern around arbitrary
// functions. All methods are safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	metrics    Metrics
	expiry     time.Time
}

// New returns a CircuitBreaker with the provided Config.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	cb := &CircuitBreaker{cfg: cfg}
	cb.nextGeneration(cfg.Clock.Now())
	return cb, nil
}

// NewNoop returns a CircuitBreaker that never trips and passes every
// execution straight through.
func NewNoop() *CircuitBreaker {
	return &CircuitBreaker{
		cfg: Config{
			Clock:        clockwork.NewRealClock(),
			Interval:     defaultInterval,
			Trip:         StaticTripper(false),
			IsSuccessful: func(_ any, err error) bool { return true },
		},
	}
}

// Execute runs the provided function if the breaker allows it, records the
// outcome and returns the function's results. When the execution is
// rejected the returned error is ErrStateTripped or
// ErrRecoveryLimitExceeded.
func (c *CircuitBreaker) Execute(f func() (any, error)) (any, error) {
	generation, err := c.beforeExecution()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	v, err := f()
	c.afterExecution(generation, v, err)
	return v, err
}

// State returns the current operating state.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, _ := c.currentState(c.cfg.Clock.Now())
	return state
}

func (c *CircuitBreaker) beforeExecution() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	state, generation := c.currentState(now)

	switch {
	case state == StateTripped:
		c.emitExecute(false, state)
		return generation, trace.Wrap(ErrStateTripped)
	case state == StateRecovering && c.metrics.Executions >= c.cfg.RecoveryLimit:
		c.emitExecute(false, state)
		return generation, trace.Wrap(ErrRecoveryLimitExceeded)
	}

	c.metrics.Executions++
	return generation, nil
}

func (c *CircuitBreaker) afterExecution(generation uint64, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	state, currentGeneration := c.currentState(now)

	success := c.cfg.IsSuccessful(v, err)
	c.emitExecute(success, state)

	// outcomes from an older generation no longer describe the upstream
	if generation != currentGeneration {
		return
	}

	if success {
		c.successLocked(state, now)
	} else {
		c.failureLocked(state, now)
	}
}

func (c *CircuitBreaker) successLocked(state State, now time.Time) {
	switch state {
	case StateStandby:
		c.metrics.success()
	case StateRecovering:
		c.metrics.success()
		if c.metrics.ConsecutiveSuccesses >= c.cfg.RecoveryLimit {
			c.setState(StateStandby, now)
			if c.cfg.OnStandby != nil {
				c.cfg.OnStandby()
			}
		}
	}
}

func (c *CircuitBreaker) failureLocked(state State, now time.Time) {
	switch state {
	case StateStandby:
		c.metrics.failure()
		if c.cfg.Trip(c.metrics) {
			c.setState(StateTripped, now)
			if c.cfg.OnTripped != nil {
				c.cfg.OnTripped()
			}
		}
	case StateRecovering:
		c.metrics.failure()
		c.setState(StateTripped, now)
		if c.cfg.OnTripped != nil {
			c.cfg.OnTripped()
		}
	}
}

// currentState applies any time-based transition due at now and returns the
// resulting state and generation. The caller must hold c.mu.
func (c *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch c.state {
	case StateStandby:
		if !c.expiry.IsZero() && c.expiry.Before(now) {
			c.nextGeneration(now)
		}
	case StateTripped:
		if c.expiry.Before(now) {
			c.setState(StateRecovering, now)
		}
	case StateRecovering:
		if c.expiry.Before(now) {
			c.nextGeneration(now)
		}
	}
	return c.state, c.generation
}

func (c *CircuitBreaker) setState(state State, now time.Time) {
	if c.state == state {
		return
	}
	c.state = state
	c.nextGeneration(now)
}

func (c *CircuitBreaker) nextGeneration(now time.Time) {
	c.generation++
	c.metrics.reset()

	switch c.state {
	case StateStandby, StateRecovering:
		c.expiry = now.Add(c.cfg.Interval)
	case StateTripped:
		c.expiry = now.Add(c.cfg.TrippedPeriod)
	}
}

func (c *CircuitBreaker) emitExecute(success bool, state State) {
	if c.cfg.OnExecute != nil {
		c.cfg.OnExecute(success, state)
	}
}
