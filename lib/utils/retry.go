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

package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function that applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent use.
type Jitter func(time.Duration) time.Duration

// FullJitter returns a jitter on the range [0,n). Most suitable for
// rate-limit style spreading where the full range is desirable.
func FullJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	return rand.N(d)
}

// HalfJitter returns a jitter on the range [n/2,n). A large range, most
// suitable for backoff where breaking up retry cycles quickly is a priority.
func HalfJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	frac := d / 2
	return frac + rand.N(d-frac)
}

// SeventhJitter returns a jitter on the range [6n/7,n). Prefer a small
// jitter such as this for periodic background operations, since large
// jitters significantly increase the average load.
func SeventhJitter(d time.Duration) time.Duration {
	if d < 7 {
		return d
	}
	frac := 6 * d / 7
	return frac + rand.N(d-frac)
}

// Retry provides a backoff progression for retry loops.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt.
	Inc()
	// Duration returns the current retry delay, which can be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay.
	// It fires immediately when the delay is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// LinearConfig configures a retry following an arithmetic progression.
type LinearConfig struct {
	// First is the first element of the progression, can be 0.
	First time.Duration
	// Step is the step of the progression, can't be 0.
	Step time.Duration
	// Max caps the progression.
	Max time.Duration
	// Jitter is an optional jitter applied to every delay. Supplying one
	// means successive Duration calls can return different values.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a retry following an arithmetic progression.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

// NewConstant returns a retry with a constant interval.
func NewConstant(interval time.Duration) (*Linear, error) {
	return NewLinear(LinearConfig{Step: interval, Max: interval})
}

func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// Linear computes retry delays as First, First+Step, First+2*Step and so on,
// capped at Max.
type Linear struct {
	// LinearConfig is the retry configuration.
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the progression to its initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the current delay of the progression.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the delay returned by Duration.
// As a special case, a 0 delay returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the progression state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds or the context
// expires. Wrapping an error with PermanentRetryError stops the loop early.
func (r *Linear) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		var permanent *permanentRetryError
		if errors.As(err, &permanent) {
			return trace.Wrap(err)
		}
		slog.DebugContext(ctx, "Operation failed, will retry",
			"backoff", r.Duration(),
			"error", err,
		)
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err())
		}
	}
}

// ExponentialConfig configures a retry following a geometric progression.
type ExponentialConfig struct {
	// Base is the first non-zero delay of the progression, can't be 0.
	Base time.Duration
	// Max caps the progression.
	Max time.Duration
	// Jitter is an optional jitter applied to every delay.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a retry whose delay doubles with every attempt.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential computes retry delays as 0, Base, 2*Base, 4*Base and so on,
// capped at Max. The zero first delay keeps the initial attempt immediate,
// matching Linear with First=0.
type Exponential struct {
	// ExponentialConfig is the retry configuration.
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the progression to its initial state.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt++
}

// Duration returns the current delay of the progression.
func (r *Exponential) Duration() time.Duration {
	if r.attempt == 0 {
		return 0
	}
	a := r.Base
	// shift saturates well before overflow for any realistic Max
	for i := int64(1); i < r.attempt && a < r.Max; i++ {
		a <<= 1
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the delay returned by Duration.
// As a special case, a 0 delay returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the progression state.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// PermanentRetryError wraps an error to signal retry loops that the
// operation can never succeed and retrying should stop.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}

// Unwrap returns the original error.
func (e *permanentRetryError) Unwrap() error {
	return e.err
}
