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

package events

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentAudit)

var (
	emittedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "audit",
			Name:      "emitted_total",
			Help:      "Number of audit events emitted, partitioned by type.",
		},
		[]string{"type"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Number of audit events dropped because the buffer was full.",
		},
	)
)

// SlogEmitter writes audit events to the package log. It is the default
// sink when no external audit destination is configured.
type SlogEmitter struct{}

// EmitAuditEvent implements Emitter.
func (SlogEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error {
	log.InfoContext(ctx, "Audit event",
		"event_id", event.ID,
		"event_type", event.Type,
		"actor", event.Actor,
		"target", event.Target,
		"ip", event.IP,
		"details", event.Details,
	)
	return nil
}

// DiscardEmitter drops every event.
type DiscardEmitter struct{}

// EmitAuditEvent implements Emitter.
func (DiscardEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error { return nil }

// MultiEmitter fans events out to several emitters, attempting all of them.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an Emitter delivering to all supplied emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// EmitAuditEvent implements Emitter.
func (m *MultiEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, emitter := range m.emitters {
		if err := emitter.EmitAuditEvent(ctx, event); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

// MemoryEmitter records events in memory for tests.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryEmitter returns an empty MemoryEmitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// EmitAuditEvent implements Emitter.
func (m *MemoryEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (m *MemoryEmitter) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Reset drops all recorded events.
func (m *MemoryEmitter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// AsyncEmitterConfig configures an AsyncEmitter.
type AsyncEmitterConfig struct {
	// Inner is the emitter events are forwarded to. Required.
	Inner Emitter
	// BufferSize bounds the number of events waiting to be forwarded.
	// Defaults to defaults.AuditBufferSize.
	BufferSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AsyncEmitterConfig) CheckAndSetDefaults() error {
	if c.Inner == nil {
		return trace.BadParameter("missing parameter Inner")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.AuditBufferSize
	}
	return nil
}

// AsyncEmitter decouples emission from delivery: EmitAuditEvent enqueues
// without blocking and a background goroutine forwards to the inner
// emitter. When the buffer is full events are counted and dropped rather
// than stalling the authentication path that produced them.
type AsyncEmitter struct {
	inner  Emitter
	events chan AuditEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAsyncEmitter returns a started AsyncEmitter. Close releases it.
func NewAsyncEmitter(cfg AsyncEmitterConfig) (*AsyncEmitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(emittedEvents, droppedEvents); err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncEmitter{
		inner:  cfg.Inner,
		events: make(chan AuditEvent, cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.forward(ctx)
	return a, nil
}

// EmitAuditEvent implements Emitter. It never blocks: when the buffer is
// full the event is dropped and accounted for.
func (a *AsyncEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error {
	emittedEvents.WithLabelValues(event.Type).Inc()
	select {
	case a.events <- event:
		return nil
	default:
		droppedEvents.Inc()
		log.WarnContext(ctx, "Audit buffer full, dropping event",
			"event_type", event.Type,
			"event_id", event.ID,
		)
		return nil
	}
}

func (a *AsyncEmitter) forward(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case event := <-a.events:
			if err := a.inner.EmitAuditEvent(ctx, event); err != nil {
				log.WarnContext(ctx, "Failed to deliver audit event",
					"event_type", event.Type,
					"event_id", event.ID,
					"error", err,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops forwarding. Buffered events that have not been forwarded yet
// are dropped.
func (a *AsyncEmitter) Close() error {
	a.cancel()
	<-a.done
	return nil
}
