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

// Package alerts delivers security notifications raised by the risk engine
// and the device services to operators. Delivery is best effort: transports
// report errors to the caller, but callers are expected to log and move on
// rather than fail the authentication that raised the alert.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/vigil"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentAlerts)

// Severity orders alerts by urgency.
type Severity string

const (
	// SeverityInfo marks alerts that require no action.
	SeverityInfo Severity = "info"
	// SeverityWarning marks alerts an operator should review.
	SeverityWarning Severity = "warning"
	// SeverityCritical marks alerts that demand immediate attention.
	SeverityCritical Severity = "critical"
)

// Alert is a single security notification.
type Alert struct {
	// ID uniquely identifies the alert.
	ID string `json:"id"`
	// UserID is the account the alert concerns, when any.
	UserID string `json:"user_id,omitempty"`
	// Severity grades the urgency of the alert.
	Severity Severity `json:"severity"`
	// Message is a short human readable description.
	Message string `json:"message"`
	// Details carries structured context, e.g. the IPs and distances
	// behind an impossible travel detection.
	Details map[string]string `json:"details,omitempty"`
	// Time is when the alert was raised.
	Time time.Time `json:"time"`
}

// NewAlert returns an Alert with a fresh ID and the current time.
func NewAlert(clock clockwork.Clock, userID string, severity Severity, message string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		UserID:   userID,
		Severity: severity,
		Message:  message,
		Time:     clock.Now().UTC(),
	}
}

// Transport delivers alerts to one destination. Implementations must be
// safe for concurrent use.
type Transport interface {
	// Send delivers the alert, honoring ctx for cancellation.
	Send(ctx context.Context, alert Alert) error
}

// LogTransport writes alerts to the package log. It is the default
// destination when no external transport is configured.
type LogTransport struct{}

// Send implements Transport.
func (LogTransport) Send(ctx context.Context, alert Alert) error {
	log.WarnContext(ctx, "Security alert",
		"alert_id", alert.ID,
		"user_id", alert.UserID,
		"severity", alert.Severity,
		"message", alert.Message,
		"details", alert.Details,
	)
	return nil
}

// DiscardTransport drops every alert. Used in tests and deployments that
// only consume the audit stream.
type DiscardTransport struct{}

// Send implements Transport.
func (DiscardTransport) Send(ctx context.Context, alert Alert) error { return nil }

// MultiTransport fans an alert out to several transports. Every transport
// is attempted; errors are aggregated.
type MultiTransport struct {
	transports []Transport
}

// NewMultiTransport returns a Transport delivering to all of the supplied
// transports.
func NewMultiTransport(transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports}
}

// Send implements Transport.
func (m *MultiTransport) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, transport := range m.transports {
		if err := transport.Send(ctx, alert); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

// MemoryTransport records alerts in memory for tests.
type MemoryTransport struct {
	C chan Alert
}

// NewMemoryTransport returns a MemoryTransport buffering up to 100 alerts.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{C: make(chan Alert, 100)}
}

// Send implements Transport.
func (m *MemoryTransport) Send(ctx context.Context, alert Alert) error {
	select {
	case m.C <- alert:
		return nil
	default:
		return trace.LimitExceeded("alert buffer is full")
	}
}
