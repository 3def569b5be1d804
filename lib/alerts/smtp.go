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

package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	mail "gopkg.in/mail.v2"

	"github.com/gravitational/vigil/lib/defaults"
)

// SMTPConfig configures an SMTPTransport.
type SMTPConfig struct {
	// Host is the SMTP server host. Required.
	Host string
	// Port is the SMTP server port. Defaults to the submission port.
	Port int
	// Username authenticates to the server. Optional.
	Username string
	// Password authenticates to the server. Optional.
	Password string
	// From is the sender address. Required.
	From string
	// To are the recipient addresses. At least one is required.
	To []string
	// Timeout bounds the SMTP conversation.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SMTPConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.From == "" {
		return trace.BadParameter("missing parameter From")
	}
	if len(c.To) == 0 {
		return trace.BadParameter("missing parameter To")
	}
	if c.Port <= 0 {
		c.Port = defaults.SMTPPort
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// SMTPTransport delivers alerts by email.
type SMTPTransport struct {
	cfg    SMTPConfig
	dialer *mail.Dialer
}

// NewSMTPTransport returns an SMTPTransport for the supplied config.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = cfg.Timeout
	return &SMTPTransport{cfg: cfg, dialer: dialer}, nil
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, alert Alert) error {
	m := mail.NewMessage()
	m.SetHeader("From", t.cfg.From)
	m.SetHeader("To", t.cfg.To...)
	m.SetHeader("Subject", renderSubject(alert))
	m.SetBody("text/plain", renderBody(alert))

	// DialAndSend has no context support, run it on the side so Send
	// still honors cancellation
	errC := make(chan error, 1)
	go func() {
		errC <- t.dialer.DialAndSend(m)
	}()
	select {
	case err := <-errC:
		if err != nil {
			return trace.ConnectionProblem(err, "sending alert email via %v", t.cfg.Host)
		}
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func renderSubject(alert Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Message)
}

func renderBody(alert Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert:    %s\n", alert.Message)
	fmt.Fprintf(&sb, "Severity: %s\n", alert.Severity)
	if alert.UserID != "" {
		fmt.Fprintf(&sb, "User:     %s\n", alert.UserID)
	}
	fmt.Fprintf(&sb, "Time:     %s\n", alert.Time.Format(time.RFC3339))
	fmt.Fprintf(&sb, "ID:       %s\n", alert.ID)

	if len(alert.Details) > 0 {
		sb.WriteString("\nDetails:\n")
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, alert.Details[k])
		}
	}
	return sb.String()
}
