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
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/vigil/lib/defaults"
)

// WebhookConfig configures a WebhookTransport.
type WebhookConfig struct {
	// URL is the endpoint alerts are POSTed to as JSON. Required.
	URL string
	// AuthorizationHeader is sent verbatim as the Authorization header
	// when set, e.g. "Bearer <token>".
	AuthorizationHeader string
	// Timeout bounds a delivery attempt. Defaults to
	// defaults.AlertWebhookTimeout.
	Timeout time.Duration
	// RetryCount is how many times a failed delivery is retried.
	RetryCount int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WebhookConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("invalid webhook URL %q", c.URL)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.AlertWebhookTimeout
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	return nil
}

// WebhookTransport delivers alerts to an HTTP endpoint as JSON documents.
type WebhookTransport struct {
	cfg    WebhookConfig
	client *resty.Client
}

// NewWebhookTransport returns a WebhookTransport for the supplied config.
func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount)
	if cfg.AuthorizationHeader != "" {
		client.SetHeader("Authorization", cfg.AuthorizationHeader)
	}
	return &WebhookTransport{cfg: cfg, client: client}, nil
}

// Send implements Transport.
func (t *WebhookTransport) Send(ctx context.Context, alert Alert) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(t.cfg.URL)
	if err != nil {
		return trace.ConnectionProblem(err, "delivering alert to %v", t.cfg.URL)
	}
	if resp.IsError() {
		return trace.ConnectionProblem(nil, "alert webhook %v returned %v", t.cfg.URL, resp.Status())
	}
	return nil
}
