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

package risk

import (
	"context"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/vigil/lib/defaults"
)

// ReputationService scores addresses by how likely they are to be VPN or
// proxy exits. Scores range from 0 (certain proxy) to 1 (clean).
type ReputationService interface {
	// Score returns the reputation of ip.
	Score(ctx context.Context, ip string) (float64, error)
}

// ReputationConfig configures the HTTP reputation client.
type ReputationConfig struct {
	// URL is the reputation endpoint. The address under query is passed
	// as the "ip" query parameter. Required.
	URL string
	// APIKey is sent as the X-Api-Key header when set.
	APIKey string
	// Timeout bounds a single query. Defaults to 2 seconds.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ReputationConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return trace.BadParameter("invalid reputation URL %q: %v", c.URL, err)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.ReputationTimeout
	}
	return nil
}

// ReputationClient queries an external VPN and proxy reputation service over
// HTTP.
type ReputationClient struct {
	cfg    ReputationConfig
	client *resty.Client
}

// NewReputationClient returns a reputation client for the configured
// endpoint.
func NewReputationClient(cfg ReputationConfig) (*ReputationClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := resty.New().SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetHeader("X-Api-Key", cfg.APIKey)
	}
	return &ReputationClient{cfg: cfg, client: client}, nil
}

// reputationResponse is the reputation service wire format.
type reputationResponse struct {
	Score float64 `json:"score"`
}

// Score implements ReputationService.
func (c *ReputationClient) Score(ctx context.Context, ip string) (float64, error) {
	var out reputationResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("ip", ip).
		SetResult(&out).
		Get(c.cfg.URL)
	if err != nil {
		return 0, trace.ConnectionProblem(err, "querying reputation service")
	}
	if resp.IsError() {
		return 0, trace.ConnectionProblem(nil, "reputation service returned %v", resp.Status())
	}
	return out.Score, nil
}

var _ ReputationService = (*ReputationClient)(nil)
