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

package authz

import (
	"context"
	"slices"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/utils"
)

var policyDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: vigil.MetricNamespace,
		Subsystem: "authz",
		Name:      "policy_decisions_total",
		Help:      "Sensitive data policy decisions partitioned by outcome",
	},
	[]string{"outcome"},
)

// DynamicRoleProvider supplies roles allowed on a resource at evaluation
// time, typically from a table operators edit without redeploying.
type DynamicRoleProvider interface {
	// AllowedRoles returns the roles currently allowed to access the
	// resource.
	AllowedRoles(ctx context.Context, resource string) ([]string, error)
}

// PolicyConfig configures a sensitive data access policy.
type PolicyConfig struct {
	// Static maps resource names to the roles always allowed to access
	// them.
	Static map[string][]string
	// Provider optionally supplies additional allowed roles per resource.
	Provider DynamicRoleProvider
}

// Policy decides access to sensitive data. A subject passes when its
// authorities intersect the union of the resource's static and dynamic role
// sets. Resources nobody granted anything on are closed, and so is
// everything when the dynamic provider fails.
type Policy struct {
	static   map[string][]string
	provider DynamicRoleProvider
}

// NewPolicy returns a Policy enforcing the given configuration.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := utils.RegisterPrometheusCollectors(policyDecisions); err != nil {
		return nil, trace.Wrap(err)
	}
	static := make(map[string][]string, len(cfg.Static))
	for resource, roles := range cfg.Static {
		normalized := make([]string, 0, len(roles))
		for _, role := range roles {
			normalized = append(normalized, Normalize(role))
		}
		static[resource] = normalized
	}
	return &Policy{static: static, provider: cfg.Provider}, nil
}

// Check returns nil when subject may access resource.
func (p *Policy) Check(ctx context.Context, subject Subject, resource string) error {
	allowed := slices.Clone(p.static[resource])
	if p.provider != nil {
		dynamic, err := p.provider.AllowedRoles(ctx, resource)
		if err != nil {
			policyDecisions.WithLabelValues("error").Inc()
			return trace.Wrap(err, "resolving dynamic roles for %q", resource)
		}
		allowed = append(allowed, dynamic...)
	}
	if subject.HasAnyRole(allowed...) {
		policyDecisions.WithLabelValues("allow").Inc()
		return nil
	}
	policyDecisions.WithLabelValues("deny").Inc()
	log.DebugContext(ctx, "Denied access to sensitive resource",
		"subject", subject.ID,
		"resource", resource,
	)
	return trace.AccessDenied("access to %q denied", resource)
}
