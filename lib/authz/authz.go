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

// Package authz implements the role hierarchy: role dominance and
// incompatibility tables, privilege comparisons between subjects, role
// assignment validation and the sensitive data access policy.
//
// The package operates on explicit Subject values. There is no ambient
// caller identity; whoever invokes a check passes the subject it vouches
// for.
package authz

import (
	"context"
	"slices"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/events"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentAuthz)

// Subject is the authenticated principal a check runs for.
type Subject struct {
	// ID is the stable account identifier.
	ID string
	// Username is the login name, used in audit trails.
	Username string
	// Authorities are the role names granted to the subject, with or
	// without the ROLE_ prefix.
	Authorities []string
}

// HasRole reports whether the subject holds the role.
func (s Subject) HasRole(role string) bool {
	role = Normalize(role)
	return slices.ContainsFunc(s.Authorities, func(held string) bool {
		return Normalize(held) == role
	})
}

// HasAnyRole reports whether the subject holds at least one of the roles.
func (s Subject) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, s.HasRole)
}

// HasMinimumRole reports whether any role held by the subject ranks at
// least as high as role. Unknown required roles are never satisfied.
func (s Subject) HasMinimumRole(role string) bool {
	required := Level(role)
	if required == 0 {
		return false
	}
	return slices.ContainsFunc(s.Authorities, func(held string) bool {
		return Level(held) >= required
	})
}

// HighestLevel returns the rank of the subject's most privileged role,
// zero when it holds none.
func (s Subject) HighestLevel() int {
	highest := 0
	for _, held := range s.Authorities {
		if level := Level(held); level > highest {
			highest = level
		}
	}
	return highest
}

// CanManage reports whether manager may act on target. Subjects manage
// themselves; anyone else requires strictly higher privilege, so peers
// cannot manage each other.
func CanManage(manager, target Subject) bool {
	if manager.ID != "" && manager.ID == target.ID {
		return true
	}
	return manager.HighestLevel() > target.HighestLevel()
}

// assignmentExempt holds the roles allowed to assign outside their own
// dominance set.
var assignmentExempt = []string{RoleAdmin, RoleSuperAdmin, RoleRoot}

// ValidateAssignment checks a proposed role set against the roles held by
// the actor performing the assignment. Incompatible combinations are
// rejected no matter who asks; past that, actors below ADMIN may only hand
// out roles they dominate.
func ValidateAssignment(proposed, current []string) error {
	for i, a := range proposed {
		for _, b := range proposed[i+1:] {
			if Incompatible(a, b) {
				return trace.BadParameter("roles %v and %v cannot be combined", Normalize(a), Normalize(b))
			}
		}
	}

	actor := Subject{Authorities: current}
	if actor.HasAnyRole(assignmentExempt...) {
		return nil
	}
	for _, role := range proposed {
		covered := slices.ContainsFunc(current, func(held string) bool {
			return Dominates(held, role)
		})
		if !covered {
			return trace.AccessDenied("assigning role %v exceeds the actor's authority", Normalize(role))
		}
	}
	return nil
}

// AssignerConfig configures an Assigner.
type AssignerConfig struct {
	// Emitter receives audit events for denied assignments. Defaults to
	// the package log.
	Emitter events.Emitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AssignerConfig) CheckAndSetDefaults() error {
	if c.Emitter == nil {
		c.Emitter = events.SlogEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Assigner validates role assignments and audits denials.
type Assigner struct {
	cfg AssignerConfig
}

// NewAssigner returns an Assigner with the given config.
func NewAssigner(cfg AssignerConfig) (*Assigner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Assigner{cfg: cfg}, nil
}

// Assign validates that actor may grant target the proposed roles and
// returns the normalized role set to store. Denials are audited.
func (a *Assigner) Assign(ctx context.Context, actor, target Subject, proposed []string) ([]string, error) {
	if err := ValidateAssignment(proposed, actor.Authorities); err != nil {
		a.auditDenial(ctx, actor, target, proposed, err)
		return nil, trace.Wrap(err)
	}
	if !CanManage(actor, target) {
		err := trace.AccessDenied("subject %v may not manage %v", actor.Username, target.Username)
		a.auditDenial(ctx, actor, target, proposed, err)
		return nil, err
	}

	normalized := make([]string, 0, len(proposed))
	for _, role := range proposed {
		role = Normalize(role)
		if !slices.Contains(normalized, role) {
			normalized = append(normalized, role)
		}
	}
	return normalized, nil
}

func (a *Assigner) auditDenial(ctx context.Context, actor, target Subject, proposed []string, reason error) {
	event := events.NewEvent(a.cfg.Clock, events.AssignmentDeniedEvent)
	event.Actor = actor.ID
	event.Target = target.ID
	event.Details = map[string]string{
		"proposed": strings.Join(proposed, ","),
		"reason":   reason.Error(),
	}
	if err := a.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		log.WarnContext(ctx, "Failed to emit audit event",
			"event_type", event.Type,
			"error", err,
		)
	}
}
