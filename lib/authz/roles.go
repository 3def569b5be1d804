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
	"slices"
	"strings"
)

// Role names known to the authorization core.
const (
	// RoleRoot is the unrestricted operator role.
	RoleRoot = "ROOT"
	// RoleSuperAdmin administers admins.
	RoleSuperAdmin = "SUPER_ADMIN"
	// RoleAdmin administers the day to day operation.
	RoleAdmin = "ADMIN"
	// RoleCategoryManager curates the catalog taxonomy.
	RoleCategoryManager = "CATEGORY_MANAGER"
	// RoleSupport handles customer issues.
	RoleSupport = "SUPPORT"
	// RoleSeller runs a storefront.
	RoleSeller = "SELLER"
	// RoleUser is the baseline authenticated customer.
	RoleUser = "USER"
)

// RolePrefix is the authority prefix some identity providers attach to role
// names. Normalize strips it so "ROLE_ADMIN" and "ADMIN" denote the same
// authority.
const RolePrefix = "ROLE_"

// Normalize strips the RolePrefix from an authority name. The comparison
// stays case sensitive past the prefix: "role_admin" and "admin" are not
// roles.
func Normalize(role string) string {
	return strings.TrimPrefix(role, RolePrefix)
}

// roleLevels ranks roles by privilege. CATEGORY_MANAGER and SUPPORT are
// parallel branches with equal rank.
var roleLevels = map[string]int{
	RoleRoot:            100,
	RoleSuperAdmin:      90,
	RoleAdmin:           80,
	RoleCategoryManager: 60,
	RoleSupport:         60,
	RoleSeller:          40,
	RoleUser:            10,
}

// dominance lists the roles each role has direct authority over. Authority
// over a role transitively includes everything that role has authority
// over; the closure is computed once at package initialization.
var dominance = map[string][]string{
	RoleRoot:            {RoleSuperAdmin},
	RoleSuperAdmin:      {RoleAdmin},
	RoleAdmin:           {RoleCategoryManager, RoleSupport},
	RoleCategoryManager: {RoleSeller},
	RoleSupport:         {RoleSeller},
	RoleSeller:          {RoleUser},
}

// incompatibilities lists roles a single subject may not hold together.
// Symmetric: listing a pair once under either role is enough.
var incompatibilities = map[string][]string{
	RoleSeller: {RoleCategoryManager, RoleSupport},
}

// dominated is the reflexive transitive closure of dominance.
var dominated = closeDominance()

func closeDominance() map[string]map[string]bool {
	closure := make(map[string]map[string]bool, len(roleLevels))
	for role := range roleLevels {
		reach := map[string]bool{role: true}
		stack := []string{role}
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, sub := range dominance[next] {
				if !reach[sub] {
					reach[sub] = true
					stack = append(stack, sub)
				}
			}
		}
		closure[role] = reach
	}
	return closure
}

// Level returns the privilege rank of a role, zero for unknown roles.
func Level(role string) int {
	return roleLevels[Normalize(role)]
}

// Dominates reports whether role a has authority over role b. Every role
// has authority over itself.
func Dominates(a, b string) bool {
	return dominated[Normalize(a)][Normalize(b)]
}

// Incompatible reports whether two roles may not be held by one subject.
func Incompatible(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	return slices.Contains(incompatibilities[a], b) || slices.Contains(incompatibilities[b], a)
}

// Roles returns the known role names in descending privilege order.
func Roles() []string {
	roles := make([]string, 0, len(roleLevels))
	for role := range roleLevels {
		roles = append(roles, role)
	}
	slices.SortFunc(roles, func(a, b string) int {
		if d := roleLevels[b] - roleLevels[a]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return roles
}
