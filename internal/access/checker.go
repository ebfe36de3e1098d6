// Package access maps principals to the capabilities they hold.
package access

import (
	"fmt"
	"strings"

	"github.com/pavelanni/evalcard/internal/model"
)

// ForbiddenError reports a principal lacking a capability.
type ForbiddenError struct {
	Role model.UserRole
	Perm string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("role %q lacks capability %q", e.Role, e.Perm)
}

type Checker struct {
	RolePermissions map[string][]string
}

func NewChecker(rp map[string][]string) *Checker {
	if rp == nil {
		rp = RolePermissions
	}
	return &Checker{RolePermissions: rp}
}

func (c *Checker) Has(role model.UserRole, perm string) bool {
	perms, ok := c.RolePermissions[string(role)]
	if !ok {
		return false
	}
	for _, p := range perms {
		if matchPerm(p, perm) {
			return true
		}
	}
	return false
}

func (c *Checker) Any(role model.UserRole, perms ...string) bool {
	for _, p := range perms {
		if c.Has(role, p) {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless p holds perm.
func (c *Checker) Require(p model.Principal, perm string) error {
	if !c.Has(p.Role, perm) {
		return &ForbiddenError{Role: p.Role, Perm: perm}
	}
	return nil
}

// RequireOwnerOr passes when p is the owner or holds the broader capability.
// Owners still need ownPerm.
func (c *Checker) RequireOwnerOr(p model.Principal, ownerID int64, ownPerm, allPerm string) error {
	if c.Has(p.Role, allPerm) {
		return nil
	}
	if p.UserID == ownerID && c.Has(p.Role, ownPerm) {
		return nil
	}
	return &ForbiddenError{Role: p.Role, Perm: allPerm}
}

func matchPerm(pattern, perm string) bool {
	if pattern == "*" || pattern == perm {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(perm, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
