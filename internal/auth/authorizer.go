package auth

import (
	"context"
	"slices"

	"github.com/rickgao/collabhub/internal/model"
)

// Policy maps an action to the roles allowed to perform it.
type Policy map[string][]string

// DefaultPolicy lets ordinary members join projects and edit tasks.
func DefaultPolicy() Policy {
	members := []string{"member", "admin", "owner"}
	return Policy{
		"project.join": members,
		"task.edit":    members,
	}
}

// RoleAuthorizer grants actions by role. It has no view of per-resource
// membership; a user allowed an action is allowed it on every resource.
type RoleAuthorizer struct {
	adminRoles []string
	policy     Policy
}

// NewRoleAuthorizer creates an authorizer. A nil policy uses DefaultPolicy.
func NewRoleAuthorizer(adminRoles []string, policy Policy) *RoleAuthorizer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &RoleAuthorizer{
		adminRoles: slices.Clone(adminRoles),
		policy:     policy,
	}
}

// Authorize reports whether user may perform action on res.
// Unknown actions are denied to everyone but admins.
func (a *RoleAuthorizer) Authorize(_ context.Context, user model.User, action string, _ model.ResourceRef) (bool, error) {
	for _, role := range a.adminRoles {
		if user.HasRole(role) {
			return true, nil
		}
	}
	for _, role := range a.policy[action] {
		if user.HasRole(role) {
			return true, nil
		}
	}
	return false, nil
}
