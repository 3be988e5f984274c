// Package policy is the single place where membership roles are checked against actions.
package policy

import (
	"errors"

	"github.com/orgplay/backend/internal/models"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotAMember       = errors.New("not a member of this organization")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrOwnerImmutable is returned for any attempt to grant, change or remove the owner role.
	ErrOwnerImmutable = errors.New("owner role cannot be assigned, changed or removed")
	ErrInvalidRole    = errors.New("invalid role")
)

// Action is an operation gated by role.
type Action string

const (
	ActionView         Action = "view"
	ActionAddGame      Action = "add_game"
	ActionDrawGame     Action = "draw_game"
	ActionInviteMember Action = "invite_member"
	ActionChangeRole   Action = "change_role"
	ActionRemoveMember Action = "remove_member"
)

// Authorize returns nil if actor may perform action in its organization.
func Authorize(actor *models.Member, action Action) error {
	if actor == nil || actor.Status != models.StatusActive {
		return ErrNotAMember
	}
	switch action {
	case ActionView:
		return nil
	case ActionAddGame, ActionDrawGame:
		if actor.Role == models.RoleViewer {
			return ErrPermissionDenied
		}
		return nil
	case ActionInviteMember, ActionChangeRole, ActionRemoveMember:
		if isManager(actor.Role) {
			return nil
		}
		return ErrPermissionDenied
	}
	return ErrPermissionDenied
}

// CheckRoleChange validates that actor may set target's role to newRole.
func CheckRoleChange(actor, target *models.Member, newRole models.MemberRole) error {
	if err := Authorize(actor, ActionChangeRole); err != nil {
		return err
	}
	if target == nil || target.OrganizationID != actor.OrganizationID {
		return ErrNotAMember
	}
	if target.Role == models.RoleOwner || newRole == models.RoleOwner {
		return ErrOwnerImmutable
	}
	if !newRole.Assignable() {
		return ErrInvalidRole
	}
	return nil
}

// CheckRemoval validates that actor may remove target from the organization.
func CheckRemoval(actor, target *models.Member) error {
	if err := Authorize(actor, ActionRemoveMember); err != nil {
		return err
	}
	if target == nil || target.OrganizationID != actor.OrganizationID {
		return ErrNotAMember
	}
	if target.Role == models.RoleOwner {
		return ErrOwnerImmutable
	}
	return nil
}

// CheckInviteRole validates the role offered in an email invitation.
func CheckInviteRole(actor *models.Member, role models.MemberRole) error {
	if err := Authorize(actor, ActionInviteMember); err != nil {
		return err
	}
	if role == models.RoleOwner {
		return ErrOwnerImmutable
	}
	if !role.Assignable() {
		return ErrInvalidRole
	}
	return nil
}

func isManager(r models.MemberRole) bool {
	return r == models.RoleOwner || r == models.RoleAdmin
}
