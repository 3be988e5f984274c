package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. Games and members belong to exactly one organization.
type Organization struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	OwnerID    uuid.UUID `json:"owner_id"`
	InviteCode *string   `json:"invite_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MemberRole is the role of a member inside an organization.
type MemberRole string

const (
	RoleOwner     MemberRole = "owner"
	RoleAdmin     MemberRole = "admin"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
	RoleViewer    MemberRole = "viewer"
)

// AssignableRoles are the roles that can be granted through role management. Owner is set once,
// when the organization is created.
var AssignableRoles = []MemberRole{RoleMember, RoleViewer, RoleAdmin, RoleModerator}

// Valid reports whether r is a known role.
func (r MemberRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleModerator, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Assignable reports whether r may be granted through role management.
func (r MemberRole) Assignable() bool {
	for _, a := range AssignableRoles {
		if a == r {
			return true
		}
	}
	return false
}

// MemberStatus tracks whether an invited member has claimed their seat.
type MemberStatus string

const (
	StatusActive  MemberStatus = "active"
	StatusInvited MemberStatus = "invited"
)

// Member binds an identity to an organization with a role. UserID is nil while the member is
// still invited by email.
type Member struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	UserID         *uuid.UUID   `json:"uid,omitempty"`
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Role           MemberRole   `json:"role"`
	Status         MemberStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}
