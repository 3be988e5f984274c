package organizations

import (
	"strings"

	"github.com/google/uuid"
)

const inviteCodePrefix = "org_"

// InviteCodeFor derives an organization's invite code: "org_" plus the first 8 characters of its id.
func InviteCodeFor(orgID uuid.UUID) string {
	return inviteCodePrefix + orgID.String()[:8]
}

// InviteURL builds the shareable link for an invite code.
func InviteURL(origin, code string) string {
	return strings.TrimRight(origin, "/") + "/invite/" + code
}
