package organizations_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/orgplay/backend/internal/organizations"
)

func TestInviteCodeFor(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000000")
	assert.Equal(t, "org_a1b2c3d4", organizations.InviteCodeFor(id))
	assert.Equal(t, organizations.InviteCodeFor(id), organizations.InviteCodeFor(id))
}

func TestInviteURL(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://orgplay.app", "https://orgplay.app/invite/org_a1b2c3d4"},
		{"https://orgplay.app/", "https://orgplay.app/invite/org_a1b2c3d4"},
		{"http://localhost:3000", "http://localhost:3000/invite/org_a1b2c3d4"},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, organizations.InviteURL(tt.origin, "org_a1b2c3d4"))
		})
	}
}
