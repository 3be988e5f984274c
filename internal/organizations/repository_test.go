package organizations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/organizations"
	"github.com/orgplay/backend/internal/testutil"
)

func TestRepository_EnsureInviteCode(t *testing.T) {
	pool := testutil.Postgres(t)
	ctx := context.Background()
	repo := organizations.NewRepository(pool)
	org, _, err := repo.Create(ctx, "Guild", testutil.User(t, pool, "olive"))
	require.NoError(t, err)
	assert.Nil(t, org.InviteCode)

	code := organizations.InviteCodeFor(org.ID)
	got, err := repo.EnsureInviteCode(ctx, org.ID, code)
	require.NoError(t, err)
	assert.Equal(t, code, got)

	got, err = repo.EnsureInviteCode(ctx, org.ID, "org_replaced")
	require.NoError(t, err)
	assert.Equal(t, code, got, "an existing code is never overwritten")

	found, err := repo.GetByInviteCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, org.ID, found.ID)

	other, _, err := repo.Create(ctx, "Other guild", testutil.User(t, pool, "otto"))
	require.NoError(t, err)
	_, err = repo.EnsureInviteCode(ctx, other.ID, code)
	assert.ErrorIs(t, err, organizations.ErrInviteCodeTaken)
}

func TestRepository_OwnerRowIsProtected(t *testing.T) {
	pool := testutil.Postgres(t)
	ctx := context.Background()
	repo := organizations.NewRepository(pool)
	org, owner, err := repo.Create(ctx, "Guild", testutil.User(t, pool, "olive"))
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, owner.Role)

	_, err = repo.UpdateRole(ctx, org.ID, owner.ID, models.RoleAdmin)
	assert.ErrorIs(t, err, organizations.ErrMemberNotFound)
	assert.ErrorIs(t, repo.RemoveMember(ctx, org.ID, owner.ID), organizations.ErrMemberNotFound)

	still, err := repo.GetMember(ctx, org.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, still.Role)
}

func TestRepository_MemberLifecycle(t *testing.T) {
	pool := testutil.Postgres(t)
	ctx := context.Background()
	repo := organizations.NewRepository(pool)
	org, _, err := repo.Create(ctx, "Guild", testutil.User(t, pool, "olive"))
	require.NoError(t, err)
	user := testutil.User(t, pool, "max")

	member, created, err := repo.Join(ctx, org.ID, user)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.RoleMember, member.Role)

	again, created, err := repo.Join(ctx, org.ID, user)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, member.ID, again.ID)

	updated, err := repo.UpdateRole(ctx, org.ID, member.ID, models.RoleModerator)
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, updated.Role)

	other, _, err := repo.Create(ctx, "Other guild", testutil.User(t, pool, "otto"))
	require.NoError(t, err)
	_, err = repo.UpdateRole(ctx, other.ID, member.ID, models.RoleViewer)
	assert.ErrorIs(t, err, organizations.ErrMemberNotFound)
	assert.ErrorIs(t, repo.RemoveMember(ctx, other.ID, member.ID), organizations.ErrMemberNotFound)

	require.NoError(t, repo.RemoveMember(ctx, org.ID, member.ID))
	gone, err := repo.FindMembership(ctx, org.ID, user.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRepository_InvitedSeatKeepsRole(t *testing.T) {
	pool := testutil.Postgres(t)
	ctx := context.Background()
	repo := organizations.NewRepository(pool)
	org, _, err := repo.Create(ctx, "Guild", testutil.User(t, pool, "olive"))
	require.NoError(t, err)
	user := testutil.User(t, pool, "ada")

	invited, err := repo.InviteByEmail(ctx, org.ID, user.Email, "Ada", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvited, invited.Status)
	assert.Nil(t, invited.UserID)

	member, created, err := repo.Join(ctx, org.ID, user)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, invited.ID, member.ID)
	assert.Equal(t, models.RoleAdmin, member.Role)
	assert.Equal(t, models.StatusActive, member.Status)
}
