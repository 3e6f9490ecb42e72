package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorivanov/haos/internal/models"
)

func TestEffectiveChanges(t *testing.T) {
	got := effectiveChanges([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []models.RoleChange{
		{RoleID: "a", Action: models.RoleActionRemove},
		{RoleID: "c", Action: models.RoleActionAdd},
	}, got)

	assert.Empty(t, effectiveChanges([]string{"a"}, []string{"a"}))
}

func TestMemberRepo_CreateAndGet(t *testing.T) {
	pool := testPool(t)
	repo := NewMemberRepository(pool)
	ctx := context.Background()
	server := createTestServer(t, pool)
	role := createTestRole(t, pool, server.ID, "Voice", 0, 1)

	m := createTestMember(t, pool, server.ID, "alice", role.ID)

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.DisplayName)
	assert.Equal(t, []string{role.ID}, got.Roles)

	byUser, err := repo.GetByServerAndUser(ctx, server.ID, m.UserID)
	require.NoError(t, err)
	require.NotNil(t, byUser)
	assert.Equal(t, m.ID, byUser.ID)
}

func TestMemberRepo_GetByID_NotFound(t *testing.T) {
	pool := testPool(t)
	got, err := NewMemberRepository(pool).GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemberRepo_GetByServerID_Pagination(t *testing.T) {
	pool := testPool(t)
	repo := NewMemberRepository(pool)
	ctx := context.Background()
	server := createTestServer(t, pool)
	for _, name := range []string{"a", "b", "c"} {
		createTestMember(t, pool, server.ID, name)
	}

	page, err := repo.GetByServerID(ctx, server.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	for _, m := range page {
		assert.NotNil(t, m.Roles)
		assert.Empty(t, m.Roles)
	}

	page, err = repo.GetByServerID(ctx, server.ID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	all, err := repo.GetByServerID(ctx, server.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemberRepo_AddRemoveRole(t *testing.T) {
	pool := testPool(t)
	repo := NewMemberRepository(pool)
	ctx := context.Background()
	server := createTestServer(t, pool)
	role := createTestRole(t, pool, server.ID, "Mod", 0, 1)
	m := createTestMember(t, pool, server.ID, "bob")

	require.NoError(t, repo.AddRole(ctx, m.ID, role.ID))
	require.NoError(t, repo.AddRole(ctx, m.ID, role.ID))
	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{role.ID}, got.Roles)

	require.NoError(t, repo.RemoveRole(ctx, m.ID, role.ID))
	got, err = repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Roles)
}

func TestMemberRepo_ApplyRoleChanges(t *testing.T) {
	pool := testPool(t)
	repo := NewMemberRepository(pool)
	audit := NewAuditLogRepository(pool)
	ctx := context.Background()
	server := createTestServer(t, pool)
	mod := createTestRole(t, pool, server.ID, "Mod", 0x400, 2)
	voice := createTestRole(t, pool, server.ID, "Voice", 0x8000000, 1)

	alice := createTestMember(t, pool, server.ID, "alice", voice.ID)
	bob := createTestMember(t, pool, server.ID, "bob", mod.ID)

	reason := "spring cleanup"
	entries, err := repo.ApplyRoleChanges(ctx, models.RoleChangeBatch{
		ServerID:  server.ID,
		ActorID:   "@owner:example.org",
		MemberIDs: []string{alice.ID, bob.ID},
		Changes: []models.RoleChange{
			{RoleID: mod.ID, Action: models.RoleActionAdd},
			{RoleID: voice.ID, Action: models.RoleActionRemove},
		},
		Reason: &reason,
	})
	require.NoError(t, err)

	// bob already had mod and never had voice: no audit entry.
	require.Len(t, entries, 1)
	assert.Equal(t, alice.ID, entries[0].TargetID)
	assert.ElementsMatch(t, []models.RoleChange{
		{RoleID: voice.ID, Action: models.RoleActionRemove},
		{RoleID: mod.ID, Action: models.RoleActionAdd},
	}, entries[0].Changes)

	got, err := repo.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{mod.ID}, got.Roles)

	stored, err := audit.GetByServerID(ctx, server.ID, models.AuditMemberRoleUpdate, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, entries[0].ID, stored[0].ID)
	require.NotNil(t, stored[0].Reason)
	assert.Equal(t, reason, *stored[0].Reason)
}

func TestMemberRepo_ApplyRoleChanges_AllOrNothing(t *testing.T) {
	pool := testPool(t)
	repo := NewMemberRepository(pool)
	ctx := context.Background()
	server := createTestServer(t, pool)
	mod := createTestRole(t, pool, server.ID, "Mod", 0x400, 2)
	alice := createTestMember(t, pool, server.ID, "alice")

	_, err := repo.ApplyRoleChanges(ctx, models.RoleChangeBatch{
		ServerID:  server.ID,
		ActorID:   "@owner:example.org",
		MemberIDs: []string{alice.ID, "ghost"},
		Changes:   []models.RoleChange{{RoleID: mod.ID, Action: models.RoleActionAdd}},
	})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	got, err := repo.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Roles, "failed batch must not partially apply")

	_, err = repo.ApplyRoleChanges(ctx, models.RoleChangeBatch{
		ServerID:  server.ID,
		ActorID:   "@owner:example.org",
		MemberIDs: []string{alice.ID},
		Changes:   []models.RoleChange{{RoleID: "ghost-role", Action: models.RoleActionAdd}},
	})
	assert.ErrorIs(t, err, ErrRoleNotFound)
}
