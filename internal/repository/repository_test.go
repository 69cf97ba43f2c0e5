package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/domain"
)

func TestMemoryProfileRepository_UpsertIsIdempotent(t *testing.T) {
	repo := NewMemoryProfileRepository()
	ctx := context.Background()

	profile := &domain.Profile{ID: "acct-1", Name: "Dana", Email: "Dana@Studio.io", Role: domain.RoleInstructor, Approved: true}
	require.NoError(t, repo.UpsertProfile(ctx, profile))
	firstApproval := profile.ApprovedAt
	require.NotNil(t, firstApproval)

	again := &domain.Profile{ID: "acct-1", Name: "Dana", Email: "dana@studio.io", Role: domain.RoleInstructor, Approved: true}
	require.NoError(t, repo.UpsertProfile(ctx, again))

	assert.Equal(t, 1, repo.Len())
	stored, err := repo.FetchProfile(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "dana@studio.io", stored.Email)
	assert.Equal(t, firstApproval, stored.ApprovedAt, "approval time survives re-upsert")
}

func TestMemoryProfileRepository_FetchAbsent(t *testing.T) {
	repo := NewMemoryProfileRepository()
	profile, err := repo.FetchProfile(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, profile)
}

func TestMemoryProfileRepository_UpdateName(t *testing.T) {
	repo := NewMemoryProfileRepository()
	ctx := context.Background()

	assert.ErrorIs(t, repo.UpdateName(ctx, "missing", "x"), pgx.ErrNoRows)

	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{ID: "p", Name: "Old", Role: domain.RoleMember}))
	require.NoError(t, repo.UpdateName(ctx, "p", "New"))
	stored, _ := repo.FetchProfile(ctx, "p")
	assert.Equal(t, "New", stored.Name)
	assert.False(t, stored.Approved)
	assert.Nil(t, stored.ApprovedAt)
}

func TestMemoryAccountRepository(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()

	account := &domain.Account{Email: "Owner@Studio.io", PasswordHash: "hash", Metadata: map[string]any{"name": "Owner"}}
	require.NoError(t, repo.Create(ctx, account))
	assert.NotEmpty(t, account.ID)

	assert.ErrorIs(t, repo.Create(ctx, &domain.Account{Email: "owner@studio.io"}), ErrEmailTaken)

	found, err := repo.GetByEmail(ctx, "OWNER@studio.io")
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	require.NoError(t, repo.UpdateMetadata(ctx, account.ID, map[string]any{"avatar_url": "a.png"}))
	found, err = repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Owner", found.Metadata["name"])
	assert.Equal(t, "a.png", found.Metadata["avatar_url"])

	// callers cannot mutate stored state through returned copies
	found.Metadata["name"] = "mutated"
	again, _ := repo.GetByID(ctx, account.ID)
	assert.Equal(t, "Owner", again.Metadata["name"])

	_, err = repo.GetByEmail(ctx, "nobody@studio.io")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}
