package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

func TestSystemConfigRepository_SingletonCreate(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	repo := NewSystemConfigRepository(db)
	ctx := context.Background()

	_, err := repo.Get(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	salt := make([]byte, 32)
	err = repo.Create(ctx, &models.SystemConfig{AppMode: models.ModeUnconfigured, EncryptionSalt: salt})
	require.NoError(t, err)

	// A second create loses.
	err = repo.Create(ctx, &models.SystemConfig{AppMode: models.ModeUnconfigured, EncryptionSalt: salt})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	config, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeUnconfigured, config.AppMode)
	assert.Equal(t, salt, config.EncryptionSalt)
}

func TestSystemConfigRepository_TransitionModeCAS(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	repo := NewSystemConfigRepository(db)
	ctx := context.Background()

	salt := make([]byte, 32)
	require.NoError(t, repo.Create(ctx, &models.SystemConfig{AppMode: models.ModeUnconfigured, EncryptionSalt: salt}))

	err := repo.TransitionMode(ctx, models.ModeUnconfigured, models.ModeLocal)
	require.NoError(t, err)

	// The stored mode is no longer UNCONFIGURED, so a second setup attempt
	// with the same expectation must fail.
	err = repo.TransitionMode(ctx, models.ModeUnconfigured, models.ModeWorkOS)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	err = repo.TransitionMode(ctx, models.ModeLocal, models.ModeWorkOS)
	require.NoError(t, err)

	config, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeWorkOS, config.AppMode)
}
