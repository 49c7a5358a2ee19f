package repositories

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

// userToolTestContext holds test dependencies for user tool repository tests.
type userToolTestContext struct {
	t           *testing.T
	db          *database.DB
	repo        UserToolRepository
	workspaceID uuid.UUID
	userID      uuid.UUID
}

func setupUserToolTest(t *testing.T) *userToolTestContext {
	db := testhelpers.NewTestDB(t)
	tc := &userToolTestContext{
		t:           t,
		db:          db,
		repo:        NewUserToolRepository(db),
		workspaceID: uuid.New(),
		userID:      uuid.New(),
	}
	tc.seedUser()
	return tc
}

func (tc *userToolTestContext) seedUser() {
	tc.t.Helper()
	ctx := context.Background()

	workspaces := NewWorkspaceRepository(tc.db)
	err := workspaces.Create(ctx, &models.Workspace{
		ID:   tc.workspaceID,
		Name: "Test Workspace",
		Slug: "test-workspace",
	})
	require.NoError(tc.t, err)

	users := NewUserRepository(tc.db)
	err = users.Create(ctx, &models.User{
		ID:          tc.userID,
		WorkspaceID: tc.workspaceID,
		Email:       "dev@example.com",
	})
	require.NoError(tc.t, err)
}

func TestUserToolRepository_ActivateAndGet(t *testing.T) {
	tc := setupUserToolTest(t)
	ctx := context.Background()

	configs := []*models.ToolConfig{
		{Key: "units", Value: json.RawMessage(`"metric"`)},
		{Key: "x-api_key", Value: json.RawMessage(`"sealed-ciphertext"`), Encrypted: true},
	}

	stored, err := tc.repo.Activate(ctx, &models.UserTool{
		WorkspaceID: tc.workspaceID,
		UserID:      tc.userID,
		ToolName:    "openweather",
	}, configs)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Equal(t, "openweather", stored.ToolName)

	got, err := tc.repo.Get(ctx, tc.userID, "openweather")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)

	storedConfigs, err := tc.repo.GetConfigs(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, storedConfigs, 2)
	assert.Equal(t, "units", storedConfigs[0].Key)
	assert.False(t, storedConfigs[0].Encrypted)
	assert.Equal(t, "x-api_key", storedConfigs[1].Key)
	assert.True(t, storedConfigs[1].Encrypted)
}

func TestUserToolRepository_ActivateIsIdempotent(t *testing.T) {
	tc := setupUserToolTest(t)
	ctx := context.Background()

	first, err := tc.repo.Activate(ctx, &models.UserTool{
		WorkspaceID: tc.workspaceID,
		UserID:      tc.userID,
		ToolName:    "echo",
	}, nil)
	require.NoError(t, err)

	second, err := tc.repo.Activate(ctx, &models.UserTool{
		WorkspaceID: tc.workspaceID,
		UserID:      tc.userID,
		ToolName:    "echo",
	}, []*models.ToolConfig{{Key: "prefix", Value: json.RawMessage(`"re"`)}})
	require.NoError(t, err)

	// Same row both times; the second call replaced the configs.
	assert.Equal(t, first.ID, second.ID)

	configs, err := tc.repo.GetConfigs(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "prefix", configs[0].Key)
}

func TestUserToolRepository_ReconfigureKeepsConfigRowIdentity(t *testing.T) {
	tc := setupUserToolTest(t)
	ctx := context.Background()

	stored, err := tc.repo.Activate(ctx, &models.UserTool{
		WorkspaceID: tc.workspaceID,
		UserID:      tc.userID,
		ToolName:    "openweather",
	}, []*models.ToolConfig{
		{Key: "units", Value: json.RawMessage(`"metric"`)},
		{Key: "lang", Value: json.RawMessage(`"en"`)},
	})
	require.NoError(t, err)

	before, err := tc.repo.GetConfigs(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)
	idByKey := map[string]uuid.UUID{}
	for _, config := range before {
		idByKey[config.Key] = config.ID
	}

	// Re-configure: change one value, drop the other, add a new key.
	err = tc.repo.ReplaceConfigs(ctx, stored.ID, []*models.ToolConfig{
		{Key: "units", Value: json.RawMessage(`"imperial"`)},
		{Key: "timeout", Value: json.RawMessage(`30`)},
	})
	require.NoError(t, err)

	after, err := tc.repo.GetConfigs(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)

	byKey := map[string]*models.ToolConfig{}
	for _, config := range after {
		byKey[config.Key] = config
	}

	// Surviving keys keep their row ID across the rewrite.
	require.NotNil(t, byKey["units"])
	assert.Equal(t, idByKey["units"], byKey["units"].ID)
	assert.Equal(t, json.RawMessage(`"imperial"`), byKey["units"].Value)

	assert.Nil(t, byKey["lang"])
	require.NotNil(t, byKey["timeout"])
}

func TestUserToolRepository_DeactivateKeepsRow(t *testing.T) {
	tc := setupUserToolTest(t)
	ctx := context.Background()

	_, err := tc.repo.Activate(ctx, &models.UserTool{
		WorkspaceID: tc.workspaceID,
		UserID:      tc.userID,
		ToolName:    "wait",
	}, nil)
	require.NoError(t, err)

	err = tc.repo.SetEnabled(ctx, tc.userID, "wait", false)
	require.NoError(t, err)

	enabled, err := tc.repo.ListEnabled(ctx, tc.userID)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := tc.repo.ListAll(ctx, tc.userID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)
}

func TestUserToolRepository_SetEnabledUnknownTool(t *testing.T) {
	tc := setupUserToolTest(t)

	err := tc.repo.SetEnabled(context.Background(), tc.userID, "never-activated", false)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
