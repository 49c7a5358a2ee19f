package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

func newTestStore(t *testing.T) (*Store, repositories.SettingsRepository) {
	db := testhelpers.NewTestDB(t)

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	sealer, err := crypto.NewSealerWithSecret("test-machine-secret", salt)
	require.NoError(t, err)

	settings := repositories.NewSettingsRepository(db)
	store := NewStore(
		repositories.NewSystemConfigRepository(db),
		settings,
		sealer,
		zap.NewNop(),
	)
	return store, settings
}

func TestStore_EncryptedSettingRoundtrip(t *testing.T) {
	store, settings := newTestStore(t)
	ctx := context.Background()

	err := store.Set(ctx, models.SettingWorkOSAPIKey, "sk_test_12345", true)
	require.NoError(t, err)

	// The stored row holds ciphertext, not the plaintext.
	raw, err := settings.Get(ctx, models.SettingWorkOSAPIKey)
	require.NoError(t, err)
	assert.True(t, raw.Encrypted)
	assert.NotContains(t, raw.Value, "sk_test_12345")

	value, err := store.GetString(ctx, models.SettingWorkOSAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_12345", value)
}

func TestStore_PlainSetting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, models.SettingHubBaseURL, "http://localhost:8787", false))

	value, err := store.GetString(ctx, models.SettingHubBaseURL)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787", value)
}

func TestStore_GetStringDefaultMissing(t *testing.T) {
	store, _ := newTestStore(t)

	value, err := store.GetStringDefault(context.Background(), "no-such-key", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)
}

func TestStore_GetStringList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, models.SettingWorkOSSuperAdmins, "a@x.com, b@x.com ,, c@x.com", false))

	admins, err := store.GetStringList(ctx, models.SettingWorkOSSuperAdmins)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, admins)
}

func TestStore_ModeDefaultsToUnconfigured(t *testing.T) {
	store, _ := newTestStore(t)

	mode, err := store.Mode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ModeUnconfigured, mode)
}

func TestStore_TransitionRejectsDowngrade(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Transition(context.Background(), models.ModeWorkOS, models.ModeLocal)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
