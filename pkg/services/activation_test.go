package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

type activationTestContext struct {
	*vaultTestContext
	activation ActivationService
	userTools  repositories.UserToolRepository
}

func newActivationContext(t *testing.T) *activationTestContext {
	vtc := setupVaultTest(t)

	reg, err := registry.New(zap.NewNop())
	require.NoError(t, err)

	userTools := repositories.NewUserToolRepository(vtc.db)
	return &activationTestContext{
		vaultTestContext: vtc,
		activation:       NewActivationService(userTools, reg, vtc.vault, vtc.sealer, vtc.recorder, zap.NewNop()),
		userTools:        userTools,
	}
}

func TestActivation_BuiltinTool(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	userTool, err := tc.activation.Activate(ctx, tc.principal, "echo", map[string]any{"prefix": "hub"})
	require.NoError(t, err)
	assert.True(t, userTool.Enabled)

	active, err := tc.activation.ListActive(ctx, tc.principal.UserID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "echo", active[0].ToolName)

	config, err := tc.activation.Config(ctx, tc.principal.UserID, "echo")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prefix": "hub"}, config)
}

func TestActivation_UnknownTool(t *testing.T) {
	tc := newActivationContext(t)

	_, err := tc.activation.Activate(context.Background(), tc.principal, "nonexistent", nil)
	assert.Equal(t, apperrors.KindUnknownTool, apperrors.KindOf(err))
}

func TestActivation_InvalidConfig(t *testing.T) {
	tc := newActivationContext(t)

	_, err := tc.activation.Activate(context.Background(), tc.principal, "openweather", map[string]any{
		"units": "metric",
	})
	assert.Equal(t, apperrors.KindInvalidConfig, apperrors.KindOf(err))
}

func TestActivation_SealsEncryptedKeys(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	const apiKey = "0123456789abcdef0123"
	userTool, err := tc.activation.Activate(ctx, tc.principal, "openweather", map[string]any{
		"api_key": apiKey,
		"units":   "metric",
	})
	require.NoError(t, err)

	// The stored row never carries the plaintext.
	stored, err := tc.userTools.GetConfigs(ctx, userTool.ID)
	require.NoError(t, err)
	for _, config := range stored {
		assert.NotContains(t, string(config.Value), apiKey)
	}

	// Callers see a mask; only materialization unseals.
	config, err := tc.activation.Config(ctx, tc.principal.UserID, "openweather")
	require.NoError(t, err)
	assert.Equal(t, maskedValue, config["api_key"])
	assert.Equal(t, "metric", config["units"])

	materialized, err := tc.activation.MaterializedConfig(ctx, tc.principal.UserID, "openweather")
	require.NoError(t, err)
	assert.Equal(t, apiKey, materialized["api_key"])
}

func TestActivation_OAuthToolRequiresGrant(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "google-gmail", nil)
	require.Equal(t, apperrors.KindNeedsOAuth, apperrors.KindOf(err))

	tc.seedOAuthCredential(ctx, "google", []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
	}, time.Now().Add(time.Hour))

	userTool, err := tc.activation.Activate(ctx, tc.principal, "google-gmail", nil)
	require.NoError(t, err)
	assert.True(t, userTool.Enabled)
}

func TestActivation_OAuthGrantScopeSubsetRejected(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	// Grant covers readonly but the tool also needs send.
	tc.seedOAuthCredential(ctx, "google", []string{
		"https://www.googleapis.com/auth/gmail.readonly",
	}, time.Now().Add(time.Hour))

	_, err := tc.activation.Activate(ctx, tc.principal, "google-gmail", nil)
	assert.Equal(t, apperrors.KindNeedsOAuth, apperrors.KindOf(err))
}

func TestActivation_DeactivateKeepsConfig(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	const apiKey = "0123456789abcdef0123"
	_, err := tc.activation.Activate(ctx, tc.principal, "openweather", map[string]any{"api_key": apiKey})
	require.NoError(t, err)

	require.NoError(t, tc.activation.Deactivate(ctx, tc.principal, "openweather"))

	active, err := tc.activation.ListActive(ctx, tc.principal.UserID)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Re-enabling without config resurrects the sealed key.
	userTool, err := tc.activation.Activate(ctx, tc.principal, "openweather", nil)
	require.NoError(t, err)
	assert.True(t, userTool.Enabled)

	materialized, err := tc.activation.MaterializedConfig(ctx, tc.principal.UserID, "openweather")
	require.NoError(t, err)
	assert.Equal(t, apiKey, materialized["api_key"])
}

func TestActivation_DeactivateUnknownActivation(t *testing.T) {
	tc := newActivationContext(t)

	err := tc.activation.Deactivate(context.Background(), tc.principal, "echo")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestActivation_UpdateConfigRequiresActivation(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	err := tc.activation.UpdateConfig(ctx, tc.principal, "echo", map[string]any{"prefix": "x"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = tc.activation.Activate(ctx, tc.principal, "echo", map[string]any{"prefix": "a"})
	require.NoError(t, err)

	require.NoError(t, tc.activation.UpdateConfig(ctx, tc.principal, "echo", map[string]any{"prefix": "b"}))
	config, err := tc.activation.Config(ctx, tc.principal.UserID, "echo")
	require.NoError(t, err)
	assert.Equal(t, "b", config["prefix"])
}

func TestActivation_Catalogue(t *testing.T) {
	tc := newActivationContext(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)
	require.NoError(t, tc.activation.Deactivate(ctx, tc.principal, "wait"))

	entries, err := tc.activation.Catalogue(ctx, tc.principal.UserID)
	require.NoError(t, err)

	byName := make(map[string]*CatalogueEntry, len(entries))
	for _, entry := range entries {
		byName[entry.Descriptor.Name] = entry
	}
	require.Contains(t, byName, "wait")
	assert.True(t, byName["wait"].Activated)
	assert.False(t, byName["wait"].Enabled)
	require.Contains(t, byName, "echo")
	assert.False(t, byName["echo"].Activated)
}
