package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
	"github.com/oriole-systems/toolhub/pkg/workos"
)

type modeTestContext struct {
	service    ModeService
	config     *configstore.Store
	workspaces repositories.WorkspaceRepository
	users      repositories.UserRepository
}

// setupModeTest wires a mode service against a stubbed WorkOS API that
// answers the credential probe with the given status.
func setupModeTest(t *testing.T, workosStatus int) *modeTestContext {
	db := testhelpers.NewTestDB(t)
	ctx := context.Background()
	logger := zap.NewNop()

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	sealer, err := crypto.NewSealerWithSecret("mode-test-secret", salt)
	require.NoError(t, err)

	systemConfigRepo := repositories.NewSystemConfigRepository(db)
	require.NoError(t, systemConfigRepo.Create(ctx, &models.SystemConfig{
		AppMode:        models.ModeUnconfigured,
		EncryptionSalt: salt,
	}))

	config := configstore.NewStore(systemConfigRepo, repositories.NewSettingsRepository(db), sealer, logger)

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(workosStatus)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(stub.Close)

	recorder := audit.NewRecorder(repositories.NewAuditRepository(db), audit.DefaultBufferSize, logger)
	t.Cleanup(recorder.Close)

	workspaces := repositories.NewWorkspaceRepository(db)
	users := repositories.NewUserRepository(db)

	return &modeTestContext{
		service: NewModeService(
			config,
			workspaces,
			users,
			workos.NewClientWithBaseURL(stub.URL, logger),
			recorder,
			logger,
		),
		config:     config,
		workspaces: workspaces,
		users:      users,
	}
}

func TestConfigureWorkOS_PersistsSettingsAndFlips(t *testing.T) {
	tc := setupModeTest(t, http.StatusOK)
	ctx := context.Background()

	err := tc.service.ConfigureWorkOS(ctx, WorkOSSetup{
		ClientID:    "client_123",
		APIKey:      "sk_test_abc",
		Domain:      "acme.authkit.app",
		SuperAdmins: []string{"root@acme.test"},
	})
	require.NoError(t, err)

	mode, err := tc.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeWorkOS, mode)

	clientID, err := tc.config.GetString(ctx, models.SettingWorkOSClientID)
	require.NoError(t, err)
	assert.Equal(t, "client_123", clientID)

	// The API key round-trips through the sealer.
	apiKey, err := tc.config.GetString(ctx, models.SettingWorkOSAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_abc", apiKey)

	domain, err := tc.config.GetString(ctx, models.SettingWorkOSDomain)
	require.NoError(t, err)
	assert.Equal(t, "acme.authkit.app", domain)

	admins, err := tc.config.GetStringList(ctx, models.SettingWorkOSSuperAdmins)
	require.NoError(t, err)
	assert.Equal(t, []string{"root@acme.test"}, admins)
}

func TestConfigureWorkOS_RejectedCredentialsLeaveModeUntouched(t *testing.T) {
	tc := setupModeTest(t, http.StatusUnauthorized)
	ctx := context.Background()

	err := tc.service.ConfigureWorkOS(ctx, WorkOSSetup{
		ClientID: "client_123",
		APIKey:   "sk_bad",
	})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	mode, err := tc.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeUnconfigured, mode)

	// Nothing was persisted for the failed attempt.
	_, err = tc.config.GetString(ctx, models.SettingWorkOSAPIKey)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConfigureWorkOS_MissingFields(t *testing.T) {
	tc := setupModeTest(t, http.StatusOK)

	err := tc.service.ConfigureWorkOS(context.Background(), WorkOSSetup{})
	assert.Equal(t, apperrors.KindInvalidConfig, apperrors.KindOf(err))
}

func TestConfigureLocal_CreatesRowsBeforeFlip(t *testing.T) {
	tc := setupModeTest(t, http.StatusOK)
	ctx := context.Background()

	user, err := tc.service.ConfigureLocal(ctx, "Admin@Example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", user.Email)
	assert.True(t, user.IsSuperAdmin)

	mode, err := tc.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeLocal, mode)

	workspace, err := tc.workspaces.GetBySlug(ctx, auth.LocalWorkspaceSlug)
	require.NoError(t, err)
	assert.Equal(t, workspace.ID, user.WorkspaceID)

	email, err := tc.config.GetString(ctx, models.SettingLocalAdminEmail)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", email)
}

func TestConfigureLocal_SecondAttemptAlreadyConfigured(t *testing.T) {
	tc := setupModeTest(t, http.StatusOK)
	ctx := context.Background()

	_, err := tc.service.ConfigureLocal(ctx, "admin@example.com", "")
	require.NoError(t, err)

	_, err = tc.service.ConfigureLocal(ctx, "second@example.com", "")
	assert.Equal(t, apperrors.KindAlreadyConfigured, apperrors.KindOf(err))
}

func TestUpgradeToWorkOS_FromLocal(t *testing.T) {
	tc := setupModeTest(t, http.StatusOK)
	ctx := context.Background()

	_, err := tc.service.ConfigureLocal(ctx, "admin@example.com", "")
	require.NoError(t, err)

	require.NoError(t, tc.service.UpgradeToWorkOS(ctx, WorkOSSetup{
		ClientID: "client_123",
		APIKey:   "sk_test_abc",
	}))

	mode, err := tc.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeWorkOS, mode)

	// There is no way back from WORKOS.
	err = tc.service.UpgradeToWorkOS(ctx, WorkOSSetup{
		ClientID: "client_123",
		APIKey:   "sk_test_abc",
	})
	assert.Equal(t, apperrors.KindAlreadyConfigured, apperrors.KindOf(err))
}
