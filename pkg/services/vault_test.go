package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

type vaultTestContext struct {
	t           *testing.T
	db          *database.DB
	vault       VaultService
	credentials repositories.CredentialRepository
	sealer      *crypto.Sealer
	config      *configstore.Store
	recorder    *audit.Recorder
	principal   *auth.Principal
}

func setupVaultTest(t *testing.T) *vaultTestContext {
	db := testhelpers.NewTestDB(t)

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	sealer, err := crypto.NewSealerWithSecret("vault-test-secret", salt)
	require.NoError(t, err)

	config := configstore.NewStore(
		repositories.NewSystemConfigRepository(db),
		repositories.NewSettingsRepository(db),
		sealer,
		zap.NewNop(),
	)

	workspaceID := uuid.New()
	userID := uuid.New()
	ctx := context.Background()
	require.NoError(t, repositories.NewWorkspaceRepository(db).Create(ctx, &models.Workspace{
		ID: workspaceID, Name: "Vault", Slug: "vault",
	}))
	require.NoError(t, repositories.NewUserRepository(db).Create(ctx, &models.User{
		ID: userID, WorkspaceID: workspaceID, Email: "vault@example.com",
	}))

	credentials := repositories.NewCredentialRepository(db)
	recorder := audit.NewRecorder(repositories.NewAuditRepository(db), audit.DefaultBufferSize, zap.NewNop())
	t.Cleanup(recorder.Close)

	return &vaultTestContext{
		t:           t,
		db:          db,
		vault:       NewVaultService(credentials, sealer, config, auth.NewStateStore(0), recorder, zap.NewNop()),
		credentials: credentials,
		sealer:      sealer,
		config:      config,
		recorder:    recorder,
		principal: &auth.Principal{
			UserID:      userID,
			WorkspaceID: workspaceID,
			Email:       "vault@example.com",
		},
	}
}

func TestVault_APIKeyRoundtrip(t *testing.T) {
	tc := setupVaultTest(t)
	ctx := context.Background()

	require.NoError(t, tc.vault.PutAPIKey(ctx, tc.principal, "openweather", "0123456789abcdef0123"))

	// The stored row never holds the plaintext.
	stored, err := tc.credentials.Get(ctx, tc.principal.UserID, "openweather", models.CredentialAPIKey)
	require.NoError(t, err)
	assert.NotContains(t, stored.Secret, "0123456789abcdef0123")

	key, err := tc.vault.GetAPIKey(ctx, tc.principal.UserID, "openweather")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", key)

	has, err := tc.vault.HasAPIKey(ctx, tc.principal.UserID, "openweather")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestVault_AccessTokenMissingCredential(t *testing.T) {
	tc := setupVaultTest(t)

	_, err := tc.vault.AccessToken(context.Background(), tc.principal.UserID, "google", []string{"scope-a"})
	assert.Equal(t, apperrors.KindNeedsOAuth, apperrors.KindOf(err))
}

func TestVault_AccessTokenScopeSubset(t *testing.T) {
	tc := setupVaultTest(t)
	ctx := context.Background()

	tc.seedOAuthCredential(ctx, "google", []string{"scope-a"}, time.Now().Add(time.Hour))

	_, err := tc.vault.AccessToken(ctx, tc.principal.UserID, "google", []string{"scope-a", "scope-b"})
	require.Equal(t, apperrors.KindReauthRequired, apperrors.KindOf(err))

	// Granted superset passes without a refresh.
	token, err := tc.vault.AccessToken(ctx, tc.principal.UserID, "google", []string{"scope-a"})
	require.NoError(t, err)
	assert.Equal(t, "live-access-token", token)
}

func TestVault_RefreshIsSingleFlight(t *testing.T) {
	tc := setupVaultTest(t)
	ctx := context.Background()

	var refreshCalls atomic.Int64
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	require.NoError(t, tc.config.Set(ctx, "oauth_test_client_id", "client", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_client_secret", "secret", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_auth_url", tokenServer.URL+"/auth", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_token_url", tokenServer.URL+"/token", false))

	// Expired credential forces every caller onto the refresh path.
	tc.seedOAuthCredential(ctx, "test", []string{"scope-a"}, time.Now().Add(-time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = tc.vault.AccessToken(ctx, tc.principal.UserID, "test", []string{"scope-a"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-token", tokens[i])
	}
	// Exactly one provider round trip despite concurrent callers.
	assert.Equal(t, int64(1), refreshCalls.Load())

	// The stored credential was rewritten with the refreshed token, and the
	// old refresh token survived the provider not rotating it.
	stored, err := tc.credentials.Get(ctx, tc.principal.UserID, "test", models.CredentialOAuth2)
	require.NoError(t, err)
	refresh, err := tc.sealer.Open(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "live-refresh-token", refresh)
}

func TestVault_RevokedRefreshRequiresReauth(t *testing.T) {
	tc := setupVaultTest(t)
	ctx := context.Background()

	var refreshCalls atomic.Int64
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	require.NoError(t, tc.config.Set(ctx, "oauth_test_client_id", "client", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_client_secret", "secret", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_auth_url", tokenServer.URL+"/auth", false))
	require.NoError(t, tc.config.Set(ctx, "oauth_test_token_url", tokenServer.URL+"/token", false))

	tc.seedOAuthCredential(ctx, "test", []string{"scope-a"}, time.Now().Add(-time.Minute))

	_, err := tc.vault.AccessToken(ctx, tc.principal.UserID, "test", []string{"scope-a"})
	assert.Equal(t, apperrors.KindReauthRequired, apperrors.KindOf(err))
	// invalid_grant is permanent: no retries.
	assert.Equal(t, int64(1), refreshCalls.Load())
}

func TestVault_ListStripsSecrets(t *testing.T) {
	tc := setupVaultTest(t)
	ctx := context.Background()

	require.NoError(t, tc.vault.PutAPIKey(ctx, tc.principal, "openweather", "0123456789abcdef0123"))
	tc.seedOAuthCredential(ctx, "google", []string{"scope-a"}, time.Now().Add(time.Hour))

	list, err := tc.vault.List(ctx, tc.principal.UserID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Empty(t, c.Secret)
		assert.Empty(t, c.AccessToken)
		assert.Empty(t, c.RefreshToken)
	}
}

func (tc *vaultTestContext) seedOAuthCredential(ctx context.Context, provider string, scopes []string, expiry time.Time) {
	tc.t.Helper()

	access, err := tc.sealer.Seal("live-access-token")
	require.NoError(tc.t, err)
	refresh, err := tc.sealer.Seal("live-refresh-token")
	require.NoError(tc.t, err)

	expiresAt := expiry.UTC()
	err = tc.credentials.Upsert(ctx, &models.Credential{
		WorkspaceID:  tc.principal.WorkspaceID,
		UserID:       tc.principal.UserID,
		Provider:     provider,
		Kind:         models.CredentialOAuth2,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &expiresAt,
		Scopes:       scopes,
		IssuedAt:     time.Now().UTC(),
	})
	require.NoError(tc.t, err)
}
