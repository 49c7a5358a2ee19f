package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/singleflight"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// ExpirySkew is how early a token counts as expired, so a token never dies
// mid-request.
const ExpirySkew = 60 * time.Second

// refreshBackoff returns the retry schedule for provider refresh calls:
// two retries at roughly 250ms and 1s.
func refreshBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 4
	b.RandomizationFactor = 0
	return b
}

// oauthState is the payload carried through a tool provider's OAuth redirect.
type oauthState struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	Provider    string
	Scopes      []string
	RedirectURI string
}

// VaultService owns every credential in the system. Secrets are sealed with
// the machine-bound key before they reach a repository and unsealed only on
// the way into a provider call; nothing outside this service ever holds
// plaintext.
type VaultService interface {
	// PutAPIKey seals and stores a static API key for (user, provider).
	PutAPIKey(ctx context.Context, principal *auth.Principal, provider, key string) error
	// GetAPIKey returns the plaintext API key.
	GetAPIKey(ctx context.Context, userID uuid.UUID, provider string) (string, error)
	// HasAPIKey reports whether a key is stored without unsealing it.
	HasAPIKey(ctx context.Context, userID uuid.UUID, provider string) (bool, error)
	// HasOAuthGrant reports whether a stored grant covers the given scopes.
	// Nothing is unsealed and no refresh is attempted.
	HasOAuthGrant(ctx context.Context, userID uuid.UUID, provider string, scopes []string) (bool, error)
	// StartOAuth issues state and returns the provider authorize URL.
	StartOAuth(ctx context.Context, principal *auth.Principal, provider string, scopes []string, redirectURI string) (string, error)
	// CompleteOAuth consumes state, exchanges the code, and stores the
	// sealed token pair. Returns the provider for UI routing.
	CompleteOAuth(ctx context.Context, code, state string) (string, error)
	// AccessToken returns a live plaintext access token, refreshing through
	// the provider when expired. Concurrent callers for the same credential
	// share one refresh.
	AccessToken(ctx context.Context, userID uuid.UUID, provider string, requiredScopes []string) (string, error)
	// Revoke deletes a stored credential.
	Revoke(ctx context.Context, principal *auth.Principal, provider string, kind models.CredentialKind) error
	// List returns credential metadata for a user: provider, kind, expiry.
	// Never any secret material.
	List(ctx context.Context, userID uuid.UUID) ([]*models.Credential, error)
}

type vaultService struct {
	credentials repositories.CredentialRepository
	sealer      *crypto.Sealer
	config      *configstore.Store
	states      *auth.StateStore
	recorder    *audit.Recorder
	logger      *zap.Logger

	refreshGroup singleflight.Group
}

// NewVaultService creates a new VaultService.
func NewVaultService(
	credentials repositories.CredentialRepository,
	sealer *crypto.Sealer,
	config *configstore.Store,
	states *auth.StateStore,
	recorder *audit.Recorder,
	logger *zap.Logger,
) VaultService {
	return &vaultService{
		credentials: credentials,
		sealer:      sealer,
		config:      config,
		states:      states,
		recorder:    recorder,
		logger:      logger.Named("vault"),
	}
}

var _ VaultService = (*vaultService)(nil)

func (s *vaultService) PutAPIKey(ctx context.Context, principal *auth.Principal, provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.InvalidConfig(map[string]string{"api_key": "must not be empty"})
	}

	sealed, err := s.sealer.Seal(key)
	if err != nil {
		return fmt.Errorf("failed to seal API key: %w", err)
	}

	err = s.credentials.Upsert(ctx, &models.Credential{
		WorkspaceID: principal.WorkspaceID,
		UserID:      principal.UserID,
		Provider:    provider,
		Kind:        models.CredentialAPIKey,
		Secret:      sealed,
		IssuedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &principal.WorkspaceID,
		ActorUserID: &principal.UserID,
		ActorEmail:  principal.Email,
		Category:    models.AuditCredential,
		Action:      "credential.api_key_stored",
		TargetType:  "provider",
		TargetName:  provider,
		Success:     true,
	})
	return nil
}

func (s *vaultService) GetAPIKey(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	credential, err := s.credentials.Get(ctx, userID, provider, models.CredentialAPIKey)
	if err != nil {
		return "", err
	}
	key, err := s.sealer.Open(credential.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to unseal API key for %s: %w", provider, err)
	}
	return key, nil
}

func (s *vaultService) HasAPIKey(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	_, err := s.credentials.Get(ctx, userID, provider, models.CredentialAPIKey)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *vaultService) HasOAuthGrant(ctx context.Context, userID uuid.UUID, provider string, scopes []string) (bool, error) {
	credential, err := s.credentials.Get(ctx, userID, provider, models.CredentialOAuth2)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return credential.HasScopes(scopes), nil
}

func (s *vaultService) StartOAuth(ctx context.Context, principal *auth.Principal, provider string, scopes []string, redirectURI string) (string, error) {
	conf, err := s.providerConfig(ctx, provider, redirectURI, scopes)
	if err != nil {
		return "", err
	}

	state, err := s.states.Issue(oauthState{
		UserID:      principal.UserID,
		WorkspaceID: principal.WorkspaceID,
		Provider:    provider,
		Scopes:      scopes,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return "", err
	}

	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (s *vaultService) CompleteOAuth(ctx context.Context, code, state string) (string, error) {
	payload, err := s.states.Consume(state)
	if err != nil {
		return "", err
	}
	flow, ok := payload.(oauthState)
	if !ok {
		return "", apperrors.New(apperrors.KindAuthStateExpired, "state token is not a credential flow")
	}

	conf, err := s.providerConfig(ctx, flow.Provider, flow.RedirectURI, flow.Scopes)
	if err != nil {
		return "", err
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUnauthenticated, "provider code exchange failed", err)
	}

	if err := s.storeToken(ctx, flow, token); err != nil {
		return "", err
	}

	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &flow.WorkspaceID,
		ActorUserID: &flow.UserID,
		Category:    models.AuditCredential,
		Action:      "credential.oauth_granted",
		TargetType:  "provider",
		TargetName:  flow.Provider,
		Success:     true,
	})

	return flow.Provider, nil
}

func (s *vaultService) storeToken(ctx context.Context, flow oauthState, token *oauth2.Token) error {
	sealedAccess, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}

	var sealedRefresh string
	if token.RefreshToken != "" {
		sealedRefresh, err = s.sealer.Seal(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry.UTC()
		expiresAt = &t
	}

	return s.credentials.Upsert(ctx, &models.Credential{
		WorkspaceID:  flow.WorkspaceID,
		UserID:       flow.UserID,
		Provider:     flow.Provider,
		Kind:         models.CredentialOAuth2,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    expiresAt,
		Scopes:       flow.Scopes,
		IssuedAt:     time.Now().UTC(),
	})
}

func (s *vaultService) AccessToken(ctx context.Context, userID uuid.UUID, provider string, requiredScopes []string) (string, error) {
	credential, err := s.credentials.Get(ctx, userID, provider, models.CredentialOAuth2)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", apperrors.NeedsOAuth(provider, "", requiredScopes)
		}
		return "", err
	}

	if !credential.HasScopes(requiredScopes) {
		missing := missingScopes(credential.Scopes, requiredScopes)
		return "", apperrors.ReauthRequired(provider, "", missing)
	}

	if !credential.Expired(time.Now(), ExpirySkew) {
		token, err := s.sealer.Open(credential.AccessToken)
		if err != nil {
			return "", fmt.Errorf("failed to unseal access token for %s: %w", provider, err)
		}
		return token, nil
	}

	// Expired: refresh once per (user, provider) regardless of how many
	// callers arrive at the same moment.
	key := userID.String() + "/" + provider
	result, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		return s.refresh(ctx, credential, requiredScopes)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *vaultService) refresh(ctx context.Context, credential *models.Credential, requiredScopes []string) (string, error) {
	if credential.RefreshToken == "" {
		return "", apperrors.ReauthRequired(credential.Provider, "", requiredScopes)
	}

	refreshToken, err := s.sealer.Open(credential.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to unseal refresh token for %s: %w", credential.Provider, err)
	}

	conf, err := s.providerConfig(ctx, credential.Provider, "", credential.Scopes)
	if err != nil {
		return "", err
	}

	token, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		t, err := source.Token()
		if err != nil {
			// Permanent rejection means the grant is gone; retrying
			// cannot help.
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return t, nil
	}, backoff.WithBackOff(refreshBackoff()), backoff.WithMaxTries(3))
	if err != nil {
		s.logger.Warn("Token refresh failed",
			zap.String("provider", credential.Provider),
			zap.String("user_id", credential.UserID.String()))
		return "", apperrors.ReauthRequired(credential.Provider, "", requiredScopes)
	}

	flow := oauthState{
		UserID:      credential.UserID,
		WorkspaceID: credential.WorkspaceID,
		Provider:    credential.Provider,
		Scopes:      credential.Scopes,
	}
	// Providers that rotate refresh tokens return a new one; keep the old
	// one when they don't.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	if err := s.storeToken(ctx, flow, token); err != nil {
		return "", err
	}

	s.logger.Debug("Refreshed provider token", zap.String("provider", credential.Provider))
	return token.AccessToken, nil
}

func (s *vaultService) Revoke(ctx context.Context, principal *auth.Principal, provider string, kind models.CredentialKind) error {
	if err := s.credentials.Delete(ctx, principal.UserID, provider, kind); err != nil {
		return err
	}

	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &principal.WorkspaceID,
		ActorUserID: &principal.UserID,
		ActorEmail:  principal.Email,
		Category:    models.AuditCredential,
		Action:      "credential.revoked",
		TargetType:  "provider",
		TargetName:  provider,
		Success:     true,
	})
	return nil
}

func (s *vaultService) List(ctx context.Context, userID uuid.UUID) ([]*models.Credential, error) {
	credentials, err := s.credentials.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Strip ciphertext: metadata only leaves the vault.
	for _, c := range credentials {
		c.Secret = ""
		c.AccessToken = ""
		c.RefreshToken = ""
	}
	return credentials, nil
}

// providerConfig assembles the oauth2 config for a provider from hub-level
// settings (client id and secret registered by the platform admin).
func (s *vaultService) providerConfig(ctx context.Context, provider, redirectURI string, scopes []string) (*oauth2.Config, error) {
	clientID, err := s.config.GetStringDefault(ctx, "oauth_"+provider+"_client_id", "")
	if err != nil {
		return nil, err
	}
	clientSecret, err := s.config.GetStringDefault(ctx, "oauth_"+provider+"_client_secret", "")
	if err != nil {
		return nil, err
	}
	if clientID == "" || clientSecret == "" {
		return nil, apperrors.Newf(apperrors.KindInvalidConfig, "OAuth provider %q is not configured", provider)
	}

	endpoint, err := providerEndpoint(ctx, s.config, provider)
	if err != nil {
		return nil, err
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}, nil
}

// providerEndpoint maps known providers to their endpoints, with setting
// overrides for self-hosted or test providers.
func providerEndpoint(ctx context.Context, config *configstore.Store, provider string) (oauth2.Endpoint, error) {
	authURL, err := config.GetStringDefault(ctx, "oauth_"+provider+"_auth_url", "")
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	tokenURL, err := config.GetStringDefault(ctx, "oauth_"+provider+"_token_url", "")
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	if authURL != "" && tokenURL != "" {
		return oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}, nil
	}

	switch provider {
	case "google":
		return endpoints.Google, nil
	case "github":
		return endpoints.GitHub, nil
	case "microsoft":
		return endpoints.Microsoft, nil
	default:
		return oauth2.Endpoint{}, apperrors.Newf(apperrors.KindInvalidConfig, "no OAuth endpoints known for provider %q", provider)
	}
}

func missingScopes(granted, required []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
