package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialKind distinguishes static API keys from OAuth token pairs.
type CredentialKind string

const (
	CredentialAPIKey CredentialKind = "api_key"
	CredentialOAuth2 CredentialKind = "oauth2"
)

// Credential is one sealed secret for a (user, provider) pair. Secret holds
// the sealed API key for api_key rows; AccessToken/RefreshToken hold sealed
// tokens for oauth2 rows. Plaintext never leaves the vault service.
type Credential struct {
	ID           uuid.UUID      `json:"id"`
	WorkspaceID  uuid.UUID      `json:"workspace_id"`
	UserID       uuid.UUID      `json:"user_id"`
	Provider     string         `json:"provider"`
	Kind         CredentialKind `json:"kind"`
	Secret       string         `json:"-"`
	AccessToken  string         `json:"-"`
	RefreshToken string         `json:"-"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	IssuedAt     time.Time      `json:"issued_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Expired reports whether the access token is past (or within skew of) its
// expiry. Credentials without an expiry never expire.
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*c.ExpiresAt)
}

// HasScopes reports whether the credential's granted scopes are a superset of
// the requested ones.
func (c *Credential) HasScopes(required []string) bool {
	if len(required) == 0 {
		return true
	}
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}
