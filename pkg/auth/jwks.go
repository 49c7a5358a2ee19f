package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

// AccessTokenClaims are the claims the hub reads from a WorkOS AuthKit
// access token presented on API requests.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Email          string `json:"email,omitempty"`
	OrganizationID string `json:"org_id,omitempty"`
	SessionID      string `json:"sid,omitempty"`
}

// TokenVerifier validates bearer access tokens. Abstracted so tests can
// substitute a static verifier.
type TokenVerifier interface {
	Verify(tokenString string) (*AccessTokenClaims, error)
	Close()
}

// JWKSVerifier validates AuthKit access tokens against the WorkOS JWKS
// endpoint for the configured client.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	cancel context.CancelFunc
}

// NewJWKSVerifier fetches and caches the JWKS from jwksURL. The keyfunc
// refreshes keys in the background until Close is called.
func NewJWKSVerifier(jwksURL string) (*JWKSVerifier, error) {
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS client for %s: %w", jwksURL, err)
	}
	return &JWKSVerifier{jwks: jwks, cancel: cancel}, nil
}

// Verify checks the token signature and expiry and returns its claims.
func (v *JWKSVerifier) Verify(tokenString string) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthenticated, "invalid access token", err)
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "invalid access token claims")
	}
	return claims, nil
}

// Close stops background JWKS refresh.
func (v *JWKSVerifier) Close() {
	v.cancel()
}

// Ensure JWKSVerifier implements TokenVerifier at compile time.
var _ TokenVerifier = (*JWKSVerifier)(nil)
