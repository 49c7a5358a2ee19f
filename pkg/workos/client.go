// Package workos provides a client for the WorkOS User Management API, used
// when the hub runs in WORKOS mode. Only the endpoints the hub needs are
// implemented: credential validation, the AuthKit authorize URL, the code
// exchange, and the JWKS URL for access token verification.
package workos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/logging"
)

// DefaultTimeout is the maximum time to wait for WorkOS responses.
const DefaultTimeout = 30 * time.Second

const defaultBaseURL = "https://api.workos.com"

// User is the authenticated WorkOS user returned by the code exchange.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// AuthResult is the outcome of exchanging an authorization code.
type AuthResult struct {
	User           User   `json:"user"`
	OrganizationID string `json:"organization_id,omitempty"`
	AccessToken    string `json:"access_token"`
}

// DisplayName joins the user's name fields, falling back to the email.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

// Client provides access to the WorkOS API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new WorkOS client.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: logger.Named("workos"),
	}
}

// NewClientWithBaseURL creates a client against a different endpoint. Tests
// point this at an httptest server.
func NewClientWithBaseURL(baseURL string, logger *zap.Logger) *Client {
	c := NewClient(logger)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// ValidateCredentials verifies that the API key and client ID are usable by
// making a cheap authenticated call. Called during setup before any setting
// is persisted.
func (c *Client) ValidateCredentials(ctx context.Context, clientID, apiKey string) error {
	endpoint := c.baseURL + "/user_management/users?limit=1"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "failed to reach WorkOS", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.New(apperrors.KindValidation, "WorkOS rejected the API key")
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.KindValidation, "WorkOS returned status %d", resp.StatusCode)
	}

	if clientID == "" {
		return apperrors.New(apperrors.KindValidation, "client ID must not be empty")
	}
	return nil
}

// AuthorizeURL builds the AuthKit authorization URL the browser is sent to.
func (c *Client) AuthorizeURL(clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("provider", "authkit")
	return c.baseURL + "/user_management/authorize?" + q.Encode()
}

// ExchangeCode trades an authorization code for the authenticated user.
func (c *Client) ExchangeCode(ctx context.Context, clientID, apiKey, code string) (*AuthResult, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", apiKey)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	endpoint := c.baseURL + "/user_management/authenticate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call WorkOS: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("WorkOS code exchange failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.Sanitize(logging.TruncateString(string(body), 512))))
		return nil, apperrors.Newf(apperrors.KindUnauthenticated, "WorkOS code exchange returned status %d", resp.StatusCode)
	}

	var result AuthResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse WorkOS response: %w", err)
	}
	if result.User.Email == "" {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "WorkOS response missing user email")
	}

	return &result, nil
}

// JWKSURL returns the JWKS endpoint for verifying AuthKit access tokens.
func (c *Client) JWKSURL(clientID string) string {
	return c.baseURL + "/sso/jwks/" + clientID
}
