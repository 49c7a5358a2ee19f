package handlers

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/services"
)

type putAPIKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

type startOAuthRequest struct {
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes"`
}

// CredentialsHandler owns the vault's HTTP surface. Responses never carry
// secret material; listing returns metadata only.
type CredentialsHandler struct {
	vault  services.VaultService
	logger *zap.Logger
}

// NewCredentialsHandler creates a new CredentialsHandler.
func NewCredentialsHandler(vault services.VaultService, logger *zap.Logger) *CredentialsHandler {
	return &CredentialsHandler{vault: vault, logger: logger}
}

// RegisterRoutes registers the credential routes on the given mux. The OAuth
// callback is unauthenticated: the provider's redirect carries no session in
// some browser setups, and the state token is what binds it to a user.
func (h *CredentialsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/credentials", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("PUT /api/credentials/api-key", authMiddleware.RequireAuth(h.PutAPIKey))
	mux.HandleFunc("DELETE /api/credentials/{provider}", authMiddleware.RequireAuth(h.Revoke))
	mux.HandleFunc("POST /api/credentials/oauth/start", authMiddleware.RequireAuth(h.StartOAuth))
	mux.HandleFunc("GET /api/credentials/oauth/callback", h.OAuthCallback)
}

// List handles GET /api/credentials.
func (h *CredentialsHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	credentials, err := h.vault.List(r.Context(), principal.UserID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, credentials)
}

// PutAPIKey handles PUT /api/credentials/api-key.
func (h *CredentialsHandler) PutAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var req putAPIKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if req.Provider == "" {
		WriteError(w, h.logger, apperrors.New(apperrors.KindValidation, "provider is required"))
		return
	}

	if err := h.vault.PutAPIKey(r.Context(), principal, req.Provider, req.APIKey); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Revoke handles DELETE /api/credentials/{provider}?kind=oauth2|api_key.
func (h *CredentialsHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	provider := r.PathValue("provider")

	kind := models.CredentialAPIKey
	if r.URL.Query().Get("kind") == string(models.CredentialOAuth2) {
		kind = models.CredentialOAuth2
	}

	if err := h.vault.Revoke(r.Context(), principal, provider, kind); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartOAuth handles POST /api/credentials/oauth/start.
func (h *CredentialsHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var req startOAuthRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if req.Provider == "" {
		WriteError(w, h.logger, apperrors.New(apperrors.KindValidation, "provider is required"))
		return
	}

	redirectURI := requestBaseURL(r) + "/api/credentials/oauth/callback"
	authorizeURL, err := h.vault.StartOAuth(r.Context(), principal, req.Provider, req.Scopes, redirectURI)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"authorize_url": authorizeURL})
}

// OAuthCallback handles GET /api/credentials/oauth/callback, the provider's
// redirect target. On success the browser lands back in the UI.
func (h *CredentialsHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		http.Redirect(w, r, "/credentials?status=denied&reason="+url.QueryEscape(errCode), http.StatusTemporaryRedirect)
		return
	}

	provider, err := h.vault.CompleteOAuth(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		h.logger.Warn("OAuth callback failed", zap.String("kind", string(apperrors.KindOf(err))))
		http.Redirect(w, r, "/credentials?status=failed", http.StatusTemporaryRedirect)
		return
	}

	http.Redirect(w, r, "/credentials?status=connected&provider="+url.QueryEscape(provider), http.StatusTemporaryRedirect)
}
