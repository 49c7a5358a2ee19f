package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
)

type loginRequest struct {
	Email string `json:"email"`
}

type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID       string `json:"user_id"`
	WorkspaceID  string `json:"workspace_id"`
	Email        string `json:"email"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

// AuthHandler owns login, logout, and the AuthKit redirect flow.
type AuthHandler struct {
	sessions *auth.SessionManager
	local    *auth.LocalAuthenticator
	workos   *auth.WorkOSAuthenticator
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(
	sessions *auth.SessionManager,
	local *auth.LocalAuthenticator,
	workos *auth.WorkOSAuthenticator,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{sessions: sessions, local: local, workos: workos, logger: logger}
}

// RegisterRoutes registers the auth routes on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("GET /api/auth/authorize", h.Authorize)
	mux.HandleFunc("POST /api/auth/callback", h.Callback)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.HandleFunc("GET /api/auth/me", authMiddleware.RequireAuth(h.Me))
}

// Login handles POST /api/auth/login, the LOCAL-mode sign-in.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	user, err := h.local.Login(r.Context(), req.Email)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.sessions.Issue(r.Context(), w, r, user); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"user": user})
}

// Authorize handles GET /api/auth/authorize: returns the AuthKit URL for the
// browser to redirect to.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	redirectURI := requestBaseURL(r) + "/auth/callback"
	returnTo := r.URL.Query().Get("return_to")

	url, err := h.workos.StartLogin(r.Context(), redirectURI, returnTo)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"authorization_url": url})
}

// Callback handles POST /api/auth/callback: the UI posts the code and state
// it received from AuthKit.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	user, returnTo, err := h.workos.HandleCallback(r.Context(), req.Code, req.State)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.sessions.Issue(r.Context(), w, r, user); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"user": user, "return_to": returnTo})
}

// Logout handles POST /api/auth/logout. The session row is deleted, so the
// cookie is dead even if the browser keeps it.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context(), w, r); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	_ = WriteJSON(w, http.StatusOK, MeResponse{
		UserID:       principal.UserID.String(),
		WorkspaceID:  principal.WorkspaceID.String(),
		Email:        principal.Email,
		IsSuperAdmin: principal.IsSuperAdmin,
	})
}

// requestBaseURL reconstructs the externally visible origin of the request.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
