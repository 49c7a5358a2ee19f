package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/services"
)

type activateRequest struct {
	ToolName string         `json:"tool_name"`
	Config   map[string]any `json:"config"`
}

// ActivationResult is the response of POST /api/tools.
type ActivationResult struct {
	Status       string   `json:"status"`
	Provider     string   `json:"provider,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	AuthorizeURL string   `json:"authorize_url,omitempty"`
}

// ToolsHandler owns the catalogue and per-user activations.
type ToolsHandler struct {
	activation services.ActivationService
	vault      services.VaultService
	registry   *registry.Registry
	invalidate func(principal *auth.Principal, toolName string)
	logger     *zap.Logger
}

// NewToolsHandler creates a new ToolsHandler. invalidate is called after any
// mutation so cached sessions and listings rebuild.
func NewToolsHandler(
	activation services.ActivationService,
	vault services.VaultService,
	reg *registry.Registry,
	invalidate func(principal *auth.Principal, toolName string),
	logger *zap.Logger,
) *ToolsHandler {
	return &ToolsHandler{
		activation: activation,
		vault:      vault,
		registry:   reg,
		invalidate: invalidate,
		logger:     logger,
	}
}

// RegisterRoutes registers the catalogue and tool routes on the given mux.
func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/catalogue", authMiddleware.RequireAuth(h.Catalogue))
	mux.HandleFunc("GET /api/tools", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/tools", authMiddleware.RequireAuth(h.Activate))
	mux.HandleFunc("DELETE /api/tools/{tool}", authMiddleware.RequireAuth(h.Deactivate))
	mux.HandleFunc("GET /api/tools/{tool}/config", authMiddleware.RequireAuth(h.GetConfig))
	mux.HandleFunc("PUT /api/tools/{tool}/config", authMiddleware.RequireAuth(h.PutConfig))
}

// Catalogue handles GET /api/catalogue.
func (h *ToolsHandler) Catalogue(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	entries, err := h.activation.Catalogue(r.Context(), principal.UserID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, entries)
}

// List handles GET /api/tools.
func (h *ToolsHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	tools, err := h.activation.ListActive(r.Context(), principal.UserID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, tools)
}

// Activate handles POST /api/tools. A tool that needs OAuth first comes back
// as a needs_oauth result carrying a ready-to-use authorize URL rather than a
// plain error, so the UI can send the user straight to the provider.
func (h *ToolsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var req activateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if req.ToolName == "" {
		WriteError(w, h.logger, apperrors.New(apperrors.KindValidation, "tool_name is required"))
		return
	}

	_, err := h.activation.Activate(r.Context(), principal, req.ToolName, req.Config)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNeedsOAuth {
			h.respondNeedsOAuth(w, r, principal, req.ToolName)
			return
		}
		WriteError(w, h.logger, err)
		return
	}

	h.invalidate(principal, req.ToolName)
	_ = WriteJSON(w, http.StatusOK, ActivationResult{Status: "activated"})
}

func (h *ToolsHandler) respondNeedsOAuth(w http.ResponseWriter, r *http.Request, principal *auth.Principal, toolName string) {
	descriptor, err := h.registry.Get(toolName)
	if err != nil || descriptor.OAuth == nil {
		WriteError(w, h.logger, apperrors.Newf(apperrors.KindInternal, "tool %q lost its oauth spec", toolName))
		return
	}

	redirectURI := requestBaseURL(r) + "/api/credentials/oauth/callback"
	authorizeURL, err := h.vault.StartOAuth(r.Context(), principal, descriptor.OAuth.Provider, descriptor.OAuth.Scopes, redirectURI)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, ActivationResult{
		Status:       "needs_oauth",
		Provider:     descriptor.OAuth.Provider,
		Scopes:       descriptor.OAuth.Scopes,
		AuthorizeURL: authorizeURL,
	})
}

// Deactivate handles DELETE /api/tools/{tool}.
func (h *ToolsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	toolName := r.PathValue("tool")

	if err := h.activation.Deactivate(r.Context(), principal, toolName); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	h.invalidate(principal, toolName)
	w.WriteHeader(http.StatusNoContent)
}

// GetConfig handles GET /api/tools/{tool}/config. Sealed values come back
// masked.
func (h *ToolsHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	config, err := h.activation.Config(r.Context(), principal.UserID, r.PathValue("tool"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"config": config})
}

// PutConfig handles PUT /api/tools/{tool}/config.
func (h *ToolsHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	toolName := r.PathValue("tool")

	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	if err := h.activation.UpdateConfig(r.Context(), principal, toolName, req.Config); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	h.invalidate(principal, toolName)
	w.WriteHeader(http.StatusNoContent)
}
