package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/services"
)

// SetupStatusResponse reports the deployment's bootstrap state.
type SetupStatusResponse struct {
	Mode            models.AppMode `json:"mode"`
	IsSetupRequired bool           `json:"is_setup_required"`
}

type setupLocalRequest struct {
	AdminEmail    string `json:"admin_email"`
	WorkspaceName string `json:"workspace_name,omitempty"`
}

type setupWorkOSRequest struct {
	ClientID         string   `json:"client_id"`
	APIKey           string   `json:"api_key"`
	AuthKitDomain    string   `json:"authkit_domain,omitempty"`
	SuperAdminEmails []string `json:"super_admin_emails"`
}

// SetupHandler drives the UNCONFIGURED → LOCAL/WORKOS transitions.
type SetupHandler struct {
	modes  services.ModeService
	logger *zap.Logger
}

// NewSetupHandler creates a new SetupHandler.
func NewSetupHandler(modes services.ModeService, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{modes: modes, logger: logger}
}

// RegisterRoutes registers the setup routes. The status and initial configure
// endpoints are unauthenticated; before setup there is no one to
// authenticate. The upgrade endpoint requires the existing local admin.
func (h *SetupHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/setup/status", h.Status)
	mux.HandleFunc("POST /api/setup/local", h.ConfigureLocal)
	mux.HandleFunc("POST /api/setup/workos", h.ConfigureWorkOS)
	mux.HandleFunc("POST /api/setup/upgrade-to-workos", authMiddleware.RequireSuperAdmin(h.UpgradeToWorkOS))
}

// Status handles GET /api/setup/status.
func (h *SetupHandler) Status(w http.ResponseWriter, r *http.Request) {
	mode, err := h.modes.Status(r.Context())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, SetupStatusResponse{
		Mode:            mode,
		IsSetupRequired: mode == models.ModeUnconfigured,
	})
}

// ConfigureLocal handles POST /api/setup/local.
func (h *SetupHandler) ConfigureLocal(w http.ResponseWriter, r *http.Request) {
	var req setupLocalRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	if _, err := h.modes.ConfigureLocal(r.Context(), req.AdminEmail, req.WorkspaceName); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfigureWorkOS handles POST /api/setup/workos.
func (h *SetupHandler) ConfigureWorkOS(w http.ResponseWriter, r *http.Request) {
	var req setupWorkOSRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	err := h.modes.ConfigureWorkOS(r.Context(), services.WorkOSSetup{
		ClientID:    req.ClientID,
		APIKey:      req.APIKey,
		Domain:      req.AuthKitDomain,
		SuperAdmins: req.SuperAdminEmails,
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpgradeToWorkOS handles POST /api/setup/upgrade-to-workos.
func (h *SetupHandler) UpgradeToWorkOS(w http.ResponseWriter, r *http.Request) {
	var req setupWorkOSRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	err := h.modes.UpgradeToWorkOS(r.Context(), services.WorkOSSetup{
		ClientID:    req.ClientID,
		APIKey:      req.APIKey,
		Domain:      req.AuthKitDomain,
		SuperAdmins: req.SuperAdminEmails,
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
