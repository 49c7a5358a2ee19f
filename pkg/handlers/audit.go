package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// AuditHandler serves the audit trail. Workspace-scoped for regular users;
// super admins may read across workspaces by omitting the scope.
type AuditHandler struct {
	audits repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audits repositories.AuditRepository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audits: audits, logger: logger}
}

// RegisterRoutes registers the audit routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/audit-logs", authMiddleware.RequireAuth(h.List))
}

// List handles GET /api/audit-logs?category=&limit=&offset=.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	query := r.URL.Query()

	filter := repositories.AuditFilter{
		Category: models.AuditCategory(query.Get("category")),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		filter.Offset = offset
	}

	// Regular users only ever see their own workspace's trail.
	if !principal.IsSuperAdmin || query.Get("all_workspaces") != "true" {
		workspaceID := principal.WorkspaceID
		filter.WorkspaceID = &workspaceID
	}

	events, err := h.audits.List(r.Context(), filter)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, events)
}
