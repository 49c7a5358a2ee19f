package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/services"
)

// WorkspaceHandler serves workspace metadata and membership, plus the
// super-admin stats endpoint.
type WorkspaceHandler struct {
	workspaces repositories.WorkspaceRepository
	users      repositories.UserRepository
	stats      services.StatsService
	logger     *zap.Logger
}

// NewWorkspaceHandler creates a new WorkspaceHandler.
func NewWorkspaceHandler(
	workspaces repositories.WorkspaceRepository,
	users repositories.UserRepository,
	stats services.StatsService,
	logger *zap.Logger,
) *WorkspaceHandler {
	return &WorkspaceHandler{workspaces: workspaces, users: users, stats: stats, logger: logger}
}

// RegisterRoutes registers the workspace and admin routes on the given mux.
func (h *WorkspaceHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/workspace", authMiddleware.RequireAuth(h.Get))
	mux.HandleFunc("GET /api/workspace/users", authMiddleware.RequireAuth(h.Users))
	mux.HandleFunc("GET /api/admin/stats", authMiddleware.RequireSuperAdmin(h.Stats))
}

// Get handles GET /api/workspace.
func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	workspace, err := h.workspaces.GetByID(r.Context(), principal.WorkspaceID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, workspace)
}

// Users handles GET /api/workspace/users.
func (h *WorkspaceHandler) Users(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	users, err := h.users.ListByWorkspace(r.Context(), principal.WorkspaceID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, users)
}

// Stats handles GET /api/admin/stats.
func (h *WorkspaceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, stats)
}
