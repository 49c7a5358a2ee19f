package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/discovery"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/tenancy"
)

type addBaseFolderRequest struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

type projectToolsRequest struct {
	Tools []struct {
		ToolName string `json:"tool_name"`
		Enabled  bool   `json:"enabled"`
	} `json:"tools"`
}

// DiscoveryHandler exposes base folders, projects, and agent toolkits.
type DiscoveryHandler struct {
	service      *discovery.Service
	watcher      *discovery.Watcher
	resolver     *tenancy.Resolver
	projects     repositories.ProjectRepository
	agents       repositories.AgentRepository
	projectTools repositories.ProjectToolRepository
	logger       *zap.Logger
}

// NewDiscoveryHandler creates a new DiscoveryHandler. watcher may be nil when
// file watching is disabled.
func NewDiscoveryHandler(
	service *discovery.Service,
	watcher *discovery.Watcher,
	resolver *tenancy.Resolver,
	projects repositories.ProjectRepository,
	agents repositories.AgentRepository,
	projectTools repositories.ProjectToolRepository,
	logger *zap.Logger,
) *DiscoveryHandler {
	return &DiscoveryHandler{
		service:      service,
		watcher:      watcher,
		resolver:     resolver,
		projects:     projects,
		agents:       agents,
		projectTools: projectTools,
		logger:       logger,
	}
}

// RegisterRoutes registers the discovery routes on the given mux.
func (h *DiscoveryHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/discovery/base-folders", authMiddleware.RequireAuth(h.ListBaseFolders))
	mux.HandleFunc("POST /api/discovery/base-folders", authMiddleware.RequireAuth(h.AddBaseFolder))
	mux.HandleFunc("DELETE /api/discovery/base-folders/{id}", authMiddleware.RequireAuth(h.RemoveBaseFolder))
	mux.HandleFunc("POST /api/discovery/base-folders/{id}/scan", authMiddleware.RequireAuth(h.ScanBaseFolder))

	mux.HandleFunc("GET /api/discovery/projects", authMiddleware.RequireAuth(h.ListProjects))
	mux.HandleFunc("POST /api/discovery/projects/{id}/sync", authMiddleware.RequireAuth(h.SyncProject))
	mux.HandleFunc("GET /api/discovery/projects/{id}/agents", authMiddleware.RequireAuth(h.ListAgents))
	mux.HandleFunc("GET /api/discovery/projects/{id}/tools", authMiddleware.RequireAuth(h.ListProjectTools))
	mux.HandleFunc("PUT /api/discovery/projects/{id}/tools", authMiddleware.RequireAuth(h.PutProjectTools))

	mux.HandleFunc("GET /api/discovery/agents/{id}/toolkit", authMiddleware.RequireAuth(h.GetToolkit))
	mux.HandleFunc("PUT /api/discovery/agents/{id}/toolkit", authMiddleware.RequireAuth(h.PutToolkit))
}

// ListBaseFolders handles GET /api/discovery/base-folders.
func (h *DiscoveryHandler) ListBaseFolders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	folders, err := h.service.ListBaseFolders(r.Context(), principal.WorkspaceID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, folders)
}

// AddBaseFolder handles POST /api/discovery/base-folders. The new folder is
// scanned immediately so the UI has projects to show.
func (h *DiscoveryHandler) AddBaseFolder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var req addBaseFolderRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	folder, err := h.service.AddBaseFolder(r.Context(), principal, req.Path, req.Label)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	projects, err := h.service.ScanBaseFolder(r.Context(), folder)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	h.watchProjects(projects)

	_ = WriteJSON(w, http.StatusCreated, map[string]any{
		"base_folder": folder,
		"projects":    projects,
	})
}

// RemoveBaseFolder handles DELETE /api/discovery/base-folders/{id}.
func (h *DiscoveryHandler) RemoveBaseFolder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.resolver.CheckBaseFolder(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.service.RemoveBaseFolder(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScanBaseFolder handles POST /api/discovery/base-folders/{id}/scan.
func (h *DiscoveryHandler) ScanBaseFolder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.resolver.CheckBaseFolder(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	folders, err := h.service.ListBaseFolders(r.Context(), principal.WorkspaceID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var folder *models.BaseFolder
	for _, f := range folders {
		if f.ID == id {
			folder = f
		}
	}
	if folder == nil {
		WriteError(w, h.logger, apperrors.ErrNotFound)
		return
	}

	projects, err := h.service.ScanBaseFolder(r.Context(), folder)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	h.watchProjects(projects)

	_ = WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// ListProjects handles GET /api/discovery/projects.
func (h *DiscoveryHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	projects, err := h.projects.ListByWorkspace(r.Context(), principal.WorkspaceID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, projects)
}

// SyncProject handles POST /api/discovery/projects/{id}/sync.
func (h *DiscoveryHandler) SyncProject(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.resolver.CheckProject(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	project, err := h.projects.GetByID(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.service.SyncProject(r.Context(), project); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	agents, err := h.agents.ListByProject(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// ListAgents handles GET /api/discovery/projects/{id}/agents.
func (h *DiscoveryHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.resolver.CheckProject(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	agents, err := h.agents.ListByProject(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, agents)
}

// ListProjectTools handles GET /api/discovery/projects/{id}/tools.
func (h *DiscoveryHandler) ListProjectTools(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.resolver.CheckProject(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	grants, err := h.projectTools.List(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, grants)
}

// PutProjectTools handles PUT /api/discovery/projects/{id}/tools: the grants
// agents see through inherit_project_tools.
func (h *DiscoveryHandler) PutProjectTools(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if _, err := h.resolver.CheckProject(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	var req projectToolsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	for _, entry := range req.Tools {
		if entry.ToolName == "" {
			WriteError(w, h.logger, apperrors.New(apperrors.KindValidation, "tool_name is required"))
			return
		}
		err := h.projectTools.Upsert(r.Context(), &models.ProjectTool{
			ProjectID: id,
			ToolName:  entry.ToolName,
			Enabled:   entry.Enabled,
		})
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetToolkit handles GET /api/discovery/agents/{id}/toolkit.
func (h *DiscoveryHandler) GetToolkit(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.resolver.CheckAgent(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{
		"toolkit": agent.Toolkit,
		"state":   agent.State,
	})
}

// PutToolkit handles PUT /api/discovery/agents/{id}/toolkit. The body is the
// writable toolkit subtree; the change lands in the database and the agent's
// file together.
func (h *DiscoveryHandler) PutToolkit(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.resolver.CheckAgent(r.Context(), principal, id); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	var toolkit models.Toolkit
	if err := DecodeJSON(r, &toolkit); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	updated, err := h.service.UpdateToolkit(r.Context(), principal, agent, toolkit)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"toolkit": updated.Toolkit})
}

func (h *DiscoveryHandler) watchProjects(projects []*models.Project) {
	if h.watcher == nil {
		return
	}
	for _, project := range projects {
		_ = h.watcher.WatchProject(project)
	}
}

// pathUUID parses the {id} path segment, writing a validation error on
// failure.
func pathUUID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, logger, apperrors.New(apperrors.KindValidation, "malformed id in path"))
		return uuid.Nil, false
	}
	return id, true
}
