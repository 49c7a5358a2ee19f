package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/mcp"
)

// MCPHandler is the MCP front door: streamable HTTP at /mcp, with an SSE
// fallback for clients that cannot stream over POST.
type MCPHandler struct {
	hub    *mcp.Hub
	logger *zap.Logger
}

// NewMCPHandler creates a new MCPHandler.
func NewMCPHandler(hub *mcp.Hub, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{hub: hub, logger: logger}
}

// RegisterRoutes registers the MCP routes on the given mux.
func (h *MCPHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /mcp", authMiddleware.RequireAuth(h.Streamable))
	mux.HandleFunc("GET "+mcp.SSEEndpoint, authMiddleware.RequireAuth(h.SSE))
	mux.HandleFunc("POST "+mcp.MessageEndpoint, authMiddleware.RequireAuth(h.SSE))
}

// Streamable handles POST /mcp.
func (h *MCPHandler) Streamable(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	h.hub.ServeStreamable(w, r, principal)
}

// SSE handles the SSE event stream and its message endpoint.
func (h *MCPHandler) SSE(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	h.hub.ServeSSE(w, r, principal)
}
