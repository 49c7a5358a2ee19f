// Package mcp exposes the hub itself as an MCP server. Each authenticated
// caller gets a server whose tool set is their own permitted, namespaced
// catalogue; calls flow through the proxy pipeline.
package mcp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/proxy"
)

const (
	// ServerName identifies the hub to MCP clients.
	ServerName = "toolhub"

	// serverTTL bounds how long a built per-user server is reused before the
	// tool set is recomputed.
	serverTTL = 30 * time.Second

	// sseKeepAlive is the ping interval that holds idle SSE connections open
	// through proxies.
	sseKeepAlive = 15 * time.Second
)

// SSE endpoint paths. The SSE server routes between them itself.
const (
	SSEEndpoint     = "/mcp/sse"
	MessageEndpoint = "/mcp/message"
)

type hubKey struct {
	userID  uuid.UUID
	agentID uuid.UUID
}

type hubEntry struct {
	signature  string
	builtAt    time.Time
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer
}

// Hub builds and caches per-caller MCP servers.
type Hub struct {
	proxy   *proxy.Proxy
	version string
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[hubKey]*hubEntry
}

// NewHub creates a new Hub.
func NewHub(p *proxy.Proxy, version string, logger *zap.Logger) *Hub {
	return &Hub{
		proxy:   p,
		version: version,
		logger:  logger.Named("mcp-hub"),
		entries: make(map[hubKey]*hubEntry),
	}
}

// ServeStreamable handles a streamable HTTP MCP request for the principal.
func (h *Hub) ServeStreamable(w http.ResponseWriter, r *http.Request, principal *auth.Principal) {
	entry, err := h.entryFor(r.Context(), principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry.streamable.ServeHTTP(w, r)
}

// ServeSSE handles the SSE transport (both the event stream and the message
// endpoint) for the principal.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, principal *auth.Principal) {
	entry, err := h.entryFor(r.Context(), principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry.sse.ServeHTTP(w, r)
}

// Invalidate drops the caller's cached servers so the next request rebuilds
// the tool set. Activation changes call this.
func (h *Hub) Invalidate(userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.entries {
		if key.userID == userID {
			delete(h.entries, key)
		}
	}
}

// entryFor returns the cached server pair for the principal, rebuilding when
// the TTL lapsed or the permitted tool set changed.
func (h *Hub) entryFor(ctx context.Context, principal *auth.Principal) (*hubEntry, error) {
	key := hubKey{userID: principal.UserID}
	if principal.AgentID != nil {
		key.agentID = *principal.AgentID
	}

	h.mu.Lock()
	cached, ok := h.entries[key]
	h.mu.Unlock()
	if ok && time.Since(cached.builtAt) < serverTTL {
		return cached, nil
	}

	tools, err := h.proxy.ListTools(ctx, principal)
	if err != nil {
		return nil, err
	}
	signature := toolSignature(tools)
	if ok && cached.signature == signature {
		// Same tool set; just refresh the clock.
		h.mu.Lock()
		cached.builtAt = time.Now()
		h.mu.Unlock()
		return cached, nil
	}

	entry := h.build(principal, tools, signature)
	h.mu.Lock()
	h.entries[key] = entry
	h.mu.Unlock()

	h.logger.Debug("Built MCP server",
		zap.String("user_id", principal.UserID.String()),
		zap.Int("tools", len(tools)))
	return entry, nil
}

func (h *Hub) build(principal *auth.Principal, tools []mcp.Tool, signature string) *hubEntry {
	srv := server.NewMCPServer(
		ServerName,
		h.version,
		server.WithToolCapabilities(true),
	)

	// The principal is bound into each handler; the server is never shared
	// across callers.
	scoped := *principal
	for _, tool := range tools {
		srv.AddTool(tool, h.callHandler(&scoped, tool.Name))
	}

	return &hubEntry{
		signature: signature,
		builtAt:   time.Now(),
		streamable: server.NewStreamableHTTPServer(
			srv,
			server.WithStateLess(true),
		),
		sse: server.NewSSEServer(
			srv,
			server.WithSSEEndpoint(SSEEndpoint),
			server.WithMessageEndpoint(MessageEndpoint),
			server.WithKeepAliveInterval(sseKeepAlive),
		),
	}
}

func (h *Hub) callHandler(principal *auth.Principal, fullName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		result, err := h.proxy.CallTool(ctx, principal, fullName, args)
		if err != nil {
			return mcp.NewToolResultError(safeErrorText(err)), nil
		}
		return result, nil
	}
}

// safeErrorText renders an error for an MCP client. Typed errors carry
// caller-safe messages; anything unclassified collapses to its kind so
// internal details never cross the wire.
func safeErrorText(err error) string {
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return string(typed.Kind) + ": " + typed.Message
	}
	return string(apperrors.KindInternal)
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperrors.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperrors.KindForbidden:
		status = http.StatusForbidden
	}
	h.logger.Warn("MCP request failed", zap.String("kind", string(kind)), zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"kind":"` + string(kind) + `"}}`))
}

func toolSignature(tools []mcp.Tool) string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return strings.Join(names, "\n")
}
