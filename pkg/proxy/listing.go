package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/permissions"
)

// listingTTL bounds how stale a cached tool listing may be. Listing fans out
// to every enabled child, so callers polling tools/list must not hammer them.
const listingTTL = 30 * time.Second

type listingKey struct {
	userID  uuid.UUID
	agentID uuid.UUID // uuid.Nil for user-scoped listings
}

type listingEntry struct {
	tools     []mcp.Tool
	fetchedAt time.Time
}

type listingCache struct {
	mu      sync.Mutex
	entries map[listingKey]*listingEntry
}

func newListingCache() *listingCache {
	return &listingCache{entries: make(map[listingKey]*listingEntry)}
}

func (c *listingCache) get(key listingKey) ([]mcp.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Since(entry.fetchedAt) > listingTTL {
		return nil, false
	}
	return entry.tools, true
}

func (c *listingCache) put(key listingKey, tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &listingEntry{tools: tools, fetchedAt: time.Now()}
}

// InvalidateUser drops every cached listing for a user, agent-scoped ones
// included.
func (c *listingCache) InvalidateUser(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.userID == userID {
			delete(c.entries, key)
		}
	}
}

// ListTools returns the union of the caller's permitted child tools, each
// namespaced as "tool.child_op". Children that fail to answer are skipped so
// one dead child cannot blank the whole listing.
func (p *Proxy) ListTools(ctx context.Context, principal *auth.Principal) ([]mcp.Tool, error) {
	key := listingKey{userID: principal.UserID}
	if principal.AgentID != nil {
		key.agentID = *principal.AgentID
	}
	if tools, ok := p.listings.get(key); ok {
		return tools, nil
	}

	active, err := p.activation.ListActive(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(active))
	for i, userTool := range active {
		names[i] = userTool.ToolName
	}

	agentScope, err := p.agentScope(ctx, principal)
	if err != nil {
		return nil, err
	}
	names = permissions.Filter(names, principal.IsSuperAdmin, agentScope)

	var tools []mcp.Tool
	for _, toolName := range names {
		childTools, err := p.listChild(ctx, principal, toolName)
		if err != nil {
			p.logger.Warn("Skipping tool in listing",
				zap.String("tool", toolName),
				zap.Error(err))
			continue
		}
		tools = append(tools, childTools...)
	}

	p.listings.put(key, tools)
	return tools, nil
}

func (p *Proxy) listChild(ctx context.Context, principal *auth.Principal, toolName string) ([]mcp.Tool, error) {
	descriptor, err := p.registry.Get(toolName)
	if err != nil {
		return nil, err
	}

	client, err := p.openSession(ctx, principal, descriptor)
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	result, err := client.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		p.sessions.Invalidate(principal.UserID, toolName)
		return nil, classifyChildError(toolName, err)
	}

	namespaced := make([]mcp.Tool, len(result.Tools))
	for i, tool := range result.Tools {
		tool.Name = toolName + "." + tool.Name
		namespaced[i] = tool
	}
	return namespaced, nil
}
