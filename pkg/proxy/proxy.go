// Package proxy is the hub's call pipeline: it resolves the target tool,
// enforces permissions, materializes credentials, and forwards the call to
// the child server over whichever transport the descriptor declares.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/permissions"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/services"
)

// DefaultCallTimeout bounds a single child tool call. Deployments override
// it through the child_call_timeout_seconds setting.
const DefaultCallTimeout = 120 * time.Second

// Proxy forwards namespaced tool calls to child servers.
type Proxy struct {
	registry     *registry.Registry
	activation   services.ActivationService
	vault        services.VaultService
	userTools    repositories.UserToolRepository
	agents       repositories.AgentRepository
	projectTools repositories.ProjectToolRepository
	sessions     *SessionCache
	recorder     *audit.Recorder
	logger       *zap.Logger
	version      string
	callTimeout  time.Duration

	listings *listingCache
}

// NewProxy creates a new Proxy.
func NewProxy(
	reg *registry.Registry,
	activation services.ActivationService,
	vault services.VaultService,
	userTools repositories.UserToolRepository,
	agents repositories.AgentRepository,
	projectTools repositories.ProjectToolRepository,
	sessions *SessionCache,
	recorder *audit.Recorder,
	version string,
	logger *zap.Logger,
) *Proxy {
	return &Proxy{
		registry:     reg,
		activation:   activation,
		vault:        vault,
		userTools:    userTools,
		agents:       agents,
		projectTools: projectTools,
		sessions:     sessions,
		recorder:     recorder,
		logger:       logger.Named("proxy"),
		version:      version,
		callTimeout:  DefaultCallTimeout,
		listings:     newListingCache(),
	}
}

// SetCallTimeout overrides the per-call deadline. Non-positive values are
// ignored. Called once during startup, before the proxy serves traffic.
func (p *Proxy) SetCallTimeout(d time.Duration) {
	if d > 0 {
		p.callTimeout = d
	}
}

// SplitName separates a namespaced tool name "tool.child_op" into its parts.
func SplitName(fullName string) (tool, childOp string, err error) {
	tool, childOp, ok := strings.Cut(fullName, ".")
	if !ok || tool == "" || childOp == "" {
		return "", "", apperrors.Newf(apperrors.KindUnknownTool, "malformed tool name %q", fullName)
	}
	return tool, childOp, nil
}

// CallTool runs the full pipeline for one namespaced call and returns the
// child's result verbatim.
func (p *Proxy) CallTool(ctx context.Context, principal *auth.Principal, fullName string, args map[string]any) (*mcp.CallToolResult, error) {
	toolName, childOp, err := SplitName(fullName)
	if err != nil {
		return nil, err
	}

	descriptor, err := p.registry.Get(toolName)
	if err != nil {
		return nil, err
	}

	decision, err := p.authorize(ctx, principal, toolName)
	if err != nil {
		p.recordInvocation(principal, toolName, false, err, "")
		return nil, err
	}
	if !decision.Allowed {
		err := decision.Err()
		p.recordInvocation(principal, toolName, false, err, decision.Reason)
		return nil, err
	}

	client, err := p.openSession(ctx, principal, descriptor)
	if err != nil {
		p.recordInvocation(principal, toolName, false, err, decision.Reason)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	result, err := client.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      childOp,
			Arguments: args,
		},
	})
	if err != nil {
		// The connection may be dead; drop it so the next call reconnects.
		p.sessions.Invalidate(principal.UserID, toolName)
		wrapped := classifyChildError(toolName, err)
		p.recordInvocation(principal, toolName, false, wrapped, decision.Reason)
		return nil, wrapped
	}

	p.recordInvocation(principal, toolName, !result.IsError, nil, decision.Reason)
	return result, nil
}

// authorize gathers the facts and runs the pure permission check. The error
// covers fact-gathering failures only; the decision carries the verdict and
// its reason for the audit record.
func (p *Proxy) authorize(ctx context.Context, principal *auth.Principal, toolName string) (permissions.Decision, error) {
	activated := false
	userTool, err := p.userTools.Get(ctx, principal.UserID, toolName)
	if err == nil {
		activated = userTool.Enabled
	} else if !apperrors.IsNotFound(err) {
		return permissions.Decision{}, err
	}

	agentScope, err := p.agentScope(ctx, principal)
	if err != nil {
		return permissions.Decision{}, err
	}

	return permissions.Check(permissions.Request{
		ToolName:      toolName,
		SuperAdmin:    principal.IsSuperAdmin,
		ToolActivated: activated,
		Agent:         agentScope,
	}), nil
}

// agentScope loads the toolkit and project grants when the request acts for
// an agent. A broken agent cannot call anything until its file is repaired.
func (p *Proxy) agentScope(ctx context.Context, principal *auth.Principal) (*permissions.AgentScope, error) {
	if principal.AgentID == nil {
		return nil, nil
	}

	agent, err := p.agents.GetByID(ctx, *principal.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.State == models.AgentBroken {
		return nil, apperrors.Newf(apperrors.KindForbidden, "agent %q has a broken definition", agent.Name)
	}

	var projectTools []string
	if agent.Toolkit.InheritProjectTools {
		grants, err := p.projectTools.ListEnabled(ctx, agent.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, grant := range grants {
			projectTools = append(projectTools, grant.ToolName)
		}
	}

	return &permissions.AgentScope{
		Toolkit:      agent.Toolkit,
		ProjectTools: projectTools,
	}, nil
}

// openSession returns the cached child connection, materializing credentials
// only when a new connection must be opened.
func (p *Proxy) openSession(ctx context.Context, principal *auth.Principal, descriptor *registry.Descriptor) (*mcpclient.Client, error) {
	return p.sessions.Get(ctx, principal.UserID, descriptor.Name, func(openCtx context.Context) (*mcpclient.Client, error) {
		creds, err := p.materialize(openCtx, principal, descriptor)
		if err != nil {
			return nil, err
		}
		return openChild(openCtx, descriptor, p.version, creds)
	})
}

// materialize assembles the plaintext credentials for a child connection.
func (p *Proxy) materialize(ctx context.Context, principal *auth.Principal, descriptor *registry.Descriptor) (childCredentials, error) {
	var creds childCredentials

	config, err := p.activation.MaterializedConfig(ctx, principal.UserID, descriptor.Name)
	if err != nil && !apperrors.IsNotFound(err) {
		return creds, err
	}
	creds.Config = config

	if descriptor.AuthType == registry.AuthOAuth {
		token, err := p.vault.AccessToken(ctx, principal.UserID, descriptor.OAuth.Provider, descriptor.OAuth.Scopes)
		if err != nil {
			return creds, err
		}
		creds.AccessToken = token
	}

	return creds, nil
}

// Invalidate drops the user's connection for a tool and their cached tool
// listing. Activation and config changes call this so the next invocation
// sees the new state.
func (p *Proxy) Invalidate(userID uuid.UUID, toolName string) {
	p.sessions.Invalidate(userID, toolName)
	p.listings.InvalidateUser(userID)
}

// classifyChildError maps transport failures onto the tool error taxonomy.
// The child's own error text is preserved; hub-side secrets never appear in
// these messages.
func classifyChildError(toolName string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ToolError(apperrors.ToolErrTimeout,
			fmt.Sprintf("tool %q timed out", toolName), err)
	case errors.Is(err, context.Canceled):
		return apperrors.ToolError(apperrors.ToolErrTransport,
			fmt.Sprintf("call to tool %q was cancelled", toolName), err)
	default:
		return apperrors.ToolError(apperrors.ToolErrUpstream,
			fmt.Sprintf("tool %q call failed", toolName), err)
	}
}

// recordInvocation audits one call attempt. Only the category, tool name,
// and the permission decision reason are recorded, never arguments or
// results.
func (p *Proxy) recordInvocation(principal *auth.Principal, toolName string, success bool, callErr error, reason string) {
	event := &models.AuditEvent{
		WorkspaceID: &principal.WorkspaceID,
		ActorUserID: &principal.UserID,
		ActorEmail:  principal.Email,
		Category:    models.AuditTool,
		Action:      "tool.invoked",
		TargetType:  "tool",
		TargetName:  toolName,
		Success:     success,
		Detail:      reason,
	}
	if callErr != nil {
		event.ErrorMessage = string(apperrors.KindOf(callErr))
	}
	p.recorder.Record(event)
}

// Close releases the session cache.
func (p *Proxy) Close() {
	p.sessions.Close()
}
