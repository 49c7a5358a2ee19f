package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/services"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

type proxyTestContext struct {
	t          *testing.T
	db         *database.DB
	proxy      *Proxy
	activation services.ActivationService
	agents     repositories.AgentRepository
	projects   repositories.ProjectRepository
	folders    repositories.BaseFolderRepository
	projTools  repositories.ProjectToolRepository
	workspace  uuid.UUID
	principal  *auth.Principal
}

func setupProxyTest(t *testing.T) *proxyTestContext {
	db := testhelpers.NewTestDB(t)
	ctx := context.Background()

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	sealer, err := crypto.NewSealerWithSecret("proxy-test-secret", salt)
	require.NoError(t, err)

	config := configstore.NewStore(
		repositories.NewSystemConfigRepository(db),
		repositories.NewSettingsRepository(db),
		sealer,
		zap.NewNop(),
	)

	workspaceID := uuid.New()
	userID := uuid.New()
	require.NoError(t, repositories.NewWorkspaceRepository(db).Create(ctx, &models.Workspace{
		ID: workspaceID, Name: "Proxy", Slug: "proxy",
	}))
	require.NoError(t, repositories.NewUserRepository(db).Create(ctx, &models.User{
		ID: userID, WorkspaceID: workspaceID, Email: "proxy@example.com",
	}))

	reg, err := registry.New(zap.NewNop())
	require.NoError(t, err)

	recorder := audit.NewRecorder(repositories.NewAuditRepository(db), audit.DefaultBufferSize, zap.NewNop())
	t.Cleanup(recorder.Close)

	credentials := repositories.NewCredentialRepository(db)
	vault := services.NewVaultService(credentials, sealer, config, auth.NewStateStore(0), recorder, zap.NewNop())

	userTools := repositories.NewUserToolRepository(db)
	activation := services.NewActivationService(userTools, reg, vault, sealer, recorder, zap.NewNop())

	sessions := NewSessionCache(DefaultIdleTTL, DefaultMaxPerUser, zap.NewNop())
	t.Cleanup(sessions.Close)

	agents := repositories.NewAgentRepository(db)
	projTools := repositories.NewProjectToolRepository(db)
	p := NewProxy(reg, activation, vault, userTools, agents, projTools, sessions, recorder, "test", zap.NewNop())

	return &proxyTestContext{
		t:          t,
		db:         db,
		proxy:      p,
		activation: activation,
		agents:     agents,
		projects:   repositories.NewProjectRepository(db),
		folders:    repositories.NewBaseFolderRepository(db),
		projTools:  projTools,
		workspace:  workspaceID,
		principal: &auth.Principal{
			UserID:      userID,
			WorkspaceID: workspaceID,
			Email:       "proxy@example.com",
		},
	}
}

// newUser registers another user in the same workspace.
func (tc *proxyTestContext) newUser(email string) *auth.Principal {
	tc.t.Helper()
	userID := uuid.New()
	require.NoError(tc.t, repositories.NewUserRepository(tc.db).Create(context.Background(), &models.User{
		ID: userID, WorkspaceID: tc.workspace, Email: email,
	}))
	return &auth.Principal{UserID: userID, WorkspaceID: tc.workspace, Email: email}
}

// newAgent seeds a base folder, project, and agent row, and returns a
// principal acting for that agent.
func (tc *proxyTestContext) newAgent(toolkit models.Toolkit, state models.AgentState) (*auth.Principal, uuid.UUID) {
	tc.t.Helper()
	ctx := context.Background()

	folder := &models.BaseFolder{ID: uuid.New(), WorkspaceID: tc.workspace, Path: tc.t.TempDir()}
	require.NoError(tc.t, tc.folders.Create(ctx, folder))

	project, err := tc.projects.Upsert(ctx, &models.Project{
		BaseFolderID: folder.ID,
		Name:         "demo",
		AbsolutePath: folder.Path + "/demo",
	})
	require.NoError(tc.t, err)

	agent, err := tc.agents.Upsert(ctx, &models.Agent{
		ProjectID:    project.ID,
		RelativePath: ".claude/agents/demo.md",
		Name:         "demo",
		FileHash:     "abc",
		Toolkit:      toolkit,
		State:        state,
	})
	require.NoError(tc.t, err)

	principal := *tc.principal
	principal.AgentID = &agent.ID
	return &principal, project.ID
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestProxy_CallBuiltinTool(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", map[string]any{"prefix": "hub"})
	require.NoError(t, err)

	result, err := tc.proxy.CallTool(ctx, tc.principal, "echo.say", map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hub: hello", textContent(t, result))
}

func TestProxy_MalformedName(t *testing.T) {
	tc := setupProxyTest(t)

	_, err := tc.proxy.CallTool(context.Background(), tc.principal, "echo", nil)
	assert.Equal(t, apperrors.KindUnknownTool, apperrors.KindOf(err))
}

func TestProxy_NotActivated(t *testing.T) {
	tc := setupProxyTest(t)

	_, err := tc.proxy.CallTool(context.Background(), tc.principal, "echo.say", map[string]any{"message": "x"})
	assert.Equal(t, apperrors.KindToolNotActivated, apperrors.KindOf(err))
}

func TestProxy_SuperAdminBypassesActivation(t *testing.T) {
	tc := setupProxyTest(t)

	admin := *tc.principal
	admin.IsSuperAdmin = true

	// No activation, yet the call goes through on the admin tier.
	result, err := tc.proxy.CallTool(context.Background(), &admin, "echo.say", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", textContent(t, result))
}

func TestProxy_DeactivatedToolRejected(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)
	require.NoError(t, tc.activation.Deactivate(ctx, tc.principal, "echo"))
	tc.proxy.Invalidate(tc.principal.UserID, "echo")

	_, err = tc.proxy.CallTool(ctx, tc.principal, "echo.say", map[string]any{"message": "x"})
	assert.Equal(t, apperrors.KindToolNotActivated, apperrors.KindOf(err))
}

func TestProxy_PerUserConfigIsolation(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()
	other := tc.newUser("other@example.com")

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", map[string]any{"prefix": "alpha"})
	require.NoError(t, err)
	_, err = tc.activation.Activate(ctx, other, "echo", map[string]any{"prefix": "beta"})
	require.NoError(t, err)

	result, err := tc.proxy.CallTool(ctx, tc.principal, "echo.say", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "alpha: hi", textContent(t, result))

	result, err = tc.proxy.CallTool(ctx, other, "echo.say", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "beta: hi", textContent(t, result))
}

func TestProxy_InvalidateAppliesNewConfig(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", map[string]any{"prefix": "old"})
	require.NoError(t, err)

	result, err := tc.proxy.CallTool(ctx, tc.principal, "echo.say", map[string]any{"message": "x"})
	require.NoError(t, err)
	assert.Equal(t, "old: x", textContent(t, result))

	require.NoError(t, tc.activation.UpdateConfig(ctx, tc.principal, "echo", map[string]any{"prefix": "new"}))
	tc.proxy.Invalidate(tc.principal.UserID, "echo")

	result, err = tc.proxy.CallTool(ctx, tc.principal, "echo.say", map[string]any{"message": "x"})
	require.NoError(t, err)
	assert.Equal(t, "new: x", textContent(t, result))
}

func TestProxy_AgentToolkitScope(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)
	_, err = tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	agentPrincipal, _ := tc.newAgent(models.Toolkit{
		Tools: []models.ToolGrant{{Name: "echo"}},
	}, models.AgentFresh)

	// Granted tool passes.
	result, err := tc.proxy.CallTool(ctx, agentPrincipal, "echo.say", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", textContent(t, result))

	// Activated but not granted: the agent scope narrows, never widens.
	_, err = tc.proxy.CallTool(ctx, agentPrincipal, "wait.sleep", map[string]any{"seconds": 0.001})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestProxy_AgentInheritsProjectTools(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	agentPrincipal, projectID := tc.newAgent(models.Toolkit{
		InheritProjectTools: true,
	}, models.AgentFresh)

	// No project grant yet.
	_, err = tc.proxy.CallTool(ctx, agentPrincipal, "wait.sleep", map[string]any{"seconds": 0.001})
	require.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))

	require.NoError(t, tc.projTools.Upsert(ctx, &models.ProjectTool{
		ProjectID: projectID,
		ToolName:  "wait",
		Enabled:   true,
	}))

	result, err := tc.proxy.CallTool(ctx, agentPrincipal, "wait.sleep", map[string]any{"seconds": 0.001})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Revoking the project grant removes access immediately.
	require.NoError(t, tc.projTools.Delete(ctx, projectID, "wait"))
	_, err = tc.proxy.CallTool(ctx, agentPrincipal, "wait.sleep", map[string]any{"seconds": 0.001})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestProxy_BrokenAgentRejected(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)

	agentPrincipal, _ := tc.newAgent(models.Toolkit{
		Tools: []models.ToolGrant{{Name: "echo"}},
	}, models.AgentBroken)

	_, err = tc.proxy.CallTool(ctx, agentPrincipal, "echo.say", map[string]any{"message": "hi"})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
}

func TestProxy_ListToolsNamespaced(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)
	_, err = tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	tools, err := tc.proxy.ListTools(ctx, tc.principal)
	require.NoError(t, err)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "echo.say")
	assert.Contains(t, names, "wait.sleep")
}

func TestProxy_ListToolsAgentFiltered(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)
	_, err = tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	agentPrincipal, _ := tc.newAgent(models.Toolkit{
		Tools: []models.ToolGrant{{Name: "wait"}},
	}, models.AgentFresh)

	tools, err := tc.proxy.ListTools(ctx, agentPrincipal)
	require.NoError(t, err)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "wait.sleep")
	assert.NotContains(t, names, "echo.say")
}

func TestProxy_ListToolsMemoized(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "echo", nil)
	require.NoError(t, err)

	first, err := tc.proxy.ListTools(ctx, tc.principal)
	require.NoError(t, err)

	// A new activation is invisible until the memo expires or is
	// invalidated.
	_, err = tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	cached, err := tc.proxy.ListTools(ctx, tc.principal)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(cached))

	tc.proxy.Invalidate(tc.principal.UserID, "wait")
	refreshed, err := tc.proxy.ListTools(ctx, tc.principal)
	require.NoError(t, err)
	assert.Greater(t, len(refreshed), len(first))
}

func TestProxy_CallTimeout(t *testing.T) {
	tc := setupProxyTest(t)
	ctx := context.Background()

	_, err := tc.activation.Activate(ctx, tc.principal, "wait", nil)
	require.NoError(t, err)

	tc.proxy.SetCallTimeout(50 * time.Millisecond)
	_, err = tc.proxy.CallTool(ctx, tc.principal, "wait.sleep", map[string]any{"seconds": 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindToolError, apperrors.KindOf(err))
}

func TestProxy_SetCallTimeout(t *testing.T) {
	tc := setupProxyTest(t)

	assert.Equal(t, DefaultCallTimeout, tc.proxy.callTimeout)

	tc.proxy.SetCallTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, tc.proxy.callTimeout)

	// Non-positive overrides keep the current deadline.
	tc.proxy.SetCallTimeout(0)
	assert.Equal(t, 5*time.Second, tc.proxy.callTimeout)
}
