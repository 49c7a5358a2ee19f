package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

type discoveryTestContext struct {
	t         *testing.T
	db        *database.DB
	service   *Service
	projects  repositories.ProjectRepository
	agents    repositories.AgentRepository
	principal *auth.Principal
	base      string
	folder    *models.BaseFolder
}

func setupDiscoveryTest(t *testing.T) *discoveryTestContext {
	db := testhelpers.NewTestDB(t)
	ctx := context.Background()

	workspaceID := uuid.New()
	userID := uuid.New()
	require.NoError(t, repositories.NewWorkspaceRepository(db).Create(ctx, &models.Workspace{
		ID: workspaceID, Name: "Discovery", Slug: "discovery",
	}))
	require.NoError(t, repositories.NewUserRepository(db).Create(ctx, &models.User{
		ID: userID, WorkspaceID: workspaceID, Email: "admin@example.com",
	}))

	recorder := audit.NewRecorder(repositories.NewAuditRepository(db), audit.DefaultBufferSize, zap.NewNop())
	t.Cleanup(recorder.Close)

	folders := repositories.NewBaseFolderRepository(db)
	projects := repositories.NewProjectRepository(db)
	agents := repositories.NewAgentRepository(db)

	service := NewService(
		db,
		folders,
		projects,
		agents,
		NewScanner("", 0, zap.NewNop()),
		database.NewScanPool(2),
		recorder,
		zap.NewNop(),
	)

	principal := &auth.Principal{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Email:       "admin@example.com",
	}

	base := t.TempDir()
	folder, err := service.AddBaseFolder(ctx, principal, base, "workbench")
	require.NoError(t, err)

	return &discoveryTestContext{
		t:         t,
		db:        db,
		service:   service,
		projects:  projects,
		agents:    agents,
		principal: principal,
		base:      base,
		folder:    folder,
	}
}

// writeProject lays out a git repository under the base folder. files maps
// agents-directory-relative names to contents.
func (tc *discoveryTestContext) writeProject(name string, files map[string]string) string {
	tc.t.Helper()

	root := filepath.Join(tc.base, name)
	require.NoError(tc.t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	agentsDir := filepath.Join(root, DefaultAgentsDir)
	for file, content := range files {
		path := filepath.Join(agentsDir, file)
		require.NoError(tc.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(tc.t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func (tc *discoveryTestContext) scan() []*models.Project {
	tc.t.Helper()
	projects, err := tc.service.ScanBaseFolder(context.Background(), tc.folder)
	require.NoError(tc.t, err)
	return projects
}

func (tc *discoveryTestContext) agentByPath(projectID uuid.UUID, relative string) *models.Agent {
	tc.t.Helper()
	agent, err := tc.agents.GetByPath(context.Background(), projectID, relative)
	require.NoError(tc.t, err)
	return agent
}

const reviewerFile = `---
name: reviewer
description: Reviews pull requests
hub:
  toolkit:
    tools:
      - name: github
        permissions: [read]
---
Review things.
`

func TestScanBaseFolder(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	tc.writeProject("alpha", map[string]string{
		"reviewer.md": reviewerFile,
		"broken.md":   "---\nname: [unclosed\n---\nbody\n",
		"notes.md":    "# Plain markdown, no frontmatter\n",
	})
	tc.writeProject(filepath.Join("nested", "beta"), nil)

	projects := tc.scan()
	require.Len(t, projects, 2)

	var alpha *models.Project
	for _, p := range projects {
		if p.Name == "alpha" {
			alpha = p
		}
		assert.NotNil(t, p.LastScannedAt)
	}
	require.NotNil(t, alpha)

	agents, err := tc.agents.ListByProject(ctx, alpha.ID)
	require.NoError(t, err)
	// notes.md has no frontmatter and is not an agent.
	require.Len(t, agents, 2)

	reviewer := tc.agentByPath(alpha.ID, filepath.Join(DefaultAgentsDir, "reviewer.md"))
	assert.Equal(t, "reviewer", reviewer.Name)
	assert.Equal(t, models.AgentFresh, reviewer.State)
	require.Len(t, reviewer.Toolkit.Tools, 1)
	assert.Equal(t, "github", reviewer.Toolkit.Tools[0].Name)

	broken := tc.agentByPath(alpha.ID, filepath.Join(DefaultAgentsDir, "broken.md"))
	assert.Equal(t, models.AgentBroken, broken.State)
	assert.NotEmpty(t, broken.ErrorMessage)
}

func TestScanBaseFolder_SkipsHiddenDirectories(t *testing.T) {
	tc := setupDiscoveryTest(t)

	hidden := filepath.Join(tc.base, ".archive", "gamma")
	require.NoError(t, os.MkdirAll(filepath.Join(hidden, ".git"), 0o755))

	projects := tc.scan()
	assert.Empty(t, projects)
}

func TestScanBaseFolder_RemovesDeletedProjects(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	tc.writeProject("beta", nil)
	require.Len(t, tc.scan(), 2)

	require.NoError(t, os.RemoveAll(root))
	require.Len(t, tc.scan(), 1)

	remaining, err := tc.projects.ListByBaseFolder(ctx, tc.folder.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "beta", remaining[0].Name)
}

func TestScanBaseFolder_SkipsSymlinksOutsideBase(t *testing.T) {
	tc := setupDiscoveryTest(t)

	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "escape", ".git"), 0o755))
	if err := os.Symlink(filepath.Join(outside, "escape"), filepath.Join(tc.base, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	projects := tc.scan()
	assert.Empty(t, projects)
}

func TestSyncProject_RefreshesAgents(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	projects := tc.scan()
	require.Len(t, projects, 1)
	project := projects[0]

	// Drop the frontmatter: the file stops being an agent.
	path := filepath.Join(root, DefaultAgentsDir, "reviewer.md")
	require.NoError(t, os.WriteFile(path, []byte("# Demoted to plain notes\n"), 0o644))

	require.NoError(t, tc.service.SyncProject(ctx, project))

	agents, err := tc.agents.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestUpdateToolkit_WritesFileAndRow(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	project := tc.scan()[0]
	agent := tc.agentByPath(project.ID, filepath.Join(DefaultAgentsDir, "reviewer.md"))

	updated, err := tc.service.UpdateToolkit(ctx, tc.principal, agent, models.Toolkit{
		Tools: []models.ToolGrant{
			{Name: "github", Permissions: []string{"read", "write"}},
			{Name: "slack"},
		},
		InheritProjectTools: true,
	})
	require.NoError(t, err)

	require.Len(t, updated.Toolkit.Tools, 2)
	assert.True(t, updated.Toolkit.InheritProjectTools)
	assert.Equal(t, "admin@example.com", updated.Toolkit.ConfiguredBy)
	assert.NotEmpty(t, updated.Toolkit.LastConfigured)
	assert.Equal(t, models.AgentFresh, updated.State)

	raw, err := os.ReadFile(filepath.Join(root, DefaultAgentsDir, "reviewer.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "description: Reviews pull requests")
	assert.Contains(t, string(raw), "Review things.")
	assert.Equal(t, updated.FileHash, HashBytes(raw))

	parsed, err := ParseAgentFile(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Hub.Toolkit.Equivalent(updated.Toolkit))
	assert.True(t, parsed.Hub.Toolkit.InheritProjectTools)
}

func TestUpdateToolkit_EquivalentToolkitLeavesFileAlone(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	project := tc.scan()[0]
	agent := tc.agentByPath(project.ID, filepath.Join(DefaultAgentsDir, "reviewer.md"))

	// Same grants, different ordering inside the permission list.
	same, err := tc.service.UpdateToolkit(ctx, tc.principal, agent, models.Toolkit{
		Tools: []models.ToolGrant{{Name: "github", Permissions: []string{"read"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, agent.FileHash, same.FileHash)

	raw, err := os.ReadFile(filepath.Join(root, DefaultAgentsDir, "reviewer.md"))
	require.NoError(t, err)
	assert.Equal(t, reviewerFile, string(raw))
}

func TestUpdateToolkit_MissingFileRollsBack(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	project := tc.scan()[0]
	agent := tc.agentByPath(project.ID, filepath.Join(DefaultAgentsDir, "reviewer.md"))

	require.NoError(t, os.Remove(filepath.Join(root, DefaultAgentsDir, "reviewer.md")))

	_, err := tc.service.UpdateToolkit(ctx, tc.principal, agent, models.Toolkit{
		Tools: []models.ToolGrant{{Name: "slack"}},
	})
	assert.Equal(t, apperrors.KindFrontmatterWrite, apperrors.KindOf(err))

	// The error flags that disk and database may disagree until the next scan.
	var typed *apperrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, true, typed.Details["reconcile_needed"])

	// The database still holds the old toolkit.
	stored := tc.agentByPath(project.ID, filepath.Join(DefaultAgentsDir, "reviewer.md"))
	require.Len(t, stored.Toolkit.Tools, 1)
	assert.Equal(t, "github", stored.Toolkit.Tools[0].Name)
}

func TestHandleFileEvent(t *testing.T) {
	tc := setupDiscoveryTest(t)
	ctx := context.Background()

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	project := tc.scan()[0]
	path := filepath.Join(root, DefaultAgentsDir, "reviewer.md")
	relative := filepath.Join(DefaultAgentsDir, "reviewer.md")

	// Edit with a new grant.
	edited := `---
name: reviewer
hub:
  toolkit:
    tools:
      - name: slack
---
body
`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	tc.service.HandleFileEvent(ctx, project, path)

	agent := tc.agentByPath(project.ID, relative)
	assert.Equal(t, models.AgentFresh, agent.State)
	require.Len(t, agent.Toolkit.Tools, 1)
	assert.Equal(t, "slack", agent.Toolkit.Tools[0].Name)

	// Corrupt the frontmatter: the agent turns broken, not deleted.
	require.NoError(t, os.WriteFile(path, []byte("---\nname: [oops\n---\nbody\n"), 0o644))
	tc.service.HandleFileEvent(ctx, project, path)

	agent = tc.agentByPath(project.ID, relative)
	assert.Equal(t, models.AgentBroken, agent.State)

	// Delete the file: the row goes with it.
	require.NoError(t, os.Remove(path))
	tc.service.HandleFileEvent(ctx, project, path)

	_, err := tc.agents.GetByPath(ctx, project.ID, relative)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestWatcher_DebouncedReparse(t *testing.T) {
	tc := setupDiscoveryTest(t)

	root := tc.writeProject("alpha", map[string]string{"reviewer.md": reviewerFile})
	project := tc.scan()[0]

	watcher, err := NewWatcher(tc.service, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })
	require.NoError(t, watcher.WatchProject(project))

	path := filepath.Join(root, DefaultAgentsDir, "reviewer.md")
	edited := `---
name: reviewer
hub:
  toolkit:
    tools:
      - name: openweather
---
body
`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	relative := filepath.Join(DefaultAgentsDir, "reviewer.md")
	assert.Eventually(t, func() bool {
		agent, err := tc.agents.GetByPath(context.Background(), project.ID, relative)
		if err != nil || len(agent.Toolkit.Tools) != 1 {
			return false
		}
		return agent.Toolkit.Tools[0].Name == "openweather"
	}, 5*time.Second, 50*time.Millisecond)
}
