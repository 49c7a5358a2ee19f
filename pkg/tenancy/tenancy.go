// Package tenancy enforces the workspace boundary. Every cross-record access
// that spans ownership (a user touching a project, a project touching an
// agent) goes through these checks.
package tenancy

import (
	"context"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// Resolver answers "which workspace owns this record" questions.
type Resolver struct {
	projects repositories.ProjectRepository
	folders  repositories.BaseFolderRepository
	agents   repositories.AgentRepository
}

// NewResolver creates a tenancy resolver.
func NewResolver(
	projects repositories.ProjectRepository,
	folders repositories.BaseFolderRepository,
	agents repositories.AgentRepository,
) *Resolver {
	return &Resolver{projects: projects, folders: folders, agents: agents}
}

// RequireSameWorkspace fails with KindForbidden unless the principal belongs
// to the given workspace. Super admins pass everywhere.
func RequireSameWorkspace(principal *auth.Principal, workspaceID uuid.UUID) error {
	if principal.IsSuperAdmin {
		return nil
	}
	if principal.WorkspaceID != workspaceID {
		// Deliberately indistinguishable from "does not exist".
		return apperrors.ErrNotFound
	}
	return nil
}

// CheckProject verifies the principal may touch the project and returns its
// owning workspace.
func (r *Resolver) CheckProject(ctx context.Context, principal *auth.Principal, projectID uuid.UUID) (uuid.UUID, error) {
	workspaceID, err := r.projects.WorkspaceOf(ctx, projectID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := RequireSameWorkspace(principal, workspaceID); err != nil {
		return uuid.Nil, err
	}
	return workspaceID, nil
}

// CheckBaseFolder verifies the principal may touch the base folder.
func (r *Resolver) CheckBaseFolder(ctx context.Context, principal *auth.Principal, folderID uuid.UUID) error {
	folder, err := r.folders.GetByID(ctx, folderID)
	if err != nil {
		return err
	}
	return RequireSameWorkspace(principal, folder.WorkspaceID)
}

// CheckAgent verifies the principal may touch the agent, resolving ownership
// through its project.
func (r *Resolver) CheckAgent(ctx context.Context, principal *auth.Principal, agentID uuid.UUID) error {
	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	_, err = r.CheckProject(ctx, principal, agent.ProjectID)
	return err
}
