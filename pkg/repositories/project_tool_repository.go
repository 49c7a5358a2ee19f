package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// ProjectToolRepository defines access to project-level tool grants.
type ProjectToolRepository interface {
	Upsert(ctx context.Context, grant *models.ProjectTool) error
	Delete(ctx context.Context, projectID uuid.UUID, toolName string) error
	ListEnabled(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectTool, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectTool, error)
}

type projectToolRepository struct {
	db *database.DB
}

// NewProjectToolRepository creates a new project tool repository.
func NewProjectToolRepository(db *database.DB) ProjectToolRepository {
	return &projectToolRepository{db: db}
}

func (r *projectToolRepository) Upsert(ctx context.Context, grant *models.ProjectTool) error {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	grant.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO project_tools (id, project_id, tool_name, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, tool_name) DO UPDATE
		SET enabled = excluded.enabled, updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query, grant.ID, grant.ProjectID, grant.ToolName, grant.Enabled, grant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project tool: %w", err)
	}

	return nil
}

func (r *projectToolRepository) Delete(ctx context.Context, projectID uuid.UUID, toolName string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM project_tools WHERE project_id = ? AND tool_name = ?`, projectID, toolName)
	if err != nil {
		return fmt.Errorf("failed to delete project tool: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check project tool delete: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *projectToolRepository) ListEnabled(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectTool, error) {
	query := `SELECT id, project_id, tool_name, enabled, updated_at FROM project_tools WHERE project_id = ? AND enabled = 1 ORDER BY tool_name`
	return r.list(ctx, query, projectID)
}

func (r *projectToolRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectTool, error) {
	query := `SELECT id, project_id, tool_name, enabled, updated_at FROM project_tools WHERE project_id = ? ORDER BY tool_name`
	return r.list(ctx, query, projectID)
}

func (r *projectToolRepository) list(ctx context.Context, query string, projectID uuid.UUID) ([]*models.ProjectTool, error) {
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project tools: %w", err)
	}
	defer rows.Close()

	var grants []*models.ProjectTool
	for rows.Next() {
		var grant models.ProjectTool
		if err := rows.Scan(&grant.ID, &grant.ProjectID, &grant.ToolName, &grant.Enabled, &grant.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project tool: %w", err)
		}
		grants = append(grants, &grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project tools: %w", err)
	}

	return grants, nil
}

// Ensure projectToolRepository implements ProjectToolRepository at compile time.
var _ ProjectToolRepository = (*projectToolRepository)(nil)
