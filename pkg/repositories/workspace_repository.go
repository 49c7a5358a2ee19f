package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// WorkspaceRepository defines access to workspaces.
type WorkspaceRepository interface {
	Create(ctx context.Context, workspace *models.Workspace) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
	GetBySlug(ctx context.Context, slug string) (*models.Workspace, error)
	List(ctx context.Context) ([]*models.Workspace, error)
}

type workspaceRepository struct {
	db *database.DB
}

// NewWorkspaceRepository creates a new workspace repository.
func NewWorkspaceRepository(db *database.DB) WorkspaceRepository {
	return &workspaceRepository{db: db}
}

func (r *workspaceRepository) Create(ctx context.Context, workspace *models.Workspace) error {
	if workspace.ID == uuid.Nil {
		workspace.ID = uuid.New()
	}
	workspace.CreatedAt = time.Now().UTC()

	query := `INSERT INTO workspaces (id, name, slug, created_at) VALUES (?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, workspace.ID, workspace.Name, workspace.Slug, workspace.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	return nil
}

func (r *workspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	return r.get(ctx, `SELECT id, name, slug, created_at FROM workspaces WHERE id = ?`, id)
}

func (r *workspaceRepository) GetBySlug(ctx context.Context, slug string) (*models.Workspace, error) {
	return r.get(ctx, `SELECT id, name, slug, created_at FROM workspaces WHERE slug = ?`, slug)
}

func (r *workspaceRepository) get(ctx context.Context, query string, arg any) (*models.Workspace, error) {
	var workspace models.Workspace
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&workspace.ID,
		&workspace.Name,
		&workspace.Slug,
		&workspace.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &workspace, nil
}

func (r *workspaceRepository) List(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, slug, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*models.Workspace
	for rows.Next() {
		var workspace models.Workspace
		if err := rows.Scan(&workspace.ID, &workspace.Name, &workspace.Slug, &workspace.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, &workspace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return workspaces, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
// modernc.org/sqlite does not export a stable error type for this, so we match
// on the message the way its own tests do.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ensure workspaceRepository implements WorkspaceRepository at compile time.
var _ WorkspaceRepository = (*workspaceRepository)(nil)
