package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// ProjectRepository defines access to discovered projects.
type ProjectRepository interface {
	// Upsert inserts the project or refreshes its name if the path is already
	// known. Returns the stored row.
	Upsert(ctx context.Context, project *models.Project) (*models.Project, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListByBaseFolder(ctx context.Context, baseFolderID uuid.UUID) ([]*models.Project, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.Project, error)
	// WorkspaceOf resolves the owning workspace through the base folder.
	WorkspaceOf(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error)
	TouchScanned(ctx context.Context, id uuid.UUID) error
	// DeleteMissing removes projects under a base folder whose paths are not
	// in keep. Used after a scan to drop repositories deleted from disk.
	DeleteMissing(ctx context.Context, baseFolderID uuid.UUID, keep []string) (int64, error)
}

type projectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *database.DB) ProjectRepository {
	return &projectRepository{db: db}
}

const projectColumns = `id, base_folder_id, name, absolute_path, last_scanned_at`

func (r *projectRepository) Upsert(ctx context.Context, project *models.Project) (*models.Project, error) {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}

	query := `
		INSERT INTO projects (id, base_folder_id, name, absolute_path, last_scanned_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (base_folder_id, absolute_path) DO UPDATE
		SET name = excluded.name`

	_, err := r.db.ExecContext(ctx, query,
		project.ID,
		project.BaseFolderID,
		project.Name,
		project.AbsolutePath,
		nullTime(project.LastScannedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert project: %w", err)
	}

	stored := `SELECT ` + projectColumns + ` FROM projects WHERE base_folder_id = ? AND absolute_path = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, stored, project.BaseFolderID, project.AbsolutePath))
}

func (r *projectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *projectRepository) scanOne(row *sql.Row) (*models.Project, error) {
	var project models.Project
	var lastScanned sql.NullTime
	err := row.Scan(
		&project.ID,
		&project.BaseFolderID,
		&project.Name,
		&project.AbsolutePath,
		&lastScanned,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if lastScanned.Valid {
		t := lastScanned.Time
		project.LastScannedAt = &t
	}
	return &project, nil
}

func (r *projectRepository) ListByBaseFolder(ctx context.Context, baseFolderID uuid.UUID) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE base_folder_id = ? ORDER BY absolute_path`
	return r.list(ctx, query, baseFolderID)
}

func (r *projectRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.Project, error) {
	query := `
		SELECT p.id, p.base_folder_id, p.name, p.absolute_path, p.last_scanned_at
		FROM projects p
		JOIN base_folders b ON b.id = p.base_folder_id
		WHERE b.workspace_id = ?
		ORDER BY p.absolute_path`
	return r.list(ctx, query, workspaceID)
}

func (r *projectRepository) list(ctx context.Context, query string, arg any) ([]*models.Project, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var project models.Project
		var lastScanned sql.NullTime
		err := rows.Scan(
			&project.ID,
			&project.BaseFolderID,
			&project.Name,
			&project.AbsolutePath,
			&lastScanned,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if lastScanned.Valid {
			t := lastScanned.Time
			project.LastScannedAt = &t
		}
		projects = append(projects, &project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

func (r *projectRepository) WorkspaceOf(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT b.workspace_id
		FROM projects p
		JOIN base_folders b ON b.id = p.base_folder_id
		WHERE p.id = ?`

	var workspaceID uuid.UUID
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(&workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, apperrors.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to resolve project workspace: %w", err)
	}

	return workspaceID, nil
}

func (r *projectRepository) TouchScanned(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE projects SET last_scanned_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch project scan time: %w", err)
	}
	return nil
}

func (r *projectRepository) DeleteMissing(ctx context.Context, baseFolderID uuid.UUID, keep []string) (int64, error) {
	query := `DELETE FROM projects WHERE base_folder_id = ?`
	args := []any{baseFolderID}
	if len(keep) > 0 {
		query += ` AND absolute_path NOT IN (?` + placeholderTail(len(keep)-1) + `)`
		for _, path := range keep {
			args = append(args, path)
		}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete missing projects: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted projects: %w", err)
	}
	return deleted, nil
}

// placeholderTail returns n occurrences of ", ?".
func placeholderTail(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ',', ' ', '?')
	}
	return string(out)
}

// Ensure projectRepository implements ProjectRepository at compile time.
var _ ProjectRepository = (*projectRepository)(nil)
