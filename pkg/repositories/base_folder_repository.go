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

// BaseFolderRepository defines access to admin-registered scan roots.
type BaseFolderRepository interface {
	Create(ctx context.Context, folder *models.BaseFolder) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BaseFolder, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.BaseFolder, error)
	// Delete removes the folder and, via cascade, its projects and agents.
	Delete(ctx context.Context, id uuid.UUID) error
}

type baseFolderRepository struct {
	db *database.DB
}

// NewBaseFolderRepository creates a new base folder repository.
func NewBaseFolderRepository(db *database.DB) BaseFolderRepository {
	return &baseFolderRepository{db: db}
}

func (r *baseFolderRepository) Create(ctx context.Context, folder *models.BaseFolder) error {
	if folder.ID == uuid.Nil {
		folder.ID = uuid.New()
	}
	folder.CreatedAt = time.Now().UTC()

	query := `INSERT INTO base_folders (id, workspace_id, path, label, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, folder.ID, folder.WorkspaceID, folder.Path, folder.Label, folder.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create base folder: %w", err)
	}

	return nil
}

func (r *baseFolderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BaseFolder, error) {
	query := `SELECT id, workspace_id, path, label, created_at FROM base_folders WHERE id = ?`

	var folder models.BaseFolder
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&folder.ID,
		&folder.WorkspaceID,
		&folder.Path,
		&folder.Label,
		&folder.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get base folder: %w", err)
	}

	return &folder, nil
}

func (r *baseFolderRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.BaseFolder, error) {
	query := `SELECT id, workspace_id, path, label, created_at FROM base_folders WHERE workspace_id = ? ORDER BY path`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list base folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.BaseFolder
	for rows.Next() {
		var folder models.BaseFolder
		if err := rows.Scan(&folder.ID, &folder.WorkspaceID, &folder.Path, &folder.Label, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan base folder: %w", err)
		}
		folders = append(folders, &folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating base folders: %w", err)
	}

	return folders, nil
}

func (r *baseFolderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM base_folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete base folder: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check base folder delete: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Ensure baseFolderRepository implements BaseFolderRepository at compile time.
var _ BaseFolderRepository = (*baseFolderRepository)(nil)
