// Package repositories provides SQLite-backed data access for the hub's
// persistent model. Repositories return apperrors sentinels for not-found and
// conflict conditions; callers translate those into HTTP responses.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// SystemConfigRepository defines access to the singleton bootstrap row.
type SystemConfigRepository interface {
	Get(ctx context.Context) (*models.SystemConfig, error)
	// Create inserts the singleton row. Returns apperrors.ErrConflict if it
	// already exists.
	Create(ctx context.Context, config *models.SystemConfig) error
	// TransitionMode atomically moves app_mode from expected to target.
	// Returns apperrors.ErrConflict if the stored mode no longer matches
	// expected, so concurrent setup attempts cannot both win.
	TransitionMode(ctx context.Context, expected, target models.AppMode) error
}

type systemConfigRepository struct {
	db *database.DB
}

// NewSystemConfigRepository creates a new system config repository.
func NewSystemConfigRepository(db *database.DB) SystemConfigRepository {
	return &systemConfigRepository{db: db}
}

func (r *systemConfigRepository) Get(ctx context.Context) (*models.SystemConfig, error) {
	query := `SELECT app_mode, encryption_salt, created_at, updated_at FROM system_config WHERE id = 1`

	var config models.SystemConfig
	err := r.db.QueryRowContext(ctx, query).Scan(
		&config.AppMode,
		&config.EncryptionSalt,
		&config.CreatedAt,
		&config.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get system config: %w", err)
	}

	return &config, nil
}

func (r *systemConfigRepository) Create(ctx context.Context, config *models.SystemConfig) error {
	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	query := `
		INSERT INTO system_config (id, app_mode, encryption_salt, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		config.AppMode,
		config.EncryptionSalt,
		config.CreatedAt,
		config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create system config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check system config insert: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrConflict
	}

	return nil
}

func (r *systemConfigRepository) TransitionMode(ctx context.Context, expected, target models.AppMode) error {
	query := `UPDATE system_config SET app_mode = ?, updated_at = ? WHERE id = 1 AND app_mode = ?`

	result, err := r.db.ExecContext(ctx, query, target, time.Now().UTC(), expected)
	if err != nil {
		return fmt.Errorf("failed to transition app mode: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check mode transition: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrConflict
	}

	return nil
}

// Ensure systemConfigRepository implements SystemConfigRepository at compile time.
var _ SystemConfigRepository = (*systemConfigRepository)(nil)
