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

// SettingsRepository defines access to system key/value settings.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*models.Setting, error)
	Set(ctx context.Context, setting *models.Setting) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*models.Setting, error)
}

type settingsRepository struct {
	db *database.DB
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *database.DB) SettingsRepository {
	return &settingsRepository{db: db}
}

func (r *settingsRepository) Get(ctx context.Context, key string) (*models.Setting, error) {
	query := `SELECT key, value, encrypted, updated_at FROM system_settings WHERE key = ?`

	var setting models.Setting
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&setting.Key,
		&setting.Value,
		&setting.Encrypted,
		&setting.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get setting %q: %w", key, err)
	}

	return &setting, nil
}

func (r *settingsRepository) Set(ctx context.Context, setting *models.Setting) error {
	setting.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO system_settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value,
		    encrypted = excluded.encrypted,
		    updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query, setting.Key, setting.Value, setting.Encrypted, setting.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", setting.Key, err)
	}

	return nil
}

func (r *settingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM system_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

func (r *settingsRepository) List(ctx context.Context) ([]*models.Setting, error) {
	query := `SELECT key, value, encrypted, updated_at FROM system_settings ORDER BY key`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		var setting models.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Encrypted, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, &setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return settings, nil
}

// Ensure settingsRepository implements SettingsRepository at compile time.
var _ SettingsRepository = (*settingsRepository)(nil)
