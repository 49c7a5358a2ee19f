package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// UserToolRepository defines access to per-user tool activations and their
// configuration entries. Config writes happen in the same transaction as the
// activation row so a failed write never leaves a half-configured tool.
type UserToolRepository interface {
	// Activate inserts the activation or re-enables a previously disabled
	// row, then replaces its configuration entries. Returns the stored row.
	Activate(ctx context.Context, userTool *models.UserTool, configs []*models.ToolConfig) (*models.UserTool, error)
	// SetEnabled flips the activation flag. Returns apperrors.ErrNotFound if
	// no activation row exists.
	SetEnabled(ctx context.Context, userID uuid.UUID, toolName string, enabled bool) error
	Get(ctx context.Context, userID uuid.UUID, toolName string) (*models.UserTool, error)
	ListEnabled(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error)
	ListAll(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error)
	// ReplaceConfigs swaps all configuration entries for an activation.
	ReplaceConfigs(ctx context.Context, userToolID uuid.UUID, configs []*models.ToolConfig) error
	GetConfigs(ctx context.Context, userToolID uuid.UUID) ([]*models.ToolConfig, error)
}

type userToolRepository struct {
	db *database.DB
}

// NewUserToolRepository creates a new user tool repository.
func NewUserToolRepository(db *database.DB) UserToolRepository {
	return &userToolRepository{db: db}
}

func (r *userToolRepository) Activate(ctx context.Context, userTool *models.UserTool, configs []*models.ToolConfig) (*models.UserTool, error) {
	if userTool.ID == uuid.Nil {
		userTool.ID = uuid.New()
	}
	now := time.Now().UTC()
	userTool.CreatedAt = now
	userTool.UpdatedAt = now

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		upsert := `
			INSERT INTO user_tools (id, workspace_id, user_id, tool_name, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (user_id, tool_name) DO UPDATE
			SET enabled = 1, updated_at = excluded.updated_at`

		_, err := tx.ExecContext(ctx, upsert,
			userTool.ID,
			userTool.WorkspaceID,
			userTool.UserID,
			userTool.ToolName,
			userTool.CreatedAt,
			userTool.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to activate tool: %w", err)
		}

		var storedID uuid.UUID
		getID := `SELECT id FROM user_tools WHERE user_id = ? AND tool_name = ?`
		if err := tx.QueryRowContext(ctx, getID, userTool.UserID, userTool.ToolName).Scan(&storedID); err != nil {
			return fmt.Errorf("failed to read activation id: %w", err)
		}
		userTool.ID = storedID

		return replaceConfigsTx(ctx, tx, storedID, configs)
	})
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, userTool.UserID, userTool.ToolName)
}

func (r *userToolRepository) SetEnabled(ctx context.Context, userID uuid.UUID, toolName string, enabled bool) error {
	query := `UPDATE user_tools SET enabled = ?, updated_at = ? WHERE user_id = ? AND tool_name = ?`

	result, err := r.db.ExecContext(ctx, query, enabled, time.Now().UTC(), userID, toolName)
	if err != nil {
		return fmt.Errorf("failed to update activation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check activation update: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

const userToolColumns = `id, workspace_id, user_id, tool_name, enabled, created_at, updated_at`

func (r *userToolRepository) Get(ctx context.Context, userID uuid.UUID, toolName string) (*models.UserTool, error) {
	query := `SELECT ` + userToolColumns + ` FROM user_tools WHERE user_id = ? AND tool_name = ?`

	var userTool models.UserTool
	err := r.db.QueryRowContext(ctx, query, userID, toolName).Scan(
		&userTool.ID,
		&userTool.WorkspaceID,
		&userTool.UserID,
		&userTool.ToolName,
		&userTool.Enabled,
		&userTool.CreatedAt,
		&userTool.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get activation: %w", err)
	}

	return &userTool, nil
}

func (r *userToolRepository) ListEnabled(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error) {
	query := `SELECT ` + userToolColumns + ` FROM user_tools WHERE user_id = ? AND enabled = 1 ORDER BY tool_name`
	return r.list(ctx, query, userID)
}

func (r *userToolRepository) ListAll(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error) {
	query := `SELECT ` + userToolColumns + ` FROM user_tools WHERE user_id = ? ORDER BY tool_name`
	return r.list(ctx, query, userID)
}

func (r *userToolRepository) list(ctx context.Context, query string, userID uuid.UUID) ([]*models.UserTool, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	defer rows.Close()

	var userTools []*models.UserTool
	for rows.Next() {
		var userTool models.UserTool
		err := rows.Scan(
			&userTool.ID,
			&userTool.WorkspaceID,
			&userTool.UserID,
			&userTool.ToolName,
			&userTool.Enabled,
			&userTool.CreatedAt,
			&userTool.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		userTools = append(userTools, &userTool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activations: %w", err)
	}

	return userTools, nil
}

func (r *userToolRepository) ReplaceConfigs(ctx context.Context, userToolID uuid.UUID, configs []*models.ToolConfig) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return replaceConfigsTx(ctx, tx, userToolID, configs)
	})
}

func replaceConfigsTx(ctx context.Context, tx *sql.Tx, userToolID uuid.UUID, configs []*models.ToolConfig) error {
	// Upsert keyed rows so a re-configuration keeps existing row identities;
	// only keys absent from the new set are removed.
	now := time.Now().UTC()
	upsert := `
		INSERT INTO tool_configs (id, user_tool_id, key, value, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_tool_id, key) DO UPDATE
		SET value = excluded.value, encrypted = excluded.encrypted, updated_at = excluded.updated_at`

	keep := make([]any, 0, len(configs)+1)
	keep = append(keep, userToolID)
	for _, config := range configs {
		if config.ID == uuid.Nil {
			config.ID = uuid.New()
		}
		config.UserToolID = userToolID
		config.UpdatedAt = now
		_, err := tx.ExecContext(ctx, upsert,
			config.ID,
			config.UserToolID,
			config.Key,
			string(config.Value),
			config.Encrypted,
			config.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert tool config %q: %w", config.Key, err)
		}
		keep = append(keep, config.Key)
	}

	cleanup := `DELETE FROM tool_configs WHERE user_tool_id = ?`
	if len(configs) > 0 {
		cleanup += ` AND key NOT IN (?` + strings.Repeat(", ?", len(configs)-1) + `)`
	}
	if _, err := tx.ExecContext(ctx, cleanup, keep...); err != nil {
		return fmt.Errorf("failed to remove stale tool configs: %w", err)
	}
	return nil
}

func (r *userToolRepository) GetConfigs(ctx context.Context, userToolID uuid.UUID) ([]*models.ToolConfig, error) {
	query := `SELECT id, user_tool_id, key, value, encrypted, updated_at FROM tool_configs WHERE user_tool_id = ? ORDER BY key`

	rows, err := r.db.QueryContext(ctx, query, userToolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.ToolConfig
	for rows.Next() {
		var config models.ToolConfig
		var value string
		err := rows.Scan(
			&config.ID,
			&config.UserToolID,
			&config.Key,
			&value,
			&config.Encrypted,
			&config.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool config: %w", err)
		}
		config.Value = json.RawMessage(value)
		configs = append(configs, &config)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool configs: %w", err)
	}

	return configs, nil
}

// Ensure userToolRepository implements UserToolRepository at compile time.
var _ UserToolRepository = (*userToolRepository)(nil)
