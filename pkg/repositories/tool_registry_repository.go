package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oriole-systems/toolhub/pkg/database"
)

// RegistryRow is the persisted mirror of one tool descriptor. The in-memory
// registry is authoritative; the mirror exists so admin tooling can inspect
// the catalogue and so descriptors that disappear between releases stay
// visible as stale.
type RegistryRow struct {
	ToolName      string
	DisplayName   string
	Description   string
	Category      string
	ConfigSchema  string
	RequiredOAuth string
	AuthType      string
	Icon          string
	Stale         bool
	UpdatedAt     time.Time
}

// ToolRegistryRepository defines access to the tool registry mirror.
type ToolRegistryRepository interface {
	// Sync rewrites the mirror from the given rows inside one transaction.
	// Existing rows not present in rows are marked stale rather than deleted.
	Sync(ctx context.Context, rows []*RegistryRow) error
	List(ctx context.Context) ([]*RegistryRow, error)
}

type toolRegistryRepository struct {
	db *database.DB
}

// NewToolRegistryRepository creates a new tool registry repository.
func NewToolRegistryRepository(db *database.DB) ToolRegistryRepository {
	return &toolRegistryRepository{db: db}
}

func (r *toolRegistryRepository) Sync(ctx context.Context, rows []*RegistryRow) error {
	now := time.Now().UTC()

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE tool_registry SET stale = 1`); err != nil {
			return fmt.Errorf("failed to mark registry stale: %w", err)
		}

		upsert := `
			INSERT INTO tool_registry
				(tool_name, display_name, description, category, config_schema, required_oauth, auth_type, icon, stale, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT (tool_name) DO UPDATE
			SET display_name = excluded.display_name,
			    description = excluded.description,
			    category = excluded.category,
			    config_schema = excluded.config_schema,
			    required_oauth = excluded.required_oauth,
			    auth_type = excluded.auth_type,
			    icon = excluded.icon,
			    stale = 0,
			    updated_at = excluded.updated_at`

		for _, row := range rows {
			_, err := tx.ExecContext(ctx, upsert,
				row.ToolName,
				row.DisplayName,
				row.Description,
				row.Category,
				row.ConfigSchema,
				row.RequiredOAuth,
				row.AuthType,
				nullString(row.Icon),
				now,
			)
			if err != nil {
				return fmt.Errorf("failed to sync registry row %q: %w", row.ToolName, err)
			}
		}
		return nil
	})
}

func (r *toolRegistryRepository) List(ctx context.Context) ([]*RegistryRow, error) {
	query := `
		SELECT tool_name, display_name, description, category, config_schema, required_oauth, auth_type, icon, stale, updated_at
		FROM tool_registry
		ORDER BY tool_name`

	dbRows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry: %w", err)
	}
	defer dbRows.Close()

	var rows []*RegistryRow
	for dbRows.Next() {
		var row RegistryRow
		var icon sql.NullString
		err := dbRows.Scan(
			&row.ToolName,
			&row.DisplayName,
			&row.Description,
			&row.Category,
			&row.ConfigSchema,
			&row.RequiredOAuth,
			&row.AuthType,
			&icon,
			&row.Stale,
			&row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry row: %w", err)
		}
		row.Icon = icon.String
		rows = append(rows, &row)
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registry rows: %w", err)
	}

	return rows, nil
}

// Ensure toolRegistryRepository implements ToolRegistryRepository at compile time.
var _ ToolRegistryRepository = (*toolRegistryRepository)(nil)
