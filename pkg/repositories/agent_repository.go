package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// AgentRepository defines access to discovered agent definitions.
type AgentRepository interface {
	// Upsert inserts the agent or refreshes the row keyed by
	// (project, relative path). Returns the stored row.
	Upsert(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	// UpsertTx is Upsert inside an existing transaction, for the write-back
	// protocol where the database row and the file must move together.
	UpsertTx(ctx context.Context, tx *sql.Tx, agent *models.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetByPath(ctx context.Context, projectID uuid.UUID, relativePath string) (*models.Agent, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error)
	SetState(ctx context.Context, id uuid.UUID, state models.AgentState, errorMessage string) error
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteMissing removes agents in a project whose relative paths are not
	// in keep.
	DeleteMissing(ctx context.Context, projectID uuid.UUID, keep []string) (int64, error)
}

type agentRepository struct {
	db *database.DB
}

// NewAgentRepository creates a new agent repository.
func NewAgentRepository(db *database.DB) AgentRepository {
	return &agentRepository{db: db}
}

const agentColumns = `id, project_id, relative_path, name, icon, file_hash, toolkit, raw_frontmatter, state, error_message, updated_at`

func (r *agentRepository) Upsert(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return r.UpsertTx(ctx, tx, agent)
	})
	if err != nil {
		return nil, err
	}
	return r.GetByPath(ctx, agent.ProjectID, agent.RelativePath)
}

func (r *agentRepository) UpsertTx(ctx context.Context, tx *sql.Tx, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	agent.UpdatedAt = time.Now().UTC()

	toolkit, err := json.Marshal(agent.Toolkit)
	if err != nil {
		return fmt.Errorf("failed to marshal toolkit: %w", err)
	}
	raw := agent.RawFrontmatter
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	query := `
		INSERT INTO agents
			(id, project_id, relative_path, name, icon, file_hash, toolkit, raw_frontmatter, state, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, relative_path) DO UPDATE
		SET name = excluded.name,
		    icon = excluded.icon,
		    file_hash = excluded.file_hash,
		    toolkit = excluded.toolkit,
		    raw_frontmatter = excluded.raw_frontmatter,
		    state = excluded.state,
		    error_message = excluded.error_message,
		    updated_at = excluded.updated_at`

	_, err = tx.ExecContext(ctx, query,
		agent.ID,
		agent.ProjectID,
		agent.RelativePath,
		agent.Name,
		nullString(agent.Icon),
		agent.FileHash,
		string(toolkit),
		string(raw),
		agent.State,
		nullString(agent.ErrorMessage),
		agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}

	return nil
}

func (r *agentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	return scanAgentRow(r.db.QueryRowContext(ctx, query, id))
}

func (r *agentRepository) GetByPath(ctx context.Context, projectID uuid.UUID, relativePath string) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE project_id = ? AND relative_path = ?`
	return scanAgentRow(r.db.QueryRowContext(ctx, query, projectID, relativePath))
}

func scanAgentRow(row rowScanner) (*models.Agent, error) {
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var icon, errorMessage sql.NullString
	var toolkit, raw string

	err := row.Scan(
		&agent.ID,
		&agent.ProjectID,
		&agent.RelativePath,
		&agent.Name,
		&icon,
		&agent.FileHash,
		&toolkit,
		&raw,
		&agent.State,
		&errorMessage,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Icon = icon.String
	agent.ErrorMessage = errorMessage.String
	agent.RawFrontmatter = []byte(raw)
	if err := json.Unmarshal([]byte(toolkit), &agent.Toolkit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal toolkit: %w", err)
	}

	return &agent, nil
}

func (r *agentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE project_id = ? ORDER BY relative_path`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

func (r *agentRepository) SetState(ctx context.Context, id uuid.UUID, state models.AgentState, errorMessage string) error {
	query := `UPDATE agents SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, state, nullString(errorMessage), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check agent state update: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *agentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check agent delete: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *agentRepository) DeleteMissing(ctx context.Context, projectID uuid.UUID, keep []string) (int64, error) {
	query := `DELETE FROM agents WHERE project_id = ?`
	args := []any{projectID}
	if len(keep) > 0 {
		query += ` AND relative_path NOT IN (?` + placeholderTail(len(keep)-1) + `)`
		for _, path := range keep {
			args = append(args, path)
		}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete missing agents: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted agents: %w", err)
	}
	return deleted, nil
}

// Ensure agentRepository implements AgentRepository at compile time.
var _ AgentRepository = (*agentRepository)(nil)
