package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// AuditFilter narrows audit queries. Zero values mean "no filter".
type AuditFilter struct {
	WorkspaceID *uuid.UUID
	Category    models.AuditCategory
	Since       time.Time
	Limit       int
	Offset      int
}

// AuditRepository defines append-only access to the audit trail.
type AuditRepository interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events
			(workspace_id, actor_user_id, actor_email, category, action, target_type, target_id, target_name, success, error_message, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		nullUUID(event.WorkspaceID),
		nullUUID(event.ActorUserID),
		nullString(event.ActorEmail),
		event.Category,
		event.Action,
		event.TargetType,
		nullString(event.TargetID),
		nullString(event.TargetName),
		event.Success,
		nullString(event.ErrorMessage),
		nullString(event.Detail),
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, workspace_id, actor_user_id, actor_email, category, action, target_type, target_id, target_name, success, error_message, detail, occurred_at
		FROM audit_events
		WHERE 1 = 1`
	var args []any

	if filter.WorkspaceID != nil {
		query += ` AND workspace_id = ?`
		args = append(args, *filter.WorkspaceID)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since)
	}

	query += ` ORDER BY occurred_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		var workspaceID, actorUserID sql.NullString
		var actorEmail, targetID, targetName, errorMessage, detail sql.NullString
		err := rows.Scan(
			&event.ID,
			&workspaceID,
			&actorUserID,
			&actorEmail,
			&event.Category,
			&event.Action,
			&event.TargetType,
			&targetID,
			&targetName,
			&event.Success,
			&errorMessage,
			&detail,
			&event.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if workspaceID.Valid {
			if id, err := uuid.Parse(workspaceID.String); err == nil {
				event.WorkspaceID = &id
			}
		}
		if actorUserID.Valid {
			if id, err := uuid.Parse(actorUserID.String); err == nil {
				event.ActorUserID = &id
			}
		}
		event.ActorEmail = actorEmail.String
		event.TargetID = targetID.String
		event.TargetName = targetName.String
		event.ErrorMessage = errorMessage.String
		event.Detail = detail.String
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// Ensure auditRepository implements AuditRepository at compile time.
var _ AuditRepository = (*auditRepository)(nil)
