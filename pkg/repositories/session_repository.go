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
)

// Session is one server-side login session. ID is a SHA-256 digest of the
// cookie token, so the table never holds anything a reader could replay.
type Session struct {
	ID          string
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SessionRepository defines access to server-side sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	// Get returns the session only if it has not expired.
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteForUser(ctx context.Context, userID uuid.UUID) error
	// DeleteExpired removes expired rows and returns how many were deleted.
	DeleteExpired(ctx context.Context) (int64, error)
}

type sessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	session.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO sessions (id, user_id, workspace_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.WorkspaceID,
		session.CreatedAt,
		session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, workspace_id, created_at, expires_at
		FROM sessions
		WHERE id = ? AND expires_at > ?`

	var session Session
	err := r.db.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(
		&session.ID,
		&session.UserID,
		&session.WorkspaceID,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *sessionRepository) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete sessions for user: %w", err)
	}
	return nil
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return deleted, nil
}

// Ensure sessionRepository implements SessionRepository at compile time.
var _ SessionRepository = (*sessionRepository)(nil)
