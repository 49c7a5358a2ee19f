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

// UserRepository defines access to users within workspaces.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	// Upsert inserts the user or, if a row with the same (workspace, email)
	// exists, refreshes its display name and returns the stored row.
	Upsert(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, workspaceID uuid.UUID, email string) (*models.User, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.User, error)
	SetSuperAdmin(ctx context.Context, id uuid.UUID, isSuperAdmin bool) error
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
}

type userRepository struct {
	db *database.DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *database.DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, workspace_id, email, display_name, is_super_admin, created_at, last_seen_at`

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO users (id, workspace_id, email, display_name, is_super_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.WorkspaceID,
		user.Email,
		nullString(user.DisplayName),
		user.IsSuperAdmin,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *userRepository) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO users (id, workspace_id, email, display_name, is_super_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, email) DO UPDATE
		SET display_name = COALESCE(excluded.display_name, users.display_name)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.WorkspaceID,
		user.Email,
		nullString(user.DisplayName),
		user.IsSuperAdmin,
		user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return r.GetByEmail(ctx, user.WorkspaceID, user.Email)
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *userRepository) GetByEmail(ctx context.Context, workspaceID uuid.UUID, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE workspace_id = ? AND email = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, workspaceID, email))
}

func (r *userRepository) scanOne(row *sql.Row) (*models.User, error) {
	var user models.User
	var displayName sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.WorkspaceID,
		&user.Email,
		&displayName,
		&user.IsSuperAdmin,
		&user.CreatedAt,
		&lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.DisplayName = displayName.String
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeenAt = &t
	}
	return &user, nil
}

func (r *userRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE workspace_id = ? ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var user models.User
		var displayName sql.NullString
		var lastSeen sql.NullTime
		err := rows.Scan(
			&user.ID,
			&user.WorkspaceID,
			&user.Email,
			&displayName,
			&user.IsSuperAdmin,
			&user.CreatedAt,
			&lastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.DisplayName = displayName.String
		if lastSeen.Valid {
			t := lastSeen.Time
			user.LastSeenAt = &t
		}
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

func (r *userRepository) SetSuperAdmin(ctx context.Context, id uuid.UUID, isSuperAdmin bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET is_super_admin = ? WHERE id = ?`, isSuperAdmin, id)
	if err != nil {
		return fmt.Errorf("failed to update super admin flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check super admin update: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *userRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch last seen: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure userRepository implements UserRepository at compile time.
var _ UserRepository = (*userRepository)(nil)
