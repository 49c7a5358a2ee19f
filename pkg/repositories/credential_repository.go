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

// CredentialRepository defines access to sealed credentials. Values stored in
// secret, access_token, and refresh_token are ciphertext produced by the vault;
// this layer never sees plaintext.
type CredentialRepository interface {
	Upsert(ctx context.Context, credential *models.Credential) error
	Get(ctx context.Context, userID uuid.UUID, provider string, kind models.CredentialKind) (*models.Credential, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Credential, error)
	Delete(ctx context.Context, userID uuid.UUID, provider string, kind models.CredentialKind) error
}

type credentialRepository struct {
	db *database.DB
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *database.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) Upsert(ctx context.Context, credential *models.Credential) error {
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	now := time.Now().UTC()
	credential.UpdatedAt = now

	scopes, err := json.Marshal(credential.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	query := `
		INSERT INTO credentials
			(id, workspace_id, user_id, provider, kind, secret, access_token, refresh_token, expires_at, scopes, issued_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, kind) DO UPDATE
		SET secret = excluded.secret,
		    access_token = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    expires_at = excluded.expires_at,
		    scopes = excluded.scopes,
		    issued_at = excluded.issued_at,
		    updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		credential.ID,
		credential.WorkspaceID,
		credential.UserID,
		credential.Provider,
		credential.Kind,
		nullString(credential.Secret),
		nullString(credential.AccessToken),
		nullString(credential.RefreshToken),
		nullTime(credential.ExpiresAt),
		string(scopes),
		credential.IssuedAt,
		now,
		credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	return nil
}

const credentialColumns = `id, workspace_id, user_id, provider, kind, secret, access_token, refresh_token, expires_at, scopes, issued_at, updated_at`

func (r *credentialRepository) Get(ctx context.Context, userID uuid.UUID, provider string, kind models.CredentialKind) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ? AND provider = ? AND kind = ?`

	credential, err := scanCredential(r.db.QueryRowContext(ctx, query, userID, provider, kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return credential, nil
}

func (r *credentialRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ? ORDER BY provider, kind`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []*models.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return credentials, nil
}

func (r *credentialRepository) Delete(ctx context.Context, userID uuid.UUID, provider string, kind models.CredentialKind) error {
	query := `DELETE FROM credentials WHERE user_id = ? AND provider = ? AND kind = ?`

	result, err := r.db.ExecContext(ctx, query, userID, provider, kind)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check credential delete: %w", err)
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var credential models.Credential
	var secret, accessToken, refreshToken sql.NullString
	var expiresAt, issuedAt sql.NullTime
	var scopes string

	err := row.Scan(
		&credential.ID,
		&credential.WorkspaceID,
		&credential.UserID,
		&credential.Provider,
		&credential.Kind,
		&secret,
		&accessToken,
		&refreshToken,
		&expiresAt,
		&scopes,
		&issuedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	credential.Secret = secret.String
	credential.AccessToken = accessToken.String
	credential.RefreshToken = refreshToken.String
	if expiresAt.Valid {
		t := expiresAt.Time
		credential.ExpiresAt = &t
	}
	if issuedAt.Valid {
		credential.IssuedAt = issuedAt.Time
	}
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &credential.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}

	return &credential, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Ensure credentialRepository implements CredentialRepository at compile time.
var _ CredentialRepository = (*credentialRepository)(nil)
