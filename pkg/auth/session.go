package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

const (
	// SessionCookieName is the browser cookie carrying the session token.
	SessionCookieName = "toolhub_session"
	// DefaultSessionTTL is how long a login lasts without re-authenticating.
	DefaultSessionTTL = 7 * 24 * time.Hour

	sessionTokenKey = "token"
)

// SessionManager issues and validates server-side sessions. The cookie holds
// an opaque random token; the database stores only its SHA-256 digest, so
// logout (deleting the row) is immediately effective and a leaked database
// cannot mint sessions.
type SessionManager struct {
	sessions repositories.SessionRepository
	users    repositories.UserRepository
	store    *sessions.CookieStore
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSessionManager creates a session manager. authKey signs the cookie so
// tampering is detectable before the database is consulted.
func NewSessionManager(
	sessionRepo repositories.SessionRepository,
	userRepo repositories.UserRepository,
	authKey []byte,
	secure bool,
	logger *zap.Logger,
) *SessionManager {
	store := sessions.NewCookieStore(authKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(DefaultSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		sessions: sessionRepo,
		users:    userRepo,
		store:    store,
		ttl:      DefaultSessionTTL,
		logger:   logger.Named("sessions"),
	}
}

// Issue creates a session for the user and sets the cookie.
func (m *SessionManager) Issue(ctx context.Context, w http.ResponseWriter, r *http.Request, user *models.User) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	err := m.sessions.Create(ctx, &repositories.Session{
		ID:          hashToken(token),
		UserID:      user.ID,
		WorkspaceID: user.WorkspaceID,
		ExpiresAt:   time.Now().UTC().Add(m.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	cookie, _ := m.store.Get(r, SessionCookieName)
	cookie.Values[sessionTokenKey] = token
	if err := cookie.Save(r, w); err != nil {
		return fmt.Errorf("failed to write session cookie: %w", err)
	}

	m.logger.Info("Session issued", zap.String("user_id", user.ID.String()))
	return nil
}

// Validate resolves the request's cookie to a principal. Failures are always
// KindUnauthenticated; the caller decides whether that is fatal.
func (m *SessionManager) Validate(ctx context.Context, r *http.Request) (*Principal, error) {
	cookie, err := m.store.Get(r, SessionCookieName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthenticated, "invalid session cookie", err)
	}

	token, ok := cookie.Values[sessionTokenKey].(string)
	if !ok || token == "" {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "no session")
	}

	sessionID := hashToken(token)
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.New(apperrors.KindUnauthenticated, "session expired or revoked")
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	user, err := m.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthenticated, "session user no longer exists", err)
	}

	// Best effort; a failed touch never blocks the request.
	if err := m.users.TouchLastSeen(ctx, user.ID); err != nil {
		m.logger.Debug("Failed to touch last seen", zap.Error(err))
	}

	return &Principal{
		UserID:       user.ID,
		WorkspaceID:  user.WorkspaceID,
		Email:        user.Email,
		IsSuperAdmin: user.IsSuperAdmin,
		SessionID:    sessionID,
	}, nil
}

// Logout revokes the request's session and clears the cookie.
func (m *SessionManager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	cookie, err := m.store.Get(r, SessionCookieName)
	if err == nil {
		if token, ok := cookie.Values[sessionTokenKey].(string); ok && token != "" {
			if err := m.sessions.Delete(ctx, hashToken(token)); err != nil {
				m.logger.Warn("Failed to delete session row", zap.Error(err))
			}
		}
	}

	cookie, _ = m.store.Get(r, SessionCookieName)
	cookie.Options.MaxAge = -1
	delete(cookie.Values, sessionTokenKey)
	if err := cookie.Save(r, w); err != nil {
		return fmt.Errorf("failed to clear session cookie: %w", err)
	}
	return nil
}

// StartGC deletes expired sessions on the given interval until ctx ends.
func (m *SessionManager) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := m.sessions.DeleteExpired(ctx)
				if err != nil {
					m.logger.Warn("Session GC failed", zap.Error(err))
					continue
				}
				if deleted > 0 {
					m.logger.Debug("Session GC removed expired sessions", zap.Int64("count", deleted))
				}
			}
		}
	}()
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewCookieAuthKey generates a random key for cookie signing.
func NewCookieAuthKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate cookie auth key: %w", err)
	}
	return key, nil
}
