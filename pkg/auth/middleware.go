package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// AgentHeader names the discovered agent a request acts for. The value is
// the agent's UUID; permission checks narrow to its toolkit.
const AgentHeader = "X-Toolhub-Agent"

// Middleware authenticates requests. Cookie sessions are the primary path;
// in WORKOS mode a bearer AuthKit access token is accepted as well, which is
// what MCP clients use. In LOCAL mode a request with no credential at all is
// the single admin.
type Middleware struct {
	sessions *SessionManager
	verifier TokenVerifier
	local    *LocalAuthenticator
	users    repositories.UserRepository
	wsRepo   repositories.WorkspaceRepository
	logger   *zap.Logger
}

// NewMiddleware creates the auth middleware. verifier may be nil when the
// deployment is not in WORKOS mode; bearer tokens are then rejected.
func NewMiddleware(
	sessions *SessionManager,
	verifier TokenVerifier,
	local *LocalAuthenticator,
	users repositories.UserRepository,
	wsRepo repositories.WorkspaceRepository,
	logger *zap.Logger,
) *Middleware {
	return &Middleware{
		sessions: sessions,
		verifier: verifier,
		local:    local,
		users:    users,
		wsRepo:   wsRepo,
		logger:   logger.Named("auth"),
	}
}

// SetVerifier installs the bearer token verifier after a WORKOS upgrade.
func (m *Middleware) SetVerifier(v TokenVerifier) {
	m.verifier = v
}

// Authenticate resolves the request to a principal without enforcing it.
func (m *Middleware) Authenticate(r *http.Request) (*Principal, error) {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return m.authenticateBearer(r, strings.TrimPrefix(header, "Bearer "))
	}
	principal, err := m.sessions.Validate(r.Context(), r)
	if err != nil {
		return nil, err
	}
	return m.attachAgent(r, principal), nil
}

func (m *Middleware) authenticateBearer(r *http.Request, token string) (*Principal, error) {
	if m.verifier == nil {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "bearer tokens are not accepted in this mode")
	}

	claims, err := m.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, apperrors.New(apperrors.KindUnauthenticated, "access token missing email claim")
	}

	slug := "default"
	if claims.OrganizationID != "" {
		slug = models.Slugify(claims.OrganizationID)
	}
	workspace, err := m.wsRepo.GetBySlug(r.Context(), slug)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthenticated, "unknown workspace for token", err)
	}

	user, err := m.users.GetByEmail(r.Context(), workspace.ID, strings.ToLower(claims.Email))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthenticated, "unknown user for token", err)
	}

	return m.attachAgent(r, &Principal{
		UserID:       user.ID,
		WorkspaceID:  user.WorkspaceID,
		Email:        user.Email,
		IsSuperAdmin: user.IsSuperAdmin,
	}), nil
}

func (m *Middleware) attachAgent(r *http.Request, principal *Principal) *Principal {
	if header := r.Header.Get(AgentHeader); header != "" {
		if agentID, err := uuid.Parse(header); err == nil {
			principal.AgentID = &agentID
		} else {
			m.logger.Debug("Ignoring malformed agent header", zap.String("value", header))
		}
	}
	return principal
}

// RequireAuth enforces authentication and stores the principal in context.
// In LOCAL mode an uncredentialed request falls back to the single admin.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.Authenticate(r)
		if err != nil {
			principal = m.localAdmin(w, r)
			if principal == nil {
				writeAuthError(w, err)
				return
			}
		}
		next(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	}
}

// localAdmin treats the request as the single admin of a LOCAL deployment.
// A session is established so audit records attribute an actor. Returns nil
// outside LOCAL mode.
func (m *Middleware) localAdmin(w http.ResponseWriter, r *http.Request) *Principal {
	if m.local == nil {
		return nil
	}
	user, err := m.local.AdminUser(r.Context())
	if err != nil {
		return nil
	}
	if err := m.sessions.Issue(r.Context(), w, r, user); err != nil {
		m.logger.Warn("Failed to establish local admin session", zap.Error(err))
	}
	return m.attachAgent(r, &Principal{
		UserID:       user.ID,
		WorkspaceID:  user.WorkspaceID,
		Email:        user.Email,
		IsSuperAdmin: user.IsSuperAdmin,
	})
}

// RequireSuperAdmin enforces authentication plus the platform admin flag.
func (m *Middleware) RequireSuperAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := GetPrincipal(r.Context())
		if !principal.IsSuperAdmin {
			writeAuthError(w, apperrors.New(apperrors.KindForbidden, "platform admin required"))
			return
		}
		next(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindForbidden {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"kind":"` + string(kind) + `"}}`))
}
