package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/workos"
)

// loginState is the payload carried through the AuthKit redirect.
type loginState struct {
	RedirectURI string
	ReturnTo    string
}

// WorkOSAuthenticator runs the AuthKit login flow and maps WorkOS users and
// organizations onto workspaces and users.
type WorkOSAuthenticator struct {
	client     *workos.Client
	config     *configstore.Store
	states     *StateStore
	workspaces repositories.WorkspaceRepository
	users      repositories.UserRepository
	logger     *zap.Logger
}

// NewWorkOSAuthenticator creates a WorkOS-mode authenticator.
func NewWorkOSAuthenticator(
	client *workos.Client,
	config *configstore.Store,
	states *StateStore,
	workspaces repositories.WorkspaceRepository,
	users repositories.UserRepository,
	logger *zap.Logger,
) *WorkOSAuthenticator {
	return &WorkOSAuthenticator{
		client:     client,
		config:     config,
		states:     states,
		workspaces: workspaces,
		users:      users,
		logger:     logger.Named("auth.workos"),
	}
}

// StartLogin issues a state token and returns the AuthKit URL to redirect
// the browser to. returnTo is where the UI resumes after the callback.
func (a *WorkOSAuthenticator) StartLogin(ctx context.Context, redirectURI, returnTo string) (string, error) {
	mode, err := a.config.Mode(ctx)
	if err != nil {
		return "", err
	}
	if mode != models.ModeWorkOS {
		return "", apperrors.New(apperrors.KindValidation, "WorkOS login is only available in WORKOS mode")
	}

	clientID, err := a.config.GetString(ctx, models.SettingWorkOSClientID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "WorkOS client ID not configured", err)
	}

	state, err := a.states.Issue(loginState{RedirectURI: redirectURI, ReturnTo: returnTo})
	if err != nil {
		return "", err
	}

	return a.client.AuthorizeURL(clientID, redirectURI, state), nil
}

// HandleCallback consumes the state, exchanges the code, and upserts the
// workspace and user. Returns the user and where the UI should resume.
func (a *WorkOSAuthenticator) HandleCallback(ctx context.Context, code, state string) (*models.User, string, error) {
	payload, err := a.states.Consume(state)
	if err != nil {
		return nil, "", err
	}
	login, ok := payload.(loginState)
	if !ok {
		return nil, "", apperrors.New(apperrors.KindAuthStateExpired, "state token is not a login state")
	}

	clientID, err := a.config.GetString(ctx, models.SettingWorkOSClientID)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindInternal, "WorkOS client ID not configured", err)
	}
	apiKey, err := a.config.GetString(ctx, models.SettingWorkOSAPIKey)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindInternal, "WorkOS API key not configured", err)
	}

	result, err := a.client.ExchangeCode(ctx, clientID, apiKey, code)
	if err != nil {
		return nil, "", err
	}

	workspace, err := a.resolveWorkspace(ctx, result.OrganizationID)
	if err != nil {
		return nil, "", err
	}

	isSuperAdmin, err := a.isSuperAdmin(ctx, result.User.Email)
	if err != nil {
		return nil, "", err
	}

	user, err := a.users.Upsert(ctx, &models.User{
		WorkspaceID:  workspace.ID,
		Email:        strings.ToLower(result.User.Email),
		DisplayName:  result.User.DisplayName(),
		IsSuperAdmin: isSuperAdmin,
	})
	if err != nil {
		return nil, "", err
	}

	// The admin list is authoritative on every login, so removals take
	// effect without manual cleanup.
	if user.IsSuperAdmin != isSuperAdmin {
		if err := a.users.SetSuperAdmin(ctx, user.ID, isSuperAdmin); err != nil {
			return nil, "", err
		}
		user.IsSuperAdmin = isSuperAdmin
	}

	a.logger.Info("WorkOS login completed",
		zap.String("user_id", user.ID.String()),
		zap.String("workspace", workspace.Slug))

	return user, login.ReturnTo, nil
}

// resolveWorkspace maps a WorkOS organization to a workspace, creating it on
// first sight. Users without an organization share the default workspace.
func (a *WorkOSAuthenticator) resolveWorkspace(ctx context.Context, organizationID string) (*models.Workspace, error) {
	slug := "default"
	name := "Default"
	if organizationID != "" {
		slug = models.Slugify(organizationID)
		name = organizationID
	}

	workspace, err := a.workspaces.GetBySlug(ctx, slug)
	if err == nil {
		return workspace, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	workspace = &models.Workspace{Name: name, Slug: slug}
	if err := a.workspaces.Create(ctx, workspace); err != nil {
		// Lost a creation race; the winner's row is fine.
		if apperrors.IsConflict(err) {
			return a.workspaces.GetBySlug(ctx, slug)
		}
		return nil, err
	}
	return workspace, nil
}

func (a *WorkOSAuthenticator) isSuperAdmin(ctx context.Context, email string) (bool, error) {
	admins, err := a.config.GetStringList(ctx, models.SettingWorkOSSuperAdmins)
	if err != nil {
		return false, err
	}
	for _, admin := range admins {
		if strings.EqualFold(admin, email) {
			return true, nil
		}
	}
	return false, nil
}
