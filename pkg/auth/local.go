package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// LocalWorkspaceSlug is the slug of the single workspace LOCAL mode uses.
const LocalWorkspaceSlug = "local"

// LocalAuthenticator signs in the single admin of a LOCAL deployment. There
// is no password; the deployment is bound to one machine and one admin email
// chosen at setup.
type LocalAuthenticator struct {
	config     *configstore.Store
	workspaces repositories.WorkspaceRepository
	users      repositories.UserRepository
	logger     *zap.Logger
}

// NewLocalAuthenticator creates a local-mode authenticator.
func NewLocalAuthenticator(
	config *configstore.Store,
	workspaces repositories.WorkspaceRepository,
	users repositories.UserRepository,
	logger *zap.Logger,
) *LocalAuthenticator {
	return &LocalAuthenticator{
		config:     config,
		workspaces: workspaces,
		users:      users,
		logger:     logger.Named("auth.local"),
	}
}

// Login resolves the admin user for the given email. The email must match
// the one configured at setup.
func (a *LocalAuthenticator) Login(ctx context.Context, email string) (*models.User, error) {
	adminEmail, err := a.adminEmail(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(email), adminEmail) {
		a.logger.Warn("Local login rejected", zap.String("email", email))
		return nil, apperrors.New(apperrors.KindUnauthenticated, "unknown email")
	}
	return a.adminUser(ctx, adminEmail)
}

// AdminUser resolves the single admin without a credential. In LOCAL mode
// every request is treated as this user; any other mode fails.
func (a *LocalAuthenticator) AdminUser(ctx context.Context) (*models.User, error) {
	adminEmail, err := a.adminEmail(ctx)
	if err != nil {
		return nil, err
	}
	return a.adminUser(ctx, adminEmail)
}

func (a *LocalAuthenticator) adminEmail(ctx context.Context) (string, error) {
	mode, err := a.config.Mode(ctx)
	if err != nil {
		return "", err
	}
	if mode != models.ModeLocal {
		return "", apperrors.New(apperrors.KindValidation, "local auth is only available in LOCAL mode")
	}

	adminEmail, err := a.config.GetStringDefault(ctx, models.SettingLocalAdminEmail, "")
	if err != nil {
		return "", err
	}
	if adminEmail == "" {
		return "", apperrors.New(apperrors.KindInternal, "local admin email is not configured")
	}
	return adminEmail, nil
}

func (a *LocalAuthenticator) adminUser(ctx context.Context, adminEmail string) (*models.User, error) {
	workspace, err := a.workspaces.GetBySlug(ctx, LocalWorkspaceSlug)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "local workspace missing", err)
	}

	user, err := a.users.GetByEmail(ctx, workspace.ID, adminEmail)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "local admin user missing", err)
	}

	return user, nil
}
