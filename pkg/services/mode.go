// Package services implements the hub's business logic on top of the
// repositories. Services own invariants; handlers stay thin.
package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/workos"
)

// WorkOSSetup carries the parameters for configuring WORKOS mode.
type WorkOSSetup struct {
	ClientID    string
	APIKey      string
	Domain      string
	SuperAdmins []string
}

// ModeService owns the deployment's bootstrap state machine. Transitions are
// monotone; there is no way back from WORKOS.
type ModeService interface {
	// Status reports the current app mode.
	Status(ctx context.Context) (models.AppMode, error)
	// ConfigureLocal moves UNCONFIGURED to LOCAL, creating the local
	// workspace and its single admin.
	ConfigureLocal(ctx context.Context, adminEmail, workspaceName string) (*models.User, error)
	// ConfigureWorkOS moves UNCONFIGURED to WORKOS after validating the
	// credentials against the WorkOS API.
	ConfigureWorkOS(ctx context.Context, setup WorkOSSetup) error
	// UpgradeToWorkOS moves LOCAL to WORKOS. The local admin keeps their
	// account but gains no platform-admin rights unless listed.
	UpgradeToWorkOS(ctx context.Context, setup WorkOSSetup) error
}

type modeService struct {
	config     *configstore.Store
	workspaces repositories.WorkspaceRepository
	users      repositories.UserRepository
	workos     *workos.Client
	recorder   *audit.Recorder
	logger     *zap.Logger
}

// NewModeService creates a new ModeService.
func NewModeService(
	config *configstore.Store,
	workspaces repositories.WorkspaceRepository,
	users repositories.UserRepository,
	workosClient *workos.Client,
	recorder *audit.Recorder,
	logger *zap.Logger,
) ModeService {
	return &modeService{
		config:     config,
		workspaces: workspaces,
		users:      users,
		workos:     workosClient,
		recorder:   recorder,
		logger:     logger.Named("mode-service"),
	}
}

var _ ModeService = (*modeService)(nil)

func (s *modeService) Status(ctx context.Context) (models.AppMode, error) {
	return s.config.Mode(ctx)
}

func (s *modeService) ConfigureLocal(ctx context.Context, adminEmail, workspaceName string) (*models.User, error) {
	adminEmail = strings.ToLower(strings.TrimSpace(adminEmail))
	if adminEmail == "" || !strings.Contains(adminEmail, "@") {
		return nil, apperrors.InvalidConfig(map[string]string{"admin_email": "must be a valid email address"})
	}
	if workspaceName == "" {
		workspaceName = "Local Workspace"
	}

	// Rows and settings land before the mode flips so a partial failure
	// leaves the deployment UNCONFIGURED and fully retryable. Create
	// conflicts mean another caller got here first; reuse their rows and
	// let the CAS below pick the single winner.
	workspace := &models.Workspace{Name: workspaceName, Slug: auth.LocalWorkspaceSlug}
	if err := s.workspaces.Create(ctx, workspace); err != nil {
		if !apperrors.IsConflict(err) {
			return nil, err
		}
		existing, getErr := s.workspaces.GetBySlug(ctx, auth.LocalWorkspaceSlug)
		if getErr != nil {
			return nil, getErr
		}
		workspace = existing
	}

	user := &models.User{
		WorkspaceID:  workspace.ID,
		Email:        adminEmail,
		IsSuperAdmin: true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if !apperrors.IsConflict(err) {
			return nil, err
		}
		existing, getErr := s.users.GetByEmail(ctx, workspace.ID, adminEmail)
		if getErr != nil {
			return nil, getErr
		}
		user = existing
	}

	if err := s.config.Set(ctx, models.SettingLocalAdminEmail, adminEmail, false); err != nil {
		return nil, err
	}

	// The CAS on app_mode is what makes concurrent setup safe: exactly one
	// caller wins the transition, everyone else sees already_configured.
	if err := s.config.Transition(ctx, models.ModeUnconfigured, models.ModeLocal); err != nil {
		if apperrors.IsConflict(err) {
			return nil, apperrors.New(apperrors.KindAlreadyConfigured, "setup has already been completed")
		}
		return nil, err
	}

	// Pin the winner's admin email in case a losing racer overwrote it
	// between our write and the flip.
	if err := s.config.Set(ctx, models.SettingLocalAdminEmail, adminEmail, false); err != nil {
		return nil, err
	}

	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &workspace.ID,
		ActorUserID: &user.ID,
		ActorEmail:  adminEmail,
		Category:    models.AuditAdmin,
		Action:      "setup.local",
		TargetType:  "system",
		Success:     true,
	})

	s.logger.Info("Configured LOCAL mode", zap.String("admin", adminEmail))
	return user, nil
}

func (s *modeService) ConfigureWorkOS(ctx context.Context, setup WorkOSSetup) error {
	return s.enterWorkOS(ctx, models.ModeUnconfigured, setup)
}

func (s *modeService) UpgradeToWorkOS(ctx context.Context, setup WorkOSSetup) error {
	return s.enterWorkOS(ctx, models.ModeLocal, setup)
}

func (s *modeService) enterWorkOS(ctx context.Context, from models.AppMode, setup WorkOSSetup) error {
	fieldErrors := map[string]string{}
	if setup.ClientID == "" {
		fieldErrors["client_id"] = "must not be empty"
	}
	if setup.APIKey == "" {
		fieldErrors["api_key"] = "must not be empty"
	}
	if len(fieldErrors) > 0 {
		return apperrors.InvalidConfig(fieldErrors)
	}

	// Validate before any state changes so a typo'd key leaves the
	// deployment untouched.
	if err := s.workos.ValidateCredentials(ctx, setup.ClientID, setup.APIKey); err != nil {
		return err
	}

	// Settings land before the mode flips: they are inert until the mode is
	// WORKOS, and a failure mid-write leaves the previous mode intact
	// instead of a WORKOS deployment with no credentials.
	if err := s.writeWorkOSSettings(ctx, setup); err != nil {
		return err
	}

	if err := s.config.Transition(ctx, from, models.ModeWorkOS); err != nil {
		if apperrors.IsConflict(err) {
			return apperrors.New(apperrors.KindAlreadyConfigured, "deployment is not in the expected mode")
		}
		return err
	}

	// Pin the winner's settings in case a losing racer overwrote them
	// between our write and the flip.
	if err := s.writeWorkOSSettings(ctx, setup); err != nil {
		return err
	}

	s.recorder.Record(&models.AuditEvent{
		Category:   models.AuditAdmin,
		Action:     "setup.workos",
		TargetType: "system",
		TargetName: string(from),
		Success:    true,
	})

	s.logger.Info("Configured WORKOS mode", zap.String("from", string(from)))
	return nil
}

func (s *modeService) writeWorkOSSettings(ctx context.Context, setup WorkOSSetup) error {
	if err := s.config.Set(ctx, models.SettingWorkOSClientID, setup.ClientID, false); err != nil {
		return err
	}
	if err := s.config.Set(ctx, models.SettingWorkOSAPIKey, setup.APIKey, true); err != nil {
		return err
	}
	if setup.Domain != "" {
		if err := s.config.Set(ctx, models.SettingWorkOSDomain, setup.Domain, false); err != nil {
			return err
		}
	}
	admins := strings.Join(setup.SuperAdmins, ",")
	return s.config.Set(ctx, models.SettingWorkOSSuperAdmins, admins, false)
}
