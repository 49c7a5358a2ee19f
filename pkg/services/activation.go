package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// maskedValue replaces sealed configuration values in anything returned to a
// caller. Plaintext secrets leave the service only through MaterializedConfig.
const maskedValue = "********"

// CatalogueEntry pairs a catalogue descriptor with the caller's activation
// state.
type CatalogueEntry struct {
	Descriptor *registry.Descriptor `json:"descriptor"`
	Activated  bool                 `json:"activated"`
	Enabled    bool                 `json:"enabled"`
}

// ActivationService manages per-user tool activations and their
// configuration.
type ActivationService interface {
	// Activate validates config against the tool's schema, seals any
	// encrypted keys, and enables the tool for the caller. Activating an
	// already-active tool replaces its configuration.
	Activate(ctx context.Context, principal *auth.Principal, toolName string, config map[string]any) (*models.UserTool, error)
	// Deactivate disables the tool but keeps its configuration, so
	// re-activation does not require re-entering secrets.
	Deactivate(ctx context.Context, principal *auth.Principal, toolName string) error
	// UpdateConfig replaces the configuration of an active tool.
	UpdateConfig(ctx context.Context, principal *auth.Principal, toolName string, config map[string]any) error
	// Config returns the stored configuration with sealed values masked.
	Config(ctx context.Context, userID uuid.UUID, toolName string) (map[string]any, error)
	// MaterializedConfig returns the plaintext configuration for injection
	// into a child tool server. Callers must never persist or log the result.
	MaterializedConfig(ctx context.Context, userID uuid.UUID, toolName string) (map[string]any, error)
	// ListActive returns the caller's enabled activations.
	ListActive(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error)
	// Catalogue returns every catalogue tool annotated with the caller's
	// activation state.
	Catalogue(ctx context.Context, userID uuid.UUID) ([]*CatalogueEntry, error)
}

type activationService struct {
	userTools repositories.UserToolRepository
	registry  *registry.Registry
	vault     VaultService
	sealer    *crypto.Sealer
	recorder  *audit.Recorder
	logger    *zap.Logger

	// locks serializes activation writes per (user, tool). The map grows to
	// at most users x catalogue size, so entries are never evicted.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewActivationService creates a new ActivationService.
func NewActivationService(
	userTools repositories.UserToolRepository,
	reg *registry.Registry,
	vault VaultService,
	sealer *crypto.Sealer,
	recorder *audit.Recorder,
	logger *zap.Logger,
) ActivationService {
	return &activationService{
		userTools: userTools,
		registry:  reg,
		vault:     vault,
		sealer:    sealer,
		recorder:  recorder,
		logger:    logger.Named("activation-service"),
		locks:     make(map[string]*sync.Mutex),
	}
}

var _ ActivationService = (*activationService)(nil)

func (s *activationService) lockFor(userID uuid.UUID, toolName string) *sync.Mutex {
	key := userID.String() + "/" + toolName
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *activationService) Activate(ctx context.Context, principal *auth.Principal, toolName string, config map[string]any) (*models.UserTool, error) {
	descriptor, err := s.registry.Get(toolName)
	if err != nil {
		return nil, err
	}

	// OAuth tools need their grant before activation, so a freshly activated
	// tool is immediately callable.
	if descriptor.AuthType == registry.AuthOAuth {
		granted, err := s.vault.HasOAuthGrant(ctx, principal.UserID, descriptor.OAuth.Provider, descriptor.OAuth.Scopes)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, apperrors.NeedsOAuth(descriptor.OAuth.Provider, "", descriptor.OAuth.Scopes)
		}
	}

	lock := s.lockFor(principal.UserID, toolName)
	lock.Lock()
	defer lock.Unlock()

	// Re-activating with no config keeps the stored configuration, so a user
	// never re-enters secrets just to flip a tool back on.
	if config == nil {
		err := s.userTools.SetEnabled(ctx, principal.UserID, toolName, true)
		if err == nil {
			s.recordToolEvent(principal, "tool.activated", toolName)
			return s.userTools.Get(ctx, principal.UserID, toolName)
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	if err := s.registry.ValidateConfig(toolName, config); err != nil {
		return nil, err
	}
	configs, err := s.buildConfigs(descriptor, config)
	if err != nil {
		return nil, err
	}

	userTool, err := s.userTools.Activate(ctx, &models.UserTool{
		WorkspaceID: principal.WorkspaceID,
		UserID:      principal.UserID,
		ToolName:    toolName,
	}, configs)
	if err != nil {
		return nil, err
	}

	s.recordToolEvent(principal, "tool.activated", toolName)
	s.logger.Info("Tool activated",
		zap.String("tool", toolName),
		zap.String("user_id", principal.UserID.String()))
	return userTool, nil
}

func (s *activationService) Deactivate(ctx context.Context, principal *auth.Principal, toolName string) error {
	lock := s.lockFor(principal.UserID, toolName)
	lock.Lock()
	defer lock.Unlock()

	if err := s.userTools.SetEnabled(ctx, principal.UserID, toolName, false); err != nil {
		return err
	}

	s.recordToolEvent(principal, "tool.deactivated", toolName)
	return nil
}

func (s *activationService) UpdateConfig(ctx context.Context, principal *auth.Principal, toolName string, config map[string]any) error {
	descriptor, err := s.registry.Get(toolName)
	if err != nil {
		return err
	}
	if err := s.registry.ValidateConfig(toolName, config); err != nil {
		return err
	}

	configs, err := s.buildConfigs(descriptor, config)
	if err != nil {
		return err
	}

	lock := s.lockFor(principal.UserID, toolName)
	lock.Lock()
	defer lock.Unlock()

	userTool, err := s.userTools.Get(ctx, principal.UserID, toolName)
	if err != nil {
		return err
	}
	if err := s.userTools.ReplaceConfigs(ctx, userTool.ID, configs); err != nil {
		return err
	}

	s.recordToolEvent(principal, "tool.config_updated", toolName)
	return nil
}

func (s *activationService) Config(ctx context.Context, userID uuid.UUID, toolName string) (map[string]any, error) {
	return s.loadConfig(ctx, userID, toolName, false)
}

func (s *activationService) MaterializedConfig(ctx context.Context, userID uuid.UUID, toolName string) (map[string]any, error) {
	return s.loadConfig(ctx, userID, toolName, true)
}

func (s *activationService) loadConfig(ctx context.Context, userID uuid.UUID, toolName string, unseal bool) (map[string]any, error) {
	userTool, err := s.userTools.Get(ctx, userID, toolName)
	if err != nil {
		return nil, err
	}
	configs, err := s.userTools.GetConfigs(ctx, userTool.ID)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any, len(configs))
	for _, config := range configs {
		if config.Encrypted {
			if !unseal {
				result[config.Key] = maskedValue
				continue
			}
			var sealed string
			if err := json.Unmarshal(config.Value, &sealed); err != nil {
				return nil, fmt.Errorf("failed to decode sealed config %q: %w", config.Key, err)
			}
			plaintext, err := s.sealer.Open(sealed)
			if err != nil {
				return nil, fmt.Errorf("failed to unseal config %q: %w", config.Key, err)
			}
			result[config.Key] = plaintext
			continue
		}

		var value any
		if err := json.Unmarshal(config.Value, &value); err != nil {
			return nil, fmt.Errorf("failed to decode config %q: %w", config.Key, err)
		}
		result[config.Key] = value
	}
	return result, nil
}

func (s *activationService) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.UserTool, error) {
	return s.userTools.ListEnabled(ctx, userID)
}

func (s *activationService) Catalogue(ctx context.Context, userID uuid.UUID) ([]*CatalogueEntry, error) {
	userTools, err := s.userTools.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.UserTool, len(userTools))
	for _, userTool := range userTools {
		byName[userTool.ToolName] = userTool
	}

	descriptors := s.registry.List()
	entries := make([]*CatalogueEntry, 0, len(descriptors))
	for _, descriptor := range descriptors {
		entry := &CatalogueEntry{Descriptor: descriptor}
		if userTool, ok := byName[descriptor.Name]; ok {
			entry.Activated = true
			entry.Enabled = userTool.Enabled
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// buildConfigs turns a validated config map into storage rows, sealing any
// key the descriptor marks encrypted.
func (s *activationService) buildConfigs(descriptor *registry.Descriptor, config map[string]any) ([]*models.ToolConfig, error) {
	encrypted := make(map[string]bool)
	for _, key := range descriptor.EncryptedKeys() {
		encrypted[key] = true
	}

	configs := make([]*models.ToolConfig, 0, len(config))
	for key, value := range config {
		entry := &models.ToolConfig{Key: key}

		if encrypted[key] {
			plaintext, ok := value.(string)
			if !ok {
				return nil, apperrors.InvalidConfig(map[string]string{key: "encrypted values must be strings"})
			}
			sealed, err := s.sealer.Seal(plaintext)
			if err != nil {
				return nil, fmt.Errorf("failed to seal config %q: %w", key, err)
			}
			raw, err := json.Marshal(sealed)
			if err != nil {
				return nil, fmt.Errorf("failed to encode sealed config %q: %w", key, err)
			}
			entry.Value = raw
			entry.Encrypted = true
		} else {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode config %q: %w", key, err)
			}
			entry.Value = raw
		}

		configs = append(configs, entry)
	}
	return configs, nil
}

func (s *activationService) recordToolEvent(principal *auth.Principal, action, toolName string) {
	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &principal.WorkspaceID,
		ActorUserID: &principal.UserID,
		ActorEmail:  principal.Email,
		Category:    models.AuditTool,
		Action:      action,
		TargetType:  "tool",
		TargetName:  toolName,
		Success:     true,
	})
}
