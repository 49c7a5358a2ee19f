// Package configstore exposes typed access to the system_settings table and
// the singleton system_config row. Encrypted settings pass through the sealer
// on the way in and out; plaintext never reaches the repositories.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// Store reads and writes system settings and the app mode.
type Store struct {
	systemConfig repositories.SystemConfigRepository
	settings     repositories.SettingsRepository
	sealer       *crypto.Sealer
	logger       *zap.Logger

	mu     sync.RWMutex
	mode   models.AppMode
	loaded bool
}

// NewStore creates a config store. The sealer may be nil until setup has
// generated the encryption salt; Set with encrypted=true fails before then.
func NewStore(
	systemConfig repositories.SystemConfigRepository,
	settings repositories.SettingsRepository,
	sealer *crypto.Sealer,
	logger *zap.Logger,
) *Store {
	return &Store{
		systemConfig: systemConfig,
		settings:     settings,
		sealer:       sealer,
		logger:       logger.Named("configstore"),
	}
}

// SetSealer installs the sealer once setup has derived the machine key.
func (s *Store) SetSealer(sealer *crypto.Sealer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealer = sealer
}

// Mode returns the current app mode, reading it from the database on first
// use and caching afterwards. Transitions invalidate the cache.
func (s *Store) Mode(ctx context.Context) (models.AppMode, error) {
	s.mu.RLock()
	if s.loaded {
		mode := s.mode
		s.mu.RUnlock()
		return mode, nil
	}
	s.mu.RUnlock()

	config, err := s.systemConfig.Get(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return models.ModeUnconfigured, nil
		}
		return "", fmt.Errorf("failed to read app mode: %w", err)
	}

	s.mu.Lock()
	s.mode = config.AppMode
	s.loaded = true
	s.mu.Unlock()

	return config.AppMode, nil
}

// Transition atomically moves the app mode. The in-memory cache is refreshed
// only after the database accepts the transition.
func (s *Store) Transition(ctx context.Context, from, to models.AppMode) error {
	if !from.CanTransition(to) {
		return apperrors.New(apperrors.KindValidation, fmt.Sprintf("cannot transition from %s to %s", from, to))
	}

	if err := s.systemConfig.TransitionMode(ctx, from, to); err != nil {
		return err
	}

	s.mu.Lock()
	s.mode = to
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info("App mode transitioned", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// GetString returns the plaintext value of a setting, unsealing if needed.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	setting, err := s.settings.Get(ctx, key)
	if err != nil {
		return "", err
	}

	if !setting.Encrypted {
		return setting.Value, nil
	}

	s.mu.RLock()
	sealer := s.sealer
	s.mu.RUnlock()
	if sealer == nil {
		return "", apperrors.New(apperrors.KindCrypto, "no sealer available for encrypted setting")
	}

	plaintext, err := sealer.Open(setting.Value)
	if err != nil {
		return "", fmt.Errorf("failed to unseal setting %q: %w", key, err)
	}
	return plaintext, nil
}

// GetStringDefault is GetString with a fallback for missing keys.
func (s *Store) GetStringDefault(ctx context.Context, key, fallback string) (string, error) {
	value, err := s.GetString(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fallback, nil
		}
		return "", err
	}
	return value, nil
}

// Set writes a setting, sealing the value first when encrypted is true.
func (s *Store) Set(ctx context.Context, key, value string, encrypted bool) error {
	stored := value
	if encrypted {
		s.mu.RLock()
		sealer := s.sealer
		s.mu.RUnlock()
		if sealer == nil {
			return apperrors.New(apperrors.KindCrypto, "no sealer available for encrypted setting")
		}
		sealed, err := sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("failed to seal setting %q: %w", key, err)
		}
		stored = sealed
	}

	return s.settings.Set(ctx, &models.Setting{Key: key, Value: stored, Encrypted: encrypted})
}

// Delete removes a setting.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.settings.Delete(ctx, key)
}

// GetStringList returns a comma-separated setting as a trimmed slice.
func (s *Store) GetStringList(ctx context.Context, key string) ([]string, error) {
	raw, err := s.GetStringDefault(ctx, key, "")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}
