package registry

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

//go:embed descriptors/*.json
var descriptorFS embed.FS

// Registry is the in-memory tool catalogue. Readers get an immutable
// snapshot; Refresh swaps the whole snapshot atomically so lookups never see
// a half-loaded catalogue.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	byName   map[string]*Descriptor
	ordered  []*Descriptor
	schemas  map[string]*jsonschema.Schema
	loadedAt time.Time
}

// New loads the embedded descriptor set and compiles its config schemas.
func New(logger *zap.Logger) (*Registry, error) {
	r := &Registry{logger: logger.Named("registry")}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads descriptors from the embedded set. A missing or malformed
// descriptor is logged and skipped; it never takes the catalogue down. Only a
// failure to read the directory itself errors, and then the previous snapshot
// stays in place.
func (r *Registry) Refresh() error {
	return r.refreshFrom(descriptorFS)
}

func (r *Registry) refreshFrom(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, "descriptors")
	if err != nil {
		return fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	byName := make(map[string]*Descriptor, len(entries))
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	var ordered []*Descriptor

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := fs.ReadFile(fsys, "descriptors/"+entry.Name())
		if err != nil {
			r.logger.Warn("Skipping unreadable descriptor",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		var descriptor Descriptor
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&descriptor); err != nil {
			r.logger.Warn("Skipping malformed descriptor",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if err := descriptor.Validate(); err != nil {
			r.logger.Warn("Skipping invalid descriptor",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if _, dup := byName[descriptor.Name]; dup {
			r.logger.Warn("Skipping duplicate descriptor",
				zap.String("file", entry.Name()), zap.String("tool", descriptor.Name))
			continue
		}

		if len(descriptor.ConfigSchema) > 0 {
			schema, err := compileSchema(descriptor.Name, descriptor.ConfigSchema)
			if err != nil {
				r.logger.Warn("Skipping descriptor with uncompilable config schema",
					zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			schemas[descriptor.Name] = schema
		}

		d := descriptor
		byName[d.Name] = &d
		ordered = append(ordered, &d)
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	r.mu.Lock()
	r.byName = byName
	r.ordered = ordered
	r.schemas = schemas
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("Tool catalogue loaded", zap.Int("tools", len(ordered)))
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	url := "toolhub:///schemas/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptor, ok := r.byName[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindUnknownTool, "unknown tool %q", name)
	}
	return descriptor, nil
}

// List returns all descriptors sorted by name. The slice is a copy; the
// descriptors are shared and must not be mutated.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ValidateConfig checks a per-user configuration against the tool's schema.
// Violations come back as KindInvalidConfig with per-field messages.
func (r *Registry) ValidateConfig(name string, config map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	_, known := r.byName[name]
	r.mu.RUnlock()

	if !known {
		return apperrors.Newf(apperrors.KindUnknownTool, "unknown tool %q", name)
	}
	if !ok {
		if len(config) > 0 {
			return apperrors.InvalidConfig(map[string]string{"": "tool accepts no configuration"})
		}
		return nil
	}

	// Round-trip through JSON so numbers carry the types the validator
	// expects regardless of how the caller built the map.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return apperrors.InvalidConfig(flattenValidationError(err))
	}
	return nil
}

// flattenValidationError converts a jsonschema validation error tree into a
// field-path keyed message map.
func flattenValidationError(err error) map[string]string {
	out := make(map[string]string)
	var walk func(ve *jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			path := "/" + strings.Join(ve.InstanceLocation, "/")
			out[path] = ve.Error()
			return
		}
		for _, cause := range ve.Causes {
			walk(cause)
		}
	}

	if ve, ok := err.(*jsonschema.ValidationError); ok {
		walk(ve)
	} else {
		out["/"] = err.Error()
	}
	return out
}

// SyncMirror rewrites the persistent catalogue mirror from the current
// snapshot. Descriptors that disappeared stay in the table marked stale.
func (r *Registry) SyncMirror(ctx context.Context, repo repositories.ToolRegistryRepository) error {
	descriptors := r.List()

	rows := make([]*repositories.RegistryRow, 0, len(descriptors))
	for _, d := range descriptors {
		schema := "{}"
		if len(d.ConfigSchema) > 0 {
			schema = string(d.ConfigSchema)
		}
		oauth := "[]"
		if d.OAuth != nil {
			raw, err := json.Marshal(d.OAuth.Scopes)
			if err != nil {
				return fmt.Errorf("failed to encode scopes for %q: %w", d.Name, err)
			}
			oauth = string(raw)
		}
		rows = append(rows, &repositories.RegistryRow{
			ToolName:      d.Name,
			DisplayName:   d.DisplayName,
			Description:   d.Description,
			Category:      d.Category,
			ConfigSchema:  schema,
			RequiredOAuth: oauth,
			AuthType:      d.AuthType,
			Icon:          d.Icon,
		})
	}

	if err := repo.Sync(ctx, rows); err != nil {
		return fmt.Errorf("failed to sync registry mirror: %w", err)
	}
	return nil
}
