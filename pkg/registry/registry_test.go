package registry

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/testhelpers"
)

func newTestRegistry(t *testing.T) *Registry {
	r, err := New(zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegistry_LoadsEmbeddedCatalogue(t *testing.T) {
	r := newTestRegistry(t)

	descriptors := r.List()
	require.NotEmpty(t, descriptors)

	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "wait")
	assert.Contains(t, names, "openweather")
	assert.Contains(t, names, "google-gmail")

	// List is sorted by name.
	assert.IsIncreasing(t, names)
}

func TestRegistry_SkipsBrokenDescriptors(t *testing.T) {
	good := `{
		"name": "echo",
		"display_name": "Echo",
		"description": "Reflects input.",
		"category": "diagnostics",
		"auth_type": "none",
		"transport": {"kind": "builtin"}
	}`

	fsys := fstest.MapFS{
		"descriptors/echo.json":      {Data: []byte(good)},
		"descriptors/broken.json":    {Data: []byte(`{"name": "broken",`)},
		"descriptors/nameless.json":  {Data: []byte(`{"display_name": "No Name"}`)},
		"descriptors/echo-dup.json":  {Data: []byte(good)},
		"descriptors/badschema.json": {Data: []byte(`{
			"name": "badschema",
			"display_name": "Bad Schema",
			"description": "Schema does not compile.",
			"category": "diagnostics",
			"auth_type": "none",
			"transport": {"kind": "builtin"},
			"config_schema": {"type": 42}
		}`)},
	}

	r := &Registry{logger: zap.NewNop().Named("registry")}
	require.NoError(t, r.refreshFrom(fsys))

	descriptors := r.List()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Name)
}

func TestRegistry_GetUnknownTool(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get("nonexistent")
	assert.Equal(t, apperrors.KindUnknownTool, apperrors.KindOf(err))
}

func TestRegistry_ValidateConfig(t *testing.T) {
	r := newTestRegistry(t)

	err := r.ValidateConfig("openweather", map[string]any{
		"api_key": "0123456789abcdef0123",
		"units":   "metric",
	})
	assert.NoError(t, err)

	// Missing required api_key.
	err = r.ValidateConfig("openweather", map[string]any{"units": "metric"})
	assert.Equal(t, apperrors.KindInvalidConfig, apperrors.KindOf(err))

	// Unknown property rejected.
	err = r.ValidateConfig("openweather", map[string]any{
		"api_key": "0123456789abcdef0123",
		"banana":  true,
	})
	assert.Equal(t, apperrors.KindInvalidConfig, apperrors.KindOf(err))

	err = r.ValidateConfig("nonexistent", nil)
	assert.Equal(t, apperrors.KindUnknownTool, apperrors.KindOf(err))
}

func TestRegistry_ValidateConfigNoSchema(t *testing.T) {
	r := newTestRegistry(t)

	// wait has no config schema: empty config passes, any config fails.
	assert.NoError(t, r.ValidateConfig("wait", nil))
	err := r.ValidateConfig("wait", map[string]any{"anything": 1})
	assert.Equal(t, apperrors.KindInvalidConfig, apperrors.KindOf(err))
}

func TestDescriptor_EncryptedKeys(t *testing.T) {
	r := newTestRegistry(t)

	openweather, err := r.Get("openweather")
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key"}, openweather.EncryptedKeys())

	echo, err := r.Get("echo")
	require.NoError(t, err)
	assert.Empty(t, echo.EncryptedKeys())
}

func TestRegistry_SyncMirror(t *testing.T) {
	r := newTestRegistry(t)
	db := testhelpers.NewTestDB(t)
	repo := repositories.NewToolRegistryRepository(db)
	ctx := context.Background()

	require.NoError(t, r.SyncMirror(ctx, repo))

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, len(r.List()))
	for _, row := range rows {
		assert.False(t, row.Stale)
	}

	// A pre-existing row not in the catalogue survives as stale.
	require.NoError(t, repo.Sync(ctx, []*repositories.RegistryRow{{
		ToolName:    "retired-tool",
		DisplayName: "Retired",
		AuthType:    "none",
	}}))
	require.NoError(t, r.SyncMirror(ctx, repo))

	rows, err = repo.List(ctx)
	require.NoError(t, err)
	staleByName := map[string]bool{}
	for _, row := range rows {
		staleByName[row.ToolName] = row.Stale
	}
	assert.True(t, staleByName["retired-tool"])
	assert.False(t, staleByName["echo"])
}
