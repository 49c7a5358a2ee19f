// Package testhelpers provides shared test infrastructure. SQLite is
// in-process, so every test gets its own database file under t.TempDir()
// with the full migration set applied.
package testhelpers

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/database"
)

// NewTestDB opens a fresh migrated database for one test. The file lives in
// the test's temp dir and is cleaned up with it.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "toolhub-test.db")

	if err := database.RunMigrations(path, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	db, err := database.NewConnection(context.Background(), &database.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
