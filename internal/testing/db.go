// Package testing provides fakes and database helpers shared by package tests.
package testing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"registrar/internal/store"
)

// NewTestDB opens a migrated SQLite database in a temporary directory.
// The database is closed when the test ends.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()

	dir, err := os.MkdirTemp("", "registrar-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	db, err := store.NewDB("sqlite://" + filepath.Join(dir, "test.db"))
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("open test database: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(dir)
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	})
	return db
}
