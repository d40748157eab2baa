package testutil

import (
	"testing"

	"bsync-go/internal/bsync"
	"bsync-go/internal/database"
)

// NewTestDatabase creates a new in-memory SQLite store with schema applied.
// The store is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock bsync.Clock) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})
	return store
}
