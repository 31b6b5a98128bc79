package badger

import (
	"testing"

	"github.com/timshannon/badgerhold/v4"
)

// setupTestDB opens a throwaway Badger store and wraps it the way the
// manager does, minus the value-log GC loop.
func setupTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store}
}
