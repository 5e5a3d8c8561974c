package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/txlog/internal/store"
)

// OpenStore opens a SQLite store in a temporary directory, closed when the
// test ends.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "txlog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
