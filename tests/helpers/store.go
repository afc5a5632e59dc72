// Package helpers opens throwaway stores for tests.
package helpers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	store "github.com/xiaot623/gogo/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store private to the test.
func NewTestSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	return OpenSQLiteStore(t, ":memory:")
}

// NewSharedSQLiteDSN returns a database file that several stores can open,
// the way multiple orchestrator instances share one database.
func NewSharedSQLiteDSN(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "orchestrator.db")
}

// OpenSQLiteStore opens a store on dsn and closes it when the test ends.
func OpenSQLiteStore(t testing.TB, dsn string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err, "open sqlite store %s", dsn)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
