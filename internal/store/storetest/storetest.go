// Package storetest builds throwaway stores for tests.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gmsas95/preventx/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// New returns a store over a SQLite file in a temp dir and an in-memory
// BadgerDB. Both are closed when the test ends.
func New(t *testing.T) *store.Store {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	kv, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)

	s, err := store.NewWithDB(db, kv, zap.NewNop(), store.Options{
		ReadRetries: 1,
		Backoff:     time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}
