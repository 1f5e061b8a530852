// Package dbtest opens throwaway migrated stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// Open returns a migrated store in a temp directory, closed on cleanup.
func Open(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.RunMigrations(context.Background()))
	return d
}
