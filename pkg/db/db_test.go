package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	d, err := New(context.Background(), Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunMigrationsCreatesSchema(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))

	require.NoError(t, d.RunMigrations(ctx))

	applied, err := d.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, len(Migrations()))
	for i, m := range Migrations() {
		assert.Equal(t, m.Version, applied[i].Version)
		assert.Equal(t, m.Checksum(), applied[i].Checksum)
	}

	for _, table := range []string{"uploads_historico", "transacoes", "alertas_financas", "historico_disparos_alerta", "categorias_cores"} {
		var name string
		err := d.SQL.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	require.NoError(t, openTestDB(t, path).RunMigrations(ctx))
	require.NoError(t, openTestDB(t, path).RunMigrations(ctx))
}

func TestMigrateRefusesChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))

	original := []Migration{{Version: 1, Name: "one", Statements: []string{`CREATE TABLE a (id INTEGER)`}}}
	require.NoError(t, d.Migrate(ctx, original))

	edited := []Migration{{Version: 1, Name: "one", Statements: []string{`CREATE TABLE a (id INTEGER, x TEXT)`}}}
	err := d.Migrate(ctx, edited)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestMigrateRefusesUnknownVersion(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))

	newer := []Migration{
		{Version: 1, Name: "one", Statements: []string{`CREATE TABLE a (id INTEGER)`}},
		{Version: 2, Name: "two", Statements: []string{`CREATE TABLE b (id INTEGER)`}},
	}
	require.NoError(t, d.Migrate(ctx, newer))

	err := d.Migrate(ctx, newer[:1])
	assert.True(t, errors.Is(err, ErrUnknownMigration), "got %v", err)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))

	broken := []Migration{
		{Version: 1, Name: "good", Statements: []string{`CREATE TABLE a (id INTEGER)`}},
		{Version: 2, Name: "bad", Statements: []string{`CREATE TABLE nope (`}},
	}
	require.Error(t, d.Migrate(ctx, broken))

	var n int
	err := d.SQL.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE name = 'a'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n, "first migration must not survive a failed run")
}

func TestWithWriteTxRollsBack(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, filepath.Join(t.TempDir(), "ledger.db"))
	_, err := d.SQL.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.SQL.QueryRowContext(ctx, `SELECT count(*) FROM t`).Scan(&n))
	assert.Zero(t, n)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New(context.Background(), Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
