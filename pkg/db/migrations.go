package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	ErrUnknownMigration = errors.New("store has a migration this binary does not know")
)

// Migration is one additive schema step. Applied migrations are frozen:
// editing Statements changes the checksum and the store refuses to open.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Checksum is the sha256 of the migration's statements.
func (m Migration) Checksum() string {
	h := sha256.New()
	for _, stmt := range m.Statements {
		h.Write([]byte(strings.TrimSpace(stmt)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt string
}

// migrations is the ordered schema history. Append only.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_core_tables",
		Statements: []string{
			`CREATE TABLE uploads_historico (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				filename      TEXT    NOT NULL,
				status        TEXT    NOT NULL CHECK (status IN ('pending','running','succeeded','failed','partial')),
				started_at    TEXT    NOT NULL,
				finished_at   TEXT,
				rows_total    INTEGER NOT NULL DEFAULT 0,
				rows_inserted INTEGER NOT NULL DEFAULT 0,
				rows_updated  INTEGER NOT NULL DEFAULT 0,
				rows_rejected INTEGER NOT NULL DEFAULT 0,
				message       TEXT    NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE transacoes (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				date           TEXT    NOT NULL,
				description    TEXT    NOT NULL,
				amount_cents   INTEGER NOT NULL,
				kind           TEXT    NOT NULL CHECK (kind IN ('income','expense','transfer_out','transfer_in','investment_buy','investment_sell')),
				category       TEXT,
				payment_method TEXT,
				asset_symbol   TEXT,
				unit_price     TEXT,
				quantity       TEXT,
				fee            TEXT,
				imported_at    TEXT    NOT NULL,
				upload_id      INTEGER NOT NULL REFERENCES uploads_historico(id),
				nk_hash        TEXT    NOT NULL
			)`,
			`CREATE INDEX idx_transacoes_date ON transacoes(date)`,
			`CREATE INDEX idx_transacoes_category_date ON transacoes(category, date)`,
			`CREATE INDEX idx_transacoes_upload_id ON transacoes(upload_id)`,
			`CREATE UNIQUE INDEX idx_transacoes_nk_hash ON transacoes(nk_hash)`,
			`CREATE TABLE alertas_financas (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				kind            TEXT    NOT NULL CHECK (kind IN ('category_budget','unusual_value','balance_below','recurring_missing')),
				description     TEXT    NOT NULL DEFAULT '',
				reference_value TEXT    NOT NULL DEFAULT '0',
				category        TEXT,
				period          TEXT    NOT NULL,
				window_start    TEXT,
				window_end      TEXT,
				priority        TEXT    NOT NULL DEFAULT 'medium' CHECK (priority IN ('low','medium','high')),
				active          INTEGER NOT NULL DEFAULT 1,
				channels        TEXT    NOT NULL DEFAULT 'system',
				created_at      TEXT    NOT NULL,
				updated_at      TEXT    NOT NULL
			)`,
			`CREATE TABLE historico_disparos_alerta (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				rule_id        INTEGER NOT NULL REFERENCES alertas_financas(id) ON DELETE CASCADE,
				triggered_at   TEXT    NOT NULL,
				observed_value TEXT    NOT NULL,
				message        TEXT    NOT NULL,
				status         TEXT    NOT NULL DEFAULT 'new' CHECK (status IN ('new','acknowledged','dismissed'))
			)`,
			`CREATE INDEX idx_disparos_rule_triggered ON historico_disparos_alerta(rule_id, triggered_at)`,
		},
	},
	{
		Version: 2,
		Name:    "add_batch_audit_columns",
		Statements: []string{
			`ALTER TABLE uploads_historico ADD COLUMN rows_unchanged INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE uploads_historico ADD COLUMN format TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE uploads_historico ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE transacoes ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'`,
		},
	},
	{
		Version: 3,
		Name:    "add_event_dedup_columns",
		Statements: []string{
			`ALTER TABLE historico_disparos_alerta ADD COLUMN kind TEXT NOT NULL DEFAULT 'alert'`,
			`ALTER TABLE historico_disparos_alerta ADD COLUMN period_key TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE historico_disparos_alerta ADD COLUMN transaction_id INTEGER`,
			`ALTER TABLE historico_disparos_alerta ADD COLUMN dedup_key TEXT`,
			`ALTER TABLE historico_disparos_alerta ADD COLUMN priority TEXT NOT NULL DEFAULT 'medium'`,
			`ALTER TABLE historico_disparos_alerta ADD COLUMN resolved_at TEXT`,
			`CREATE UNIQUE INDEX idx_disparos_dedup_key ON historico_disparos_alerta(dedup_key)`,
		},
	},
	{
		Version: 4,
		Name:    "create_category_colors",
		Statements: []string{
			`CREATE TABLE categorias_cores (
				category   TEXT PRIMARY KEY,
				color      TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// Migrations returns a copy of the schema history.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// RunMigrations applies the known migrations.
func (d *DB) RunMigrations(ctx context.Context) error {
	return d.Migrate(ctx, migrations)
}

// Migrate verifies recorded checksums and applies pending steps, all inside
// one transaction.
func (d *DB) Migrate(ctx context.Context, list []Migration) error {
	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("failed to create schema_migrations: %w", err)
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		known := make(map[int]Migration, len(list))
		for _, m := range list {
			known[m.Version] = m
		}

		for _, a := range applied {
			m, ok := known[a.Version]
			if !ok {
				return fmt.Errorf("%w: version %d (%s)", ErrUnknownMigration, a.Version, a.Name)
			}
			if m.Checksum() != a.Checksum {
				return fmt.Errorf("%w: version %d (%s)", ErrChecksumMismatch, a.Version, a.Name)
			}
		}

		done := make(map[int]bool, len(applied))
		for _, a := range applied {
			done[a.Version] = true
		}

		count := 0
		for _, m := range list {
			if done[m.Version] {
				continue
			}
			for i, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) statement %d: %w", m.Version, m.Name, i+1, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.Checksum(), time.Now().UTC().Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			count++
		}

		if count > 0 {
			d.logger.Info().Int("applied", count).Int("total", len(list)).Msg("schema migrations applied")
		}
		return nil
	})
}

// AppliedMigrations lists the recorded schema history.
func (d *DB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	var out []AppliedMigration
	err := d.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = appliedMigrations(ctx, tx)
		return err
	})
	return out, err
}

func appliedMigrations(ctx context.Context, q Querier) ([]AppliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
