package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// SQLiteReportRepository implements ReportRepository on the embedded store.
type SQLiteReportRepository struct {
	db *db.DB
}

// NewSQLiteReportRepository creates a new SQLite-backed report repository
func NewSQLiteReportRepository(database *db.DB) *SQLiteReportRepository {
	return &SQLiteReportRepository{db: database}
}

var _ ReportRepository = (*SQLiteReportRepository)(nil)

// filter builds the shared WHERE clause for range and kind.
func filter(rng common.Range, kind common.TxKind) (string, []any) {
	var where []string
	var args []any
	if !rng.IsAll() {
		from, to := rng.Bounds()
		where = append(where, `t.date BETWEEN ? AND ?`)
		args = append(args, from, to)
	}
	if kind != "" {
		where = append(where, `t.kind = ?`)
		args = append(args, kind)
	}
	if len(where) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(where, " AND "), args
}

// SumsByKind totals every kind present in rng.
func (r *SQLiteReportRepository) SumsByKind(ctx context.Context, rng common.Range) ([]KindSum, error) {
	where, args := filter(rng, "")
	var out []KindSum
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT t.kind, COALESCE(SUM(t.amount_cents), 0), COUNT(*) FROM transacoes t`+where+` GROUP BY t.kind ORDER BY t.kind`,
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s KindSum
			if err := rows.Scan(&s.Kind, &s.SumCents, &s.Count); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum by kind: %w", err)
	}
	return out, nil
}

// SumsByCategory groups rng by category, joined with display colors.
// Ordering is left to the caller.
func (r *SQLiteReportRepository) SumsByCategory(ctx context.Context, rng common.Range, kind common.TxKind) ([]CategorySum, error) {
	where, args := filter(rng, kind)
	var out []CategorySum
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT COALESCE(t.category, ''), COALESCE(c.color, ''), SUM(t.amount_cents), COUNT(*)
			FROM transacoes t
			LEFT JOIN categorias_cores c ON c.category = t.category`+where+`
			GROUP BY COALESCE(t.category, '')`,
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s CategorySum
			if err := rows.Scan(&s.Category, &s.Color, &s.SumCents, &s.Count); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum by category: %w", err)
	}
	return out, nil
}

// DailySums totals each day in rng that has transactions, oldest first.
func (r *SQLiteReportRepository) DailySums(ctx context.Context, rng common.Range, kind common.TxKind) ([]DaySum, error) {
	where, args := filter(rng, kind)
	var out []DaySum
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT t.date, SUM(t.amount_cents), COUNT(*) FROM transacoes t`+where+` GROUP BY t.date ORDER BY t.date`,
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s DaySum
			var day string
			if err := rows.Scan(&day, &s.SumCents, &s.Count); err != nil {
				return err
			}
			if s.Day, err = common.ParseDay(day); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum by day: %w", err)
	}
	return out, nil
}

func (r *SQLiteReportRepository) CountTransactions(ctx context.Context, rng common.Range) (int, error) {
	where, args := filter(rng, "")
	var n int
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transacoes t`+where, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (r *SQLiteReportRepository) CountActiveRules(ctx context.Context) (int, error) {
	var n int
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alertas_financas WHERE active = 1`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count active rules: %w", err)
	}
	return n, nil
}

// Categories lists distinct non-empty categories by name.
func (r *SQLiteReportRepository) Categories(ctx context.Context) ([]Category, error) {
	var out []Category
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT t.category, COALESCE(c.color, ''), COUNT(*), MIN(t.date)
			FROM transacoes t
			LEFT JOIN categorias_cores c ON c.category = t.category
			WHERE t.category IS NOT NULL AND t.category <> ''
			GROUP BY t.category
			ORDER BY t.category`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Category
			var first string
			if err := rows.Scan(&c.Name, &c.Color, &c.Count, &first); err != nil {
				return err
			}
			if c.FirstSeen, err = common.ParseDay(first); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return out, nil
}

func (r *SQLiteReportRepository) RecentBatches(ctx context.Context, limit int) ([]*importrepo.UploadBatch, error) {
	var out []*importrepo.UploadBatch
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = importrepo.QueryBatches(ctx, tx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent batches: %w", err)
	}
	return out, nil
}

// SetCategoryColor stores a display color for a category that has at least
// one transaction.
func (r *SQLiteReportRepository) SetCategoryColor(ctx context.Context, category, color string, now time.Time) error {
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transacoes WHERE category = ?)`, category,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: category %q", common.ErrNotFound, category)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO categorias_cores (category, color, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(category) DO UPDATE SET color = excluded.color, updated_at = excluded.updated_at`,
			category, color, now.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set category color: %w", err)
	}
	return nil
}
