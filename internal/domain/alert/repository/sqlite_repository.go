package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

const timeLayout = time.RFC3339Nano

// SQLiteAlertRepository implements AlertRepository on the embedded store.
type SQLiteAlertRepository struct {
	db *db.DB
}

// NewSQLiteAlertRepository creates a new SQLite-backed alert repository
func NewSQLiteAlertRepository(database *db.DB) *SQLiteAlertRepository {
	return &SQLiteAlertRepository{db: database}
}

var _ AlertRepository = (*SQLiteAlertRepository)(nil)

const ruleColumns = `id, kind, description, reference_value, category, period, window_start,
	window_end, priority, active, channels, created_at, updated_at`

const eventColumns = `id, rule_id, kind, triggered_at, observed_value, message, status,
	period_key, transaction_id, priority, resolved_at`

// CreateRule inserts rule and returns it with its id.
func (r *SQLiteAlertRepository) CreateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error) {
	out := *rule
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO alertas_financas (kind, description, reference_value, category, period,
				window_start, window_end, priority, active, channels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.Kind, rule.Description, rule.ReferenceValue.String(), nullString(rule.Category), rule.Period,
			dayArg(rule.WindowStart), dayArg(rule.WindowEnd), rule.Priority, rule.Active,
			engine.FormatChannels(rule.Channels), formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
		)
		if err != nil {
			return err
		}
		out.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert rule: %w", err)
	}
	return &out, nil
}

// UpdateRule replaces every mutable field of the stored rule.
func (r *SQLiteAlertRepository) UpdateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error) {
	var out *engine.Rule
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE alertas_financas SET kind = ?, description = ?, reference_value = ?, category = ?,
				period = ?, window_start = ?, window_end = ?, priority = ?, active = ?, channels = ?,
				updated_at = ?
			WHERE id = ?`,
			rule.Kind, rule.Description, rule.ReferenceValue.String(), nullString(rule.Category), rule.Period,
			dayArg(rule.WindowStart), dayArg(rule.WindowEnd), rule.Priority, rule.Active,
			engine.FormatChannels(rule.Channels), formatTime(rule.UpdatedAt), rule.ID,
		)
		if err != nil {
			return err
		}
		if err := expectOne(res, "alert rule", rule.ID); err != nil {
			return err
		}
		out, err = ruleByID(ctx, tx, rule.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update alert rule: %w", err)
	}
	return out, nil
}

// SetRuleActive toggles a rule. Past events are kept either way.
func (r *SQLiteAlertRepository) SetRuleActive(ctx context.Context, id int64, active bool, now time.Time) (*engine.Rule, error) {
	var out *engine.Rule
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE alertas_financas SET active = ?, updated_at = ? WHERE id = ?`,
			active, formatTime(now), id,
		)
		if err != nil {
			return err
		}
		if err := expectOne(res, "alert rule", id); err != nil {
			return err
		}
		out, err = ruleByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set alert rule state: %w", err)
	}
	return out, nil
}

// DeleteRule removes a rule; its events go with it.
func (r *SQLiteAlertRepository) DeleteRule(ctx context.Context, id int64) error {
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM alertas_financas WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return expectOne(res, "alert rule", id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	return nil
}

// GetRule returns one rule or common.ErrNotFound.
func (r *SQLiteAlertRepository) GetRule(ctx context.Context, id int64) (*engine.Rule, error) {
	var out *engine.Rule
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = ruleByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}
	return out, nil
}

// ListRules returns rules ordered by id.
func (r *SQLiteAlertRepository) ListRules(ctx context.Context, activeOnly bool) ([]*engine.Rule, error) {
	var rules []*engine.Rule
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		rules, err = queryRules(ctx, tx, activeOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	return rules, nil
}

// LoadEvaluation reads the active rules and every transaction inside one
// read transaction so the engine sees a single committed state.
func (r *SQLiteAlertRepository) LoadEvaluation(ctx context.Context) (*Evaluation, error) {
	var ev Evaluation
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		if ev.Rules, err = queryRules(ctx, tx, true); err != nil {
			return err
		}
		txs, err := importrepo.QueryTransactions(ctx, tx, importrepo.TransactionFilter{})
		if err != nil {
			return err
		}
		ev.Transactions = make([]engine.Transaction, len(txs))
		for i, t := range txs {
			ev.Transactions[i] = engine.Transaction{
				ID:          t.ID,
				Date:        t.Date,
				Description: t.Description,
				AmountCents: t.AmountCents,
				Kind:        t.Kind,
				Category:    t.Category,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation snapshot: %w", err)
	}
	return &ev, nil
}

// RecordEvents stores events whose dedup key is not yet present and whose
// rule still exists and is active. Existing keys are left untouched and
// reported with their stored id and status. Events for rules that vanished
// or were deactivated since the snapshot are dropped.
func (r *SQLiteAlertRepository) RecordEvents(ctx context.Context, events []engine.Event) ([]Recorded, error) {
	var out []Recorded
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		active := make(map[int64]bool)
		for _, ev := range events {
			ok, seen := active[ev.RuleID]
			if !seen {
				var err error
				if ok, err = ruleIsActive(ctx, tx, ev.RuleID); err != nil {
					return err
				}
				active[ev.RuleID] = ok
			}
			if !ok {
				continue
			}

			key := ev.DedupKey()
			res, err := tx.ExecContext(ctx,
				`INSERT INTO historico_disparos_alerta (rule_id, kind, triggered_at, observed_value, message,
					status, period_key, transaction_id, dedup_key, priority)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(dedup_key) DO NOTHING`,
				ev.RuleID, ev.Kind, formatTime(ev.TriggeredAt), ev.ObservedValue.StringFixed(2), ev.Message,
				engine.StatusNew, ev.PeriodKey, txArg(ev.TransactionID), key, ev.Priority,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				stored := ev
				if stored.ID, err = res.LastInsertId(); err != nil {
					return err
				}
				stored.Status = engine.StatusNew
				out = append(out, Recorded{Event: stored, Inserted: true})
				continue
			}

			existing, err := eventByKey(ctx, tx, key)
			if err != nil {
				return err
			}
			out = append(out, Recorded{Event: *existing})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record alert events: %w", err)
	}
	return out, nil
}

// ListEvents returns events newest first.
func (r *SQLiteAlertRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	var where []string
	var args []any
	if filter.RuleID != 0 {
		where = append(where, `rule_id = ?`)
		args = append(args, filter.RuleID)
	}
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where = append(where, `kind = ?`)
		args = append(args, filter.Kind)
	}
	if filter.Priority != "" {
		where = append(where, `priority = ?`)
		args = append(args, filter.Priority)
	}

	query := `SELECT ` + eventColumns + ` FROM historico_disparos_alerta`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY triggered_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var events []*engine.Event
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	return events, nil
}

// SetEventStatus acknowledges or dismisses an event and stamps resolved_at.
func (r *SQLiteAlertRepository) SetEventStatus(ctx context.Context, id int64, status engine.EventStatus, now time.Time) (*engine.Event, error) {
	var out *engine.Event
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE historico_disparos_alerta SET status = ?, resolved_at = ? WHERE id = ?`,
			status, formatTime(now), id,
		)
		if err != nil {
			return err
		}
		if err := expectOne(res, "alert event", id); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM historico_disparos_alerta WHERE id = ?`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: alert event %d", common.ErrNotFound, id)
		}
		out, err = scanEvent(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set alert event status: %w", err)
	}
	return out, nil
}

func ruleIsActive(ctx context.Context, q db.Querier, id int64) (bool, error) {
	var active bool
	err := q.QueryRowContext(ctx, `SELECT active FROM alertas_financas WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func ruleByID(ctx context.Context, q db.Querier, id int64) (*engine.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alertas_financas WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: alert rule %d", common.ErrNotFound, id)
	}
	return scanRule(rows)
}

func queryRules(ctx context.Context, q db.Querier, activeOnly bool) ([]*engine.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alertas_financas`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*engine.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func eventByKey(ctx context.Context, q db.Querier, key string) (*engine.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM historico_disparos_alerta WHERE dedup_key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: alert event %s", common.ErrNotFound, key)
	}
	return scanEvent(rows)
}

// scanRule reads a stored rule. Stored values that no longer parse are
// kept as-is so the engine can report the rule as malformed.
func scanRule(rows *sql.Rows) (*engine.Rule, error) {
	var rule engine.Rule
	var ref, channels, createdAt, updatedAt string
	var category, windowStart, windowEnd sql.NullString
	err := rows.Scan(
		&rule.ID, &rule.Kind, &rule.Description, &ref, &category, &rule.Period, &windowStart,
		&windowEnd, &rule.Priority, &rule.Active, &channels, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert rule: %w", err)
	}

	rule.Category = category.String
	for _, part := range strings.Split(channels, ",") {
		if part = strings.TrimSpace(part); part != "" {
			rule.Channels = append(rule.Channels, engine.Channel(part))
		}
	}

	if d, err := decimal.NewFromString(ref); err != nil {
		rule.MarkInvalid("reference_value", fmt.Sprintf("%q is not a number", ref))
	} else {
		rule.ReferenceValue = d
	}
	if d, err := parseDayPtr(windowStart); err != nil {
		rule.MarkInvalid("window_start", fmt.Sprintf("%q is not a date", windowStart.String))
	} else {
		rule.WindowStart = d
	}
	if d, err := parseDayPtr(windowEnd); err != nil {
		rule.MarkInvalid("window_end", fmt.Sprintf("%q is not a date", windowEnd.String))
	} else {
		rule.WindowEnd = d
	}
	// Timestamps are bookkeeping only; an unreadable one is left zero.
	rule.CreatedAt, _ = parseTime(createdAt)
	rule.UpdatedAt, _ = parseTime(updatedAt)
	return &rule, nil
}

func scanEvent(rows *sql.Rows) (*engine.Event, error) {
	var ev engine.Event
	var triggeredAt, observed string
	var txID sql.NullInt64
	var resolvedAt sql.NullString
	err := rows.Scan(
		&ev.ID, &ev.RuleID, &ev.Kind, &triggeredAt, &observed, &ev.Message, &ev.Status,
		&ev.PeriodKey, &txID, &ev.Priority, &resolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert event: %w", err)
	}

	if ev.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, err
	}
	if ev.ObservedValue, err = decimal.NewFromString(observed); err != nil {
		return nil, fmt.Errorf("alert event %d: bad observed value %q: %w", ev.ID, observed, err)
	}
	if txID.Valid {
		id := txID.Int64
		ev.TransactionID = &id
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		ev.ResolvedAt = &t
	}
	return &ev, nil
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", common.ErrNotFound, what, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dayArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return common.FormatDay(*t)
}

func txArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func parseDayPtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := common.ParseDay(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t, nil
}
