package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// timeLayout is used for every stored timestamp.
const timeLayout = time.RFC3339Nano

// SQLiteImportRepository implements ImportRepository on the embedded store.
type SQLiteImportRepository struct {
	db *db.DB
}

// NewSQLiteImportRepository creates a new SQLite-backed import repository
func NewSQLiteImportRepository(database *db.DB) *SQLiteImportRepository {
	return &SQLiteImportRepository{db: database}
}

var _ ImportRepository = (*SQLiteImportRepository)(nil)

// CreateBatch inserts a batch in the running state.
func (r *SQLiteImportRepository) CreateBatch(ctx context.Context, filename, format string, startedAt time.Time) (*UploadBatch, error) {
	batch := &UploadBatch{
		Filename:  filename,
		Format:    format,
		Status:    StatusRunning,
		StartedAt: startedAt,
	}

	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO uploads_historico (filename, format, status, started_at) VALUES (?, ?, ?, ?)`,
			filename, format, StatusRunning, formatTime(startedAt),
		)
		if err != nil {
			return err
		}
		batch.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upload batch: %w", classify(err))
	}

	return batch, nil
}

// FailBatch moves a running batch to failed.
func (r *SQLiteImportRepository) FailBatch(ctx context.Context, id int64, message string, finishedAt time.Time) error {
	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return finishBatch(ctx, tx, &UploadBatch{
			ID:         id,
			Status:     StatusFailed,
			FinishedAt: &finishedAt,
			Message:    capMessage(message),
		})
	})
	if err != nil {
		if errors.Is(err, ErrBatchNotRunning) {
			return err
		}
		return fmt.Errorf("failed to mark batch %d failed: %w", id, classify(err))
	}
	return nil
}

// PersistBatch applies every normalized row and finishes the batch inside
// one write transaction. On a store fault nothing from the batch is kept
// and the batch is marked failed in a separate transaction.
func (r *SQLiteImportRepository) PersistBatch(ctx context.Context, req PersistRequest) (*BatchReport, error) {
	var report *BatchReport

	err := r.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		filename, err := runningBatchName(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}

		p := persister{tx: tx, batchID: req.BatchID, now: req.Now}
		var rowErrs []*normalizer.RowError
		for _, res := range req.Results {
			if res.Err != nil {
				rowErrs = append(rowErrs, res.Err)
				continue
			}
			if err := p.apply(ctx, res.Row); err != nil {
				return fmt.Errorf("line %d: %w", res.Line, err)
			}
		}

		finishedAt := req.Now
		batch := &UploadBatch{
			ID:            req.BatchID,
			Filename:      filename,
			Fingerprint:   req.Fingerprint,
			Status:        StatusSucceeded,
			FinishedAt:    &finishedAt,
			RowsInserted:  p.inserted,
			RowsUpdated:   p.updated,
			RowsUnchanged: p.unchanged,
			RowsRejected:  len(rowErrs),
			Message:       BuildMessage(rowErrs, req.DetailCap),
		}
		batch.RowsTotal = batch.RowsInserted + batch.RowsUpdated + batch.RowsRejected
		if batch.RowsRejected > 0 {
			batch.Status = StatusPartial
		}

		if err := finishBatch(ctx, tx, batch); err != nil {
			return err
		}
		report = ReportFromBatch(batch)
		return nil
	})
	if err == nil {
		return report, nil
	}
	if errors.Is(err, ErrBatchNotRunning) || errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	storeErr := classify(err)
	if failErr := r.FailBatch(context.WithoutCancel(ctx), req.BatchID, storeErr.Error(), req.Now); failErr != nil {
		return nil, errors.Join(storeErr, failErr)
	}
	return nil, storeErr
}

func runningBatchName(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
	var filename string
	var status BatchStatus
	err := tx.QueryRowContext(ctx, `SELECT filename, status FROM uploads_historico WHERE id = ?`, id).Scan(&filename, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: upload batch %d", common.ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	if status != StatusRunning {
		return "", fmt.Errorf("%w: batch %d is %s", ErrBatchNotRunning, id, status)
	}
	return filename, nil
}

func finishBatch(ctx context.Context, tx *sql.Tx, b *UploadBatch) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE uploads_historico SET
			status = ?, finished_at = ?, fingerprint = COALESCE(NULLIF(?, ''), fingerprint),
			rows_total = ?, rows_inserted = ?, rows_updated = ?, rows_rejected = ?,
			rows_unchanged = ?, message = ?
		WHERE id = ? AND status = 'running'`,
		b.Status, formatTime(*b.FinishedAt), b.Fingerprint,
		b.RowsTotal, b.RowsInserted, b.RowsUpdated, b.RowsRejected,
		b.RowsUnchanged, b.Message, b.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: batch %d", ErrBatchNotRunning, b.ID)
	}
	return nil
}

// persister applies rows within one transaction and keeps the counters.
type persister struct {
	tx      *sql.Tx
	batchID int64
	now     time.Time

	inserted  int
	updated   int
	unchanged int
}

func (p *persister) apply(ctx context.Context, row *normalizer.Row) error {
	existing, err := transactionByKey(ctx, p.tx, row.NaturalKey)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := insertTransaction(ctx, p.tx, row, p.batchID, p.now); err != nil {
			return err
		}
		p.inserted++
		return nil
	}

	merged, changed := mergeMutable(existing, row)
	if !changed {
		p.unchanged++
		return nil
	}
	if err := updateMutable(ctx, p.tx, merged); err != nil {
		return err
	}
	p.updated++
	return nil
}

// mergeMutable overlays the incoming mutable fields on the stored ones.
// An empty incoming value keeps the stored value.
func mergeMutable(stored *Transaction, row *normalizer.Row) (*Transaction, bool) {
	merged := *stored
	mergeString(&merged.Category, row.Category)
	mergeString(&merged.PaymentMethod, row.PaymentMethod)
	mergeString(&merged.AssetSymbol, row.AssetSymbol)
	mergeDecimal(&merged.UnitPrice, row.UnitPrice)
	mergeDecimal(&merged.Quantity, row.Quantity)
	mergeDecimal(&merged.Fee, row.Fee)

	changed := merged.Category != stored.Category ||
		merged.PaymentMethod != stored.PaymentMethod ||
		merged.AssetSymbol != stored.AssetSymbol ||
		!nullDecimalEqual(merged.UnitPrice, stored.UnitPrice) ||
		!nullDecimalEqual(merged.Quantity, stored.Quantity) ||
		!nullDecimalEqual(merged.Fee, stored.Fee)
	return &merged, changed
}

func mergeString(dst *string, incoming string) {
	if incoming != "" {
		*dst = incoming
	}
}

func mergeDecimal(dst *decimal.NullDecimal, incoming decimal.NullDecimal) {
	if incoming.Valid {
		*dst = incoming
	}
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, row *normalizer.Row, batchID int64, now time.Time) error {
	meta, err := encodeMetadata(row.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transacoes (
			date, description, amount_cents, kind, category, payment_method, asset_symbol,
			unit_price, quantity, fee, imported_at, upload_id, nk_hash, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		common.FormatDay(row.Date), row.Description, row.AmountCents, row.Kind,
		nullString(row.Category), nullString(row.PaymentMethod), nullString(row.AssetSymbol),
		decimalArg(row.UnitPrice), decimalArg(row.Quantity), decimalArg(row.Fee),
		formatTime(now), batchID, row.NaturalKey, meta,
	)
	return err
}

func updateMutable(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE transacoes SET
			category = ?, payment_method = ?, asset_symbol = ?,
			unit_price = ?, quantity = ?, fee = ?
		WHERE id = ?`,
		nullString(t.Category), nullString(t.PaymentMethod), nullString(t.AssetSymbol),
		decimalArg(t.UnitPrice), decimalArg(t.Quantity), decimalArg(t.Fee),
		t.ID,
	)
	return err
}

const transactionColumns = `id, date, description, amount_cents, kind, category, payment_method,
	asset_symbol, unit_price, quantity, fee, metadata, imported_at, upload_id, nk_hash`

func transactionByKey(ctx context.Context, q db.Querier, nk string) (*Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transacoes WHERE nk_hash = ?`, nk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanTransaction(rows)
}

// GetBatch returns one batch or common.ErrNotFound.
func (r *SQLiteImportRepository) GetBatch(ctx context.Context, id int64) (*UploadBatch, error) {
	var batch *UploadBatch
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+batchColumns+` FROM uploads_historico WHERE id = ?`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: upload batch %d", common.ErrNotFound, id)
		}
		batch, err = scanBatch(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get upload batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns the newest batches first.
func (r *SQLiteImportRepository) ListBatches(ctx context.Context, limit int) ([]*UploadBatch, error) {
	var batches []*UploadBatch
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		batches, err = QueryBatches(ctx, tx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list upload batches: %w", err)
	}
	return batches, nil
}

const batchColumns = `id, filename, format, fingerprint, status, started_at, finished_at,
	rows_total, rows_inserted, rows_updated, rows_rejected, rows_unchanged, message`

// QueryBatches lists batches newest first on q. limit <= 0 means all.
func QueryBatches(ctx context.Context, q db.Querier, limit int) ([]*UploadBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM uploads_historico ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*UploadBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListTransactions returns transactions matching filter, by date then id.
func (r *SQLiteImportRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	var txs []*Transaction
	err := r.db.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		txs, err = QueryTransactions(ctx, tx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// QueryTransactions runs a filtered transaction scan on q, which may be a
// read transaction shared with other queries.
func QueryTransactions(ctx context.Context, q db.Querier, filter TransactionFilter) ([]*Transaction, error) {
	var where []string
	var args []any

	if !filter.Range.IsAll() {
		from, to := filter.Range.Bounds()
		where = append(where, `date BETWEEN ? AND ?`)
		args = append(args, from, to)
	}
	if filter.Kind != "" {
		where = append(where, `kind = ?`)
		args = append(args, filter.Kind)
	}
	if filter.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, filter.Category)
	}
	if filter.UploadID != 0 {
		where = append(where, `upload_id = ?`)
		args = append(args, filter.UploadID)
	}

	query := `SELECT ` + transactionColumns + ` FROM transacoes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanBatch(rows *sql.Rows) (*UploadBatch, error) {
	var b UploadBatch
	var startedAt string
	var finishedAt sql.NullString
	err := rows.Scan(
		&b.ID, &b.Filename, &b.Format, &b.Fingerprint, &b.Status, &startedAt, &finishedAt,
		&b.RowsTotal, &b.RowsInserted, &b.RowsUpdated, &b.RowsRejected, &b.RowsUnchanged, &b.Message,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload batch: %w", err)
	}
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		b.FinishedAt = &t
	}
	return &b, nil
}

func scanTransaction(rows *sql.Rows) (*Transaction, error) {
	var t Transaction
	var date, importedAt, meta string
	var category, payment, asset, unitPrice, quantity, fee sql.NullString
	err := rows.Scan(
		&t.ID, &date, &t.Description, &t.AmountCents, &t.Kind, &category, &payment,
		&asset, &unitPrice, &quantity, &fee, &meta, &importedAt, &t.UploadID, &t.NaturalKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if t.Date, err = common.ParseDay(date); err != nil {
		return nil, err
	}
	if t.ImportedAt, err = parseTime(importedAt); err != nil {
		return nil, err
	}
	t.Category = category.String
	t.PaymentMethod = payment.String
	t.AssetSymbol = asset.String
	for _, col := range []struct {
		src sql.NullString
		dst *decimal.NullDecimal
	}{
		{unitPrice, &t.UnitPrice},
		{quantity, &t.Quantity},
		{fee, &t.Fee},
	} {
		if !col.src.Valid {
			continue
		}
		d, err := decimal.NewFromString(col.src.String)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: bad decimal %q: %w", t.ID, col.src.String, err)
		}
		*col.dst = decimal.NewNullDecimal(d)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %d: bad metadata: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
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

// classify maps a driver error onto the store error taxonomy.
func classify(err error) *StoreError {
	var se *StoreError
	if errors.As(err, &se) {
		return se
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return &StoreError{Kind: ConstraintViolation, Err: err}
	}
	return &StoreError{Kind: IOError, Err: err}
}
