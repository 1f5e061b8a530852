// Package repository provides data access for upload batches and the
// transactions they persist.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
)

// BatchStatus is the lifecycle state of an UploadBatch.
type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusRunning   BatchStatus = "running"
	StatusSucceeded BatchStatus = "succeeded"
	StatusFailed    BatchStatus = "failed"
	StatusPartial   BatchStatus = "partial"
)

// Terminal reports whether the batch can no longer change.
func (s BatchStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusPartial
}

// ErrBatchNotRunning is returned when finishing a batch that already
// reached a terminal state.
var ErrBatchNotRunning = errors.New("batch is not running")

// UploadBatch tracks one ingestion event.
type UploadBatch struct {
	ID            int64       `json:"id"`
	Filename      string      `json:"filename"`
	Format        string      `json:"format"`
	Fingerprint   string      `json:"fingerprint,omitempty"`
	Status        BatchStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	RowsTotal     int         `json:"rows_total"`
	RowsInserted  int         `json:"rows_inserted"`
	RowsUpdated   int         `json:"rows_updated"`
	RowsRejected  int         `json:"rows_rejected"`
	RowsUnchanged int         `json:"rows_unchanged"`
	Message       string      `json:"message"`
}

// Transaction is a persisted canonical record.
type Transaction struct {
	ID            int64
	Date          time.Time
	Description   string
	AmountCents   int64
	Kind          common.TxKind
	Category      string
	PaymentMethod string
	AssetSymbol   string
	UnitPrice     decimal.NullDecimal
	Quantity      decimal.NullDecimal
	Fee           decimal.NullDecimal
	Metadata      map[string]string
	ImportedAt    time.Time
	UploadID      int64
	NaturalKey    string
}

// BatchReport is what a finished persistence run returns.
type BatchReport struct {
	BatchID       int64       `json:"batch_id"`
	Filename      string      `json:"filename"`
	Status        BatchStatus `json:"status"`
	RowsTotal     int         `json:"rows_total"`
	RowsInserted  int         `json:"rows_inserted"`
	RowsUpdated   int         `json:"rows_updated"`
	RowsRejected  int         `json:"rows_rejected"`
	RowsUnchanged int         `json:"rows_unchanged"`
	Message       string      `json:"message"`
}

// ReportFromBatch copies a batch's counters into a report.
func ReportFromBatch(b *UploadBatch) *BatchReport {
	return &BatchReport{
		BatchID:       b.ID,
		Filename:      b.Filename,
		Status:        b.Status,
		RowsTotal:     b.RowsTotal,
		RowsInserted:  b.RowsInserted,
		RowsUpdated:   b.RowsUpdated,
		RowsRejected:  b.RowsRejected,
		RowsUnchanged: b.RowsUnchanged,
		Message:       b.Message,
	}
}

// StoreErrorKind classifies a store-level fault.
type StoreErrorKind string

const (
	ConstraintViolation StoreErrorKind = "constraint_violation"
	IOError             StoreErrorKind = "io_error"
)

// StoreError is a fault that rolled back a whole batch.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PersistRequest carries one batch's normalized output, in input order.
type PersistRequest struct {
	BatchID     int64
	Fingerprint string
	Results     []normalizer.Result
	Now         time.Time
	DetailCap   int
}

// TransactionFilter narrows ListTransactions. Zero values match all.
type TransactionFilter struct {
	Range    common.Range
	Kind     common.TxKind
	Category string
	UploadID int64
	Limit    int
}

// ImportRepository defines data access operations for uploads.
type ImportRepository interface {
	CreateBatch(ctx context.Context, filename, format string, startedAt time.Time) (*UploadBatch, error)
	FailBatch(ctx context.Context, id int64, message string, finishedAt time.Time) error
	PersistBatch(ctx context.Context, req PersistRequest) (*BatchReport, error)
	GetBatch(ctx context.Context, id int64) (*UploadBatch, error)
	ListBatches(ctx context.Context, limit int) ([]*UploadBatch, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
}
