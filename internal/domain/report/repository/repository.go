package repository

import (
	"context"
	"time"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
)

// KindSum is the signed total of one transaction kind.
type KindSum struct {
	Kind     common.TxKind
	SumCents int64
	Count    int
}

// CategorySum is one row of a per-category rollup. Category is empty for
// uncategorized transactions.
type CategorySum struct {
	Category string
	Color    string
	SumCents int64
	Count    int
}

// DaySum totals one calendar day.
type DaySum struct {
	Day      time.Time
	SumCents int64
	Count    int
}

// Category is a distinct category with its display color.
type Category struct {
	Name      string
	Color     string
	Count     int
	FirstSeen time.Time
}

// ReportRepository defines the read models the aggregator is built from.
type ReportRepository interface {
	SumsByKind(ctx context.Context, rng common.Range) ([]KindSum, error)
	SumsByCategory(ctx context.Context, rng common.Range, kind common.TxKind) ([]CategorySum, error)
	DailySums(ctx context.Context, rng common.Range, kind common.TxKind) ([]DaySum, error)
	CountTransactions(ctx context.Context, rng common.Range) (int, error)
	CountActiveRules(ctx context.Context) (int, error)
	Categories(ctx context.Context) ([]Category, error)
	RecentBatches(ctx context.Context, limit int) ([]*importrepo.UploadBatch, error)
	SetCategoryColor(ctx context.Context, category, color string, now time.Time) error
}
