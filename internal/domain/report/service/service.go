// Package service serves the aggregator's read models: totals, per-category
// and per-period rollups, highlights and the category list.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/internal/domain/report/repository"
	"github.com/FACorreiaa/finance-ledger/pkg/observability"
	"github.com/FACorreiaa/finance-ledger/pkg/validation"
)

// Uncategorized labels transactions without a category.
const Uncategorized = "(uncategorized)"

const (
	defaultLookback = 12
	maxLookback     = 1000
	recentBatches   = 5
)

type Totals struct {
	Range   common.Range
	Income  decimal.Decimal
	Expense decimal.Decimal
	Net     decimal.Decimal
}

type CategoryRow struct {
	Category string
	Color    string
	Sum      decimal.Decimal
	Count    int
}

type PeriodRow struct {
	Start time.Time
	End   time.Time
	Key   string
	Sum   decimal.Decimal
	Count int
}

type Highlights struct {
	TransactionCount       int
	ActiveRuleCount        int
	DistinctCategoryCount  int
	TransactionsThisMonth  int
	TransactionsLastMonth  int
	NewCategoriesThisMonth []string
	RecentBatches          []*importrepo.UploadBatch
}

// ReportService builds aggregates from the store on every call.
type ReportService struct {
	core   common.CoreContext
	repo   repository.ReportRepository
	logger zerolog.Logger
}

// NewReportService creates a new report service
func NewReportService(core common.CoreContext, repo repository.ReportRepository) *ReportService {
	return &ReportService{
		core:   core,
		repo:   repo,
		logger: core.Logger.With().Str("component", "report").Logger(),
	}
}

func (s *ReportService) start(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	observability.ReportQueriesTotal.WithLabelValues(kind).Inc()
	ctx, span := observability.StartSpan(ctx, "report", kind, attrs...)
	return ctx, func(err error) { observability.EndSpan(span, err) }
}

// Totals sums income and expense in rng. Transfers and investments move
// money between the user's own holdings and are left out.
func (s *ReportService) Totals(ctx context.Context, rng common.Range) (t *Totals, err error) {
	ctx, end := s.start(ctx, "totals", attribute.String("range", rng.String()))
	defer func() { end(err) }()

	sums, err := s.repo.SumsByKind(ctx, rng)
	if err != nil {
		return nil, err
	}
	var income, expense int64
	for _, k := range sums {
		switch k.Kind {
		case common.KindIncome:
			income += k.SumCents
		case common.KindExpense:
			expense += k.SumCents
		}
	}
	return &Totals{
		Range:   rng,
		Income:  common.CentsToDecimal(income),
		Expense: common.CentsToDecimal(expense),
		Net:     common.CentsToDecimal(income + expense),
	}, nil
}

// ByCategory rolls rng up by category for one kind, or every kind when kind
// is empty, ordered by absolute sum descending then name.
func (s *ReportService) ByCategory(ctx context.Context, rng common.Range, kind common.TxKind) (rows []CategoryRow, err error) {
	ctx, end := s.start(ctx, "by_category", attribute.String("range", rng.String()), attribute.String("kind", string(kind)))
	defer func() { end(err) }()

	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction kind %q", common.ErrBadRequest, kind)
	}

	sums, err := s.repo.SumsByCategory(ctx, rng, kind)
	if err != nil {
		return nil, err
	}

	sort.Slice(sums, func(i, j int) bool {
		ai, aj := common.AbsCents(sums[i].SumCents), common.AbsCents(sums[j].SumCents)
		if ai != aj {
			return ai > aj
		}
		return categoryLabel(sums[i].Category) < categoryLabel(sums[j].Category)
	})

	rows = make([]CategoryRow, len(sums))
	for i, c := range sums {
		rows[i] = CategoryRow{
			Category: categoryLabel(c.Category),
			Color:    c.Color,
			Sum:      common.CentsToDecimal(c.SumCents),
			Count:    c.Count,
		}
	}
	return rows, nil
}

func categoryLabel(c string) string {
	if c == "" {
		return Uncategorized
	}
	return c
}

// ByPeriod returns lookback calendar buckets of unit ending with the one
// containing today, oldest first. Buckets without transactions are zero.
func (s *ReportService) ByPeriod(ctx context.Context, unit common.PeriodUnit, kind common.TxKind, lookback int) (rows []PeriodRow, err error) {
	ctx, end := s.start(ctx, "by_period", attribute.String("unit", string(unit)), attribute.Int("lookback", lookback))
	defer func() { end(err) }()

	if unit == common.PeriodOnce || !unit.Valid() {
		return nil, fmt.Errorf("%w: by-period needs day, week, month or year, got %q", common.ErrBadRequest, unit)
	}
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction kind %q", common.ErrBadRequest, kind)
	}
	if lookback == 0 {
		lookback = defaultLookback
	}
	if lookback < 0 || lookback > maxLookback {
		return nil, fmt.Errorf("%w: lookback must be between 1 and %d", common.ErrBadRequest, maxLookback)
	}

	buckets := make([]common.Range, lookback)
	b := common.Bucket(unit, s.core.Today())
	for i := lookback - 1; i >= 0; i-- {
		buckets[i] = b
		b = common.PreviousBucket(unit, b)
	}

	days, err := s.repo.DailySums(ctx, common.Range{From: buckets[0].From, To: buckets[lookback-1].To}, kind)
	if err != nil {
		return nil, err
	}

	rows = make([]PeriodRow, lookback)
	sums := make([]int64, lookback)
	j := 0
	for i, bucket := range buckets {
		for j < len(days) && bucket.Contains(days[j].Day) {
			sums[i] += days[j].SumCents
			rows[i].Count += days[j].Count
			j++
		}
		rows[i].Start = bucket.From
		rows[i].End = bucket.To
		rows[i].Key = common.PeriodKey(unit, bucket.From)
		rows[i].Sum = common.CentsToDecimal(sums[i])
	}
	return rows, nil
}

// Highlights gathers the dashboard counters concurrently.
func (s *ReportService) Highlights(ctx context.Context) (h *Highlights, err error) {
	ctx, end := s.start(ctx, "highlights")
	defer func() { end(err) }()

	thisMonth := common.Bucket(common.PeriodMonth, s.core.Today())
	lastMonth := common.PreviousBucket(common.PeriodMonth, thisMonth)

	h = &Highlights{}
	var categories []repository.Category

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		h.TransactionCount, err = s.repo.CountTransactions(gctx, common.Range{})
		return err
	})
	g.Go(func() error {
		var err error
		h.TransactionsThisMonth, err = s.repo.CountTransactions(gctx, thisMonth)
		return err
	})
	g.Go(func() error {
		var err error
		h.TransactionsLastMonth, err = s.repo.CountTransactions(gctx, lastMonth)
		return err
	})
	g.Go(func() error {
		var err error
		h.ActiveRuleCount, err = s.repo.CountActiveRules(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		categories, err = s.repo.Categories(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		h.RecentBatches, err = s.repo.RecentBatches(gctx, recentBatches)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Msg("failed to build highlights")
		return nil, err
	}

	h.DistinctCategoryCount = len(categories)
	h.NewCategoriesThisMonth = []string{}
	for _, c := range categories {
		if thisMonth.Contains(c.FirstSeen) {
			h.NewCategoriesThisMonth = append(h.NewCategoriesThisMonth, c.Name)
		}
	}
	return h, nil
}

// Categories lists distinct categories with counts and colors.
func (s *ReportService) Categories(ctx context.Context) (cats []repository.Category, err error) {
	ctx, end := s.start(ctx, "categories")
	defer func() { end(err) }()
	return s.repo.Categories(ctx)
}

// SetCategoryColor validates color as #RRGGBB and stores it upper-cased.
func (s *ReportService) SetCategoryColor(ctx context.Context, category, color string) error {
	category = strings.TrimSpace(category)
	color = strings.TrimSpace(color)
	if category == "" {
		return fmt.Errorf("%w: category is required", common.ErrBadRequest)
	}
	if len(color) != 7 || validation.Var(color, "hexcolor") != nil {
		return fmt.Errorf("%w: color must look like #RRGGBB, got %q", common.ErrBadRequest, color)
	}
	color = strings.ToUpper(color)

	if err := s.repo.SetCategoryColor(ctx, category, color, s.core.Now()); err != nil {
		return err
	}
	s.logger.Info().Str("category", category).Str("color", color).Msg("category color set")
	return nil
}
