package main

import (
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	reportrepo "github.com/FACorreiaa/finance-ledger/internal/domain/report/repository"
	reportservice "github.com/FACorreiaa/finance-ledger/internal/domain/report/service"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// money renders a decimal as a JSON number with two places.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func day(t time.Time) string {
	return common.FormatDay(t)
}

func dayPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := common.FormatDay(*t)
	return &s
}

// writeJSON emits v as a single line.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}

type ruleOutput struct {
	ID             int64             `json:"id"`
	Kind           engine.RuleKind   `json:"kind"`
	Description    string            `json:"description"`
	ReferenceValue json.Number       `json:"reference_value"`
	Category       string            `json:"category,omitempty"`
	Period         common.PeriodUnit `json:"period"`
	WindowStart    *string           `json:"window_start,omitempty"`
	WindowEnd      *string           `json:"window_end,omitempty"`
	Priority       engine.Priority   `json:"priority"`
	Active         bool              `json:"active"`
	Channels       []engine.Channel  `json:"channels"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newRuleOutput(r *engine.Rule) ruleOutput {
	return ruleOutput{
		ID:             r.ID,
		Kind:           r.Kind,
		Description:    r.Description,
		ReferenceValue: money(r.ReferenceValue),
		Category:       r.Category,
		Period:         r.Period,
		WindowStart:    dayPtr(r.WindowStart),
		WindowEnd:      dayPtr(r.WindowEnd),
		Priority:       r.Priority,
		Active:         r.Active,
		Channels:       r.Channels,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func newRuleOutputs(rules []*engine.Rule) []ruleOutput {
	out := make([]ruleOutput, len(rules))
	for i, r := range rules {
		out[i] = newRuleOutput(r)
	}
	return out
}

type eventOutput struct {
	ID            int64              `json:"id"`
	RuleID        int64              `json:"rule_id"`
	Kind          engine.EventKind   `json:"kind"`
	TriggeredAt   time.Time          `json:"triggered_at"`
	ObservedValue json.Number        `json:"observed_value"`
	Message       string             `json:"message"`
	Status        engine.EventStatus `json:"status"`
	PeriodKey     string             `json:"period_key"`
	TransactionID *int64             `json:"transaction_id,omitempty"`
	Priority      engine.Priority    `json:"priority"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

func newEventOutput(e *engine.Event) eventOutput {
	return eventOutput{
		ID:            e.ID,
		RuleID:        e.RuleID,
		Kind:          e.Kind,
		TriggeredAt:   e.TriggeredAt,
		ObservedValue: money(e.ObservedValue),
		Message:       e.Message,
		Status:        e.Status,
		PeriodKey:     e.PeriodKey,
		TransactionID: e.TransactionID,
		Priority:      e.Priority,
		ResolvedAt:    e.ResolvedAt,
	}
}

func newEventOutputs(events []engine.Event) []eventOutput {
	out := make([]eventOutput, len(events))
	for i := range events {
		out[i] = newEventOutput(&events[i])
	}
	return out
}

func newEventPtrOutputs(events []*engine.Event) []eventOutput {
	out := make([]eventOutput, len(events))
	for i, e := range events {
		out[i] = newEventOutput(e)
	}
	return out
}

type transactionOutput struct {
	ID            int64             `json:"id"`
	Date          string            `json:"date"`
	Description   string            `json:"description"`
	Amount        json.Number       `json:"amount"`
	Kind          common.TxKind     `json:"kind"`
	Category      string            `json:"category,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	AssetSymbol   string            `json:"asset_symbol,omitempty"`
	UnitPrice     *string           `json:"unit_price,omitempty"`
	Quantity      *string           `json:"quantity,omitempty"`
	Fee           *string           `json:"fee,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UploadID      int64             `json:"upload_id"`
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func newTransactionOutputs(txs []*importrepo.Transaction) []transactionOutput {
	out := make([]transactionOutput, len(txs))
	for i, t := range txs {
		out[i] = transactionOutput{
			ID:            t.ID,
			Date:          day(t.Date),
			Description:   t.Description,
			Amount:        money(common.CentsToDecimal(t.AmountCents)),
			Kind:          t.Kind,
			Category:      t.Category,
			PaymentMethod: t.PaymentMethod,
			AssetSymbol:   t.AssetSymbol,
			UnitPrice:     nullDecimal(t.UnitPrice),
			Quantity:      nullDecimal(t.Quantity),
			Fee:           nullDecimal(t.Fee),
			Metadata:      t.Metadata,
			UploadID:      t.UploadID,
		}
	}
	return out
}

type uploadOutput struct {
	Batch        *importrepo.UploadBatch `json:"batch"`
	Transactions []transactionOutput     `json:"transactions"`
}

type totalsOutput struct {
	Period  string      `json:"period"`
	Income  json.Number `json:"income"`
	Expense json.Number `json:"expense"`
	Net     json.Number `json:"net"`
}

func newTotalsOutput(t *reportservice.Totals) totalsOutput {
	return totalsOutput{
		Period:  t.Range.String(),
		Income:  money(t.Income),
		Expense: money(t.Expense),
		Net:     money(t.Net),
	}
}

type categoryRowOutput struct {
	Category string      `json:"category"`
	Color    string      `json:"color,omitempty"`
	Sum      json.Number `json:"sum"`
	Count    int         `json:"count"`
}

func newCategoryRowOutputs(rows []reportservice.CategoryRow) []categoryRowOutput {
	out := make([]categoryRowOutput, len(rows))
	for i, r := range rows {
		out[i] = categoryRowOutput{Category: r.Category, Color: r.Color, Sum: money(r.Sum), Count: r.Count}
	}
	return out
}

type periodRowOutput struct {
	Period string      `json:"period"`
	Start  string      `json:"start"`
	End    string      `json:"end"`
	Sum    json.Number `json:"sum"`
	Count  int         `json:"count"`
}

func newPeriodRowOutputs(rows []reportservice.PeriodRow) []periodRowOutput {
	out := make([]periodRowOutput, len(rows))
	for i, r := range rows {
		out[i] = periodRowOutput{Period: r.Key, Start: day(r.Start), End: day(r.End), Sum: money(r.Sum), Count: r.Count}
	}
	return out
}

type highlightsOutput struct {
	TransactionCount       int                       `json:"transaction_count"`
	ActiveRuleCount        int                       `json:"active_rule_count"`
	DistinctCategoryCount  int                       `json:"distinct_category_count"`
	TransactionsThisMonth  int                       `json:"transactions_this_month"`
	TransactionsLastMonth  int                       `json:"transactions_last_month"`
	NewCategoriesThisMonth []string                  `json:"new_categories_this_month"`
	RecentBatches          []*importrepo.UploadBatch `json:"recent_batches"`
}

func newHighlightsOutput(h *reportservice.Highlights) highlightsOutput {
	batches := h.RecentBatches
	if batches == nil {
		batches = []*importrepo.UploadBatch{}
	}
	return highlightsOutput{
		TransactionCount:       h.TransactionCount,
		ActiveRuleCount:        h.ActiveRuleCount,
		DistinctCategoryCount:  h.DistinctCategoryCount,
		TransactionsThisMonth:  h.TransactionsThisMonth,
		TransactionsLastMonth:  h.TransactionsLastMonth,
		NewCategoriesThisMonth: h.NewCategoriesThisMonth,
		RecentBatches:          batches,
	}
}

type categoryOutput struct {
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Count     int    `json:"count"`
	FirstSeen string `json:"first_seen"`
}

func newCategoryOutputs(cats []reportrepo.Category) []categoryOutput {
	out := make([]categoryOutput, len(cats))
	for i, c := range cats {
		out[i] = categoryOutput{Name: c.Name, Color: c.Color, Count: c.Count, FirstSeen: day(c.FirstSeen)}
	}
	return out
}

type migrationOutput struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	AppliedAt string `json:"applied_at"`
}

func newMigrationOutputs(list []db.AppliedMigration) []migrationOutput {
	out := make([]migrationOutput, len(list))
	for i, m := range list {
		out[i] = migrationOutput{Version: m.Version, Name: m.Name, Checksum: m.Checksum, AppliedAt: m.AppliedAt}
	}
	return out
}
