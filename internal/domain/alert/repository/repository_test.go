package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
	"github.com/FACorreiaa/finance-ledger/pkg/db/dbtest"
)

var testNow = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*SQLiteAlertRepository, *db.DB) {
	t.Helper()
	database := dbtest.Open(t)
	return NewSQLiteAlertRepository(database), database
}

func budgetRule() *engine.Rule {
	return &engine.Rule{
		Kind:           engine.KindCategoryBudget,
		Description:    "food budget",
		ReferenceValue: decimal.RequireFromString("500"),
		Category:       "Food",
		Period:         common.PeriodMonth,
		Priority:       engine.PriorityHigh,
		Active:         true,
		Channels:       []engine.Channel{engine.ChannelSystem, engine.ChannelEmail},
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func createRule(t *testing.T, repo *SQLiteAlertRepository) *engine.Rule {
	t.Helper()
	rule, err := repo.CreateRule(context.Background(), budgetRule())
	require.NoError(t, err)
	require.NotZero(t, rule.ID)
	return rule
}

func event(ruleID int64, periodKey string, txID *int64) engine.Event {
	return engine.Event{
		RuleID:        ruleID,
		Kind:          engine.EventAlert,
		TriggeredAt:   testNow,
		ObservedValue: decimal.RequireFromString("612.3"),
		Message:       "over budget",
		Status:        engine.StatusNew,
		PeriodKey:     periodKey,
		TransactionID: txID,
		Priority:      engine.PriorityHigh,
	}
}

func TestRuleRoundTrip(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	rule := budgetRule()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rule.WindowStart = &start
	created, err := repo.CreateRule(ctx, rule)
	require.NoError(t, err)

	got, err := repo.GetRule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.KindCategoryBudget, got.Kind)
	assert.Equal(t, "500", got.ReferenceValue.String())
	assert.Equal(t, "Food", got.Category)
	assert.Equal(t, []engine.Channel{engine.ChannelSystem, engine.ChannelEmail}, got.Channels)
	require.NotNil(t, got.WindowStart)
	assert.True(t, start.Equal(*got.WindowStart))
	assert.Nil(t, got.WindowEnd)
	assert.True(t, got.Active)
	assert.True(t, testNow.Equal(got.CreatedAt))
}

func TestUpdateAndToggleRule(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	rule.ReferenceValue = decimal.RequireFromString("750.50")
	rule.Category = "Groceries"
	rule.UpdatedAt = testNow.Add(time.Hour)
	updated, err := repo.UpdateRule(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, "750.5", updated.ReferenceValue.String())
	assert.Equal(t, "Groceries", updated.Category)

	off, err := repo.SetRuleActive(ctx, rule.ID, false, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, off.Active)

	active, err := repo.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMissingRuleIsNotFound(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.GetRule(ctx, 42)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = repo.SetRuleActive(ctx, 42, true, testNow)
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, repo.DeleteRule(ctx, 42), common.ErrNotFound)
}

func TestRecordEventsDeduplicates(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	first, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil)})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].Inserted)
	assert.NotZero(t, first[0].Event.ID)

	second, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil)})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, second[0].Inserted)
	assert.Equal(t, first[0].Event.ID, second[0].Event.ID)

	events, err := repo.ListEvents(ctx, EventFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "612.30", events[0].ObservedValue.StringFixed(2))
	assert.Equal(t, engine.PriorityHigh, events[0].Priority)
}

func TestAcknowledgedEventSuppressesUntilNextPeriod(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	rec, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil)})
	require.NoError(t, err)

	acked, err := repo.SetEventStatus(ctx, rec[0].Event.ID, engine.StatusAcknowledged, testNow)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.ResolvedAt)

	again, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil)})
	require.NoError(t, err)
	assert.False(t, again[0].Inserted)
	assert.Equal(t, engine.StatusAcknowledged, again[0].Event.Status)

	next, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M03", nil)})
	require.NoError(t, err)
	assert.True(t, next[0].Inserted)
}

func TestPerTransactionEventsAreDistinct(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	a, b := int64(10), int64(11)
	rec, err := repo.RecordEvents(ctx, []engine.Event{
		event(rule.ID, "2024-M02", &a),
		event(rule.ID, "2024-M02", &b),
	})
	require.NoError(t, err)
	require.Len(t, rec, 2)
	assert.True(t, rec[0].Inserted)
	assert.True(t, rec[1].Inserted)
	require.NotNil(t, rec[1].Event.TransactionID)
	assert.Equal(t, b, *rec[1].Event.TransactionID)
}

func TestInactiveRuleEventsAreDropped(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)
	_, err := repo.SetRuleActive(ctx, rule.ID, false, testNow)
	require.NoError(t, err)

	rec, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil), event(999, "2024-M02", nil)})
	require.NoError(t, err)
	assert.Empty(t, rec)

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeleteRuleCascadesEvents(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)
	keep := createRule(t, repo)

	_, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil), event(keep.ID, "2024-M02", nil)})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteRule(ctx, rule.ID))

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, keep.ID, events[0].RuleID)
}

func TestListEventsFilters(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	sysErr := event(rule.ID, "malformed:2024-D041", nil)
	sysErr.Kind = engine.EventSystemError
	_, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil), sysErr})
	require.NoError(t, err)

	errs, err := repo.ListEvents(ctx, EventFilter{Kind: engine.EventSystemError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "malformed:2024-D041", errs[0].PeriodKey)

	fresh, err := repo.ListEvents(ctx, EventFilter{Status: engine.StatusNew, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestListEventsByPriority(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)

	low := event(rule.ID, "2024-M01", nil)
	low.Priority = engine.PriorityLow
	_, err := repo.RecordEvents(ctx, []engine.Event{event(rule.ID, "2024-M02", nil), low})
	require.NoError(t, err)

	high, err := repo.ListEvents(ctx, EventFilter{Priority: engine.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "2024-M02", high[0].PeriodKey)

	none, err := repo.ListEvents(ctx, EventFilter{Priority: engine.PriorityMedium})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUndecodableStoredRuleLoadsAsMalformed(t *testing.T) {
	repo, database := newRepo(t)
	ctx := context.Background()
	rule := createRule(t, repo)
	_, err := database.SQL.ExecContext(ctx,
		`UPDATE alertas_financas SET reference_value = 'lots', window_end = 'soon' WHERE id = ?`, rule.ID)
	require.NoError(t, err)

	got, err := repo.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Food", got.Category)
	assert.Nil(t, got.WindowEnd)
	err = got.Validate()
	require.ErrorIs(t, err, engine.ErrMalformedRule)
	assert.Contains(t, err.Error(), `stored reference_value "lots" is not a number`)
	assert.Contains(t, err.Error(), `stored window_end "soon" is not a date`)

	got.ReferenceValue = decimal.NewFromInt(10)
	got.ClearInvalid("reference_value")
	got.ClearInvalid("window_end")
	assert.NoError(t, got.Validate())
}

func TestSetEventStatusNotFound(t *testing.T) {
	repo, _ := newRepo(t)
	_, err := repo.SetEventStatus(context.Background(), 7, engine.StatusDismissed, testNow)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLoadEvaluationReadsCommittedState(t *testing.T) {
	repo, database := newRepo(t)
	ctx := context.Background()
	createRule(t, repo)
	off := createRule(t, repo)
	_, err := repo.SetRuleActive(ctx, off.ID, false, testNow)
	require.NoError(t, err)

	imports := importrepo.NewSQLiteImportRepository(database)
	batch, err := imports.CreateBatch(ctx, "seed.csv", "csv", testNow)
	require.NoError(t, err)
	row := &normalizer.Row{
		Line:        2,
		Date:        time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		Description: "Market",
		AmountCents: -61230,
		Kind:        common.KindExpense,
		Category:    "Food",
	}
	row.NaturalKey = normalizer.NaturalKey(row.Date, row.Description, row.AmountCents, row.Kind)
	_, err = imports.PersistBatch(ctx, importrepo.PersistRequest{
		BatchID: batch.ID,
		Results: []normalizer.Result{{Line: 2, Row: row}},
		Now:     testNow,
	})
	require.NoError(t, err)

	ev, err := repo.LoadEvaluation(ctx)
	require.NoError(t, err)
	require.Len(t, ev.Rules, 1)
	require.Len(t, ev.Transactions, 1)
	assert.Equal(t, int64(-61230), ev.Transactions[0].AmountCents)
	assert.Equal(t, "Food", ev.Transactions[0].Category)
}
