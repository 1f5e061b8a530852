package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/notifier"
	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/repository"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/normalizer"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
	"github.com/FACorreiaa/finance-ledger/pkg/db/dbtest"
)

var clockNow = time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mock.Mock
}

func (n *recordingNotifier) Channel() engine.Channel { return engine.ChannelSystem }

func (n *recordingNotifier) Enabled() bool { return true }

func (n *recordingNotifier) Send(ctx context.Context, rule *engine.Rule, ev *engine.Event) error {
	args := n.Called(rule.ID, ev.PeriodKey)
	return args.Error(0)
}

type fixture struct {
	db      *db.DB
	svc     *AlertService
	imports *importrepo.SQLiteImportRepository
	notify  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	core := common.NewCoreContext(database, common.FixedClock{T: clockNow}, zerolog.Nop(), time.UTC)
	notify := &recordingNotifier{}
	svc := NewAlertService(core, repository.NewSQLiteAlertRepository(database), nil,
		notifier.NewDispatcher(zerolog.Nop(), notify), Config{EvalBudget: time.Second})
	return &fixture{db: database, svc: svc, imports: importrepo.NewSQLiteImportRepository(database), notify: notify}
}

func (f *fixture) seed(t *testing.T, rows ...*normalizer.Row) {
	t.Helper()
	ctx := context.Background()
	batch, err := f.imports.CreateBatch(ctx, "seed.csv", "csv", clockNow)
	require.NoError(t, err)
	results := make([]normalizer.Result, len(rows))
	for i, row := range rows {
		row.Line = i + 2
		row.NaturalKey = normalizer.NaturalKey(row.Date, row.Description, row.AmountCents, row.Kind)
		results[i] = normalizer.Result{Line: row.Line, Row: row}
	}
	_, err = f.imports.PersistBatch(ctx, importrepo.PersistRequest{BatchID: batch.ID, Results: results, Now: clockNow})
	require.NoError(t, err)
}

func expense(date string, cents int64, desc, category string) *normalizer.Row {
	d, err := common.ParseDay(date)
	if err != nil {
		panic(err)
	}
	return &normalizer.Row{Date: d, Description: desc, AmountCents: cents, Kind: common.KindExpense, Category: category}
}

func foodBudget() *engine.Rule {
	return &engine.Rule{
		Kind:           engine.KindCategoryBudget,
		Description:    "food",
		ReferenceValue: decimal.NewFromInt(500),
		Category:       "Food",
		Period:         common.PeriodMonth,
		Priority:       engine.PriorityHigh,
		Active:         true,
		Channels:       []engine.Channel{engine.ChannelSystem},
	}
}

func TestEvaluateAlerts_CategoryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		expense("2024-02-01", -30000, "Market", "Food"),
		expense("2024-02-03", -31230, "Bakery", "Food"),
	)
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	f.notify.On("Send", rule.ID, "2024-M02").Return(nil).Once()

	result, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, 1, result.Inserted)
	assert.NotEmpty(t, result.RunID)
	ev := result.Events[0]
	assert.NotZero(t, ev.ID)
	assert.Equal(t, engine.StatusNew, ev.Status)
	assert.Equal(t, "612.30", ev.ObservedValue.StringFixed(2))

	f.notify.AssertExpectations(t)
}

func TestEvaluateAlerts_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, expense("2024-02-01", -70000, "Market", "Food"))
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	f.notify.On("Send", rule.ID, "2024-M02").Return(nil).Once()

	first, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	second, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)

	require.Len(t, second.Events, 1)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, first.Events[0].ID, second.Events[0].ID)
	assert.Equal(t, first.Events[0].DedupKey(), second.Events[0].DedupKey())

	events, err := f.svc.ListEvents(ctx, repository.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	f.notify.AssertNumberOfCalls(t, "Send", 1)
}

func TestEvaluateAlerts_UnusualValueReferencesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var rows []*normalizer.Row
	for i, c := range []int64{2200, 2800, 2200, 2800, 2500, 2500, 2100, 2900, 2400, 2600} {
		rows = append(rows, expense(time.Date(2024, 1, 2+2*i, 0, 0, 0, 0, time.UTC).Format(common.DayLayout), -c, "Bus", "Transport"))
	}
	rows = append(rows, expense("2024-02-05", -20000, "Taxi", "Transport"))
	f.seed(t, rows...)

	_, err := f.svc.CreateRule(ctx, &engine.Rule{
		Kind:     engine.KindUnusualValue,
		Period:   common.PeriodMonth,
		Priority: engine.PriorityMedium,
		Active:   true,
		Channels: []engine.Channel{engine.ChannelSystem},
	})
	require.NoError(t, err)
	f.notify.On("Send", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.NotNil(t, result.Events[0].TransactionID)

	txs, err := f.imports.ListTransactions(ctx, importrepo.TransactionFilter{Category: "Transport", Range: common.Bucket(common.PeriodMonth, clockNow)})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, txs[0].ID, *result.Events[0].TransactionID)
}

func TestEvaluateAlerts_DismissedStaysDismissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, expense("2024-02-01", -70000, "Market", "Food"))
	_, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	f.notify.On("Send", mock.Anything, mock.Anything).Return(nil)

	first, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	_, err = f.svc.SetEventStatus(ctx, first.Events[0].ID, engine.StatusDismissed)
	require.NoError(t, err)

	second, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, engine.StatusDismissed, second.Events[0].Status)
	assert.Equal(t, 0, second.Inserted)
}

func TestEvaluateAlerts_InactiveRulesAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, expense("2024-02-01", -70000, "Market", "Food"))
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	_, err = f.svc.SetRuleActive(ctx, rule.ID, false)
	require.NoError(t, err)

	result, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	f.notify.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestEvaluateAlerts_CorruptStoredRuleDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t,
		expense("2024-02-01", -70000, "Market", "Food"),
		expense("2024-02-02", -20000, "Taxi", "Transport"),
	)
	broken, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	transport := foodBudget()
	transport.Category = "Transport"
	transport.ReferenceValue = decimal.NewFromInt(100)
	healthy, err := f.svc.CreateRule(ctx, transport)
	require.NoError(t, err)

	_, err = f.db.SQL.ExecContext(ctx,
		`UPDATE alertas_financas SET reference_value = 'abc', window_start = '01/02/2024' WHERE id = ?`, broken.ID)
	require.NoError(t, err)
	f.notify.On("Send", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	byRule := map[int64]engine.Event{}
	for _, ev := range result.Events {
		byRule[ev.RuleID] = ev
	}
	sysErr := byRule[broken.ID]
	assert.Equal(t, engine.EventSystemError, sysErr.Kind)
	assert.Equal(t, "malformed:2024-D041", sysErr.PeriodKey)
	assert.Contains(t, sysErr.Message, "reference_value")
	assert.Contains(t, sysErr.Message, "window_start")

	alert := byRule[healthy.ID]
	assert.Equal(t, engine.EventAlert, alert.Kind)
	assert.Equal(t, "2024-M02", alert.PeriodKey)
	assert.Equal(t, "200.00", alert.ObservedValue.StringFixed(2))
}

func TestUpdateRuleRepairsCorruptStoredRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	_, err = f.db.SQL.ExecContext(ctx, `UPDATE alertas_financas SET reference_value = 'abc' WHERE id = ?`, rule.ID)
	require.NoError(t, err)

	stored, err := f.svc.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateRule(ctx, stored)
	assert.ErrorIs(t, err, engine.ErrMalformedRule)

	stored.ReferenceValue = decimal.NewFromInt(650)
	stored.ClearInvalid("reference_value")
	updated, err := f.svc.UpdateRule(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, "650", updated.ReferenceValue.String())
}

func TestCreateRuleRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	rule := foodBudget()
	rule.Category = ""

	_, err := f.svc.CreateRule(context.Background(), rule)
	assert.ErrorIs(t, err, engine.ErrMalformedRule)

	rules, err := f.svc.ListRules(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestUpdateRuleKeepsCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)

	rule.ReferenceValue = decimal.NewFromInt(800)
	updated, err := f.svc.UpdateRule(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, "800", updated.ReferenceValue.String())
	assert.True(t, clockNow.Equal(updated.CreatedAt))

	got, err := f.svc.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "800", got.ReferenceValue.String())
}

func TestSetEventStatusRejectsNew(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetEventStatus(context.Background(), 1, engine.StatusNew)
	assert.ErrorIs(t, err, common.ErrBadRequest)
}

func TestDeleteRuleRemovesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, expense("2024-02-01", -70000, "Market", "Food"))
	rule, err := f.svc.CreateRule(ctx, foodBudget())
	require.NoError(t, err)
	f.notify.On("Send", mock.Anything, mock.Anything).Return(nil)
	_, err = f.svc.EvaluateAlerts(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRule(ctx, rule.ID))

	events, err := f.svc.ListEvents(ctx, repository.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = f.svc.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSchedulerRunsUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, expense("2024-02-01", -70000, "Market", "Food"))
	_, err := f.svc.CreateRule(context.Background(), foodBudget())
	require.NoError(t, err)
	f.notify.On("Send", mock.Anything, mock.Anything).Return(nil)

	sched, err := NewScheduler(f.svc, "@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	events, err := f.svc.ListEvents(context.Background(), repository.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	_, err := NewScheduler(f.svc, "every now and then")
	assert.Error(t, err)
}
