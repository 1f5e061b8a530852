package notifier

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
)

type mockNotifier struct {
	mock.Mock
	channel engine.Channel
}

func (m *mockNotifier) Channel() engine.Channel { return m.channel }

func (m *mockNotifier) Enabled() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockNotifier) Send(ctx context.Context, rule *engine.Rule, ev *engine.Event) error {
	args := m.Called(ctx, rule, ev)
	return args.Error(0)
}

func sampleRule(channels ...engine.Channel) *engine.Rule {
	return &engine.Rule{
		ID:             3,
		Kind:           engine.KindCategoryBudget,
		Description:    "Food <budget>",
		ReferenceValue: decimal.RequireFromString("500"),
		Category:       "Food",
		Priority:       engine.PriorityHigh,
		Channels:       channels,
	}
}

func sampleEvent() *engine.Event {
	return &engine.Event{
		ID:            11,
		RuleID:        3,
		Kind:          engine.EventAlert,
		TriggeredAt:   time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC),
		ObservedValue: decimal.RequireFromString("612.3"),
		Message:       "Food spending 612.30 exceeds budget 500.00 for 2024-M02",
		PeriodKey:     "2024-M02",
		Priority:      engine.PriorityHigh,
	}
}

func TestDispatchSendsOnEveryChannel(t *testing.T) {
	system := &mockNotifier{channel: engine.ChannelSystem}
	email := &mockNotifier{channel: engine.ChannelEmail}
	rule, ev := sampleRule(engine.ChannelSystem, engine.ChannelEmail), sampleEvent()

	system.On("Enabled").Return(true)
	system.On("Send", mock.Anything, rule, ev).Return(nil).Once()
	email.On("Enabled").Return(true)
	email.On("Send", mock.Anything, rule, ev).Return(nil).Once()

	NewDispatcher(zerolog.Nop(), system, email).Dispatch(context.Background(), rule, ev)

	system.AssertExpectations(t)
	email.AssertExpectations(t)
}

func TestDispatchSkipsDisabledAndSurvivesFailures(t *testing.T) {
	system := &mockNotifier{channel: engine.ChannelSystem}
	email := &mockNotifier{channel: engine.ChannelEmail}
	rule, ev := sampleRule(engine.ChannelEmail, engine.ChannelSystem), sampleEvent()

	email.On("Enabled").Return(false)
	system.On("Enabled").Return(true)
	system.On("Send", mock.Anything, rule, ev).Return(errors.New("disk full")).Once()

	var logs bytes.Buffer
	NewDispatcher(zerolog.New(&logs), system, email).Dispatch(context.Background(), rule, ev)

	email.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	system.AssertExpectations(t)
	assert.Contains(t, logs.String(), "disk full")
	assert.Contains(t, logs.String(), "not configured")
}

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var logs bytes.Buffer
	ev := sampleEvent()
	tx := int64(42)
	ev.TransactionID = &tx

	require.NoError(t, NewLogNotifier(zerolog.New(&logs)).Send(context.Background(), sampleRule(engine.ChannelSystem), ev))

	out := logs.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"rule_id":3`)
	assert.Contains(t, out, `"transaction_id":42`)
	assert.Contains(t, out, `"observed_value":"612.30"`)
	assert.Contains(t, out, "exceeds budget")
}

func TestEmailNotifierComposesMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	n := NewEmailNotifier(EmailConfig{
		Host: "smtp.example.com",
		Port: "587",
		From: "ledger@example.com",
		To:   []string{"me@example.com"},
	}, send)
	require.True(t, n.Enabled())

	require.NoError(t, n.Send(context.Background(), sampleRule(engine.ChannelEmail), sampleEvent()))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "ledger@example.com", gotFrom)
	assert.Equal(t, []string{"me@example.com"}, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: [HIGH] category_budget alert")
	assert.Contains(t, msg, "612.30")
	assert.Contains(t, msg, "Food &lt;budget&gt;")
}

func TestEmailNotifierDisabledWithoutHost(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{To: []string{"me@example.com"}}, nil)
	assert.False(t, n.Enabled())
}

func TestEmailNotifierHonorsContext(t *testing.T) {
	calls := 0
	n := NewEmailNotifier(EmailConfig{
		Host:          "smtp.example.com",
		Port:          "25",
		To:            []string{"me@example.com"},
		RatePerMinute: 1,
	}, func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return nil
	})

	require.NoError(t, n.Send(context.Background(), sampleRule(engine.ChannelEmail), sampleEvent()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := n.Send(ctx, sampleRule(engine.ChannelEmail), sampleEvent())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
