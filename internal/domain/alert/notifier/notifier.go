// Package notifier delivers newly recorded alert events to their rule's
// channels. Delivery failures are logged and never fail an evaluation.
package notifier

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/pkg/observability"
)

// Notifier sends one event over a channel.
type Notifier interface {
	Channel() engine.Channel
	Enabled() bool
	Send(ctx context.Context, rule *engine.Rule, ev *engine.Event) error
}

// Dispatcher routes events to the notifiers registered for each channel.
type Dispatcher struct {
	notifiers map[engine.Channel]Notifier
	logger    zerolog.Logger
}

// NewDispatcher registers notifiers by their channel. A later notifier for
// the same channel replaces an earlier one.
func NewDispatcher(logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{
		notifiers: make(map[engine.Channel]Notifier, len(notifiers)),
		logger:    logger,
	}
	for _, n := range notifiers {
		d.notifiers[n.Channel()] = n
	}
	return d
}

// Dispatch sends ev on every channel of rule.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *engine.Rule, ev *engine.Event) {
	for _, ch := range rule.Channels {
		n, ok := d.notifiers[ch]
		if !ok || !n.Enabled() {
			d.logger.Warn().
				Str("channel", string(ch)).
				Int64("rule_id", rule.ID).
				Int64("event_id", ev.ID).
				Msg("notification channel not configured, skipping")
			observability.NotificationsTotal.WithLabelValues(string(ch), "skipped").Inc()
			continue
		}

		if err := n.Send(ctx, rule, ev); err != nil {
			d.logger.Error().Err(err).
				Str("channel", string(ch)).
				Int64("rule_id", rule.ID).
				Int64("event_id", ev.ID).
				Msg("failed to deliver alert notification")
			observability.NotificationsTotal.WithLabelValues(string(ch), "failed").Inc()
			continue
		}
		observability.NotificationsTotal.WithLabelValues(string(ch), "sent").Inc()
	}
}

// LogNotifier is the system channel: events go to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Channel() engine.Channel { return engine.ChannelSystem }

func (n *LogNotifier) Enabled() bool { return true }

func (n *LogNotifier) Send(_ context.Context, rule *engine.Rule, ev *engine.Event) error {
	entry := n.logger.Warn()
	switch {
	case ev.Kind == engine.EventSystemError:
		entry = n.logger.Error()
	case ev.Priority == engine.PriorityLow:
		entry = n.logger.Info()
	}
	entry = entry.
		Int64("event_id", ev.ID).
		Int64("rule_id", rule.ID).
		Str("rule_kind", string(rule.Kind)).
		Str("event_kind", string(ev.Kind)).
		Str("priority", string(ev.Priority)).
		Str("period_key", ev.PeriodKey).
		Str("observed_value", ev.ObservedValue.StringFixed(2))
	if ev.TransactionID != nil {
		entry = entry.Int64("transaction_id", *ev.TransactionID)
	}
	entry.Msg(ev.Message)
	return nil
}
