package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

// Evaluator turns one valid rule and a snapshot into events. Evaluators are
// pure and must return events in a stable order.
type Evaluator func(rule *Rule, snap *Snapshot) []Event

// Engine dispatches rules to their evaluators.
type Engine struct {
	evaluators map[RuleKind]Evaluator
	logger     zerolog.Logger
}

// New returns an engine with every built-in rule kind registered.
func New(logger zerolog.Logger) *Engine {
	e := &Engine{
		evaluators: make(map[RuleKind]Evaluator),
		logger:     logger,
	}
	e.Register(KindCategoryBudget, evaluateCategoryBudget)
	e.Register(KindUnusualValue, evaluateUnusualValue)
	e.Register(KindBalanceBelow, evaluateBalanceBelow)
	e.Register(KindRecurringMissing, evaluateRecurringMissing)
	return e
}

// Register binds an evaluator to a rule kind, replacing any previous one.
func (e *Engine) Register(kind RuleKind, fn Evaluator) {
	e.evaluators[kind] = fn
}

// Kinds lists the registered rule kinds.
func (e *Engine) Kinds() []RuleKind {
	out := make([]RuleKind, 0, len(e.evaluators))
	for _, k := range []RuleKind{KindCategoryBudget, KindUnusualValue, KindBalanceBelow, KindRecurringMissing} {
		if _, ok := e.evaluators[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Evaluate runs rules in order against snap. It never fails: malformed rules
// and an exhausted budget become system_error events. When ctx expires the
// events produced so far are returned with one truncation event attached to
// the first rule left unevaluated.
func (e *Engine) Evaluate(ctx context.Context, rules []*Rule, snap *Snapshot) []Event {
	var out []Event
	dayKey := common.PeriodKey(common.PeriodDay, snap.Today)

	for i, rule := range rules {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().
				Int("evaluated", i).
				Int("total", len(rules)).
				Int64("rule_id", rule.ID).
				Msg("alert evaluation budget exhausted")
			out = append(out, systemError(rule, snap.Now, "timeout:"+dayKey,
				fmt.Sprintf("eval_timeout: budget exhausted after %d of %d rules", i, len(rules))))
			return out
		}

		fn, ok := e.evaluators[rule.Kind]
		err := rule.Validate()
		if err == nil && !ok {
			err = fmt.Errorf("%w: no evaluator for kind %q", ErrMalformedRule, rule.Kind)
		}
		if err != nil {
			e.logger.Warn().Err(err).Int64("rule_id", rule.ID).Msg("skipping malformed rule")
			out = append(out, systemError(rule, snap.Now, "malformed:"+dayKey, err.Error()))
			continue
		}

		if !inWindow(rule, snap.Today) {
			e.logger.Debug().Int64("rule_id", rule.ID).Msg("rule outside its window")
			continue
		}

		events := fn(rule, snap)
		e.logger.Debug().
			Int64("rule_id", rule.ID).
			Str("kind", string(rule.Kind)).
			Int("events", len(events)).
			Msg("rule evaluated")
		out = append(out, events...)
	}
	return out
}

// inWindow reports whether rule applies today. balance_below keeps running
// after its window closes because window_end is only its cutoff.
func inWindow(rule *Rule, today time.Time) bool {
	w := rule.Window()
	if rule.Kind == KindBalanceBelow {
		w.To = time.Time{}
	}
	return w.Contains(today)
}

func systemError(rule *Rule, now time.Time, periodKey, message string) Event {
	return Event{
		RuleID:        rule.ID,
		Kind:          EventSystemError,
		TriggeredAt:   now,
		ObservedValue: decimal.Zero,
		Message:       message,
		Status:        StatusNew,
		PeriodKey:     periodKey,
		Priority:      priorityOr(rule.Priority, PriorityMedium),
	}
}

func newAlert(rule *Rule, now time.Time, periodKey string, observed decimal.Decimal, message string) Event {
	return Event{
		RuleID:        rule.ID,
		Kind:          EventAlert,
		TriggeredAt:   now,
		ObservedValue: observed,
		Message:       message,
		Status:        StatusNew,
		PeriodKey:     periodKey,
		Priority:      rule.Priority,
	}
}

func priorityOr(p, fallback Priority) Priority {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	}
	return fallback
}
