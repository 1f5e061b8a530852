package repository

import (
	"context"
	"time"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
)

// EventFilter narrows ListEvents. Zero values match all.
type EventFilter struct {
	RuleID   int64
	Status   engine.EventStatus
	Kind     engine.EventKind
	Priority engine.Priority
	Limit    int
}

// Recorded is one engine event after recording. Inserted is false when an
// event with the same dedup key already existed; Event then carries the
// stored row's id and status.
type Recorded struct {
	Event    engine.Event
	Inserted bool
}

// Evaluation is the committed state one engine run reads.
type Evaluation struct {
	Rules        []*engine.Rule
	Transactions []engine.Transaction
}

// AlertRepository defines data access operations for alert rules and events.
type AlertRepository interface {
	CreateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error)
	UpdateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error)
	SetRuleActive(ctx context.Context, id int64, active bool, now time.Time) (*engine.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	GetRule(ctx context.Context, id int64) (*engine.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*engine.Rule, error)

	LoadEvaluation(ctx context.Context) (*Evaluation, error)
	RecordEvents(ctx context.Context, events []engine.Event) ([]Recorded, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)
	SetEventStatus(ctx context.Context, id int64, status engine.EventStatus, now time.Time) (*engine.Event, error)
}
