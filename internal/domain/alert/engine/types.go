// Package engine evaluates alert rules against a read-only snapshot of the
// ledger. It never writes; callers record the events it produces.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/pkg/validation"
)

// RuleKind identifies an evaluator.
type RuleKind string

const (
	KindCategoryBudget   RuleKind = "category_budget"
	KindUnusualValue     RuleKind = "unusual_value"
	KindBalanceBelow     RuleKind = "balance_below"
	KindRecurringMissing RuleKind = "recurring_missing"
)

// Priority orders alerts for the user.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Channel is a delivery route for new events.
type Channel string

const (
	ChannelSystem Channel = "system"
	ChannelEmail  Channel = "email"
)

// EventKind separates rule hits from evaluation faults.
type EventKind string

const (
	EventAlert       EventKind = "alert"
	EventSystemError EventKind = "system_error"
)

// EventStatus is the user-facing state of an event.
type EventStatus string

const (
	StatusNew          EventStatus = "new"
	StatusAcknowledged EventStatus = "acknowledged"
	StatusDismissed    EventStatus = "dismissed"
)

// ErrMalformedRule marks a rule that cannot be evaluated.
var ErrMalformedRule = errors.New("malformed_rule")

// Rule is a user-defined evaluator configuration.
type Rule struct {
	ID             int64             `json:"id"`
	Kind           RuleKind          `json:"kind" validate:"required,oneof=category_budget unusual_value balance_below recurring_missing"`
	Description    string            `json:"description"`
	ReferenceValue decimal.Decimal   `json:"reference_value"`
	Category       string            `json:"category,omitempty"`
	Period         common.PeriodUnit `json:"period" validate:"required,oneof=day week month year once"`
	WindowStart    *time.Time        `json:"window_start,omitempty"`
	WindowEnd      *time.Time        `json:"window_end,omitempty"`
	Priority       Priority          `json:"priority" validate:"required,oneof=low medium high"`
	Active         bool              `json:"active"`
	Channels       []Channel         `json:"channels" validate:"required,min=1,dive,oneof=system email"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// loadProblems holds stored fields that could not be decoded, by column.
	loadProblems map[string]string
}

// MarkInvalid records a stored field that could not be decoded. The rule
// fails Validate until the field is set again and ClearInvalid is called.
func (r *Rule) MarkInvalid(field, reason string) {
	if r.loadProblems == nil {
		r.loadProblems = make(map[string]string)
	}
	r.loadProblems[field] = reason
}

// ClearInvalid forgets the load problem of field.
func (r *Rule) ClearInvalid(field string) {
	delete(r.loadProblems, field)
}

// Validate reports why a rule cannot be evaluated, wrapping ErrMalformedRule.
func (r *Rule) Validate() error {
	if len(r.loadProblems) > 0 {
		fields := make([]string, 0, len(r.loadProblems))
		for f := range r.loadProblems {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		problems := make([]string, len(fields))
		for i, f := range fields {
			problems[i] = fmt.Sprintf("stored %s %s", f, r.loadProblems[f])
		}
		return fmt.Errorf("%w: %s", ErrMalformedRule, strings.Join(problems, "; "))
	}
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}

	var problems []string
	switch r.Kind {
	case KindCategoryBudget:
		if r.Category == "" {
			problems = append(problems, "category_budget needs a category")
		}
		if r.ReferenceValue.IsNegative() {
			problems = append(problems, "reference_value must not be negative")
		}
	case KindRecurringMissing:
		if r.Category == "" {
			problems = append(problems, "recurring_missing needs a category")
		}
		if r.Period == common.PeriodOnce {
			problems = append(problems, "recurring_missing needs a repeating period")
		}
	case KindUnusualValue:
		if r.ReferenceValue.IsNegative() {
			problems = append(problems, "reference_value must not be negative")
		}
	}
	if !common.CentsFit(r.ReferenceValue) {
		problems = append(problems, "reference_value is out of range")
	}
	if r.WindowStart != nil && r.WindowEnd != nil && r.WindowEnd.Before(*r.WindowStart) {
		problems = append(problems, "window_end is before window_start")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedRule, strings.Join(problems, "; "))
	}
	return nil
}

// Window is the rule's optional validity span.
func (r *Rule) Window() common.Range {
	var w common.Range
	if r.WindowStart != nil {
		w.From = *r.WindowStart
	}
	if r.WindowEnd != nil {
		w.To = *r.WindowEnd
	}
	return w
}

// Bucket is the current evaluation bucket. A once rule uses its window.
func (r *Rule) Bucket(today time.Time) common.Range {
	if r.Period == common.PeriodOnce {
		return r.Window()
	}
	return common.Bucket(r.Period, today)
}

// HasChannel reports whether c is one of the rule's channels.
func (r *Rule) HasChannel(c Channel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// ParseChannels reads a comma separated channel set.
func ParseChannels(s string) ([]Channel, error) {
	seen := make(map[Channel]bool)
	var out []Channel
	for _, part := range strings.Split(s, ",") {
		c := Channel(strings.ToLower(strings.TrimSpace(part)))
		if c == "" {
			continue
		}
		if c != ChannelSystem && c != ChannelEmail {
			return nil, fmt.Errorf("%w: unknown channel %q", common.ErrBadRequest, part)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// FormatChannels is the stored form of a channel set.
func FormatChannels(cs []Channel) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// Event is one alert instance.
type Event struct {
	ID            int64           `json:"id"`
	RuleID        int64           `json:"rule_id"`
	Kind          EventKind       `json:"kind"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	ObservedValue decimal.Decimal `json:"observed_value"`
	Message       string          `json:"message"`
	Status        EventStatus     `json:"status"`
	PeriodKey     string          `json:"period_key"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
	Priority      Priority        `json:"priority"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// DedupKey identifies an event across evaluations:
// rule id, period key and offending transaction id.
func (e *Event) DedupKey() string {
	tx := "-"
	if e.TransactionID != nil {
		tx = strconv.FormatInt(*e.TransactionID, 10)
	}
	return strconv.FormatInt(e.RuleID, 10) + "|" + e.PeriodKey + "|" + tx
}

// Transaction is the slice of a stored transaction the evaluators read.
type Transaction struct {
	ID          int64
	Date        time.Time
	Description string
	AmountCents int64
	Kind        common.TxKind
	Category    string
}

// Snapshot is the committed state one evaluation runs against.
// Transactions are ordered by date then id.
type Snapshot struct {
	Transactions []Transaction
	Today        time.Time
	Now          time.Time
}
