// Package service exposes alert rule management and evaluation: it loads a
// committed snapshot, runs the engine under a wall-clock budget, records the
// resulting events and notifies their channels.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/notifier"
	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/repository"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/pkg/observability"
)

const defaultEvalBudget = 5 * time.Second

// Config tunes evaluation.
type Config struct {
	EvalBudget time.Duration
}

// EvaluationResult is one engine run after recording.
type EvaluationResult struct {
	RunID    string
	Events   []engine.Event
	Inserted int
}

// AlertService manages rules and runs evaluations.
type AlertService struct {
	core       common.CoreContext
	repo       repository.AlertRepository
	engine     *engine.Engine
	dispatcher *notifier.Dispatcher
	cfg        Config
	logger     zerolog.Logger
}

// NewAlertService creates a new alert service. A nil dispatcher logs
// events through the system channel only.
func NewAlertService(core common.CoreContext, repo repository.AlertRepository, eng *engine.Engine, dispatcher *notifier.Dispatcher, cfg Config) *AlertService {
	logger := core.Logger.With().Str("component", "alerts").Logger()
	if eng == nil {
		eng = engine.New(logger)
	}
	if dispatcher == nil {
		dispatcher = notifier.NewDispatcher(logger, notifier.NewLogNotifier(logger))
	}
	if cfg.EvalBudget <= 0 {
		cfg.EvalBudget = defaultEvalBudget
	}
	return &AlertService{
		core:       core,
		repo:       repo,
		engine:     eng,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// CreateRule validates and stores a new rule.
func (s *AlertService) CreateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	now := s.core.Now()
	rule.CreatedAt, rule.UpdatedAt = now, now

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(rule.Kind)).Msg("failed to create alert rule")
		return nil, err
	}
	s.logger.Info().Int64("rule_id", created.ID).Str("kind", string(created.Kind)).Msg("alert rule created")
	return created, nil
}

// UpdateRule validates and replaces a stored rule. CreatedAt is kept.
func (s *AlertService) UpdateRule(ctx context.Context, rule *engine.Rule) (*engine.Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.UpdatedAt = s.core.Now()

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("rule_id", updated.ID).Msg("alert rule updated")
	return updated, nil
}

// SetRuleActive enables or disables a rule without touching its events.
func (s *AlertService) SetRuleActive(ctx context.Context, id int64, active bool) (*engine.Rule, error) {
	rule, err := s.repo.SetRuleActive(ctx, id, active, s.core.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("rule_id", id).Bool("active", active).Msg("alert rule state changed")
	return rule, nil
}

// DeleteRule removes a rule and its events.
func (s *AlertService) DeleteRule(ctx context.Context, id int64) error {
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("rule_id", id).Msg("alert rule deleted")
	return nil
}

func (s *AlertService) GetRule(ctx context.Context, id int64) (*engine.Rule, error) {
	return s.repo.GetRule(ctx, id)
}

func (s *AlertService) ListRules(ctx context.Context, activeOnly bool) ([]*engine.Rule, error) {
	return s.repo.ListRules(ctx, activeOnly)
}

func (s *AlertService) ListEvents(ctx context.Context, filter repository.EventFilter) ([]*engine.Event, error) {
	return s.repo.ListEvents(ctx, filter)
}

// SetEventStatus acknowledges or dismisses an event.
func (s *AlertService) SetEventStatus(ctx context.Context, id int64, status engine.EventStatus) (*engine.Event, error) {
	if status != engine.StatusAcknowledged && status != engine.StatusDismissed {
		return nil, fmt.Errorf("%w: event status must be acknowledged or dismissed, got %q", common.ErrBadRequest, status)
	}
	ev, err := s.repo.SetEventStatus(ctx, id, status, s.core.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("event_id", id).Str("status", string(status)).Msg("alert event resolved")
	return ev, nil
}

// EvaluateAlerts runs every active rule against one committed snapshot,
// records the events and notifies channels of the newly inserted ones.
// Only store failures are returned as errors.
func (s *AlertService) EvaluateAlerts(ctx context.Context) (result *EvaluationResult, err error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx, span := observability.StartSpan(ctx, "alerts", "evaluate", attribute.String("run_id", runID))
	defer func() { observability.EndSpan(span, err) }()
	defer observability.ObserveSince(observability.AlertEvaluationDuration, start)

	log := s.logger.With().Str("run_id", runID).Logger()

	loaded, err := s.repo.LoadEvaluation(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load evaluation snapshot")
		return nil, err
	}
	snap := &engine.Snapshot{
		Transactions: loaded.Transactions,
		Today:        s.core.Today(),
		Now:          s.core.Now(),
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.EvalBudget)
	events := s.engine.Evaluate(evalCtx, loaded.Rules, snap)
	cancel()

	recorded, err := s.repo.RecordEvents(context.WithoutCancel(ctx), events)
	if err != nil {
		log.Error().Err(err).Int("events", len(events)).Msg("failed to record alert events")
		return nil, err
	}

	rules := make(map[int64]*engine.Rule, len(loaded.Rules))
	for _, r := range loaded.Rules {
		rules[r.ID] = r
	}

	result = &EvaluationResult{RunID: runID, Events: make([]engine.Event, 0, len(recorded))}
	for i := range recorded {
		rec := &recorded[i]
		result.Events = append(result.Events, rec.Event)

		state := "existing"
		if rec.Inserted {
			state = "new"
			result.Inserted++
			if rule, ok := rules[rec.Event.RuleID]; ok {
				s.dispatcher.Dispatch(ctx, rule, &rec.Event)
			}
		}
		observability.AlertEventsTotal.WithLabelValues(string(rec.Event.Kind), state).Inc()
	}

	log.Info().
		Int("rules", len(loaded.Rules)).
		Int("transactions", len(loaded.Transactions)).
		Int("events", len(result.Events)).
		Int("inserted", result.Inserted).
		Dur("elapsed", time.Since(start)).
		Msg("alert evaluation finished")
	return result, nil
}
