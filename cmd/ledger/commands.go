package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	alertrepo "github.com/FACorreiaa/finance-ledger/internal/domain/alert/repository"
	alertservice "github.com/FACorreiaa/finance-ledger/internal/domain/alert/service"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error)
}

var commands = map[string]command{
	"ingest":          {"import a CSV or PDF statement", runIngest},
	"evaluate-alerts": {"evaluate active alert rules once", runEvaluateAlerts},
	"report":          {"print totals, by-category, by-period or highlights", runReport},
	"rules":           {"manage alert rules (add|list|update|enable|disable|delete)", runRules},
	"events":          {"list and resolve alert events (list|ack|dismiss)", runEvents},
	"uploads":         {"inspect upload batches (list|show)", runUploads},
	"categories":      {"list categories or set a display color (list|color)", runCategories},
	"watch":           {"evaluate alerts on the configured schedule until interrupted", runWatch},
	"migrate":         {"apply schema migrations and list them", runMigrate},
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet("ledger "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func requireID(id int64) error {
	if id <= 0 {
		return usagef("--id is required")
	}
	return nil
}

// subcommand splits "rules add --x" into "add" and its flags.
func subcommand(group string, args []string, names ...string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, usagef("%s needs one of: %s", group, strings.Join(names, ", "))
	}
	for _, n := range names {
		if args[0] == n {
			return n, args[1:], nil
		}
	}
	return "", nil, usagef("unknown %s command %q", group, args[0])
}

func done(a *app, v any) (int, error) {
	if err := writeJSON(a.stdout, v); err != nil {
		return exitFailure, fmt.Errorf("failed to write output: %w", err)
	}
	return exitOK, nil
}

func runIngest(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	fs := newFlagSet(a, "ingest")
	path := fs.String("file", "", "path of the statement to import")
	if err := parseFlags(fs, args); err != nil {
		return exitUsage, err
	}
	if *path == "" {
		return exitUsage, usagef("--file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return exitFailure, fmt.Errorf("failed to open %s: %w", *path, err)
	}
	defer f.Close()

	report, err := deps.ImportService.Import(ctx, *path, f)
	if report == nil {
		return exitFailure, err
	}
	if err != nil {
		deps.Logger.Error().Err(err).Int64("batch_id", report.BatchID).Msg("import failed")
	}
	if err := writeJSON(a.stdout, report); err != nil {
		return exitFailure, fmt.Errorf("failed to write output: %w", err)
	}

	switch report.Status {
	case importrepo.StatusSucceeded:
		return exitOK, nil
	case importrepo.StatusPartial:
		return exitPartial, nil
	default:
		return exitFailure, nil
	}
}

func runEvaluateAlerts(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	fs := newFlagSet(a, "evaluate-alerts")
	if err := parseFlags(fs, args); err != nil {
		return exitUsage, err
	}
	result, err := deps.AlertService.EvaluateAlerts(ctx)
	if err != nil {
		return exitFailure, err
	}
	return done(a, newEventOutputs(result.Events))
}

func runReport(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	fs := newFlagSet(a, "report")
	kind := fs.String("kind", "totals", "totals, by-category, by-period or highlights")
	period := fs.String("period", "", "2024, 2024-01, 2024-W02, 2024-01-05 or from:to (empty is all time)")
	txKind := fs.String("tx-kind", "", "restrict by-category and by-period to one transaction kind")
	unit := fs.String("unit", "month", "by-period bucket: day, week, month or year")
	lookback := fs.Int("lookback", 0, "by-period bucket count, current bucket included (default 12)")
	if err := parseFlags(fs, args); err != nil {
		return exitUsage, err
	}

	svc := deps.ReportService
	switch *kind {
	case "totals":
		rng, err := common.ParseRange(*period)
		if err != nil {
			return exitUsage, err
		}
		totals, err := svc.Totals(ctx, rng)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newTotalsOutput(totals))

	case "by-category":
		rng, err := common.ParseRange(*period)
		if err != nil {
			return exitUsage, err
		}
		rows, err := svc.ByCategory(ctx, rng, common.TxKind(strings.ToLower(*txKind)))
		if err != nil {
			return exitFailure, err
		}
		return done(a, newCategoryRowOutputs(rows))

	case "by-period":
		u, err := common.ParsePeriodUnit(*unit)
		if err != nil {
			return exitUsage, err
		}
		rows, err := svc.ByPeriod(ctx, u, common.TxKind(strings.ToLower(*txKind)), *lookback)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newPeriodRowOutputs(rows))

	case "highlights":
		h, err := svc.Highlights(ctx)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newHighlightsOutput(h))

	default:
		return exitUsage, usagef("unknown report kind %q", *kind)
	}
}

// ruleFlags holds the editable rule fields. Only flags given on the command
// line are applied, so update leaves the rest alone.
type ruleFlags struct {
	kind        string
	description string
	reference   string
	category    string
	period      string
	windowStart string
	windowEnd   string
	priority    string
	channels    string
	active      bool
}

func (rf *ruleFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&rf.kind, "kind", "", "category_budget, unusual_value, balance_below or recurring_missing")
	fs.StringVar(&rf.description, "description", "", "free text shown in notifications")
	fs.StringVar(&rf.reference, "reference", "", "reference value, e.g. 500.00")
	fs.StringVar(&rf.category, "category", "", "category the rule watches")
	fs.StringVar(&rf.period, "period", "month", "day, week, month, year or once")
	fs.StringVar(&rf.windowStart, "window-start", "", "first day the rule applies (YYYY-MM-DD, empty clears)")
	fs.StringVar(&rf.windowEnd, "window-end", "", "last day the rule applies (YYYY-MM-DD, empty clears)")
	fs.StringVar(&rf.priority, "priority", "medium", "low, medium or high")
	fs.StringVar(&rf.channels, "channels", "system", "comma separated: system, email")
	fs.BoolVar(&rf.active, "active", true, "whether the rule is evaluated")
}

func (rf *ruleFlags) apply(fs *flag.FlagSet, rule *engine.Rule) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "kind":
			rule.Kind = engine.RuleKind(strings.ToLower(strings.TrimSpace(rf.kind)))
		case "description":
			rule.Description = rf.description
		case "reference":
			var d decimal.Decimal
			if d, err = decimal.NewFromString(strings.TrimSpace(rf.reference)); err != nil {
				err = usagef("--reference %q is not a number", rf.reference)
				return
			}
			rule.ReferenceValue = d
			rule.ClearInvalid("reference_value")
		case "category":
			rule.Category = strings.TrimSpace(rf.category)
		case "period":
			rule.Period, err = common.ParsePeriodUnit(rf.period)
		case "window-start":
			if rule.WindowStart, err = optionalDay(rf.windowStart); err == nil {
				rule.ClearInvalid("window_start")
			}
		case "window-end":
			if rule.WindowEnd, err = optionalDay(rf.windowEnd); err == nil {
				rule.ClearInvalid("window_end")
			}
		case "priority":
			rule.Priority = engine.Priority(strings.ToLower(strings.TrimSpace(rf.priority)))
		case "channels":
			rule.Channels, err = engine.ParseChannels(rf.channels)
		case "active":
			rule.Active = rf.active
		}
	})
	return err
}

func optionalDay(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := common.ParseDay(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func runRules(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	sub, rest, err := subcommand("rules", args, "add", "list", "update", "enable", "disable", "delete")
	if err != nil {
		return exitUsage, err
	}
	svc := deps.AlertService
	fs := newFlagSet(a, "rules "+sub)

	switch sub {
	case "add":
		var rf ruleFlags
		rf.register(fs)
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		rule := &engine.Rule{
			Period:   common.PeriodMonth,
			Priority: engine.PriorityMedium,
			Active:   true,
			Channels: []engine.Channel{engine.ChannelSystem},
		}
		if err := rf.apply(fs, rule); err != nil {
			return exitUsage, err
		}
		created, err := svc.CreateRule(ctx, rule)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newRuleOutput(created))

	case "list":
		activeOnly := fs.Bool("active-only", false, "only list active rules")
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		rules, err := svc.ListRules(ctx, *activeOnly)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newRuleOutputs(rules))

	case "update":
		var rf ruleFlags
		id := fs.Int64("id", 0, "rule id")
		rf.register(fs)
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		if err := requireID(*id); err != nil {
			return exitUsage, err
		}
		rule, err := svc.GetRule(ctx, *id)
		if err != nil {
			return exitFailure, err
		}
		if err := rf.apply(fs, rule); err != nil {
			return exitUsage, err
		}
		updated, err := svc.UpdateRule(ctx, rule)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newRuleOutput(updated))

	case "enable", "disable":
		id := fs.Int64("id", 0, "rule id")
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		if err := requireID(*id); err != nil {
			return exitUsage, err
		}
		rule, err := svc.SetRuleActive(ctx, *id, sub == "enable")
		if err != nil {
			return exitFailure, err
		}
		return done(a, newRuleOutput(rule))

	default: // delete
		id := fs.Int64("id", 0, "rule id")
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		if err := requireID(*id); err != nil {
			return exitUsage, err
		}
		if err := svc.DeleteRule(ctx, *id); err != nil {
			return exitFailure, err
		}
		return done(a, map[string]int64{"deleted": *id})
	}
}

func runEvents(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	sub, rest, err := subcommand("events", args, "list", "ack", "dismiss")
	if err != nil {
		return exitUsage, err
	}
	svc := deps.AlertService
	fs := newFlagSet(a, "events "+sub)

	if sub == "list" {
		ruleID := fs.Int64("rule", 0, "only events of this rule")
		status := fs.String("status", "", "new, acknowledged or dismissed")
		kind := fs.String("kind", "", "alert or system_error")
		priority := fs.String("priority", "", "low, medium or high")
		limit := fs.Int("limit", 100, "maximum events, newest first")
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		prio := engine.Priority(strings.ToLower(strings.TrimSpace(*priority)))
		switch prio {
		case "", engine.PriorityLow, engine.PriorityMedium, engine.PriorityHigh:
		default:
			return exitUsage, usagef("--priority %q is not low, medium or high", *priority)
		}
		events, err := svc.ListEvents(ctx, alertrepo.EventFilter{
			RuleID:   *ruleID,
			Status:   engine.EventStatus(*status),
			Kind:     engine.EventKind(*kind),
			Priority: prio,
			Limit:    *limit,
		})
		if err != nil {
			return exitFailure, err
		}
		return done(a, newEventPtrOutputs(events))
	}

	id := fs.Int64("id", 0, "event id")
	if err := parseFlags(fs, rest); err != nil {
		return exitUsage, err
	}
	if err := requireID(*id); err != nil {
		return exitUsage, err
	}
	status := engine.StatusAcknowledged
	if sub == "dismiss" {
		status = engine.StatusDismissed
	}
	ev, err := svc.SetEventStatus(ctx, *id, status)
	if err != nil {
		return exitFailure, err
	}
	return done(a, newEventOutput(ev))
}

func runUploads(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	sub, rest, err := subcommand("uploads", args, "list", "show")
	if err != nil {
		return exitUsage, err
	}
	fs := newFlagSet(a, "uploads "+sub)

	if sub == "list" {
		limit := fs.Int("limit", 20, "maximum batches, newest first")
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		batches, err := deps.ImportRepo.ListBatches(ctx, *limit)
		if err != nil {
			return exitFailure, err
		}
		if batches == nil {
			batches = []*importrepo.UploadBatch{}
		}
		return done(a, batches)
	}

	id := fs.Int64("id", 0, "batch id")
	limit := fs.Int("limit", 0, "maximum transactions to include (0 is all)")
	if err := parseFlags(fs, rest); err != nil {
		return exitUsage, err
	}
	if err := requireID(*id); err != nil {
		return exitUsage, err
	}
	batch, err := deps.ImportRepo.GetBatch(ctx, *id)
	if err != nil {
		return exitFailure, err
	}
	txs, err := deps.ImportRepo.ListTransactions(ctx, importrepo.TransactionFilter{UploadID: *id, Limit: *limit})
	if err != nil {
		return exitFailure, err
	}
	return done(a, uploadOutput{Batch: batch, Transactions: newTransactionOutputs(txs)})
}

func runCategories(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	sub, rest, err := subcommand("categories", args, "list", "color")
	if err != nil {
		return exitUsage, err
	}
	fs := newFlagSet(a, "categories "+sub)

	if sub == "list" {
		if err := parseFlags(fs, rest); err != nil {
			return exitUsage, err
		}
		cats, err := deps.ReportService.Categories(ctx)
		if err != nil {
			return exitFailure, err
		}
		return done(a, newCategoryOutputs(cats))
	}

	category := fs.String("category", "", "category name")
	color := fs.String("color", "", "display color as #RRGGBB")
	if err := parseFlags(fs, rest); err != nil {
		return exitUsage, err
	}
	if *category == "" || *color == "" {
		return exitUsage, usagef("--category and --color are required")
	}
	if err := deps.ReportService.SetCategoryColor(ctx, *category, *color); err != nil {
		return exitFailure, err
	}
	return done(a, map[string]string{"category": *category, "color": strings.ToUpper(strings.TrimSpace(*color))})
}

func runWatch(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	fs := newFlagSet(a, "watch")
	schedule := fs.String("schedule", deps.Config.Alerts.Schedule, "cron spec, e.g. @every 1h or 0 8 * * *")
	if err := parseFlags(fs, args); err != nil {
		return exitUsage, err
	}
	sched, err := alertservice.NewScheduler(deps.AlertService, *schedule)
	if err != nil {
		return exitUsage, usagef("%v", err)
	}
	if err := sched.Run(ctx); err != nil {
		return exitFailure, err
	}
	return exitOK, nil
}

func runMigrate(ctx context.Context, a *app, deps *Dependencies, args []string) (int, error) {
	fs := newFlagSet(a, "migrate")
	if err := parseFlags(fs, args); err != nil {
		return exitUsage, err
	}
	applied, err := deps.DB.AppliedMigrations(ctx)
	if err != nil {
		return exitFailure, err
	}
	return done(a, newMigrationOutputs(applied))
}
