package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/notifier"
	alertrepo "github.com/FACorreiaa/finance-ledger/internal/domain/alert/repository"
	alertservice "github.com/FACorreiaa/finance-ledger/internal/domain/alert/service"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	importrepo "github.com/FACorreiaa/finance-ledger/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/finance-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/finance-ledger/internal/domain/import/source"
	reportrepo "github.com/FACorreiaa/finance-ledger/internal/domain/report/repository"
	reportservice "github.com/FACorreiaa/finance-ledger/internal/domain/report/service"
	"github.com/FACorreiaa/finance-ledger/pkg/config"
	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger zerolog.Logger
	Core   common.CoreContext

	// Repositories
	ImportRepo importrepo.ImportRepository
	AlertRepo  alertrepo.AlertRepository
	ReportRepo reportrepo.ReportRepository

	// Services
	ImportService *importservice.ImportService
	AlertService  *alertservice.AlertService
	ReportService *reportservice.ReportService
}

// InitDependencies opens the store, applies migrations and wires services.
func InitDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger, clock common.Clock) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to resolve store timezone: %w", err)
	}
	deps.Core = common.NewCoreContext(deps.DB, clock, logger, loc)

	deps.initRepositories()
	deps.initServices()

	logger.Debug().Msg("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase opens the store file and runs migrations
func (d *Dependencies) initDatabase(ctx context.Context) error {
	database, err := db.New(ctx, db.Config{
		Path:        d.Config.Store.Path,
		BusyTimeout: time.Duration(d.Config.Store.BusyTimeoutMS) * time.Millisecond,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(ctx); err != nil {
		d.DB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Debug().Str("path", d.Config.Store.Path).Msg("store opened and migrations completed")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.ImportRepo = importrepo.NewSQLiteImportRepository(d.DB)
	d.AlertRepo = alertrepo.NewSQLiteAlertRepository(d.DB)
	d.ReportRepo = reportrepo.NewSQLiteReportRepository(d.DB)
}

func (d *Dependencies) initServices() {
	d.ImportService = importservice.NewImportService(d.Core, d.ImportRepo, source.DefaultRegistry(), importservice.Config{
		ScratchDir: d.Config.Ingest.ScratchDir,
		Workers:    d.Config.WorkerCount(),
		DetailCap:  d.Config.Ingest.MessageDetailCap,
	})

	alertLogger := d.Logger.With().Str("component", "alerts").Logger()
	email := notifier.NewEmailNotifier(notifier.EmailConfig{
		Host:          d.Config.Email.Host,
		Port:          d.Config.Email.Port,
		Username:      d.Config.Email.Username,
		Password:      d.Config.Email.Password,
		From:          d.Config.Email.From,
		To:            splitList(d.Config.Email.To),
		RatePerMinute: d.Config.Email.RatePerMinute,
	}, nil)
	if !email.Enabled() {
		d.Logger.Debug().Msg("email channel disabled, SMTP not configured")
	}
	dispatcher := notifier.NewDispatcher(alertLogger, notifier.NewLogNotifier(alertLogger), email)

	d.AlertService = alertservice.NewAlertService(d.Core, d.AlertRepo, engine.New(alertLogger), dispatcher, alertservice.Config{
		EvalBudget: d.Config.EvalBudget(),
	})
	d.ReportService = reportservice.NewReportService(d.Core, d.ReportRepo)
}

// Cleanup closes the store.
func (d *Dependencies) Cleanup() {
	if d.DB == nil {
		return
	}
	if err := d.DB.Close(); err != nil {
		d.Logger.Error().Err(err).Msg("failed to close store")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
