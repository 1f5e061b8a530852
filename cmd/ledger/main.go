// Command ledger ingests transaction files into the local store, evaluates
// alert rules and prints reports as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
	"github.com/FACorreiaa/finance-ledger/pkg/config"
	"github.com/FACorreiaa/finance-ledger/pkg/logging"
	"github.com/FACorreiaa/finance-ledger/pkg/observability"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
	exitUsage   = 64
)

// usageError marks a bad invocation.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// app carries what a single invocation writes to and reads time from.
type app struct {
	stdout io.Writer
	stderr io.Writer
	clock  common.Clock
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{stdout: os.Stdout, stderr: os.Stderr, clock: common.SystemClock{}}
	code := a.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		a.usage()
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(a.stderr, "unknown command %q\n\n", name)
		a.usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(a.stderr, "failed to load config: %v\n", err)
		return exitFailure
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.stderr}).
		With().Str("command", name).Logger()
	ctx = logging.WithContext(ctx, logger)

	deps, err := InitDependencies(ctx, cfg, logger, a.clock)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize dependencies")
		return exitFailure
	}
	defer deps.Cleanup()

	code, err := cmd.run(ctx, a, deps, args[1:])
	if err != nil {
		code = a.report(logger, name, err)
	}

	if err := observability.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn().Err(err).Msg("failed to write metrics")
	}
	return code
}

// report logs err and maps it to an exit code.
func (a *app) report(logger zerolog.Logger, name string, err error) int {
	var ue *usageError
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &ue):
		fmt.Fprintf(a.stderr, "%s: %v\n", name, err)
		return exitUsage
	case errors.Is(err, common.ErrBadRequest), errors.Is(err, engine.ErrMalformedRule):
		fmt.Fprintf(a.stderr, "%s: %v\n", name, err)
		return exitUsage
	default:
		logger.Error().Err(err).Msg("command failed")
		return exitFailure
	}
}

func (a *app) usage() {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("usage: ledger <command> [flags]\n\ncommands:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "  %-16s %s\n", n, commands[n].summary)
	}
	b.WriteString("\nRun 'ledger <command> -h' for command flags.\n")
	fmt.Fprint(a.stderr, b.String())
}
