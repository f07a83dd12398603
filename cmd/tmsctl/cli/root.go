// Package cli implements tmsctl, the operator tool for numbering repair,
// statement imports and background job control.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/baltic-freight/tms/internal/app"
	"github.com/baltic-freight/tms/internal/backoffice"
	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/platform/cache"
	"github.com/baltic-freight/tms/internal/platform/db"
	"github.com/baltic-freight/tms/internal/shared"
)

// BackOffice is the subset of the back-office service tmsctl drives.
type BackOffice interface {
	AllocateSalesInvoiceNumber(ctx context.Context) (string, error)
	AllocateOrderNumber(ctx context.Context) (string, error)
	AllocateExpeditionNumber(ctx context.Context, kind numbering.ExpeditionKind) (string, error)
	FindNumberGaps(ctx context.Context, req backoffice.FormatRequest, maxGaps int) (backoffice.GapReport, error)
	ResyncSequence(ctx context.Context, req backoffice.FormatRequest) (numbering.ResyncResult, error)
	ImportBankCSV(ctx context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error)
	SweepOverdue(ctx context.Context, today time.Time) (overdue.Result, error)
}

// Opener builds a BackOffice and returns a func that releases it.
type Opener func(ctx context.Context) (BackOffice, func(), error)

// JobsOpener builds a queue client for the jobs commands.
type JobsOpener func() (JobsController, error)

type env struct {
	open     Opener
	openJobs JobsOpener
	actor    int64
	asJSON   bool
}

// NewRootCmd assembles the command tree.
func NewRootCmd(open Opener, openJobs JobsOpener) *cobra.Command {
	e := &env{open: open, openJobs: openJobs}
	rootCmd := &cobra.Command{
		Use:           "tmsctl",
		Short:         "Back-office maintenance for the TMS accounting core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Int64Var(&e.actor, "actor", 0, "user id recorded in the audit log")
	rootCmd.PersistentFlags().BoolVar(&e.asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(newNumbersCmd(e), newBankCmd(e), newOverdueCmd(e), newJobsCmd(e))
	return rootCmd
}

// Execute runs tmsctl against the configured database and exits on failure.
func Execute() {
	rootCmd := NewRootCmd(openFromConfig, openJobsFromConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openFromConfig(ctx context.Context) (BackOffice, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	closers := []func(){pool.Close}
	deps := app.CoreDeps{Config: cfg, Pool: pool, Logger: logger}
	// Redis only guards concurrent imports; the tool still works without it.
	if client, err := cache.New(ctx, cfg.RedisAddr); err == nil {
		deps.Redis = client
		closers = append(closers, func() { _ = client.Close() })
	} else {
		logger.Warn("redis unavailable, running without import lock", slog.Any("error", err))
	}
	core, err := app.NewCore(deps)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return core.BackOffice, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func (e *env) withBackOffice(cmd *cobra.Command, fn func(ctx context.Context, bo BackOffice) error) error {
	ctx := shared.ContextWithActor(cmd.Context(), e.actor)
	bo, release, err := e.open(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return fn(ctx, bo)
}

func (e *env) print(w io.Writer, v any, text func(io.Writer)) error {
	if e.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
