package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"bilbo/internal/app"
	"bilbo/internal/config"
	"bilbo/internal/logging"
	"bilbo/internal/services"
)

const (
	exitBatchError = 1
	exitDocFailed  = 2
)

type options struct {
	dataDir     string
	workers     int
	failOnError bool
	json        bool
}

// exitError carries a process exit code out of RunE
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout))
}

func execute(args []string, stdout io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.code == exitBatchError {
				log.Error().Err(ee.err).Msg("import failed")
			}
			return ee.code
		}
		log.Error().Err(err).Msg("import failed")
		return exitBatchError
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "bilbo-import",
		Short: "Import markdown manuscripts into the Bilbo library",
		Long: `Imports every *.md file of the data directory into PostgreSQL and the
vector index, then moves each file to processed/ or failed/.

Exit status is 1 when the batch could not run and, with --fail-on-error,
2 when at least one document failed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, stdout)
		},
	}

	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "directory holding the manuscripts (default $DATA_DIR)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "documents processed in parallel (default $INGEST_WORKERS)")
	cmd.Flags().BoolVar(&opts.failOnError, "fail-on-error", false, "exit with status 2 when a document fails")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the batch report as JSON")
	return cmd
}

func runImport(cmd *cobra.Command, opts options, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: exitBatchError, err: fmt.Errorf("failed to load config: %w", err)}
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = opts.dataDir
	}
	if cmd.Flags().Changed("workers") {
		cfg.IngestWorkers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitBatchError, err: err}
	}
	logging.Setup(cfg.LogLevel)

	application, err := app.New(cfg, nil)
	if err != nil {
		return &exitError{code: exitBatchError, err: err}
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := application.Ingestion.ImportDirectory(ctx)
	if report != nil {
		if werr := writeReport(stdout, report, opts.json); werr != nil {
			log.Warn().Err(werr).Msg("failed to write report")
		}
	}
	if err != nil {
		return &exitError{code: exitBatchError, err: err}
	}
	if opts.failOnError && report.HasFailures() {
		return &exitError{code: exitDocFailed, err: fmt.Errorf("%d document(s) failed", report.Failed)}
	}
	return nil
}

func writeReport(w io.Writer, report *services.BatchReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, f := range report.Files {
		line := fmt.Sprintf("%-9s %s", f.Outcome, f.File)
		if f.Reference != "" {
			line += " (" + f.Reference + ")"
		}
		if f.Error != "" {
			line += ": " + f.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, warn := range f.Warnings {
			if _, err := fmt.Fprintln(w, "          warning: "+warn); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "%d imported, %d updated, %d skipped, %d failed\n",
		report.Imported, report.Updated, report.Skipped, report.Failed)
	return err
}
