package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirload/internal/executor"
	"github.com/roach88/fhirload/internal/journal"
	"github.com/roach88/fhirload/internal/store"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	ConfigPath string
	BaseURL    string
	Username   string
	Password   string
	Insecure   bool
	Timeout    time.Duration
	MaxRetries int
	// MaxRetriesSet distinguishes an explicit --max-retries 0 from the
	// flag being absent.
	MaxRetriesSet bool
	JournalPath   string
	Resume        bool
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <batch-dir>",
		Short: "Plan and execute a batch load against the store",
		Long: `Read a batch directory, compute the load plan, and execute it against
the FHIR store with idempotent PUT-by-id requests.

The run halts on the first unrecoverable failure; steps not attempted are
reported as skipped (or dependency-failed when their prerequisite failed).
Re-running the same batch is always safe. With --journal and --resume,
steps a previous run already landed are skipped.

Example:
  fhirload load --base-url http://localhost:8080/fhir ./demo-data
  fhirload load --config loader.yaml --journal ./loader.db --resume ./demo-data`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.MaxRetriesSet = cmd.Flags().Changed("max-retries")
			return runLoad(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "FHIR store base URL")
	cmd.Flags().StringVar(&opts.Username, "username", "", "basic auth username")
	cmd.Flags().StringVar(&opts.Password, "password", "", "basic auth password")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-request timeout (default 30s)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 3, "retries per step on transient store errors")
	cmd.Flags().StringVar(&opts.JournalPath, "journal", "", "path to SQLite run journal (optional)")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "skip steps already journaled for this batch (requires --journal)")

	return cmd
}

func runLoad(opts *LoadOptions, batchDir string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	if opts.Resume && opts.JournalPath == "" {
		return NewExitError(ExitCommandError, "--resume requires --journal")
	}

	var fileConfig *FileConfig
	if opts.ConfigPath != "" {
		var err error
		fileConfig, err = LoadFileConfig(opts.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	if !opts.MaxRetriesSet && (fileConfig == nil || fileConfig.MaxRetries == nil) {
		// The flag default applies when neither surface set a value.
		opts.MaxRetriesSet = true
	}

	client, err := store.NewClient(storeConfig(fileConfig, opts))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid store configuration", err)
	}

	// Plan first: planning errors abort side-effect-free.
	logger.Info("planning batch", "dir", batchDir)
	g, p, err := buildPlan(batchDir)
	if err != nil {
		reportPlanError(formatter, err)
		return WrapExitError(ExitCommandError, "planning failed", err)
	}
	for _, dangling := range g.Dangling {
		logger.Warn("dangling reference, not ordered",
			"from", dangling.From.String(), "to", dangling.To.String())
	}
	logger.Info("plan ready", "steps", len(p.Steps), "cycle_groups", len(g.Groups))

	var jnl *journal.Journal
	if opts.JournalPath != "" {
		jnl, err = journal.Open(opts.JournalPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := jnl.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
	}

	// Graceful shutdown: cancel between steps on SIGINT/SIGTERM. An
	// in-flight put finishes; it is never aborted mid-write.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, halting after current step", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	run, err := executor.Execute(ctx, p, client, executor.Options{
		Journal:     jnl,
		Resume:      opts.Resume,
		Fingerprint: p.Fingerprint(),
		Logger:      logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "run could not start", err)
	}

	if opts.Format == "json" {
		if err := formatter.Success(buildRunView(run)); err != nil {
			return err
		}
	} else {
		if err := formatter.Success(renderRunText(run)); err != nil {
			return err
		}
	}

	if !run.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s did not complete cleanly", run.ID))
	}
	return nil
}
