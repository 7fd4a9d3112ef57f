// Package executor runs a plan against the store, strictly in order. Order
// is a correctness requirement: later steps depend on the store-visible
// effect of earlier ones, so there is no concurrency here by design.
//
// Failure policy is halt-on-failure: after the first unrecoverable step
// failure no further network calls are made. Remaining steps are reported
// DependencyFailed when a prerequisite failed, Skipped otherwise. Already
// written resources stay written; idempotent puts make re-running the batch
// (or resuming via the journal) the recovery path.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/fhirload/internal/fhir"
	"github.com/roach88/fhirload/internal/journal"
	"github.com/roach88/fhirload/internal/plan"
	"github.com/roach88/fhirload/internal/report"
	"github.com/roach88/fhirload/internal/store"
)

// ErrRunInProgress is returned when a second Execute starts while one is
// already running in this process. The loader is a one-shot tool; concurrent
// runs over the same identities would race the ordering invariant.
var ErrRunInProgress = errors.New("a load run is already in progress")

// running is the process-scoped exclusive run lock.
var running atomic.Bool

// Putter is the store operation the executor needs.
type Putter interface {
	PutByID(ctx context.Context, target fhir.Identity, payload []byte) (store.Result, error)
}

// Options tune a run.
type Options struct {
	// Journal, when non-nil, records every step outcome durably.
	Journal *journal.Journal
	// Resume skips steps a previous journaled run over the same batch
	// fingerprint already landed. Requires Journal.
	Resume bool
	// Fingerprint scopes journal entries to this exact plan.
	Fingerprint string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Execute runs every step of the plan sequentially and returns the
// accumulated run report. A non-nil error means the run could not start at
// all (run lock, journal); step-level failures are reported in the Run.
//
// Cancellation is observed between steps: an in-flight put is allowed to
// finish (bounded by the client timeout) so a stub is never left
// half-written, and all steps not yet attempted are reported Skipped.
func Execute(ctx context.Context, p *plan.Plan, client Putter, opts Options) (*report.Run, error) {
	if !running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer running.Store(false)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	run := report.NewRun()
	logger.Info("run starting", "run_id", run.ID, "steps", len(p.Steps))

	if opts.Journal != nil {
		if err := opts.Journal.BeginRun(ctx, run.ID, opts.Fingerprint); err != nil {
			return nil, err
		}
	}

	// poisoned marks steps that failed or were dependency-failed; any step
	// requiring a poisoned step is itself DependencyFailed, transitively.
	poisoned := make(map[plan.StepRef]bool)
	halted := false

	for _, step := range p.Steps {
		ref := plan.StepRef{Target: step.Target, Mode: step.Mode}

		if !halted && ctx.Err() != nil {
			halted = true
			logger.Info("run cancelled, skipping remaining steps", "run_id", run.ID)
		}

		if halted {
			result := report.Result{Target: step.Target, Mode: string(step.Mode), Status: report.StatusSkipped}
			if requiresPoisoned(step, poisoned) {
				result.Status = report.StatusDependencyFailed
				poisoned[ref] = true
			}
			record(ctx, run, opts, result)
			continue
		}

		if opts.Resume && opts.Journal != nil {
			done, err := opts.Journal.Done(ctx, opts.Fingerprint, step.Target, string(step.Mode))
			if err != nil {
				logger.Warn("journal lookup failed, re-executing step", "step", step.String(), "error", err)
			} else if done {
				logger.Info("step already journaled, skipping", "step", step.String())
				record(ctx, run, opts, report.Result{
					Target: step.Target, Mode: string(step.Mode), Status: report.StatusUnchanged,
				})
				continue
			}
		}

		logger.Info("executing step", "step", step.String())
		putResult, err := client.PutByID(ctx, step.Target, step.Payload)
		if err != nil {
			halted = true
			result := report.Result{
				Target:   step.Target,
				Mode:     string(step.Mode),
				Attempts: putResult.Attempts,
				Err:      err.Error(),
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// Cancelled before the put landed; nothing failed, nothing
				// is poisoned.
				result.Status = report.StatusSkipped
				logger.Info("step cancelled", "step", step.String())
			} else {
				result.Status = report.StatusFailed
				poisoned[ref] = true
				logger.Error("step failed", "step", step.String(), "attempts", putResult.Attempts, "error", err)
			}
			record(ctx, run, opts, result)
			continue
		}

		status := report.StatusUpdated
		if putResult.Outcome == store.OutcomeCreated {
			status = report.StatusCreated
		}
		logger.Info("step succeeded", "step", step.String(), "status", string(status), "attempts", putResult.Attempts)
		record(ctx, run, opts, report.Result{
			Target:   step.Target,
			Mode:     string(step.Mode),
			Status:   status,
			Attempts: putResult.Attempts,
		})
	}

	run.Finished = time.Now().UTC()

	if opts.Journal != nil {
		// The journal must outlive cancellation; otherwise a cancelled run
		// would lose the outcomes it already collected.
		if err := opts.Journal.FinishRun(context.WithoutCancel(ctx), run.ID); err != nil {
			logger.Warn("could not finalize journal run", "run_id", run.ID, "error", err)
		}
	}

	logger.Info("run finished", "run_id", run.ID, "ok", run.OK())
	return run, nil
}

func requiresPoisoned(step plan.Step, poisoned map[plan.StepRef]bool) bool {
	for _, ref := range step.Requires {
		if poisoned[ref] {
			return true
		}
	}
	return false
}

// record appends to the in-memory run and, when enabled, the journal.
// Journal write failures degrade to a log line; the run itself proceeds.
func record(ctx context.Context, run *report.Run, opts Options, result report.Result) {
	run.Record(result)
	if opts.Journal == nil {
		return
	}
	err := opts.Journal.RecordStep(context.WithoutCancel(ctx), run.ID, result.Target, result.Mode, string(result.Status), result.Attempts)
	if err != nil {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("journal write failed", "target", result.Target.String(), "error", err)
	}
}
