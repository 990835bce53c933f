package executor

import (
	"context"

	"code.cloudfoundry.org/lager/v3"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/tracing"
)

// CancelRun cancels a queued, starting, or running Run. A graceful cancel
// gives the job a termination grace period so the program can trap SIGTERM;
// force kills it immediately. Cancelling a terminal Run is an invalid
// transition, so repeated cancels are rejected rather than re-finalized.
func (e *Executor) CancelRun(ctx context.Context, runID string, force bool) error {
	logger := e.logger.Session("cancel-run", lager.Data{"run": runID, "force": force})

	ctx, span := tracing.StartSpan(ctx, "executor.cancel-run", tracing.Attrs{"run": runID})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	run, err := e.GetRun(runID)
	if err != nil {
		spanErr = err
		return err
	}

	if err := run.Status.ValidateTransition(core.RunStatusCancelled); err != nil {
		spanErr = err
		return err
	}

	// Queued runs have no job yet; they cancel without touching the cluster.
	if run.Status == core.RunStatusQueued {
		cancelled, err := e.transitionRun(run, core.RunStatusCancelled, func(r *core.Run) {
			r.ErrorMessage = "cancelled before start"
		})
		if err != nil {
			spanErr = err
			return err
		}
		e.finalizeRun(ctx, cancelled)
		logger.Info("cancelled-queued")
		return nil
	}

	if run.JobName != "" {
		grace := e.gracePeriodSeconds(run, force)
		if err := e.runtime.DeleteJob(ctx, run.JobName, &grace); err != nil && !core.IsNotFound(err) {
			spanErr = err
			return err
		}
	}

	message := "cancelled"
	if !force {
		message = "cancelled gracefully"
	}
	cancelled, err := e.transitionRun(run, core.RunStatusCancelled, func(r *core.Run) {
		r.ErrorMessage = message
	})
	if err != nil {
		spanErr = err
		return err
	}

	e.finalizeRun(ctx, cancelled)
	logger.Info("cancelled")
	return nil
}

// gracePeriodSeconds is zero for a force cancel; a graceful cancel waits the
// default grace period, capped by the run's own timeout.
func (e *Executor) gracePeriodSeconds(run core.Run, force bool) int64 {
	if force {
		return 0
	}

	grace := int64(defaultGracePeriod.Seconds())
	env, err := e.environments.GetEnvironment(run.EnvironmentID)
	if err != nil {
		return grace
	}
	limits := e.effectiveLimits(env)
	if limits.TimeoutSeconds > 0 && int64(limits.TimeoutSeconds) < grace {
		grace = int64(limits.TimeoutSeconds)
	}
	return grace
}
