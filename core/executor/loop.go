package executor

import (
	"context"
	"sort"

	"code.cloudfoundry.org/lager/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/mellea-dev/playground/core"
)

// Run implements component.Runnable; the interval runner drives it.
func (e *Executor) Run(ctx context.Context) error {
	return e.Tick(ctx)
}

// Tick drains the queue and syncs in-flight runs. Queued runs submit in
// creation order; a run whose owner is at the concurrency cap is skipped,
// not removed, so it submits on a later tick once a slot frees up.
func (e *Executor) Tick(ctx context.Context) error {
	logger := e.logger.Session("tick")

	runs, err := e.runs.ListAll()
	if err != nil {
		return err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	var errs *multierror.Error
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}

		switch run.Status {
		case core.RunStatusQueued:
			if err := e.quota.CheckConcurrentRuns(run.OwnerID); err != nil {
				if core.IsQuotaExceeded(err) {
					continue
				}
				errs = multierror.Append(errs, err)
				continue
			}
			if err := e.SubmitRun(ctx, run.ID); err != nil {
				logger.Error("failed-to-submit", err, lager.Data{"run": run.ID})
				errs = multierror.Append(errs, err)
			}

		case core.RunStatusStarting, core.RunStatusRunning:
			if err := e.SyncRunStatus(ctx, run.ID); err != nil {
				logger.Error("failed-to-sync", err, lager.Data{"run": run.ID})
				errs = multierror.Append(errs, err)
			}
		}
	}

	return errs.ErrorOrNil()
}
