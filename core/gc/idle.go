package gc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/cluster"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

// IdleConfig tunes the idle reconciler.
type IdleConfig struct {
	// EnvironmentIdleTimeout stops running environments untouched for this
	// long.
	EnvironmentIdleTimeout time.Duration

	// RunRetentionFloor deletes terminal runs older than this regardless of
	// retention policies.
	RunRetentionFloor time.Duration

	// StaleJobTimeout cleans up cluster jobs older than this whose run is
	// terminal or gone.
	StaleJobTimeout time.Duration
}

// IdleReconciler stops long-idle environments, deletes aged terminal runs,
// and cleans up orphaned cluster jobs.
type IdleReconciler struct {
	logger       lager.Logger
	runs         *store.Collection[core.Run]
	environments environment.Manager
	artifactRows *store.Collection[core.Artifact]
	llmMetrics   *store.Collection[core.LLMUsageMetric]
	artifacts    *artifact.Collector
	runtime      cluster.Runtime
	cfg          IdleConfig
	clock        clock.Clock
}

func NewIdleReconciler(
	logger lager.Logger,
	runs *store.Collection[core.Run],
	environments environment.Manager,
	artifactRows *store.Collection[core.Artifact],
	llmMetrics *store.Collection[core.LLMUsageMetric],
	artifacts *artifact.Collector,
	runtime cluster.Runtime,
	cfg IdleConfig,
	clock clock.Clock,
) *IdleReconciler {
	return &IdleReconciler{
		logger:       logger,
		runs:         runs,
		environments: environments,
		artifactRows: artifactRows,
		llmMetrics:   llmMetrics,
		artifacts:    artifacts,
		runtime:      runtime,
		cfg:          cfg,
		clock:        clock,
	}
}

// Run implements component.Runnable.
func (r *IdleReconciler) Run(ctx context.Context) error {
	_, err := r.Tick(ctx)
	return err
}

// Tick performs one reconciliation pass. Per-resource failures land in the
// sample's errors; the tick keeps going.
func (r *IdleReconciler) Tick(ctx context.Context) (core.ControllerMetrics, error) {
	logger := r.logger.Session("tick")
	logger.Info("start")
	defer logger.Info("end")

	ctx, span := tracing.StartSpan(ctx, "gc.idle-tick", nil)
	defer tracing.End(span, nil)

	started := r.clock.Now()
	var sample core.ControllerMetrics
	var errs *multierror.Error

	errs = multierror.Append(errs, r.stopIdleEnvironments(logger, &sample)...)
	errs = multierror.Append(errs, r.deleteAgedRuns(logger, &sample)...)
	errs = multierror.Append(errs, r.cleanStaleJobs(ctx, logger, &sample)...)

	sample.DurationSeconds = r.clock.Since(started).Seconds()
	for _, err := range errs.WrappedErrors() {
		sample.Errors = append(sample.Errors, err.Error())
	}

	metric.RecordControllerMetrics(ctx, sample)
	logger.Info("sample", lager.Data{
		"environments-stopped": sample.EnvironmentsStopped,
		"runs-deleted":         sample.RunsDeleted,
		"jobs-cleaned":         sample.JobsCleaned,
		"errors":               len(sample.Errors),
	})

	return sample, nil
}

// stopIdleEnvironments walks running environments whose updatedAt is older
// than the idle timeout down to stopped.
func (r *IdleReconciler) stopIdleEnvironments(logger lager.Logger, sample *core.ControllerMetrics) []error {
	if r.cfg.EnvironmentIdleTimeout <= 0 {
		return nil
	}

	running, err := r.environments.ListEnvironments("", core.EnvironmentStatusRunning)
	if err != nil {
		return []error{fmt.Errorf("listing running environments: %w", err)}
	}

	var errs []error
	cutoff := r.clock.Now().UTC().Add(-r.cfg.EnvironmentIdleTimeout)
	for _, env := range running {
		sample.EnvironmentsChecked++
		if !env.UpdatedAt.Before(cutoff) {
			continue
		}

		if _, err := r.environments.StopEnvironment(env.ID); err != nil {
			errs = append(errs, fmt.Errorf("stopping environment %s: %w", env.ID, err))
			continue
		}
		if _, err := r.environments.MarkStopped(env.ID); err != nil {
			errs = append(errs, fmt.Errorf("stopping environment %s: %w", env.ID, err))
			continue
		}

		sample.EnvironmentsStopped++
		logger.Info("stopped-idle-environment", lager.Data{"environment": env.ID})
	}
	return errs
}

// deleteAgedRuns removes terminal runs past the retention floor, cascading to
// their artifacts and usage metrics.
func (r *IdleReconciler) deleteAgedRuns(logger lager.Logger, sample *core.ControllerMetrics) []error {
	if r.cfg.RunRetentionFloor <= 0 {
		return nil
	}

	runs, err := r.runs.Find(func(run core.Run) bool {
		return run.IsTerminal()
	})
	if err != nil {
		return []error{fmt.Errorf("listing terminal runs: %w", err)}
	}

	var errs []error
	cutoff := r.clock.Now().UTC().Add(-r.cfg.RunRetentionFloor)
	for _, run := range runs {
		sample.RunsChecked++
		at := run.CreatedAt
		if run.CompletedAt != nil {
			at = *run.CompletedAt
		}
		if !at.Before(cutoff) {
			continue
		}

		if err := r.cascadeRun(logger, run.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		existed, err := r.runs.Delete(run.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting run %s: %w", run.ID, err))
			continue
		}
		if existed {
			sample.RunsDeleted++
		}
	}
	return errs
}

func (r *IdleReconciler) cascadeRun(logger lager.Logger, runID string) error {
	rows, err := r.artifactRows.Find(func(a core.Artifact) bool {
		return a.RunID == runID
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.artifacts.DeleteArtifact(row.ID); err != nil {
			logger.Error("failed-to-cascade-artifact", err, lager.Data{"artifact": row.ID})
		}
	}

	metrics, err := r.llmMetrics.Find(func(m core.LLMUsageMetric) bool {
		return m.RunID == runID
	})
	if err != nil {
		return err
	}
	for _, row := range metrics {
		if _, err := r.llmMetrics.Delete(row.ID); err != nil {
			logger.Error("failed-to-cascade-metric", err, lager.Data{"metric": row.ID})
		}
	}
	return nil
}

// cleanStaleJobs deletes managed run jobs whose run is terminal or gone and
// which have outlived the stale job timeout.
func (r *IdleReconciler) cleanStaleJobs(ctx context.Context, logger lager.Logger, sample *core.ControllerMetrics) []error {
	if r.cfg.StaleJobTimeout <= 0 {
		return nil
	}

	selector := fmt.Sprintf("%s=%s", cluster.ManagedByLabelKey, cluster.ManagedByValue)
	jobs, err := r.runtime.ListJobs(ctx, selector)
	if err != nil {
		if core.IsRetryable(err) {
			logger.Info("cluster-unavailable", lager.Data{"error": err.Error()})
			return nil
		}
		return []error{fmt.Errorf("listing jobs: %w", err)}
	}

	var errs []error
	cutoff := r.clock.Now().UTC().Add(-r.cfg.StaleJobTimeout)
	for _, job := range jobs {
		if !strings.HasPrefix(job.Name, core.RunJobPrefix) {
			continue
		}
		sample.JobsChecked++
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		if !r.jobIsStale(job) {
			continue
		}

		if err := r.runtime.DeleteJob(ctx, job.Name, nil); err != nil && !core.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting job %s: %w", job.Name, err))
			continue
		}
		sample.JobsCleaned++
		logger.Info("cleaned-stale-job", lager.Data{"job": job.Name})
	}
	return errs
}

// jobIsStale reports whether the job's run is terminal or absent.
func (r *IdleReconciler) jobIsStale(job cluster.JobStatus) bool {
	runID := job.Labels[cluster.RunIDLabelKey]
	if runID == "" {
		return true
	}
	run, found, err := r.runs.GetByID(runID)
	if err != nil || !found {
		return true
	}
	return run.IsTerminal()
}
