package executor

import (
	"context"
	"fmt"
	"io"

	"code.cloudfoundry.org/lager/v3"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/cluster"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/metric"
)

// maxLogCaptureBytes bounds how much of a job's log stream is read back
// when a run completes.
const maxLogCaptureBytes = 4 * 1024 * 1024

// SyncRunStatus reconciles one Run against its cluster job. Terminal runs
// are skipped; unknown job phases are logged and ignored; transient cluster
// errors leave the Run untouched for the next tick.
func (e *Executor) SyncRunStatus(ctx context.Context, runID string) error {
	logger := e.logger.Session("sync-run-status", lager.Data{"run": runID})

	run, err := e.GetRun(runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}
	if run.JobName == "" {
		return nil
	}

	status, err := e.runtime.GetJobStatus(ctx, run.JobName)
	if err != nil {
		if core.IsRetryable(err) {
			logger.Info("cluster-unavailable", lager.Data{"error": err.Error()})
			return nil
		}
		if core.IsNotFound(err) {
			return e.failRun(ctx, run, fmt.Sprintf("cluster job %s disappeared", run.JobName))
		}
		return err
	}

	switch status.Phase {
	case cluster.JobPending:
		return nil

	case cluster.JobRunning:
		if run.Status != core.RunStatusStarting {
			return nil
		}
		if _, err := e.transitionRun(run, core.RunStatusRunning, nil); err != nil {
			return err
		}
		e.markEnvironmentRunning(run.EnvironmentID, status.PodName)
		return nil

	case cluster.JobSucceeded:
		exitCode := 0
		if status.ExitCode != nil {
			exitCode = *status.ExitCode
		}
		// A non-zero exit is a failed run even when the job object reports
		// completion.
		if exitCode != 0 {
			return e.finishRun(ctx, run, core.RunStatusFailed, &exitCode,
				fmt.Sprintf("program exited with code %d", exitCode))
		}
		return e.finishRun(ctx, run, core.RunStatusSucceeded, &exitCode, "")

	case cluster.JobFailed:
		return e.finishRun(ctx, run, core.RunStatusFailed, status.ExitCode, status.ErrorMessage)

	default:
		logger.Info("unknown-job-phase", lager.Data{"phase": string(status.Phase)})
		return nil
	}
}

// finishRun drives a run to a terminal status and performs the terminal
// bookkeeping.
func (e *Executor) finishRun(ctx context.Context, run core.Run, to core.RunStatus, exitCode *int, errorMessage string) error {
	finished, err := e.transitionRun(run, to, func(r *core.Run) {
		r.ExitCode = exitCode
		if errorMessage != "" {
			r.ErrorMessage = errorMessage
		}
	})
	if err != nil {
		return err
	}
	e.finalizeRun(ctx, finished)
	return nil
}

// finalizeRun performs the post-terminal pipeline: capture output, store the
// output artifact, record CPU hours, publish the completion log entry,
// notify, tear down the job and environment. Each step is best-effort; a
// failure is logged and the rest still runs. The completion entry is
// published exactly once, after the terminal status has been persisted.
func (e *Executor) finalizeRun(ctx context.Context, run core.Run) {
	logger := e.logger.Session("finalize-run", lager.Data{"run": run.ID, "status": string(run.Status)})
	logger.Info("start")
	defer logger.Info("end")

	env, envErr := e.environments.GetEnvironment(run.EnvironmentID)

	output := e.captureOutput(ctx, run)
	if len(output) > 0 {
		tail := output
		if len(tail) > outputTailBytes {
			tail = tail[len(tail)-outputTailBytes:]
		}
		run.Output = string(tail)

		stored, err := e.artifacts.CollectArtifact(run.ID, run.OwnerID, "stdout.log", output, e.limits, artifact.CollectOptions{
			Type:     core.ArtifactTypeOutput,
			MimeType: "text/plain",
		})
		if err != nil {
			logger.Error("failed-to-store-output-artifact", err)
		} else {
			run.OutputPath = stored.StoragePath
		}

		if _, found, err := e.runs.Update(run.ID, run); err != nil || !found {
			logger.Error("failed-to-save-output", err)
		}
	}

	if run.StartedAt != nil && run.CompletedAt != nil {
		cores := float64(1)
		if envErr == nil {
			cores = e.cpuCores(env)
		}
		hours := run.CPUHours(cores)
		if err := e.quota.RecordCPUHours(run.OwnerID, hours); err != nil {
			logger.Error("failed-to-record-cpu-hours", err)
		}
		metric.RecordRunDuration(ctx, run.CompletedAt.Sub(*run.StartedAt), string(run.Status))
	}

	if _, err := e.bus.PublishLogs(ctx, run.ID, "", true); err != nil {
		logger.Error("failed-to-publish-completion", err)
	}

	e.notifier.NotifyRunCompleted(ctx, run.OwnerID, run.ID, run.Status)

	if run.JobName != "" {
		if err := e.runtime.DeleteJob(ctx, run.JobName, nil); err != nil {
			logger.Error("failed-to-delete-job", err)
		}
	}

	if envErr == nil {
		e.retireEnvironment(env, run.JobName)
	}
}

// captureOutput reads the job's log stream, bounded. Returns nil when no
// job exists or the stream is unavailable.
func (e *Executor) captureOutput(ctx context.Context, run core.Run) []byte {
	if run.JobName == "" {
		return nil
	}

	stream, err := e.runtime.StreamLogs(ctx, run.JobName)
	if err != nil {
		e.logger.Error("failed-to-stream-logs", err, lager.Data{"run": run.ID})
		return nil
	}
	defer stream.Close()

	output, err := io.ReadAll(io.LimitReader(stream, maxLogCaptureBytes))
	if err != nil {
		e.logger.Error("failed-to-read-logs", err, lager.Data{"run": run.ID})
	}
	return output
}

// markEnvironmentRunning records that the environment's container started.
func (e *Executor) markEnvironmentRunning(environmentID, podName string) {
	env, err := e.environments.GetEnvironment(environmentID)
	if err != nil {
		return
	}
	if env.Status != core.EnvironmentStatusStarting {
		return
	}
	if _, err := e.environments.MarkRunning(environmentID, podName); err != nil {
		e.logger.Error("failed-to-mark-environment-running", err, lager.Data{"environment": environmentID})
	}
}

// retireEnvironment walks a consumed environment to stopped through the
// allowed transitions. Fast runs can finish while the environment is still
// in starting; it passes through running on the way down, recording the
// run's job as the container reference so a running environment always has
// one.
func (e *Executor) retireEnvironment(env core.Environment, jobRef string) {
	logger := e.logger.Session("retire-environment", lager.Data{"environment": env.ID})

	step := func(to core.EnvironmentStatus, update environment.StatusUpdate) bool {
		updated, err := e.environments.UpdateStatus(env.ID, to, update)
		if err != nil {
			logger.Error("failed-to-retire", err, lager.Data{"to": string(to)})
			return false
		}
		env = updated
		return true
	}

	for env.Status != core.EnvironmentStatusStopped {
		switch env.Status {
		case core.EnvironmentStatusStarting:
			update := environment.StatusUpdate{}
			if env.ContainerID == "" {
				update.ContainerID = jobRef
			}
			if !step(core.EnvironmentStatusRunning, update) {
				return
			}
		case core.EnvironmentStatusRunning:
			if !step(core.EnvironmentStatusStopping, environment.StatusUpdate{}) {
				return
			}
		case core.EnvironmentStatusStopping:
			if !step(core.EnvironmentStatusStopped, environment.StatusUpdate{}) {
				return
			}
		default:
			return
		}
	}
}
