package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/cluster"
	"github.com/mellea-dev/playground/core/creds"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/logbus"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/notify"
	"github.com/mellea-dev/playground/core/quota"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

const (
	// outputTailBytes bounds the stdout tail kept on the Run record. The
	// full log goes to an output artifact.
	outputTailBytes = 64 * 1024

	// defaultGracePeriod is how long a graceful cancel waits for SIGTERM
	// to take effect before escalating.
	defaultGracePeriod = 30 * time.Second
)

// Config tunes the executor.
type Config struct {
	// APIURL is handed to run jobs as MELLEA_API_URL.
	APIURL string

	// SubmitTimeout bounds one submission; on timeout the Run fails.
	SubmitTimeout time.Duration
}

// Executor drives Runs from queued to terminal status. It is the sole
// writer of Run state: every transition goes through the state machine, in
// one loop goroutine, so transitions for any one Run are totally ordered.
type Executor struct {
	logger       lager.Logger
	runs         *store.Collection[core.Run]
	programs     *store.Collection[core.Program]
	environments environment.Manager
	quota        quota.Engine
	runtime      cluster.Runtime
	engine       *build.Engine
	bus          *logbus.Bus
	artifacts    *artifact.Collector
	resolver     creds.Resolver
	notifier     notify.Notifier
	limits       core.QuotaLimits
	cfg          Config
	clock        clock.Clock

	// buildsInFlight tracks programs whose image build this executor has
	// kicked off, so a queued run does not start one per tick. The build
	// goroutines clear their own flag, so access is mutex-guarded.
	buildsMu       sync.Mutex
	buildsInFlight map[string]bool
}

func NewExecutor(
	logger lager.Logger,
	runs *store.Collection[core.Run],
	programs *store.Collection[core.Program],
	environments environment.Manager,
	quotaEngine quota.Engine,
	runtime cluster.Runtime,
	buildEngine *build.Engine,
	bus *logbus.Bus,
	artifacts *artifact.Collector,
	resolver creds.Resolver,
	notifier notify.Notifier,
	limits core.QuotaLimits,
	cfg Config,
	clock clock.Clock,
) *Executor {
	return &Executor{
		logger:         logger,
		runs:           runs,
		programs:       programs,
		environments:   environments,
		quota:          quotaEngine,
		runtime:        runtime,
		engine:         buildEngine,
		bus:            bus,
		artifacts:      artifacts,
		resolver:       resolver,
		notifier:       notifier,
		limits:         limits,
		cfg:            cfg,
		clock:          clock,
		buildsInFlight: map[string]bool{},
	}
}

// CreateRun admits a new Run after the quota pre-checks, binds it to a ready
// Environment when the warm pool has one for the program, and leaves it
// queued for the loop to submit.
func (e *Executor) CreateRun(ownerID, programID string, credentialIDs []string) (core.Run, error) {
	logger := e.logger.Session("create-run", lager.Data{"owner": ownerID, "program": programID})

	program, found, err := e.programs.GetByID(programID)
	if err != nil {
		return core.Run{}, err
	}
	if !found {
		return core.Run{}, core.NewNotFound("program", programID)
	}

	if err := e.quota.CheckCanCreateRun(ownerID); err != nil {
		return core.Run{}, err
	}

	env, err := e.bindEnvironment(program)
	if err != nil {
		return core.Run{}, err
	}

	run := core.Run{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		EnvironmentID: env.ID,
		ProgramID:     programID,
		Status:        core.RunStatusQueued,
		CreatedAt:     e.clock.Now().UTC(),
		CredentialIDs: credentialIDs,
	}
	if err := e.runs.Create(run); err != nil {
		return core.Run{}, err
	}

	if err := e.quota.RecordRunCreated(ownerID); err != nil {
		logger.Error("failed-to-record-run-created", err)
	}

	logger.Info("queued", lager.Data{"run": run.ID, "environment": env.ID})
	return run, nil
}

// GetRun returns one Run.
func (e *Executor) GetRun(id string) (core.Run, error) {
	run, found, err := e.runs.GetByID(id)
	if err != nil {
		return core.Run{}, err
	}
	if !found {
		return core.Run{}, core.NewNotFound("run", id)
	}
	return run, nil
}

// ListRuns filters runs by program and status; empty values mean no filter.
func (e *Executor) ListRuns(programID string, status core.RunStatus) ([]core.Run, error) {
	return e.runs.Find(func(r core.Run) bool {
		if programID != "" && r.ProgramID != programID {
			return false
		}
		if status != "" && r.Status != status {
			return false
		}
		return true
	})
}

// SubmitRun takes a queued Run to starting and creates its cluster job. A
// Run whose image is still building is left queued for a later tick.
func (e *Executor) SubmitRun(ctx context.Context, runID string) error {
	logger := e.logger.Session("submit-run", lager.Data{"run": runID})

	ctx, span := tracing.StartSpan(ctx, "executor.submit-run", tracing.Attrs{"run": runID})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	if e.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()
	}

	run, err := e.GetRun(runID)
	if err != nil {
		spanErr = err
		return err
	}
	if run.Status != core.RunStatusQueued {
		spanErr = core.NewInvalidStateTransition("run", string(run.Status), string(core.RunStatusStarting))
		return spanErr
	}

	env, err := e.environments.GetEnvironment(run.EnvironmentID)
	if err != nil {
		if core.IsNotFound(err) {
			return e.failRun(ctx, run, fmt.Sprintf("environment %s missing", run.EnvironmentID))
		}
		spanErr = err
		return err
	}
	if env.ProgramID != run.ProgramID {
		return e.failRun(ctx, run, "environment belongs to a different program")
	}

	if env.ImageTag == "" {
		ready, failReason, err := e.awaitImage(ctx, run, &env)
		if err != nil {
			spanErr = err
			return err
		}
		if failReason != "" {
			return e.failRun(ctx, run, failReason)
		}
		if !ready {
			return nil
		}
	}

	if env.Status == core.EnvironmentStatusCreating {
		env, err = e.environments.MarkReady(env.ID)
		if err != nil {
			spanErr = err
			return err
		}
	}

	// The job name is assigned before creation so a crash in between still
	// leaves a traceable record.
	jobName := core.RunJobName(env.ID)
	run, err = e.transitionRun(run, core.RunStatusStarting, func(r *core.Run) {
		r.JobName = jobName
	})
	if err != nil {
		spanErr = err
		return err
	}

	if env.Status == core.EnvironmentStatusReady {
		if _, err := e.environments.StartEnvironment(env.ID); err != nil {
			logger.Error("failed-to-claim-environment", err)
		}
	}

	spec, err := e.buildJobSpec(ctx, run, env)
	if err != nil {
		logger.Error("failed-to-build-job-spec", err)
		return e.failRun(ctx, run, err.Error())
	}

	if _, err := e.runtime.CreateJob(ctx, spec); err != nil {
		logger.Error("failed-to-create-job", err)
		return e.failRun(ctx, run, err.Error())
	}

	metric.RecordRunSubmitted(ctx)
	logger.Info("submitted", lager.Data{"job": jobName})
	return nil
}

// bindEnvironment claims a ready environment for the program, or records a
// fresh one. The fresh record carries the program's image tag when the image
// is already built; otherwise the tag stays empty until the build finishes.
func (e *Executor) bindEnvironment(program core.Program) (core.Environment, error) {
	ready, err := e.environments.ListEnvironments(program.ID, core.EnvironmentStatusReady)
	if err != nil {
		return core.Environment{}, err
	}
	if len(ready) > 0 {
		return ready[0], nil
	}

	imageTag := ""
	if program.ImageBuildStatus == core.ImageBuildReady {
		imageTag = program.ImageTag
	}

	limits := program.ResourceProfile
	return e.environments.CreateEnvironment(program.ID, imageTag, &limits)
}

// awaitImage resolves a pending image for the run's environment. It returns
// ready=true once the environment carries a tag, a failure reason when the
// build failed, or (false, "", nil) when the run should stay queued.
func (e *Executor) awaitImage(ctx context.Context, run core.Run, env *core.Environment) (bool, string, error) {
	program, found, err := e.programs.GetByID(run.ProgramID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, fmt.Sprintf("program %s missing", run.ProgramID), nil
	}

	switch program.ImageBuildStatus {
	case core.ImageBuildReady:
		updated, err := e.environments.SetImageTag(env.ID, program.ImageTag)
		if err != nil {
			return false, "", err
		}
		*env = updated
		return true, "", nil
	case core.ImageBuildFailed:
		return false, fmt.Sprintf("image build failed: %s", program.ImageBuildError), nil
	case core.ImageBuildBuilding:
		return false, "", nil
	default:
		e.kickBuild(ctx, program.ID)
		return false, "", nil
	}
}

// kickBuild starts an image build in the background, at most one per
// program; the engine's own coalescing covers racing executors.
func (e *Executor) kickBuild(ctx context.Context, programID string) {
	e.buildsMu.Lock()
	if e.buildsInFlight[programID] {
		e.buildsMu.Unlock()
		return
	}
	e.buildsInFlight[programID] = true
	e.buildsMu.Unlock()

	logger := e.logger.Session("kick-build", lager.Data{"program": programID})
	logger.Info("start")

	go func() {
		defer func() {
			e.buildsMu.Lock()
			e.buildsInFlight[programID] = false
			e.buildsMu.Unlock()
		}()

		result, err := e.engine.BuildImage(context.WithoutCancel(ctx), programID, false, true)
		if err != nil {
			logger.Error("failed-to-build", err)
			return
		}
		if !result.Success {
			logger.Info("build-failed", lager.Data{"error": result.ErrorMessage})
		}
	}()
}

func (e *Executor) buildJobSpec(ctx context.Context, run core.Run, env core.Environment) (cluster.JobSpec, error) {
	limits := e.effectiveLimits(env)

	var mounts []cluster.SecretMount
	for _, credentialID := range run.CredentialIDs {
		secretName, err := e.resolver.ResolveToSecretName(ctx, credentialID)
		if err != nil {
			return cluster.JobSpec{}, fmt.Errorf("resolving credential %s: %w", credentialID, err)
		}
		if secretName == "" {
			continue
		}
		mounts = append(mounts, cluster.SecretMount{SecretName: secretName})
	}

	return cluster.JobSpec{
		Name:  run.JobName,
		Image: env.ImageTag,
		Env: map[string]string{
			"MELLEA_RUN_ID":  run.ID,
			"MELLEA_API_URL": e.cfg.APIURL,
		},
		Labels: map[string]string{
			cluster.RunIDLabelKey: run.ID,
		},
		SecretMounts:          mounts,
		CPULimit:              limits.CPULimit,
		MemoryLimit:           limits.MemoryLimit,
		EphemeralStorageLimit: limits.EphemeralStorageLimit,
		ActiveDeadlineSeconds: int64(limits.TimeoutSeconds),
	}, nil
}

// effectiveLimits resolves the run's resource limits: the environment's own,
// falling back to the program's profile.
func (e *Executor) effectiveLimits(env core.Environment) core.ResourceLimits {
	if env.ResourceLimits != nil {
		return *env.ResourceLimits
	}
	program, found, err := e.programs.GetByID(env.ProgramID)
	if err != nil || !found {
		return core.ResourceLimits{}
	}
	return program.ResourceProfile
}

// cpuCores parses the environment's CPU limit as a Kubernetes quantity; an
// absent or unparseable limit counts as one core.
func (e *Executor) cpuCores(env core.Environment) float64 {
	limits := e.effectiveLimits(env)
	if limits.CPULimit == "" {
		return 1
	}
	quantity, err := resource.ParseQuantity(limits.CPULimit)
	if err != nil {
		return 1
	}
	cores := quantity.AsApproximateFloat64()
	if cores <= 0 {
		return 1
	}
	return cores
}

// transitionRun is the sole mutation path for Run state. It validates the
// transition, stamps startedAt on entry to running and completedAt on any
// terminal entry, applies mutate, and persists.
func (e *Executor) transitionRun(run core.Run, to core.RunStatus, mutate func(*core.Run)) (core.Run, error) {
	if err := run.Status.ValidateTransition(to); err != nil {
		return core.Run{}, err
	}

	now := e.clock.Now().UTC()
	run.Status = to
	if to == core.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.IsTerminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&run)
	}

	updated, found, err := e.runs.Update(run.ID, run)
	if err != nil {
		return core.Run{}, err
	}
	if !found {
		return core.Run{}, core.NewNotFound("run", run.ID)
	}
	return updated, nil
}

// failRun transitions a run to failed with the given message and performs
// the terminal bookkeeping.
func (e *Executor) failRun(ctx context.Context, run core.Run, message string) error {
	failed, err := e.transitionRun(run, core.RunStatusFailed, func(r *core.Run) {
		r.ErrorMessage = message
	})
	if err != nil {
		return err
	}
	e.finalizeRun(ctx, failed)
	return nil
}

