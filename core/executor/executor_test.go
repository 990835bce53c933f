package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/cluster"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/executor"
	"github.com/mellea-dev/playground/core/logbus"
	"github.com/mellea-dev/playground/core/quota"
	"github.com/mellea-dev/playground/core/store"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

// execBackend satisfies the build backend for the few executor paths that
// reach the build engine.
type execBackend struct{}

func (execBackend) BuildImage(_ context.Context, _, imageTag string, _ build.BackendOptions) (build.BackendResult, error) {
	return build.BackendResult{ImageTag: imageTag}, nil
}
func (execBackend) ImageExists(context.Context, string) (bool, error) { return false, nil }
func (execBackend) RemoveImage(context.Context, string) error         { return nil }

var _ = Describe("Executor", func() {
	var (
		logger    *lagertest.TestLogger
		fakeClock *fakeclock.FakeClock
		st        *store.Store
		dataDir   string
		runtime   *fakeRuntime
		resolver  *fakeResolver
		notifier  *fakeNotifier
		envs      environment.Manager
		bus       *logbus.Bus
		limits    core.QuotaLimits
		exec      *executor.Executor

		now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(now)
		dataDir = GinkgoT().TempDir()
		runtime = newFakeRuntime()
		resolver = &fakeResolver{secrets: map[string]string{}}
		notifier = &fakeNotifier{}

		var err error
		st, err = store.NewStore(dataDir)
		Expect(err).ToNot(HaveOccurred())

		limits = core.QuotaLimits{
			MaxConcurrentRuns:   3,
			MaxRunsPerDay:       10,
			MaxCPUHoursPerMonth: 100,
			MaxStorageMB:        64,
		}

		envs = environment.NewManager(logger, st.Environments, st.Programs, fakeClock)
		quotaEngine := quota.NewEngine(logger, st.Runs, st.QuotaUsage, limits, fakeClock)
		buildEngine := build.NewEngine(logger, execBackend{}, st.Programs, st.LayerCache,
			build.RegistryConfig{}, dataDir, fakeClock)
		bus = logbus.NewBus(logger, logbus.NewBroadcaster(16), fakeClock)
		artifacts := artifact.NewCollector(logger, st.Artifacts, st.ArtifactUsage, dataDir,
			artifact.Config{MaxSingleSizeBytes: 1 << 20}, fakeClock)

		exec = executor.NewExecutor(logger, st.Runs, st.Programs, envs, quotaEngine,
			runtime, buildEngine, bus, artifacts, resolver, notifier, limits,
			executor.Config{APIURL: "http://api.test"}, fakeClock)
	})

	addProgram := func(id string, built bool, profile core.ResourceLimits) core.Program {
		program := core.Program{
			ID:         id,
			Name:       id,
			Entrypoint: "main.py",
			Owner:      "user-1",
			Dependencies: core.DependencySet{
				Source:        core.DependencySourceManual,
				PythonVersion: "3.12",
				Packages:      []core.Package{{Name: "requests", Version: "2.31.0"}},
			},
			ResourceProfile:  profile,
			ImageBuildStatus: core.ImageBuildPending,
		}
		if built {
			program.ImageBuildStatus = core.ImageBuildReady
			program.ImageTag = "img-" + id
		}
		Expect(st.Programs.Create(program)).To(Succeed())

		workspace := core.WorkspacePath(dataDir, id)
		Expect(os.MkdirAll(workspace, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(workspace, "main.py"), []byte("print('hi')\n"), 0644)).To(Succeed())
		return program
	}

	getRun := func(id string) core.Run {
		run, err := exec.GetRun(id)
		Expect(err).ToNot(HaveOccurred())
		return run
	}

	// submitted creates a run for a built program and takes it to starting.
	submitted := func(profile core.ResourceLimits) core.Run {
		addProgram("prog-1", true, profile)
		run, err := exec.CreateRun("user-1", "prog-1", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
		return getRun(run.ID)
	}

	Describe("CreateRun", func() {
		It("queues a run bound to a fresh environment carrying the built image", func() {
			addProgram("prog-1", true, core.ResourceLimits{})

			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(run.Status).To(Equal(core.RunStatusQueued))
			Expect(run.CreatedAt).To(BeTemporally("==", now))

			env, err := envs.GetEnvironment(run.EnvironmentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.ImageTag).To(Equal("img-prog-1"))
			Expect(env.Status).To(Equal(core.EnvironmentStatusCreating))
		})

		It("claims a ready warm environment instead of creating one", func() {
			program := addProgram("prog-1", true, core.ResourceLimits{})
			warm, err := envs.CreateEnvironment(program.ID, program.ImageTag, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = envs.MarkReady(warm.ID)
			Expect(err).ToNot(HaveOccurred())

			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(run.EnvironmentID).To(Equal(warm.ID))

			all, err := envs.ListEnvironments("prog-1", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(all).To(HaveLen(1))
		})

		It("rejects an unknown program", func() {
			_, err := exec.CreateRun("user-1", "nope", nil)
			Expect(core.IsNotFound(err)).To(BeTrue())
		})

		It("denies the run past the concurrency cap without creating anything", func() {
			addProgram("prog-1", true, core.ResourceLimits{})
			for i := 0; i < limits.MaxConcurrentRuns; i++ {
				_, err := exec.CreateRun("user-1", "prog-1", nil)
				Expect(err).ToNot(HaveOccurred())
			}

			_, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(core.IsQuotaExceeded(err)).To(BeTrue())

			var quotaErr *core.QuotaExceededError
			Expect(err).To(BeAssignableToTypeOf(quotaErr))

			runs, err := exec.ListRuns("prog-1", "")
			Expect(err).ToNot(HaveOccurred())
			Expect(runs).To(HaveLen(limits.MaxConcurrentRuns))
		})

		It("counts the run toward the daily quota", func() {
			addProgram("prog-1", true, core.ResourceLimits{})
			_, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			usage, found, err := st.QuotaUsage.GetByID("user-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(usage.RunsToday).To(Equal(1))
		})
	})

	Describe("SubmitRun", func() {
		It("takes the run to starting and creates the cluster job", func() {
			run := submitted(core.ResourceLimits{
				CPULimit:       "500m",
				MemoryLimit:    "256Mi",
				TimeoutSeconds: 120,
			})

			Expect(run.Status).To(Equal(core.RunStatusStarting))
			Expect(run.JobName).To(Equal(core.RunJobName(run.EnvironmentID)))

			specs := runtime.createdSpecs()
			Expect(specs).To(HaveLen(1))
			Expect(specs[0].Name).To(Equal(run.JobName))
			Expect(specs[0].Image).To(Equal("img-prog-1"))
			Expect(specs[0].Env).To(HaveKeyWithValue("MELLEA_RUN_ID", run.ID))
			Expect(specs[0].Env).To(HaveKeyWithValue("MELLEA_API_URL", "http://api.test"))
			Expect(specs[0].Labels).To(HaveKeyWithValue(cluster.RunIDLabelKey, run.ID))
			Expect(specs[0].CPULimit).To(Equal("500m"))
			Expect(specs[0].MemoryLimit).To(Equal("256Mi"))
			Expect(specs[0].ActiveDeadlineSeconds).To(Equal(int64(120)))

			env, err := envs.GetEnvironment(run.EnvironmentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.Status).To(Equal(core.EnvironmentStatusStarting))
		})

		It("mounts the secrets behind the run's credentials", func() {
			resolver.secrets["cred-1"] = "mellea-cred-abc"
			addProgram("prog-1", true, core.ResourceLimits{})

			run, err := exec.CreateRun("user-1", "prog-1", []string{"cred-1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())

			specs := runtime.createdSpecs()
			Expect(specs).To(HaveLen(1))
			Expect(specs[0].SecretMounts).To(ConsistOf(cluster.SecretMount{SecretName: "mellea-cred-abc"}))
		})

		It("fails the run when a credential cannot be resolved", func() {
			addProgram("prog-1", true, core.ResourceLimits{})
			run, err := exec.CreateRun("user-1", "prog-1", []string{"missing"})
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusFailed))
			Expect(runtime.createdSpecs()).To(BeEmpty())
		})

		It("leaves the run queued while the image is still building", func() {
			program := addProgram("prog-1", false, core.ResourceLimits{})
			program.ImageBuildStatus = core.ImageBuildBuilding
			_, _, err := st.Programs.Update(program.ID, program)
			Expect(err).ToNot(HaveOccurred())

			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusQueued))
			Expect(runtime.createdSpecs()).To(BeEmpty())
		})

		It("kicks a build for a pending image and submits on a later tick", func() {
			addProgram("prog-1", false, core.ResourceLimits{})
			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusQueued))

			Eventually(func() core.ImageBuildStatus {
				program, _, err := st.Programs.GetByID("prog-1")
				Expect(err).ToNot(HaveOccurred())
				return program.ImageBuildStatus
			}).Should(Equal(core.ImageBuildReady))

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusStarting))
		})

		It("handles concurrent submissions racing the background build", func() {
			addProgram("prog-1", false, core.ResourceLimits{})

			var runs []core.Run
			for i := 0; i < 3; i++ {
				run, err := exec.CreateRun("user-1", "prog-1", nil)
				Expect(err).ToNot(HaveOccurred())
				runs = append(runs, run)
			}

			// Each submission may kick the build while an earlier build
			// goroutine is clearing its in-flight flag.
			var wg sync.WaitGroup
			for _, run := range runs {
				wg.Add(1)
				go func(id string) {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(exec.SubmitRun(context.Background(), id)).To(Succeed())
				}(run.ID)
			}
			wg.Wait()

			Eventually(func() core.ImageBuildStatus {
				program, _, err := st.Programs.GetByID("prog-1")
				Expect(err).ToNot(HaveOccurred())
				return program.ImageBuildStatus
			}).Should(Equal(core.ImageBuildReady))

			for _, run := range runs {
				if getRun(run.ID).Status == core.RunStatusQueued {
					Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
				}
				Expect(getRun(run.ID).Status).To(Equal(core.RunStatusStarting))
			}
		})

		It("fails the run when the image build failed", func() {
			program := addProgram("prog-1", false, core.ResourceLimits{})
			program.ImageBuildStatus = core.ImageBuildFailed
			program.ImageBuildError = "pip install exploded"
			_, _, err := st.Programs.Update(program.ID, program)
			Expect(err).ToNot(HaveOccurred())

			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			failed := getRun(run.ID)
			Expect(failed.Status).To(Equal(core.RunStatusFailed))
			Expect(failed.ErrorMessage).To(ContainSubstring("pip install exploded"))
		})

		It("fails the run when the cluster rejects the job", func() {
			runtime.createErr = core.NewConflict("job", "mellea-run-x")
			addProgram("prog-1", true, core.ResourceLimits{})
			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusFailed))
		})

		It("rejects a run that is not queued", func() {
			run := submitted(core.ResourceLimits{})
			err := exec.SubmitRun(context.Background(), run.ID)
			Expect(core.IsInvalidStateTransition(err)).To(BeTrue())
		})
	})

	Describe("SyncRunStatus", func() {
		It("leaves a starting run alone while the job is pending", func() {
			run := submitted(core.ResourceLimits{})
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobPending})

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusStarting))
		})

		It("moves a starting run to running and records the pod", func() {
			run := submitted(core.ResourceLimits{})
			fakeClock.Increment(10 * time.Second)
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobRunning, PodName: "pod-1"})

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

			synced := getRun(run.ID)
			Expect(synced.Status).To(Equal(core.RunStatusRunning))
			Expect(synced.StartedAt).ToNot(BeNil())
			Expect(*synced.StartedAt).To(BeTemporally("==", now.Add(10*time.Second)))

			env, err := envs.GetEnvironment(run.EnvironmentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.Status).To(Equal(core.EnvironmentStatusRunning))
			Expect(env.ContainerID).To(Equal("pod-1"))
		})

		It("leaves the run untouched when the cluster is unavailable", func() {
			run := submitted(core.ResourceLimits{})
			runtime.statusErr = &core.BackendUnavailableError{Cause: context.DeadlineExceeded}

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusStarting))
		})

		It("fails the run when its job disappeared", func() {
			run := submitted(core.ResourceLimits{})
			Expect(runtime.DeleteJob(context.Background(), run.JobName, nil)).To(Succeed())

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())
			failed := getRun(run.ID)
			Expect(failed.Status).To(Equal(core.RunStatusFailed))
			Expect(failed.ErrorMessage).To(ContainSubstring("disappeared"))
		})

		Describe("a successful completion", func() {
			var run core.Run

			JustBeforeEach(func() {
				run = submitted(core.ResourceLimits{})
				runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobRunning, PodName: "pod-1"})
				Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

				fakeClock.Increment(time.Minute)
				exitCode := 0
				runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobSucceeded, ExitCode: &exitCode})
				runtime.mu.Lock()
				runtime.logs[run.JobName] = "hello from the program\n"
				runtime.mu.Unlock()
			})

			It("finishes the run and performs the terminal bookkeeping", func() {
				entries, err := bus.Subscribe(context.Background(), run.ID)
				Expect(err).ToNot(HaveOccurred())

				Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

				done := getRun(run.ID)
				Expect(done.Status).To(Equal(core.RunStatusSucceeded))
				Expect(done.ExitCode).To(PointTo(Equal(0)))
				Expect(done.CompletedAt).ToNot(BeNil())
				Expect(done.Output).To(Equal("hello from the program\n"))
				Expect(done.OutputPath).ToNot(BeEmpty())

				// One minute on one core.
				usage, found, err := st.QuotaUsage.GetByID("user-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(found).To(BeTrue())
				Expect(usage.CPUHoursMonth).To(BeNumerically("~", 1.0/60.0, 1e-9))

				var final logbus.Entry
				Eventually(entries).Should(Receive(&final))
				Expect(final.IsComplete).To(BeTrue())

				rows, err := st.Artifacts.Find(func(a core.Artifact) bool { return a.RunID == run.ID })
				Expect(err).ToNot(HaveOccurred())
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Name).To(Equal("stdout.log"))
				Expect(rows[0].ArtifactType).To(Equal(core.ArtifactTypeOutput))

				Expect(runtime.deletedJobs()).To(HaveLen(1))
				Expect(runtime.deletedJobs()[0].Name).To(Equal(run.JobName))

				env, err := envs.GetEnvironment(run.EnvironmentID)
				Expect(err).ToNot(HaveOccurred())
				Expect(env.Status).To(Equal(core.EnvironmentStatusStopped))

				Expect(notifier.all()).To(ConsistOf(notification{
					OwnerID: "user-1",
					RunID:   run.ID,
					Status:  core.RunStatusSucceeded,
				}))
			})
		})

		It("scales recorded CPU hours by the core allotment", func() {
			run := submitted(core.ResourceLimits{CPULimit: "500m"})
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobRunning})
			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

			fakeClock.Increment(time.Minute)
			exitCode := 0
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobSucceeded, ExitCode: &exitCode})
			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

			usage, _, err := st.QuotaUsage.GetByID("user-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(usage.CPUHoursMonth).To(BeNumerically("~", 0.5/60.0, 1e-9))
		})

		It("fails a job that completed with a non-zero exit", func() {
			run := submitted(core.ResourceLimits{})
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobRunning})
			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

			exitCode := 2
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobSucceeded, ExitCode: &exitCode})
			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())

			failed := getRun(run.ID)
			Expect(failed.Status).To(Equal(core.RunStatusFailed))
			Expect(failed.ExitCode).To(PointTo(Equal(2)))
			Expect(failed.ErrorMessage).To(ContainSubstring("exited with code 2"))
		})

		It("fails the run when the job failed", func() {
			run := submitted(core.ResourceLimits{})
			exitCode := 137
			runtime.setStatus(run.JobName, cluster.JobStatus{
				Phase:        cluster.JobFailed,
				ExitCode:     &exitCode,
				ErrorMessage: "OOMKilled",
			})

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())
			failed := getRun(run.ID)
			Expect(failed.Status).To(Equal(core.RunStatusFailed))
			Expect(failed.ErrorMessage).To(Equal("OOMKilled"))
		})

		It("lets a starting run jump straight to succeeded", func() {
			run := submitted(core.ResourceLimits{})
			exitCode := 0
			runtime.setStatus(run.JobName, cluster.JobStatus{Phase: cluster.JobSucceeded, ExitCode: &exitCode})

			Expect(exec.SyncRunStatus(context.Background(), run.ID)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusSucceeded))

			// The environment never saw a pod; the retirement walk records
			// the job as its container reference on the way down.
			env, err := envs.GetEnvironment(run.EnvironmentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.Status).To(Equal(core.EnvironmentStatusStopped))
			Expect(env.ContainerID).To(Equal(run.JobName))
		})
	})

	Describe("CancelRun", func() {
		It("cancels a queued run without touching the cluster", func() {
			addProgram("prog-1", true, core.ResourceLimits{})
			run, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.CancelRun(context.Background(), run.ID, false)).To(Succeed())

			cancelled := getRun(run.ID)
			Expect(cancelled.Status).To(Equal(core.RunStatusCancelled))
			Expect(cancelled.ErrorMessage).To(Equal("cancelled before start"))
			Expect(runtime.deletedJobs()).To(BeEmpty())
		})

		It("deletes the job with the default grace period on a graceful cancel", func() {
			run := submitted(core.ResourceLimits{})

			Expect(exec.CancelRun(context.Background(), run.ID, false)).To(Succeed())
			Expect(getRun(run.ID).Status).To(Equal(core.RunStatusCancelled))

			deletions := runtime.deletedJobs()
			Expect(deletions).ToNot(BeEmpty())
			Expect(deletions[0].Name).To(Equal(run.JobName))
			Expect(deletions[0].Grace).To(PointTo(Equal(int64(30))))
		})

		It("caps the grace period by the run's own timeout", func() {
			run := submitted(core.ResourceLimits{TimeoutSeconds: 10})

			Expect(exec.CancelRun(context.Background(), run.ID, false)).To(Succeed())
			Expect(runtime.deletedJobs()[0].Grace).To(PointTo(Equal(int64(10))))
		})

		It("kills immediately on a force cancel", func() {
			run := submitted(core.ResourceLimits{})

			Expect(exec.CancelRun(context.Background(), run.ID, true)).To(Succeed())
			Expect(runtime.deletedJobs()[0].Grace).To(PointTo(Equal(int64(0))))
			Expect(getRun(run.ID).ErrorMessage).To(Equal("cancelled"))
		})

		It("rejects cancelling an already terminal run", func() {
			run := submitted(core.ResourceLimits{})
			Expect(exec.CancelRun(context.Background(), run.ID, false)).To(Succeed())

			err := exec.CancelRun(context.Background(), run.ID, false)
			Expect(core.IsInvalidStateTransition(err)).To(BeTrue())
		})
	})

	Describe("Tick", func() {
		It("submits queued runs in creation order", func() {
			addProgram("prog-1", true, core.ResourceLimits{})

			first, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())
			fakeClock.Increment(time.Second)
			second, err := exec.CreateRun("user-2", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.Tick(context.Background())).To(Succeed())

			specs := runtime.createdSpecs()
			Expect(specs).To(HaveLen(2))
			Expect(specs[0].Labels[cluster.RunIDLabelKey]).To(Equal(first.ID))
			Expect(specs[1].Labels[cluster.RunIDLabelKey]).To(Equal(second.ID))
		})

		It("skips, not removes, a queued run whose owner is at the cap", func() {
			addProgram("prog-1", true, core.ResourceLimits{})

			// Two live submitted runs saturate a cap of three along with the
			// queued one.
			first := submittedRunFor(exec, "prog-1")
			second := submittedRunFor(exec, "prog-1")

			queued, err := exec.CreateRun("user-1", "prog-1", nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(exec.Tick(context.Background())).To(Succeed())
			Expect(getRun(queued.ID).Status).To(Equal(core.RunStatusQueued))

			// A slot frees up when one of the live runs completes.
			exitCode := 0
			runtime.setStatus(first.JobName, cluster.JobStatus{Phase: cluster.JobSucceeded, ExitCode: &exitCode})
			Expect(exec.SyncRunStatus(context.Background(), first.ID)).To(Succeed())

			Expect(exec.Tick(context.Background())).To(Succeed())
			Expect(getRun(queued.ID).Status).To(Equal(core.RunStatusStarting))

			_ = second
		})
	})
})

// submittedRunFor creates and submits one run for the program.
func submittedRunFor(exec *executor.Executor, programID string) core.Run {
	run, err := exec.CreateRun("user-1", programID, nil)
	Expect(err).ToNot(HaveOccurred())
	Expect(exec.SubmitRun(context.Background(), run.ID)).To(Succeed())
	submitted, err := exec.GetRun(run.ID)
	Expect(err).ToNot(HaveOccurred())
	return submitted
}
