package cluster_test

import (
	"context"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/cluster"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

var _ = Describe("K8sRuntime", func() {
	var (
		logger    *lagertest.TestLogger
		clientset *fake.Clientset
		runtime   cluster.Runtime
	)

	const namespace = "playground"

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		clientset = fake.NewSimpleClientset()
		runtime = cluster.NewK8sRuntime(logger, clientset, cluster.Config{
			Namespace:      namespace,
			ServiceAccount: "runner",
		})
	})

	spec := func() cluster.JobSpec {
		return cluster.JobSpec{
			Name:  "mellea-run-abcd1234",
			Image: "img:1",
			Env: map[string]string{
				"MELLEA_RUN_ID": "run-1",
				"A_FIRST":       "x",
			},
			Labels: map[string]string{
				cluster.RunIDLabelKey: "run-1",
			},
			SecretMounts:          []cluster.SecretMount{{SecretName: "mellea-cred-abc"}},
			CPULimit:              "500m",
			MemoryLimit:           "256Mi",
			ActiveDeadlineSeconds: 120,
		}
	}

	getJob := func(name string) *batchv1.Job {
		job, err := clientset.BatchV1().Jobs(namespace).Get(context.Background(), name, metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
		return job
	}

	Describe("CreateJob", func() {
		It("materialises the spec as a single-shot batch job", func() {
			name, err := runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal("mellea-run-abcd1234"))

			job := getJob(name)
			Expect(job.Labels).To(HaveKeyWithValue(cluster.ManagedByLabelKey, cluster.ManagedByValue))
			Expect(job.Labels).To(HaveKeyWithValue(cluster.RunIDLabelKey, "run-1"))
			Expect(job.Spec.BackoffLimit).To(PointTo(Equal(int32(0))))
			Expect(job.Spec.ActiveDeadlineSeconds).To(PointTo(Equal(int64(120))))

			pod := job.Spec.Template.Spec
			Expect(pod.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
			Expect(pod.ServiceAccountName).To(Equal("runner"))
			Expect(pod.Containers).To(HaveLen(1))

			container := pod.Containers[0]
			Expect(container.Name).To(Equal("program"))
			Expect(container.Image).To(Equal("img:1"))

			// Env vars come out sorted by name.
			Expect(container.Env).To(HaveLen(2))
			Expect(container.Env[0].Name).To(Equal("A_FIRST"))
			Expect(container.Env[1].Name).To(Equal("MELLEA_RUN_ID"))

			Expect(container.Resources.Limits.Cpu().String()).To(Equal("500m"))
			Expect(container.Resources.Limits.Memory().String()).To(Equal("256Mi"))
			Expect(container.Resources.Requests.Cpu().String()).To(Equal("500m"))

			Expect(pod.Volumes).To(HaveLen(1))
			Expect(pod.Volumes[0].Secret.SecretName).To(Equal("mellea-cred-abc"))
			Expect(container.VolumeMounts[0].MountPath).To(Equal("/secrets/mellea-cred-abc"))
			Expect(container.VolumeMounts[0].ReadOnly).To(BeTrue())
		})

		It("tolerates the job already existing", func() {
			_, err := runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())

			name, err := runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal("mellea-run-abcd1234"))
		})

		It("rejects a name over the 63 character limit", func() {
			long := spec()
			long.Name = strings.Repeat("x", 64)
			_, err := runtime.CreateJob(context.Background(), long)
			Expect(core.IsValidation(err)).To(BeTrue())
		})

		It("rejects a spec without an image", func() {
			bare := spec()
			bare.Image = ""
			_, err := runtime.CreateJob(context.Background(), bare)
			Expect(core.IsValidation(err)).To(BeTrue())
		})

		It("rejects an unparseable resource quantity", func() {
			bad := spec()
			bad.CPULimit = "half a core"
			_, err := runtime.CreateJob(context.Background(), bad)
			Expect(core.IsValidation(err)).To(BeTrue())
		})
	})

	Describe("GetJobStatus", func() {
		var jobName string

		JustBeforeEach(func() {
			var err error
			jobName, err = runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())
		})

		updateJob := func(mutate func(*batchv1.Job)) {
			job := getJob(jobName)
			mutate(job)
			_, err := clientset.BatchV1().Jobs(namespace).Update(context.Background(), job, metav1.UpdateOptions{})
			Expect(err).ToNot(HaveOccurred())
		}

		addPod := func(phase corev1.PodPhase, exitCode *int32) {
			pod := &corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{
					Name:      jobName + "-pod",
					Namespace: namespace,
					Labels:    map[string]string{"job-name": jobName},
				},
				Status: corev1.PodStatus{Phase: phase},
			}
			if exitCode != nil {
				pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
					Name: "program",
					State: corev1.ContainerState{
						Terminated: &corev1.ContainerStateTerminated{ExitCode: *exitCode},
					},
				}}
			}
			_, err := clientset.CoreV1().Pods(namespace).Create(context.Background(), pod, metav1.CreateOptions{})
			Expect(err).ToNot(HaveOccurred())
		}

		It("reports a fresh job as pending", func() {
			status, err := runtime.GetJobStatus(context.Background(), jobName)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Phase).To(Equal(cluster.JobPending))
		})

		It("reports an active job with a running pod as running", func() {
			updateJob(func(job *batchv1.Job) { job.Status.Active = 1 })
			addPod(corev1.PodRunning, nil)

			status, err := runtime.GetJobStatus(context.Background(), jobName)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Phase).To(Equal(cluster.JobRunning))
			Expect(status.PodName).To(Equal(jobName + "-pod"))
		})

		It("maps the complete condition to succeeded with the exit code", func() {
			updateJob(func(job *batchv1.Job) {
				job.Status.Conditions = []batchv1.JobCondition{{
					Type:   batchv1.JobComplete,
					Status: corev1.ConditionTrue,
				}}
			})
			code := int32(0)
			addPod(corev1.PodSucceeded, &code)

			status, err := runtime.GetJobStatus(context.Background(), jobName)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Phase).To(Equal(cluster.JobSucceeded))
			Expect(status.ExitCode).To(PointTo(Equal(0)))
		})

		It("maps the failed condition to failed with the reason", func() {
			updateJob(func(job *batchv1.Job) {
				job.Status.Conditions = []batchv1.JobCondition{{
					Type:    batchv1.JobFailed,
					Status:  corev1.ConditionTrue,
					Reason:  "DeadlineExceeded",
					Message: "job exceeded its deadline",
					LastTransitionTime: metav1.Time{
						Time: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
					},
				}}
			})
			code := int32(137)
			addPod(corev1.PodFailed, &code)

			status, err := runtime.GetJobStatus(context.Background(), jobName)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Phase).To(Equal(cluster.JobFailed))
			Expect(status.ErrorMessage).To(ContainSubstring("DeadlineExceeded"))
			Expect(status.ExitCode).To(PointTo(Equal(137)))
			Expect(status.CompletionTime).ToNot(BeNil())
		})

		It("falls back to the job's success counter", func() {
			updateJob(func(job *batchv1.Job) { job.Status.Succeeded = 1 })

			status, err := runtime.GetJobStatus(context.Background(), jobName)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Phase).To(Equal(cluster.JobSucceeded))
		})

		It("returns NotFound for an unknown job", func() {
			_, err := runtime.GetJobStatus(context.Background(), "nope")
			Expect(core.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("DeleteJob", func() {
		It("deletes the job's pods with the caller's grace period, then the job", func() {
			jobName, err := runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())

			pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
				Name:      jobName + "-pod",
				Namespace: namespace,
				Labels:    map[string]string{"job-name": jobName},
			}}
			_, err = clientset.CoreV1().Pods(namespace).Create(context.Background(), pod, metav1.CreateOptions{})
			Expect(err).ToNot(HaveOccurred())

			grace := int64(30)
			Expect(runtime.DeleteJob(context.Background(), jobName, &grace)).To(Succeed())

			_, err = clientset.BatchV1().Jobs(namespace).Get(context.Background(), jobName, metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
			_, err = clientset.CoreV1().Pods(namespace).Get(context.Background(), pod.Name, metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})

		It("succeeds when the job is already gone", func() {
			Expect(runtime.DeleteJob(context.Background(), "nope", nil)).To(Succeed())
		})
	})

	Describe("ListJobs", func() {
		It("returns statuses for the selected jobs", func() {
			_, err := runtime.CreateJob(context.Background(), spec())
			Expect(err).ToNot(HaveOccurred())

			other := spec()
			other.Name = "mellea-run-ffff9999"
			other.Labels = map[string]string{cluster.RunIDLabelKey: "run-2"}
			_, err = runtime.CreateJob(context.Background(), other)
			Expect(err).ToNot(HaveOccurred())

			statuses, err := runtime.ListJobs(context.Background(),
				cluster.ManagedByLabelKey+"="+cluster.ManagedByValue)
			Expect(err).ToNot(HaveOccurred())
			Expect(statuses).To(HaveLen(2))
			Expect(statuses[0].Labels).To(HaveKey(cluster.RunIDLabelKey))
		})
	})
})
