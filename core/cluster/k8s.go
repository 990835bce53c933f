package cluster

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/mellea-dev/playground/core"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// programContainerName is the single container in every run job.
	programContainerName = "program"

	// maxCreateAttempts bounds the retry loop around job creation; transient
	// API failures beyond this surface as BackendUnavailable.
	maxCreateAttempts = 3
)

type k8sRuntime struct {
	logger    lager.Logger
	clientset kubernetes.Interface
	cfg       Config
}

// NewK8sRuntime returns a Runtime that materialises JobSpecs as batch/v1
// Jobs in the configured namespace.
func NewK8sRuntime(logger lager.Logger, clientset kubernetes.Interface, cfg Config) Runtime {
	return &k8sRuntime{
		logger:    logger,
		clientset: clientset,
		cfg:       cfg,
	}
}

func (r *k8sRuntime) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	logger := r.logger.Session("create-job", lager.Data{"job": spec.Name})

	job, err := buildJob(spec, r.cfg)
	if err != nil {
		return "", err
	}

	_, err = backoff.Retry(ctx, func() (*batchv1.Job, error) {
		created, err := r.clientset.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
		if err != nil {
			// The job name is assigned before creation, so a crashed
			// submission can legitimately find its job already there.
			if apierrors.IsAlreadyExists(err) {
				logger.Info("job-already-exists")
				return nil, nil
			}
			if !isTransientClusterError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return created, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxCreateAttempts))
	if err != nil {
		logger.Error("failed-to-create-job", err)
		return "", wrapIfUnavailable(fmt.Errorf("creating job %s: %w", spec.Name, err))
	}

	return spec.Name, nil
}

func (r *k8sRuntime) GetJobStatus(ctx context.Context, jobName string) (JobStatus, error) {
	logger := r.logger.Session("get-job-status", lager.Data{"job": jobName})

	job, err := r.clientset.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return JobStatus{}, core.NewNotFound("job", jobName)
		}
		return JobStatus{}, wrapIfUnavailable(fmt.Errorf("getting job %s: %w", jobName, err))
	}

	status := statusFromJob(job)

	// Pod details refine pending-vs-running and carry the exit code. Their
	// absence degrades detail, never the job-level answer.
	pod, err := r.findJobPod(ctx, jobName)
	if err != nil {
		logger.Error("failed-to-find-job-pod", err)
		return status, nil
	}
	if pod != nil {
		refineFromPod(&status, pod)
	}

	return status, nil
}

func (r *k8sRuntime) DeleteJob(ctx context.Context, jobName string, gracePeriodSeconds *int64) error {
	logger := r.logger.Session("delete-job", lager.Data{"job": jobName})

	// Delete the pods explicitly so the kubelet applies the caller's grace
	// period: SIGTERM at deletion, SIGKILL once the grace expires.
	pods, err := r.clientset.CoreV1().Pods(r.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameSelector(jobName),
	})
	if err != nil {
		logger.Error("failed-to-list-job-pods", err)
	} else {
		for _, pod := range pods.Items {
			err := r.clientset.CoreV1().Pods(r.cfg.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
				GracePeriodSeconds: gracePeriodSeconds,
			})
			if err != nil && !apierrors.IsNotFound(err) {
				logger.Error("failed-to-delete-pod", err, lager.Data{"pod": pod.Name})
			}
		}
	}

	policy := metav1.DeletePropagationBackground
	err = r.clientset.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		logger.Error("failed-to-delete-job", err)
		return wrapIfUnavailable(fmt.Errorf("deleting job %s: %w", jobName, err))
	}
	return nil
}

func (r *k8sRuntime) StreamLogs(ctx context.Context, jobName string) (io.ReadCloser, error) {
	pod, err := r.findJobPod(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, core.NewNotFound("pod for job", jobName)
	}

	req := r.clientset.CoreV1().Pods(r.cfg.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Follow:    true,
		Container: programContainerName,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, wrapIfUnavailable(fmt.Errorf("streaming logs for job %s: %w", jobName, err))
	}
	return stream, nil
}

func (r *k8sRuntime) ListJobs(ctx context.Context, labelSelector string) ([]JobStatus, error) {
	jobs, err := r.clientset.BatchV1().Jobs(r.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, wrapIfUnavailable(fmt.Errorf("listing jobs: %w", err))
	}

	statuses := make([]JobStatus, len(jobs.Items))
	for i := range jobs.Items {
		statuses[i] = statusFromJob(&jobs.Items[i])
	}
	return statuses, nil
}

// findJobPod returns the pod belonging to a job, or nil when none exists
// yet. Jobs run with BackoffLimit 0 so at most one pod is expected; should
// the controller ever leave more than one behind, the newest wins.
func (r *k8sRuntime) findJobPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := r.clientset.CoreV1().Pods(r.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: jobNameSelector(jobName),
	})
	if err != nil {
		return nil, wrapIfUnavailable(fmt.Errorf("listing pods for job %s: %w", jobName, err))
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	newest := pods.Items[0]
	for _, pod := range pods.Items[1:] {
		if pod.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = pod
		}
	}
	return &newest, nil
}

func jobNameSelector(jobName string) string {
	return fmt.Sprintf("job-name=%s", jobName)
}

// buildJob materialises a JobSpec as a batch/v1 Job. BackoffLimit is zero:
// the executor owns retries, the cluster must not re-run user code.
func buildJob(spec JobSpec, cfg Config) (*batchv1.Job, error) {
	if spec.Name == "" {
		return nil, core.NewValidation("job name is required")
	}
	if len(spec.Name) > 63 {
		return nil, core.NewValidation(fmt.Sprintf("job name %q exceeds the 63 character limit", spec.Name))
	}
	if spec.Image == "" {
		return nil, core.NewValidation(fmt.Sprintf("job %s has no image", spec.Name))
	}

	namespace := spec.Namespace
	if namespace == "" {
		namespace = cfg.Namespace
	}

	serviceAccount := spec.ServiceAccount
	if serviceAccount == "" {
		serviceAccount = cfg.ServiceAccount
	}

	labels := map[string]string{ManagedByLabelKey: ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resources, err := buildResourceRequirements(spec)
	if err != nil {
		return nil, err
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, sm := range spec.SecretMounts {
		name := fmt.Sprintf("credential-%d", i)
		mountPath := sm.MountPath
		if mountPath == "" {
			mountPath = "/secrets/" + sm.SecretName
		}
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: sm.SecretName},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      name,
			MountPath: mountPath,
			ReadOnly:  true,
		})
	}

	for i, pm := range spec.PVCMounts {
		name := fmt.Sprintf("data-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: pm.ClaimName,
					ReadOnly:  pm.ReadOnly,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      name,
			MountPath: pm.MountPath,
			SubPath:   pm.SubPath,
			ReadOnly:  pm.ReadOnly,
		})
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: serviceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:         programContainerName,
							Image:        spec.Image,
							Command:      spec.Command,
							Args:         spec.Args,
							Env:          buildEnv(spec.Env),
							Resources:    resources,
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}

	if spec.ActiveDeadlineSeconds > 0 {
		deadline := spec.ActiveDeadlineSeconds
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	return job, nil
}

// buildEnv converts the env map to sorted EnvVars so generated specs are
// deterministic.
func buildEnv(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]corev1.EnvVar, len(names))
	for i, name := range names {
		vars[i] = corev1.EnvVar{Name: name, Value: env[name]}
	}
	return vars
}

// buildResourceRequirements converts the spec's Kubernetes quantity strings.
// Requests mirror limits so run pods land in the Guaranteed QoS class.
func buildResourceRequirements(spec JobSpec) (corev1.ResourceRequirements, error) {
	limits := corev1.ResourceList{}

	if spec.CPULimit != "" {
		quantity, err := resource.ParseQuantity(spec.CPULimit)
		if err != nil {
			return corev1.ResourceRequirements{}, core.NewValidation(fmt.Sprintf("invalid cpu limit %q: %s", spec.CPULimit, err))
		}
		limits[corev1.ResourceCPU] = quantity
	}
	if spec.MemoryLimit != "" {
		quantity, err := resource.ParseQuantity(spec.MemoryLimit)
		if err != nil {
			return corev1.ResourceRequirements{}, core.NewValidation(fmt.Sprintf("invalid memory limit %q: %s", spec.MemoryLimit, err))
		}
		limits[corev1.ResourceMemory] = quantity
	}
	if spec.EphemeralStorageLimit != "" {
		quantity, err := resource.ParseQuantity(spec.EphemeralStorageLimit)
		if err != nil {
			return corev1.ResourceRequirements{}, core.NewValidation(fmt.Sprintf("invalid ephemeral storage limit %q: %s", spec.EphemeralStorageLimit, err))
		}
		limits[corev1.ResourceEphemeralStorage] = quantity
	}

	if len(limits) == 0 {
		return corev1.ResourceRequirements{}, nil
	}

	requests := corev1.ResourceList{}
	for name, quantity := range limits {
		requests[name] = quantity
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: requests}, nil
}

// statusFromJob maps job-level state to a JobStatus. Pod-level refinement
// (pending vs running, exit codes) happens in refineFromPod.
func statusFromJob(job *batchv1.Job) JobStatus {
	status := JobStatus{
		Name:      job.Name,
		Phase:     JobPending,
		CreatedAt: job.CreationTimestamp.Time,
		Labels:    job.Labels,
	}

	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		status.StartTime = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		status.CompletionTime = &t
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = JobSucceeded
		case batchv1.JobFailed:
			status.Phase = JobFailed
			status.ErrorMessage = conditionMessage(cond)
			if status.CompletionTime == nil {
				t := cond.LastTransitionTime.Time
				status.CompletionTime = &t
			}
		}
	}

	if !status.Phase.Terminal() {
		switch {
		case job.Status.Succeeded > 0:
			status.Phase = JobSucceeded
		case job.Status.Failed > 0:
			status.Phase = JobFailed
		case job.Status.Active > 0:
			status.Phase = JobRunning
		}
	}

	return status
}

func conditionMessage(cond batchv1.JobCondition) string {
	parts := []string{}
	if cond.Reason != "" {
		parts = append(parts, cond.Reason)
	}
	if cond.Message != "" {
		parts = append(parts, cond.Message)
	}
	return strings.Join(parts, ": ")
}

func refineFromPod(status *JobStatus, pod *corev1.Pod) {
	status.PodName = pod.Name

	if status.Phase.Terminal() {
		if code, done := podExitCode(pod); done {
			status.ExitCode = &code
		}
		if status.Phase == JobFailed && status.ErrorMessage == "" {
			status.ErrorMessage = podFailureMessage(pod)
		}
		return
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		status.Phase = JobRunning
	case corev1.PodSucceeded:
		status.Phase = JobSucceeded
		if code, done := podExitCode(pod); done {
			status.ExitCode = &code
		}
	case corev1.PodFailed:
		status.Phase = JobFailed
		if code, done := podExitCode(pod); done {
			status.ExitCode = &code
		}
		status.ErrorMessage = podFailureMessage(pod)
	default:
		status.Phase = JobPending
	}
}

// podExitCode extracts the program container's exit code. Returns the code
// and whether the container has terminated.
func podExitCode(pod *corev1.Pod) (int, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == programContainerName && cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode), true
		}
	}
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return 0, true
	case corev1.PodFailed:
		return 1, true
	}
	return 0, false
}

func podFailureMessage(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != programContainerName {
			continue
		}
		if cs.State.Terminated != nil && cs.State.Terminated.Reason != "" {
			return cs.State.Terminated.Reason
		}
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return fmt.Sprintf("%s: %s", cs.State.Waiting.Reason, cs.State.Waiting.Message)
		}
	}
	if pod.Status.Reason != "" {
		return pod.Status.Reason
	}
	return pod.Status.Message
}
