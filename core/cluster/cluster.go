package cluster

import (
	"context"
	"io"
	"time"
)

const (
	// RunIDLabelKey is the job label that maps a cluster job back to its Run.
	RunIDLabelKey = "mellea.dev/run-id"

	// ManagedByLabelKey marks jobs created by this service; reconcilers only
	// ever touch jobs carrying it.
	ManagedByLabelKey = "mellea.dev/managed-by"

	// ManagedByValue is the value stored under ManagedByLabelKey.
	ManagedByValue = "playground"
)

// SecretMount mounts one cluster secret into the job's pod.
type SecretMount struct {
	SecretName string
	MountPath  string
}

// PVCMount mounts a persistent volume claim into the job's pod. Cluster
// builds use it to reach build contexts written under the shared data
// directory.
type PVCMount struct {
	ClaimName string
	MountPath string
	SubPath   string
	ReadOnly  bool
}

// JobSpec describes a job to run on the cluster: a user program execution or
// a cluster-side image build.
type JobSpec struct {
	Name      string
	Namespace string
	Image     string
	Command   []string
	Args      []string
	Env       map[string]string
	Labels    map[string]string

	SecretMounts []SecretMount
	PVCMounts    []PVCMount

	CPULimit              string
	MemoryLimit           string
	EphemeralStorageLimit string

	ActiveDeadlineSeconds int64
	ServiceAccount        string
}

// JobPhase is the coarse cluster-side lifecycle of a job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Terminal reports whether the phase is final.
func (p JobPhase) Terminal() bool {
	return p == JobSucceeded || p == JobFailed
}

// JobStatus is the observed state of one cluster job.
type JobStatus struct {
	Name           string
	Phase          JobPhase
	CreatedAt      time.Time
	StartTime      *time.Time
	CompletionTime *time.Time
	PodName        string
	ExitCode       *int
	ErrorMessage   string
	Labels         map[string]string
}

//counterfeiter:generate . Runtime

// Runtime is the cluster job controller the executor and builders talk to.
// Implementations classify transient failures as BackendUnavailable so
// callers can retry on the next tick.
type Runtime interface {
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	GetJobStatus(ctx context.Context, jobName string) (JobStatus, error)
	DeleteJob(ctx context.Context, jobName string, gracePeriodSeconds *int64) error
	StreamLogs(ctx context.Context, jobName string) (io.ReadCloser, error)
	ListJobs(ctx context.Context, labelSelector string) ([]JobStatus, error)
}
