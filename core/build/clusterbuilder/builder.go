// Package clusterbuilder builds images inside the cluster with kaniko jobs.
// It is the asynchronous build backend: a job is created, the predicted
// image tag and job name are known up front, and the job is polled until it
// pushes the image to the registry.
package clusterbuilder

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/cluster"
)

const (
	// contextSubdir is where build contexts are staged under the data
	// directory so the build job can reach them through the shared volume.
	contextSubdir = "build-contexts"

	// dataMountPath is where the data volume appears inside build pods.
	dataMountPath = "/data"

	defaultKanikoImage  = "gcr.io/kaniko-project/executor:v1.23.2"
	defaultPollInterval = 5 * time.Second
)

// Config holds the cluster build job settings.
type Config struct {
	Namespace      string `long:"namespace" default:"default" description:"Namespace build jobs are created in."`
	CPULimit       string `long:"cpu-limit" default:"1" description:"CPU limit for build jobs."`
	MemoryLimit    string `long:"memory-limit" default:"2Gi" description:"Memory limit for build jobs."`
	TimeoutSeconds int    `long:"timeout-seconds" default:"900" description:"Build job deadline in seconds."`

	// DataVolumeClaim is the PVC backing the data directory; build jobs
	// mount it to read their staged context.
	DataVolumeClaim string `long:"data-volume-claim" description:"PVC backing the data directory, mounted into build jobs."`

	// RegistryCredentialSecret is a dockerconfigjson secret mounted into
	// kaniko so pushes authenticate.
	RegistryCredentialSecret string `long:"registry-credential-secret" description:"dockerconfigjson secret mounted into build jobs."`

	// KanikoImage overrides the builder image.
	KanikoImage string `long:"kaniko-image" description:"Override the kaniko builder image."`

	PollInterval time.Duration `long:"poll-interval" default:"3s" description:"How often to poll build job status."`
}

type Builder struct {
	logger   lager.Logger
	runtime  cluster.Runtime
	registry build.RegistryConfig
	cfg      Config
	dataDir  string
	clock    clock.Clock

	httpClient *http.Client
}

func NewBuilder(
	logger lager.Logger,
	runtime cluster.Runtime,
	registry build.RegistryConfig,
	cfg Config,
	dataDir string,
	clock clock.Clock,
) *Builder {
	transport := &http.Transport{}
	if registry.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Builder{
		logger:     logger,
		runtime:    runtime,
		registry:   registry,
		cfg:        cfg,
		dataDir:    dataDir,
		clock:      clock,
		httpClient: &http.Client{Transport: transport, Timeout: 15 * time.Second},
	}
}

// BuildImage stages the context under the shared data volume, creates a
// kaniko job that builds and pushes the image, and polls the job until it
// finishes. The job name comes back in the result either way so callers can
// inspect logs after a failure.
func (b *Builder) BuildImage(ctx context.Context, contextDir, imageTag string, opts build.BackendOptions) (build.BackendResult, error) {
	jobName := fmt.Sprintf("mellea-build-%s", core.ShortID(uuid.NewString()))
	logger := b.logger.Session("build-image", lager.Data{"image": imageTag, "job": jobName})
	logger.Info("start")
	defer logger.Info("end")

	if !b.registry.Configured() {
		return build.BackendResult{}, core.NewValidation("cluster builds require a registry")
	}

	// The context is staged under the shared data volume; a rename is not
	// possible since the temp dir usually sits on another filesystem.
	staged := filepath.Join(b.dataDir, contextSubdir, jobName)
	if err := os.MkdirAll(staged, 0755); err != nil {
		return build.BackendResult{}, fmt.Errorf("staging build context: %w", err)
	}
	if err := build.CopyTree(contextDir, staged); err != nil {
		os.RemoveAll(staged)
		return build.BackendResult{}, fmt.Errorf("staging build context: %w", err)
	}
	defer os.RemoveAll(staged)

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	spec := cluster.JobSpec{
		Name:      jobName,
		Namespace: b.cfg.Namespace,
		Image:     b.kanikoImage(),
		Args: []string{
			fmt.Sprintf("--context=dir://%s", filepath.Join(dataMountPath, contextSubdir, jobName)),
			fmt.Sprintf("--dockerfile=%s", dockerfile),
			fmt.Sprintf("--destination=%s", imageTag),
			"--single-snapshot",
		},
		Labels: map[string]string{
			cluster.ManagedByLabelKey: cluster.ManagedByValue,
		},
		PVCMounts: []cluster.PVCMount{
			{
				ClaimName: b.cfg.DataVolumeClaim,
				MountPath: dataMountPath,
				ReadOnly:  true,
			},
		},
		CPULimit:              b.cfg.CPULimit,
		MemoryLimit:           b.cfg.MemoryLimit,
		ActiveDeadlineSeconds: int64(b.cfg.TimeoutSeconds),
	}
	if b.registry.Insecure {
		spec.Args = append(spec.Args, "--insecure", "--skip-tls-verify")
	}
	if b.cfg.RegistryCredentialSecret != "" {
		spec.SecretMounts = []cluster.SecretMount{
			{SecretName: b.cfg.RegistryCredentialSecret, MountPath: "/kaniko/.docker"},
		}
	}

	result := build.BackendResult{ImageTag: imageTag, BuildJobName: jobName}

	if _, err := b.runtime.CreateJob(ctx, spec); err != nil {
		return result, fmt.Errorf("creating build job: %w", err)
	}
	defer func() {
		if err := b.runtime.DeleteJob(context.WithoutCancel(ctx), jobName, nil); err != nil {
			logger.Error("failed-to-delete-build-job", err)
		}
	}()

	if err := b.awaitJob(ctx, jobName); err != nil {
		return result, err
	}
	return result, nil
}

// ImageExists probes the registry's manifest endpoint for the tag.
func (b *Builder) ImageExists(ctx context.Context, imageTag string) (bool, error) {
	repository, tag, err := b.splitReference(imageTag)
	if err != nil {
		return false, err
	}

	scheme := "https"
	if b.registry.Insecure {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, b.registry.URL, repository, tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	if b.registry.Username != "" {
		req.SetBasicAuth(b.registry.Username, b.registry.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false, &core.BackendUnavailableError{Cause: err}
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// RemoveImage deletes the tag from the registry, best-effort. Registries
// with deletion disabled answer 405; that is not an error worth surfacing.
func (b *Builder) RemoveImage(ctx context.Context, imageTag string) error {
	repository, tag, err := b.splitReference(imageTag)
	if err != nil {
		return err
	}

	scheme := "https"
	if b.registry.Insecure {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, b.registry.URL, repository, tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if b.registry.Username != "" {
		req.SetBasicAuth(b.registry.Username, b.registry.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &core.BackendUnavailableError{Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNotFound, http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("registry delete returned %s", resp.Status)
	}
}

func (b *Builder) awaitJob(ctx context.Context, jobName string) error {
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := b.clock.Now().Add(time.Duration(b.cfg.TimeoutSeconds) * time.Second)
	timer := b.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		status, err := b.runtime.GetJobStatus(ctx, jobName)
		if err != nil && !core.IsRetryable(err) {
			return err
		}
		if err == nil {
			switch status.Phase {
			case cluster.JobSucceeded:
				return nil
			case cluster.JobFailed:
				message := status.ErrorMessage
				if message == "" {
					message = "build job failed"
				}
				return fmt.Errorf("build job %s: %s", jobName, message)
			}
		}

		if b.cfg.TimeoutSeconds > 0 && b.clock.Now().After(deadline) {
			return fmt.Errorf("build job %s timed out", jobName)
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
		}
	}
}

func (b *Builder) kanikoImage() string {
	if b.cfg.KanikoImage != "" {
		return b.cfg.KanikoImage
	}
	return defaultKanikoImage
}

// splitReference strips the registry host from a qualified tag, yielding the
// repository path and tag for the registry HTTP API.
func (b *Builder) splitReference(imageTag string) (string, string, error) {
	ref := imageTag
	prefix := b.registry.URL + "/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		ref = ref[len(prefix):]
	}
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], nil
		}
		if ref[i] == '/' {
			break
		}
	}
	return ref, "latest", nil
}
