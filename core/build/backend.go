package build

import (
	"context"
	"time"
)

// RegistryConfig is the push destination for built images.
type RegistryConfig struct {
	URL      string `long:"url" description:"Registry host images are pushed to."`
	Username string `long:"username" description:"Registry username."`
	Password string `long:"password" description:"Registry password."`
	Insecure bool   `long:"insecure" description:"Allow plain-HTTP registry access."`
}

// Configured reports whether a registry has been set up.
func (c RegistryConfig) Configured() bool {
	return c.URL != ""
}

// Qualify prefixes tag with the registry host when one is configured.
func (c RegistryConfig) Qualify(tag string) string {
	if c.URL == "" {
		return tag
	}
	return c.URL + "/" + tag
}

// BackendOptions tune one backend build.
type BackendOptions struct {
	// Dockerfile is the name of the Dockerfile within the context directory.
	Dockerfile string

	// Push pushes the image to the configured registry after a successful
	// build. The cluster backend always pushes; it has no local daemon to
	// keep images in.
	Push bool

	// Labels are applied to the built image.
	Labels map[string]string
}

// BackendResult is what a backend reports for one completed build.
type BackendResult struct {
	ImageTag     string
	SizeBytes    int64
	BuildJobName string
	Duration     time.Duration
}

//counterfeiter:generate . Backend

// Backend builds one image from a context directory. Two implementations
// exist: a synchronous local daemon backend and a cluster job backend that
// builds inside the cluster and pushes to the registry.
type Backend interface {
	BuildImage(ctx context.Context, contextDir, imageTag string, opts BackendOptions) (BackendResult, error)
	ImageExists(ctx context.Context, imageTag string) (bool, error)
	RemoveImage(ctx context.Context, imageTag string) error
}

// BuildResult is the outcome of one engine pipeline invocation.
type BuildResult struct {
	Success         bool          `json:"success"`
	ImageTag        string        `json:"imageTag,omitempty"`
	CacheHit        bool          `json:"cacheHit"`
	TotalDuration   time.Duration `json:"totalDuration"`
	DepsDuration    time.Duration `json:"depsDuration,omitempty"`
	ProgramDuration time.Duration `json:"programDuration,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	BuildJobName    string        `json:"buildJobName,omitempty"`
}
