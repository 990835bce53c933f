// Package localbuilder builds images against a local Docker daemon. It is
// the synchronous build backend: BuildImage returns once the daemon has
// finished, with the image size from a follow-up inspect.
package localbuilder

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	buildtypes "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/mellea-dev/playground/core/build"
)

type Builder struct {
	logger   lager.Logger
	docker   client.APIClient
	registry build.RegistryConfig
}

func NewBuilder(logger lager.Logger, docker client.APIClient, registry build.RegistryConfig) *Builder {
	return &Builder{
		logger:   logger,
		docker:   docker,
		registry: registry,
	}
}

// NewDockerClient connects to the daemon named by the usual DOCKER_HOST
// environment, negotiating the API version.
func NewDockerClient() (client.APIClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func (b *Builder) BuildImage(ctx context.Context, contextDir, imageTag string, opts build.BackendOptions) (build.BackendResult, error) {
	logger := b.logger.Session("build-image", lager.Data{"image": imageTag})
	logger.Info("start")
	defer logger.Info("end")

	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		return build.BackendResult{}, fmt.Errorf("packing build context: %w", err)
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	response, err := b.docker.ImageBuild(ctx, buildContext, buildtypes.ImageBuildOptions{
		Tags:       []string{imageTag},
		Dockerfile: dockerfile,
		Labels:     opts.Labels,
		Remove:     true,
	})
	if err != nil {
		return build.BackendResult{}, fmt.Errorf("building image: %w", err)
	}
	defer response.Body.Close()

	// Build failures arrive inside the progress stream, not as the call's
	// error return.
	err = jsonmessage.DisplayJSONMessagesStream(response.Body, io.Discard, 0, false, nil)
	if err != nil {
		return build.BackendResult{}, fmt.Errorf("build failed: %w", err)
	}

	result := build.BackendResult{ImageTag: imageTag}

	inspect, err := b.docker.ImageInspect(ctx, imageTag)
	if err != nil {
		logger.Error("failed-to-inspect-image", err)
	} else {
		result.SizeBytes = inspect.Size
	}

	if opts.Push {
		if err := b.pushImage(ctx, imageTag); err != nil {
			return result, fmt.Errorf("pushing image: %w", err)
		}
	}

	return result, nil
}

func (b *Builder) ImageExists(ctx context.Context, imageTag string) (bool, error) {
	_, err := b.docker.ImageInspect(ctx, imageTag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image: %w", err)
	}
	return true, nil
}

func (b *Builder) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := b.docker.ImageRemove(ctx, imageTag, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing image: %w", err)
	}
	return nil
}

func (b *Builder) pushImage(ctx context.Context, imageTag string) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      b.registry.Username,
		Password:      b.registry.Password,
		ServerAddress: b.registry.URL,
	})
	if err != nil {
		return fmt.Errorf("encoding registry auth: %w", err)
	}

	stream, err := b.docker.ImagePush(ctx, imageTag, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer stream.Close()

	return jsonmessage.DisplayJSONMessagesStream(stream, io.Discard, 0, false, nil)
}

// tarDirectory packs a context directory into an in-memory tar stream.
// Contexts are small: a Dockerfile, a requirements file, a user workspace.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
