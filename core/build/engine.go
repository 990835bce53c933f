package build

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

const (
	// probeTTL bounds how long a backend image-reachability answer is
	// trusted before the backend is asked again.
	probeTTL = 5 * time.Minute

	probeSweepInterval = 10 * time.Minute
)

// Engine is the two-layer image builder: a content-addressed dependency
// layer shared through the layer cache, and a per-program layer on top.
type Engine struct {
	logger   lager.Logger
	backend  Backend
	programs *store.Collection[core.Program]
	cache    *store.Collection[core.LayerCacheEntry]
	registry RegistryConfig
	dataDir  string
	clock    clock.Clock

	// probes caches backend reachability answers so a burst of builds for
	// the same dependency set does not hammer the backend.
	probes *gocache.Cache

	mu sync.Mutex
	// inflight coalesces concurrent dependency layer builds: at most one
	// build per cache key is in flight, the rest await its outcome.
	inflight map[string]*inflightBuild
	// programClaims implements last-writer-wins for concurrent builds of
	// the same program.
	programClaims map[string]*buildClaim
}

type buildClaim struct {
	cancel context.CancelFunc
}

type inflightBuild struct {
	done chan struct{}

	imageTag string
	cacheHit bool
	duration time.Duration
	err      error
}

func NewEngine(
	logger lager.Logger,
	backend Backend,
	programs *store.Collection[core.Program],
	cache *store.Collection[core.LayerCacheEntry],
	registry RegistryConfig,
	dataDir string,
	clock clock.Clock,
) *Engine {
	return &Engine{
		logger:         logger,
		backend:        backend,
		programs:       programs,
		cache:          cache,
		registry:       registry,
		dataDir:        dataDir,
		clock:          clock,
		probes:         gocache.New(probeTTL, probeSweepInterval),
		inflight:       map[string]*inflightBuild{},
		programClaims:  map[string]*buildClaim{},
	}
}

// BuildImage runs the full pipeline for a program: dependency layer (cache
// hit or build), program layer on top, optional push. Backend failures come
// back as a BuildResult with Success false; the returned error is reserved
// for infrastructure failures such as store IO.
func (e *Engine) BuildImage(ctx context.Context, programID string, forceRebuild, push bool) (BuildResult, error) {
	logger := e.logger.Session("build-image", lager.Data{"program": programID})
	logger.Info("start")
	defer logger.Info("end")

	ctx, span := tracing.StartSpan(ctx, "build.image", tracing.Attrs{"program": programID})
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	started := e.clock.Now()

	program, found, err := e.programs.GetByID(programID)
	if err != nil {
		spanErr = err
		return BuildResult{}, err
	}
	if !found {
		spanErr = core.NewNotFound("program", programID)
		return BuildResult{}, spanErr
	}
	if err := program.Validate(); err != nil {
		spanErr = err
		return BuildResult{}, err
	}

	if err := e.markBuilding(program); err != nil {
		spanErr = err
		return BuildResult{}, err
	}

	// A newer build for the same program supersedes this one: cancel any
	// prior in-flight build and register our own cancel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	claim := e.claimProgramBuild(programID, cancel)
	defer e.releaseProgramBuild(programID, claim)

	depsTag, cacheHit, depsDuration, err := e.ensureDepsLayer(ctx, program.Dependencies, forceRebuild)
	if err != nil {
		return e.finishFailed(ctx, program, started, BuildResult{
			DepsDuration: depsDuration,
			ErrorMessage: (&core.BuildFailedError{Stage: core.BuildStageDeps, Message: err.Error()}).Error(),
		}), nil
	}
	if cacheHit {
		metric.RecordCacheHit(ctx)
	}

	programResult, err := e.buildProgramLayer(ctx, program, depsTag, push)
	if err != nil {
		return e.finishFailed(ctx, program, started, BuildResult{
			CacheHit:        cacheHit,
			DepsDuration:    depsDuration,
			ProgramDuration: programResult.Duration,
			BuildJobName:    programResult.BuildJobName,
			ErrorMessage:    (&core.BuildFailedError{Stage: core.BuildStageProgram, Message: err.Error()}).Error(),
		}), nil
	}

	program.ImageTag = programResult.ImageTag
	program.ImageBuildStatus = core.ImageBuildReady
	program.ImageBuildError = ""
	if _, _, err := e.programs.Update(program.ID, program); err != nil {
		spanErr = err
		return BuildResult{}, err
	}

	total := e.clock.Since(started)
	metric.RecordBuildDuration(ctx, total, cacheHit, true)

	return BuildResult{
		Success:         true,
		ImageTag:        programResult.ImageTag,
		CacheHit:        cacheHit,
		TotalDuration:   total,
		DepsDuration:    depsDuration,
		ProgramDuration: programResult.Duration,
		BuildJobName:    programResult.BuildJobName,
	}, nil
}

// ensureDepsLayer returns the dependency layer image for the given set,
// reusing the layer cache when possible. Concurrent calls for the same cache
// key coalesce onto one build.
func (e *Engine) ensureDepsLayer(ctx context.Context, deps core.DependencySet, forceRebuild bool) (string, bool, time.Duration, error) {
	key := CacheKey(deps)

	e.mu.Lock()
	if existing, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-existing.done:
			return existing.imageTag, existing.cacheHit, existing.duration, existing.err
		case <-ctx.Done():
			return "", false, 0, ctx.Err()
		}
	}
	flight := &inflightBuild{done: make(chan struct{})}
	e.inflight[key] = flight
	e.mu.Unlock()

	flight.imageTag, flight.cacheHit, flight.duration, flight.err =
		e.buildDepsLayer(ctx, deps, key, forceRebuild)

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(flight.done)

	return flight.imageTag, flight.cacheHit, flight.duration, flight.err
}

func (e *Engine) buildDepsLayer(ctx context.Context, deps core.DependencySet, key string, forceRebuild bool) (string, bool, time.Duration, error) {
	logger := e.logger.Session("build-deps-layer", lager.Data{"cache-key": key})

	imageTag := e.registry.Qualify(DepsImageTag(key))

	if !forceRebuild {
		entry, found, err := e.cacheEntryByKey(key)
		if err != nil {
			return "", false, 0, err
		}
		if found && e.imageReachable(ctx, entry.ImageTag) {
			logger.Info("cache-hit", lager.Data{"image": entry.ImageTag})
			entry.UseCount++
			entry.LastUsedAt = e.clock.Now().UTC()
			if _, _, err := e.cache.Update(entry.ID, entry); err != nil {
				logger.Error("failed-to-record-cache-use", err)
			}
			return entry.ImageTag, true, 0, nil
		}
	}

	contextDir, err := writeDepsContext(deps)
	if err != nil {
		return "", false, 0, err
	}
	defer os.RemoveAll(contextDir)

	started := e.clock.Now()
	result, err := e.backend.BuildImage(ctx, contextDir, imageTag, BackendOptions{
		Dockerfile: dockerfileName,
		Push:       e.registry.Configured(),
	})
	duration := e.clock.Since(started)
	if err != nil {
		logger.Error("failed-to-build", err)
		return "", false, duration, err
	}

	now := e.clock.Now().UTC()
	err = e.upsertCacheEntry(core.LayerCacheEntry{
		ID:            uuid.NewString(),
		CacheKey:      key,
		ImageTag:      imageTag,
		PythonVersion: deps.PythonVersion,
		PackagesHash:  PackagesHash(deps.Packages),
		PackageCount:  len(deps.Packages),
		SizeBytes:     result.SizeBytes,
		CreatedAt:     now,
		LastUsedAt:    now,
		UseCount:      1,
	})
	if err != nil {
		logger.Error("failed-to-save-cache-entry", err)
	}
	e.probes.Set(imageTag, true, probeTTL)

	return imageTag, false, duration, nil
}

func (e *Engine) buildProgramLayer(ctx context.Context, program core.Program, depsTag string, push bool) (BackendResult, error) {
	logger := e.logger.Session("build-program-layer", lager.Data{"program": program.ID})

	workspace := core.WorkspacePath(e.dataDir, program.ID)
	if _, err := os.Stat(workspace); err != nil {
		return BackendResult{}, fmt.Errorf("workspace missing: %w", err)
	}

	contextDir, err := writeProgramContext(program, workspace, depsTag)
	if err != nil {
		return BackendResult{}, err
	}
	defer os.RemoveAll(contextDir)

	imageTag := e.registry.Qualify(core.ProgramImageTag(program.ID, core.ShortID(uuid.NewString())))

	started := e.clock.Now()
	result, err := e.backend.BuildImage(ctx, contextDir, imageTag, BackendOptions{
		Dockerfile: dockerfileName,
		Push:       push && e.registry.Configured(),
	})
	result.Duration = e.clock.Since(started)
	if err != nil {
		logger.Error("failed-to-build", err)
		return result, err
	}
	result.ImageTag = imageTag
	return result, nil
}

// imageReachable asks the backend whether the image still exists, caching
// positive and negative answers for probeTTL.
func (e *Engine) imageReachable(ctx context.Context, imageTag string) bool {
	if cached, ok := e.probes.Get(imageTag); ok {
		return cached.(bool)
	}

	exists, err := e.backend.ImageExists(ctx, imageTag)
	if err != nil {
		e.logger.Error("failed-to-probe-image", err, lager.Data{"image": imageTag})
		return false
	}
	e.probes.Set(imageTag, exists, probeTTL)
	return exists
}

func (e *Engine) cacheEntryByKey(key string) (core.LayerCacheEntry, bool, error) {
	entries, err := e.cache.Find(func(entry core.LayerCacheEntry) bool {
		return entry.CacheKey == key
	})
	if err != nil {
		return core.LayerCacheEntry{}, false, err
	}
	if len(entries) == 0 {
		return core.LayerCacheEntry{}, false, nil
	}
	return entries[0], true, nil
}

// upsertCacheEntry replaces any existing entry with the same cache key; a
// force rebuild refreshes the row rather than duplicating it.
func (e *Engine) upsertCacheEntry(entry core.LayerCacheEntry) error {
	existing, found, err := e.cacheEntryByKey(entry.CacheKey)
	if err != nil {
		return err
	}
	if found {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
		entry.UseCount = existing.UseCount + 1
		_, _, err := e.cache.Update(entry.ID, entry)
		return err
	}
	return e.cache.Create(entry)
}

func (e *Engine) markBuilding(program core.Program) error {
	program.ImageBuildStatus = core.ImageBuildBuilding
	program.ImageBuildError = ""
	_, _, err := e.programs.Update(program.ID, program)
	return err
}

// finishFailed records the failure on the program without clobbering a
// previously good image tag, and shapes the failed BuildResult.
func (e *Engine) finishFailed(ctx context.Context, program core.Program, started time.Time, result BuildResult) BuildResult {
	logger := e.logger.Session("build-failed", lager.Data{"program": program.ID})

	program.ImageBuildStatus = core.ImageBuildFailed
	program.ImageBuildError = result.ErrorMessage
	if _, _, err := e.programs.Update(program.ID, program); err != nil {
		logger.Error("failed-to-record-build-failure", err)
	}

	result.Success = false
	result.TotalDuration = e.clock.Since(started)
	metric.RecordBuildDuration(ctx, result.TotalDuration, result.CacheHit, false)
	return result
}

func (e *Engine) claimProgramBuild(programID string, cancel context.CancelFunc) *buildClaim {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.programClaims[programID]; ok {
		prior.cancel()
	}
	claim := &buildClaim{cancel: cancel}
	e.programClaims[programID] = claim
	return claim
}

func (e *Engine) releaseProgramBuild(programID string, claim *buildClaim) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Only remove our own registration; a newer build may have replaced it.
	if current, ok := e.programClaims[programID]; ok && current == claim {
		delete(e.programClaims, programID)
	}
}
