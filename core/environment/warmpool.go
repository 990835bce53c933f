package environment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

// WarmPoolConfig tunes the warm pool reconciler.
type WarmPoolConfig struct {
	// PoolSize is the target number of ready environments. Zero disables
	// creation; stale members are still recycled.
	PoolSize int

	// MaxAge recycles ready environments older than this.
	MaxAge time.Duration

	// PopularDepsCount is the top-K layer cache entries, by use count,
	// whose programs are eligible for pre-provisioning.
	PopularDepsCount int
}

// WarmPool maintains a pool of ready Environments for popular programs so
// runs start without waiting for a build. Popularity ranks by layer cache
// use count, tie-broken by most recent use. Only this reconciler creates
// pool members; the executor consumes them by claiming ready environments.
type WarmPool struct {
	logger   lager.Logger
	manager  Manager
	engine   *build.Engine
	programs *store.Collection[core.Program]
	cache    *store.Collection[core.LayerCacheEntry]
	cfg      WarmPoolConfig
	clock    clock.Clock
}

func NewWarmPool(
	logger lager.Logger,
	manager Manager,
	engine *build.Engine,
	programs *store.Collection[core.Program],
	cache *store.Collection[core.LayerCacheEntry],
	cfg WarmPoolConfig,
	clock clock.Clock,
) *WarmPool {
	return &WarmPool{
		logger:   logger,
		manager:  manager,
		engine:   engine,
		programs: programs,
		cache:    cache,
		cfg:      cfg,
		clock:    clock,
	}
}

// Run implements component.Runnable.
func (w *WarmPool) Run(ctx context.Context) error {
	_, err := w.Tick(ctx)
	return err
}

// Tick recycles stale pool members and tops the pool back up to the target
// size. Per-item failures land in the sample's errors; the tick keeps going.
func (w *WarmPool) Tick(ctx context.Context) (core.WarmupMetrics, error) {
	logger := w.logger.Session("tick")
	logger.Info("start")
	defer logger.Info("end")

	ctx, span := tracing.StartSpan(ctx, "warmpool.tick", nil)
	defer tracing.End(span, nil)

	started := w.clock.Now()
	var sample core.WarmupMetrics
	var errs *multierror.Error

	warm, err := w.manager.ListEnvironments("", core.EnvironmentStatusReady)
	if err != nil {
		return sample, fmt.Errorf("listing warm environments: %w", err)
	}

	cutoff := w.clock.Now().UTC().Add(-w.cfg.MaxAge)
	fresh := warm[:0]
	for _, env := range warm {
		if w.cfg.MaxAge > 0 && env.CreatedAt.Before(cutoff) {
			if err := w.manager.DeleteEnvironment(env.ID); err != nil {
				logger.Error("failed-to-recycle", err, lager.Data{"environment": env.ID})
				errs = multierror.Append(errs, err)
				continue
			}
			sample.EnvironmentsRecycled++
			continue
		}
		fresh = append(fresh, env)
	}

	missing := w.cfg.PoolSize - len(fresh)
	if missing > 0 {
		created, preBuilt, createErrs := w.createMembers(ctx, logger, fresh, missing)
		sample.EnvironmentsCreated = created
		sample.LayersPreBuilt = preBuilt
		errs = multierror.Append(errs, createErrs...)
	}

	sample.WarmPoolSize = len(fresh) + sample.EnvironmentsCreated
	sample.DurationSeconds = w.clock.Since(started).Seconds()
	for _, err := range errs.WrappedErrors() {
		sample.Errors = append(sample.Errors, err.Error())
	}

	metric.RecordWarmupMetrics(ctx, sample)
	logger.Info("sample", lager.Data{
		"pool-size": sample.WarmPoolSize,
		"created":   sample.EnvironmentsCreated,
		"recycled":  sample.EnvironmentsRecycled,
		"errors":    len(sample.Errors),
	})

	return sample, nil
}

// createMembers provisions up to missing environments for the most popular
// programs not already in the pool.
func (w *WarmPool) createMembers(ctx context.Context, logger lager.Logger, warm []core.Environment, missing int) (int, int, []error) {
	var errs []error

	candidates, err := w.popularPrograms()
	if err != nil {
		return 0, 0, []error{fmt.Errorf("ranking programs: %w", err)}
	}

	pooled := map[string]bool{}
	for _, env := range warm {
		pooled[env.ProgramID] = true
	}

	created, preBuilt := 0, 0
	for _, program := range candidates {
		if created >= missing {
			break
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if pooled[program.ID] {
			continue
		}

		imageTag := program.ImageTag
		if imageTag == "" || program.ImageBuildStatus != core.ImageBuildReady {
			result, err := w.engine.BuildImage(ctx, program.ID, false, true)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !result.Success {
				errs = append(errs, fmt.Errorf("warming %s: %s", program.ID, result.ErrorMessage))
				continue
			}
			imageTag = result.ImageTag
			if !result.CacheHit {
				preBuilt++
			}
		}

		env, err := w.manager.CreateEnvironment(program.ID, imageTag, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := w.manager.MarkReady(env.ID); err != nil {
			errs = append(errs, err)
			continue
		}

		pooled[program.ID] = true
		created++
		logger.Info("warmed", lager.Data{"program": program.ID, "environment": env.ID})
	}

	return created, preBuilt, errs
}

// popularPrograms returns programs whose dependency sets match the top-K
// most used layer cache entries, in rank order.
func (w *WarmPool) popularPrograms() ([]core.Program, error) {
	entries, err := w.cache.ListAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UseCount != entries[j].UseCount {
			return entries[i].UseCount > entries[j].UseCount
		}
		return entries[i].LastUsedAt.After(entries[j].LastUsedAt)
	})
	if w.cfg.PopularDepsCount > 0 && len(entries) > w.cfg.PopularDepsCount {
		entries = entries[:w.cfg.PopularDepsCount]
	}

	programs, err := w.programs.ListAll()
	if err != nil {
		return nil, err
	}
	byKey := map[string][]core.Program{}
	for _, program := range programs {
		key := build.CacheKey(program.Dependencies)
		byKey[key] = append(byKey[key], program)
	}

	var ranked []core.Program
	for _, entry := range entries {
		ranked = append(ranked, byKey[entry.CacheKey]...)
	}
	return ranked, nil
}
