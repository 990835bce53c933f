package build

import (
	"context"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/mellea-dev/playground/core"
)

// ListCacheEntries returns every layer cache entry.
func (e *Engine) ListCacheEntries() ([]core.LayerCacheEntry, error) {
	return e.cache.ListAll()
}

// PruneStale removes cache entries whose last use is older than maxAge and
// asks the backend to delete the underlying images. Image deletion is
// best-effort; the metadata row goes regardless. Returns how many entries
// were removed.
func (e *Engine) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	logger := e.logger.Session("prune-stale", lager.Data{"max-age": maxAge.String()})
	logger.Info("start")
	defer logger.Info("end")

	cutoff := e.clock.Now().UTC().Add(-maxAge)
	stale, err := e.cache.Find(func(entry core.LayerCacheEntry) bool {
		return entry.LastUsedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, entry := range stale {
		if err := e.backend.RemoveImage(ctx, entry.ImageTag); err != nil {
			logger.Error("failed-to-remove-image", err, lager.Data{"image": entry.ImageTag})
		}
		removed, err := e.cache.Delete(entry.ID)
		if err != nil {
			logger.Error("failed-to-delete-entry", err, lager.Data{"cache-key": entry.CacheKey})
			continue
		}
		if removed {
			e.probes.Delete(entry.ImageTag)
			pruned++
		}
	}

	return pruned, nil
}

// InvalidateCacheEntry removes the metadata row for a cache key, leaving the
// image itself alone. Reports whether an entry existed.
func (e *Engine) InvalidateCacheEntry(cacheKey string) (bool, error) {
	entry, found, err := e.cacheEntryByKey(cacheKey)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	e.probes.Delete(entry.ImageTag)
	return e.cache.Delete(entry.ID)
}
