package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mellea-dev/playground/core"
)

// Store bundles every metadata collection under one data directory. It is
// constructed once by the composition root and shared by reference.
type Store struct {
	Programs          *Collection[core.Program]
	Environments      *Collection[core.Environment]
	Runs              *Collection[core.Run]
	LayerCache        *Collection[core.LayerCacheEntry]
	Artifacts         *Collection[core.Artifact]
	ArtifactUsage     *Collection[core.ArtifactUsage]
	Credentials       *Collection[core.Credential]
	RetentionPolicies *Collection[core.RetentionPolicy]
	LLMMetrics        *Collection[core.LLMUsageMetric]
	QuotaUsage        *Collection[core.QuotaUsage]
}

// NewStore creates the metadata directory under dataDir and opens every
// collection. Collection files are created lazily on first write.
func NewStore(dataDir string) (*Store, error) {
	metadataDir := core.MetadataDir(dataDir)
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}

	path := func(stem string) string {
		return filepath.Join(metadataDir, stem+".json")
	}

	return &Store{
		Programs: NewCollection(path("programs"), "programs", "program",
			func(p core.Program) string { return p.ID }),
		Environments: NewCollection(path("environments"), "environments", "environment",
			func(e core.Environment) string { return e.ID }),
		Runs: NewCollection(path("runs"), "runs", "run",
			func(r core.Run) string { return r.ID }),
		LayerCache: NewCollection(path("layer_cache"), "layer_cache", "layer cache entry",
			func(e core.LayerCacheEntry) string { return e.ID }),
		Artifacts: NewCollection(path("artifacts"), "artifacts", "artifact",
			func(a core.Artifact) string { return a.ID }),
		ArtifactUsage: NewCollection(path("artifact_usage"), "artifact_usage", "artifact usage",
			func(u core.ArtifactUsage) string { return u.UserID }),
		Credentials: NewCollection(path("credentials"), "credentials", "credential",
			func(c core.Credential) string { return c.ID }),
		RetentionPolicies: NewCollection(path("retention_policies"), "retention_policies", "retention policy",
			func(p core.RetentionPolicy) string { return p.ID }),
		LLMMetrics: NewCollection(path("llm_metrics"), "llm_metrics", "llm metric",
			func(m core.LLMUsageMetric) string { return m.ID }),
		QuotaUsage: NewCollection(path("quota_usage"), "quota_usage", "quota usage",
			func(u core.QuotaUsage) string { return u.UserID }),
	}, nil
}
