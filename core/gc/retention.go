package gc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

// RetentionConfig sets the built-in system policy thresholds.
type RetentionConfig struct {
	// ArtifactRetentionDays seeds the system artifact age policy. Zero
	// disables the seed.
	ArtifactRetentionDays int

	// RunRetentionDays seeds the system run age policy. Zero disables the
	// seed.
	RunRetentionDays int

	// LLMMetricsRetentionDays bounds how long usage metric rows are kept.
	// Zero keeps them forever.
	LLMMetricsRetentionDays int
}

// RetentionReconciler evaluates retention policies over artifacts, runs,
// environments, and logs, deleting what matches. Policies are ordered by
// priority descending; a resource matched by several policies is deleted
// once, attributed to the highest-priority match.
type RetentionReconciler struct {
	logger       lager.Logger
	policies     *store.Collection[core.RetentionPolicy]
	runs         *store.Collection[core.Run]
	programs     *store.Collection[core.Program]
	artifactRows *store.Collection[core.Artifact]
	llmMetrics   *store.Collection[core.LLMUsageMetric]
	environments environment.Manager
	artifacts    *artifact.Collector
	cfg          RetentionConfig
	clock        clock.Clock
}

func NewRetentionReconciler(
	logger lager.Logger,
	policies *store.Collection[core.RetentionPolicy],
	runs *store.Collection[core.Run],
	programs *store.Collection[core.Program],
	artifactRows *store.Collection[core.Artifact],
	llmMetrics *store.Collection[core.LLMUsageMetric],
	environments environment.Manager,
	artifacts *artifact.Collector,
	cfg RetentionConfig,
	clock clock.Clock,
) *RetentionReconciler {
	return &RetentionReconciler{
		logger:       logger,
		policies:     policies,
		runs:         runs,
		programs:     programs,
		artifactRows: artifactRows,
		llmMetrics:   llmMetrics,
		environments: environments,
		artifacts:    artifacts,
		cfg:          cfg,
		clock:        clock,
	}
}

// Run implements component.Runnable.
func (r *RetentionReconciler) Run(ctx context.Context) error {
	_, err := r.RunCleanupCycle(ctx)
	return err
}

// CreatePolicy validates and stores a new policy.
func (r *RetentionReconciler) CreatePolicy(policy core.RetentionPolicy) (core.RetentionPolicy, error) {
	if err := policy.Validate(); err != nil {
		return core.RetentionPolicy{}, err
	}

	now := r.clock.Now().UTC()
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policy.CreatedAt = now
	policy.UpdatedAt = now
	if err := r.policies.Create(policy); err != nil {
		return core.RetentionPolicy{}, err
	}
	return policy, nil
}

// ListPolicies returns every policy, priority descending.
func (r *RetentionReconciler) ListPolicies() ([]core.RetentionPolicy, error) {
	policies, err := r.policies.ListAll()
	if err != nil {
		return nil, err
	}
	sortPolicies(policies)
	return policies, nil
}

// DeletePolicy removes a policy; reports whether it existed.
func (r *RetentionReconciler) DeletePolicy(id string) (bool, error) {
	return r.policies.Delete(id)
}

// EnsureSystemPolicies seeds the built-in system policies from the config.
// Seeding is idempotent; existing rows are left alone so operators can tune
// them.
func (r *RetentionReconciler) EnsureSystemPolicies() error {
	seeds := []core.RetentionPolicy{}
	if r.cfg.ArtifactRetentionDays > 0 {
		seeds = append(seeds, core.RetentionPolicy{
			ID:           "system-artifact-age",
			Name:         "expire old artifacts",
			ResourceType: core.ResourceTypeArtifact,
			Condition:    core.ConditionAgeDays,
			Threshold:    float64(r.cfg.ArtifactRetentionDays),
			Enabled:      true,
			Priority:     10,
		})
	}
	if r.cfg.RunRetentionDays > 0 {
		seeds = append(seeds, core.RetentionPolicy{
			ID:           "system-run-age",
			Name:         "expire old runs",
			ResourceType: core.ResourceTypeRun,
			Condition:    core.ConditionAgeDays,
			Threshold:    float64(r.cfg.RunRetentionDays),
			Enabled:      true,
			Priority:     10,
			Cascade:      true,
		})
	}

	now := r.clock.Now().UTC()
	for _, seed := range seeds {
		_, found, err := r.policies.GetByID(seed.ID)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		seed.CreatedAt = now
		seed.UpdatedAt = now
		if err := r.policies.Create(seed); err != nil {
			return err
		}
	}
	return nil
}

// PreviewPolicy evaluates one policy without mutating anything.
func (r *RetentionReconciler) PreviewPolicy(policyID string) (core.PolicyPreview, error) {
	policy, found, err := r.policies.GetByID(policyID)
	if err != nil {
		return core.PolicyPreview{}, err
	}
	if !found {
		return core.PolicyPreview{}, core.NewNotFound("retention policy", policyID)
	}

	matches, err := r.selectMatches(policy, map[string]bool{})
	if err != nil {
		return core.PolicyPreview{}, err
	}

	preview := core.PolicyPreview{MatchingCount: len(matches)}
	for _, match := range matches {
		preview.TotalSizeBytes += match.sizeBytes
		preview.ResourceIDs = append(preview.ResourceIDs, match.id)
	}
	return preview, nil
}

// RunCleanupCycle evaluates every enabled policy, deletes matches, and sweeps
// expired artifacts and stale usage metric rows. Per-resource failures are
// collected into the sample; the cycle keeps going.
func (r *RetentionReconciler) RunCleanupCycle(ctx context.Context) (core.RetentionMetrics, error) {
	logger := r.logger.Session("cleanup-cycle")
	logger.Info("start")
	defer logger.Info("end")

	ctx, span := tracing.StartSpan(ctx, "gc.retention-cycle", nil)
	defer tracing.End(span, nil)

	started := r.clock.Now()
	var sample core.RetentionMetrics
	var errs *multierror.Error

	if err := r.sweepExpiredArtifacts(&sample); err != nil {
		errs = multierror.Append(errs, err)
	}

	policies, err := r.policies.Find(func(p core.RetentionPolicy) bool {
		return p.Enabled
	})
	if err != nil {
		return sample, fmt.Errorf("listing policies: %w", err)
	}
	sortPolicies(policies)

	deleted := map[string]bool{}
	for _, policy := range policies {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		sample.PoliciesEvaluated++

		matches, err := r.selectMatches(policy, deleted)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("policy %s: %w", policy.ID, err))
			continue
		}

		for _, match := range matches {
			if err := r.deleteResource(logger, policy, match, &sample); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			deleted[resourceKey(policy.ResourceType, match.id)] = true
		}
	}

	if err := r.sweepLLMMetrics(&sample); err != nil {
		errs = multierror.Append(errs, err)
	}

	sample.DurationSeconds = r.clock.Since(started).Seconds()
	for _, err := range errs.WrappedErrors() {
		sample.Errors = append(sample.Errors, err.Error())
	}

	metric.RecordRetentionMetrics(ctx, sample)
	logger.Info("sample", lager.Data{
		"policies":     sample.PoliciesEvaluated,
		"artifacts":    sample.ArtifactsDeleted,
		"runs":         sample.RunsDeleted,
		"environments": sample.EnvironmentsCleaned,
		"logs":         sample.LogsDeleted,
		"freed-bytes":  sample.StorageFreedBytes,
		"errors":       len(sample.Errors),
	})

	return sample, nil
}

// match is one resource a policy selected.
type match struct {
	id        string
	sizeBytes int64
}

// selectMatches returns the resources a policy would delete, skipping any
// already deleted this cycle.
func (r *RetentionReconciler) selectMatches(policy core.RetentionPolicy, deleted map[string]bool) ([]match, error) {
	now := r.clock.Now().UTC()

	var matches []match
	add := func(id string, size int64) {
		if !deleted[resourceKey(policy.ResourceType, id)] {
			matches = append(matches, match{id: id, sizeBytes: size})
		}
	}

	switch policy.ResourceType {
	case core.ResourceTypeArtifact, core.ResourceTypeLog:
		rows, err := r.artifactRows.ListAll()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !artifactTypeMatches(policy.ResourceType, row.ArtifactType) {
				continue
			}
			if policy.UserID != nil && row.OwnerID != *policy.UserID {
				continue
			}
			if artifactMatches(policy, row, now) {
				add(row.ID, row.SizeBytes)
			}
		}

	case core.ResourceTypeRun:
		rows, err := r.runs.ListAll()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			// Live runs are never retention targets.
			if !row.IsTerminal() {
				continue
			}
			if policy.UserID != nil && row.OwnerID != *policy.UserID {
				continue
			}
			if runMatches(policy, row, now) {
				add(row.ID, int64(len(row.Output)))
			}
		}

	case core.ResourceTypeEnvironment:
		envs, err := r.environments.ListEnvironments("", "")
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			if !environmentDeletable(env.Status) {
				continue
			}
			if policy.UserID != nil {
				owner, err := r.programOwner(env.ProgramID)
				if err != nil || owner != *policy.UserID {
					continue
				}
			}
			if environmentMatches(policy, env, now) {
				add(env.ID, 0)
			}
		}

	default:
		return nil, core.NewValidation("unknown resource type: " + string(policy.ResourceType))
	}

	return matches, nil
}

// deleteResource removes one matched resource and updates the sample.
func (r *RetentionReconciler) deleteResource(logger lager.Logger, policy core.RetentionPolicy, m match, sample *core.RetentionMetrics) error {
	switch policy.ResourceType {
	case core.ResourceTypeArtifact, core.ResourceTypeLog:
		existed, err := r.artifacts.DeleteArtifact(m.id)
		if err != nil {
			return fmt.Errorf("deleting artifact %s: %w", m.id, err)
		}
		if existed {
			if policy.ResourceType == core.ResourceTypeLog {
				sample.LogsDeleted++
			} else {
				sample.ArtifactsDeleted++
			}
			sample.StorageFreedBytes += m.sizeBytes
		}
		return nil

	case core.ResourceTypeRun:
		return r.deleteRun(logger, m.id, policy.Cascade, sample)

	case core.ResourceTypeEnvironment:
		if err := r.environments.DeleteEnvironment(m.id); err != nil {
			return fmt.Errorf("deleting environment %s: %w", m.id, err)
		}
		sample.EnvironmentsCleaned++
		return nil
	}
	return nil
}

// deleteRun removes a run row, cascading to its artifacts and usage metrics
// when asked.
func (r *RetentionReconciler) deleteRun(logger lager.Logger, runID string, cascade bool, sample *core.RetentionMetrics) error {
	if cascade {
		rows, err := r.artifactRows.Find(func(a core.Artifact) bool {
			return a.RunID == runID
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			existed, err := r.artifacts.DeleteArtifact(row.ID)
			if err != nil {
				logger.Error("failed-to-cascade-artifact", err, lager.Data{"artifact": row.ID})
				continue
			}
			if existed {
				sample.ArtifactsDeleted++
				sample.StorageFreedBytes += row.SizeBytes
			}
		}

		metrics, err := r.llmMetrics.Find(func(m core.LLMUsageMetric) bool {
			return m.RunID == runID
		})
		if err != nil {
			return err
		}
		for _, row := range metrics {
			if _, err := r.llmMetrics.Delete(row.ID); err != nil {
				logger.Error("failed-to-cascade-metric", err, lager.Data{"metric": row.ID})
				continue
			}
			sample.LLMMetricsDeleted++
		}
	}

	existed, err := r.runs.Delete(runID)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	if existed {
		sample.RunsDeleted++
	}
	return nil
}

// sweepExpiredArtifacts deletes artifacts whose expiresAt has passed,
// independent of any policy.
func (r *RetentionReconciler) sweepExpiredArtifacts(sample *core.RetentionMetrics) error {
	now := r.clock.Now().UTC()
	rows, err := r.artifactRows.Find(func(a core.Artifact) bool {
		return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		existed, err := r.artifacts.DeleteArtifact(row.ID)
		if err != nil {
			return fmt.Errorf("expiring artifact %s: %w", row.ID, err)
		}
		if existed {
			sample.ArtifactsDeleted++
			sample.StorageFreedBytes += row.SizeBytes
		}
	}
	return nil
}

// sweepLLMMetrics deletes usage metric rows older than the configured
// retention window.
func (r *RetentionReconciler) sweepLLMMetrics(sample *core.RetentionMetrics) error {
	if r.cfg.LLMMetricsRetentionDays <= 0 {
		return nil
	}

	cutoff := r.clock.Now().UTC().Add(-time.Duration(r.cfg.LLMMetricsRetentionDays) * 24 * time.Hour)
	rows, err := r.llmMetrics.Find(func(m core.LLMUsageMetric) bool {
		return m.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := r.llmMetrics.Delete(row.ID); err != nil {
			return fmt.Errorf("deleting metric %s: %w", row.ID, err)
		}
		sample.LLMMetricsDeleted++
	}
	return nil
}

func (r *RetentionReconciler) programOwner(programID string) (string, error) {
	program, found, err := r.programs.GetByID(programID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", core.NewNotFound("program", programID)
	}
	return program.Owner, nil
}

func sortPolicies(policies []core.RetentionPolicy) {
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

func resourceKey(resourceType core.ResourceType, id string) string {
	// Logs are artifacts; share the dedup key so a log is not deleted twice
	// under two resource types.
	if resourceType == core.ResourceTypeLog {
		resourceType = core.ResourceTypeArtifact
	}
	return string(resourceType) + "/" + id
}

func artifactTypeMatches(resourceType core.ResourceType, artifactType core.ArtifactType) bool {
	isLog := artifactType == core.ArtifactTypeLog || artifactType == core.ArtifactTypeOutput
	if resourceType == core.ResourceTypeLog {
		return isLog
	}
	return !isLog
}

func artifactMatches(policy core.RetentionPolicy, row core.Artifact, now time.Time) bool {
	switch policy.Condition {
	case core.ConditionAgeDays, core.ConditionUnusedDays:
		return olderThanDays(row.CreatedAt, policy.Threshold, now)
	case core.ConditionSizeBytes:
		return float64(row.SizeBytes) > policy.Threshold
	case core.ConditionStatus:
		return string(row.ArtifactType) == policy.StatusValue
	}
	return false
}

func runMatches(policy core.RetentionPolicy, row core.Run, now time.Time) bool {
	switch policy.Condition {
	case core.ConditionAgeDays:
		return olderThanDays(row.CreatedAt, policy.Threshold, now)
	case core.ConditionUnusedDays:
		at := row.CreatedAt
		if row.CompletedAt != nil {
			at = *row.CompletedAt
		}
		return olderThanDays(at, policy.Threshold, now)
	case core.ConditionSizeBytes:
		// A run's size is its retained output tail.
		return float64(len(row.Output)) > policy.Threshold
	case core.ConditionStatus:
		return string(row.Status) == policy.StatusValue
	}
	return false
}

func environmentMatches(policy core.RetentionPolicy, env core.Environment, now time.Time) bool {
	switch policy.Condition {
	case core.ConditionAgeDays:
		return olderThanDays(env.CreatedAt, policy.Threshold, now)
	case core.ConditionUnusedDays:
		return olderThanDays(env.UpdatedAt, policy.Threshold, now)
	case core.ConditionStatus:
		return string(env.Status) == policy.StatusValue
	}
	return false
}

func environmentDeletable(status core.EnvironmentStatus) bool {
	switch status {
	case core.EnvironmentStatusReady, core.EnvironmentStatusStopped, core.EnvironmentStatusFailed:
		return true
	}
	return false
}

func olderThanDays(at time.Time, days float64, now time.Time) bool {
	return now.Sub(at) > time.Duration(days*24*float64(time.Hour))
}
