package core

import "time"

// ResourceType names the kind of resource a retention policy governs.
type ResourceType string

const (
	ResourceTypeArtifact    ResourceType = "artifact"
	ResourceTypeRun         ResourceType = "run"
	ResourceTypeEnvironment ResourceType = "environment"
	ResourceTypeLog         ResourceType = "log"
)

// RetentionCondition selects which predicate a policy applies.
type RetentionCondition string

const (
	ConditionAgeDays    RetentionCondition = "age_days"
	ConditionStatus     RetentionCondition = "status"
	ConditionSizeBytes  RetentionCondition = "size_bytes"
	ConditionUnusedDays RetentionCondition = "unused_days"
)

// RetentionPolicy describes one cleanup rule. A nil UserID makes it a system
// policy applying across all users; otherwise it only matches that user's
// resources. Higher Priority policies are evaluated first.
type RetentionPolicy struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ResourceType ResourceType       `json:"resourceType"`
	Condition    RetentionCondition `json:"condition"`
	Threshold    float64            `json:"threshold"`
	StatusValue  string             `json:"statusValue,omitempty"`
	Enabled      bool               `json:"enabled"`
	Priority     int                `json:"priority"`
	UserID       *string            `json:"userId,omitempty"`
	Cascade      bool               `json:"cascade"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Validate rejects policies whose condition and fields do not line up.
func (p RetentionPolicy) Validate() error {
	switch p.ResourceType {
	case ResourceTypeArtifact, ResourceTypeRun, ResourceTypeEnvironment, ResourceTypeLog:
	default:
		return NewValidation("unknown resource type: " + string(p.ResourceType))
	}
	switch p.Condition {
	case ConditionAgeDays, ConditionSizeBytes, ConditionUnusedDays:
		if p.Threshold < 0 {
			return NewValidation("threshold must not be negative")
		}
	case ConditionStatus:
		if p.StatusValue == "" {
			return NewValidation("status condition requires statusValue")
		}
	default:
		return NewValidation("unknown condition: " + string(p.Condition))
	}
	return nil
}

// PolicyPreview is the dry-run result of evaluating one policy.
type PolicyPreview struct {
	MatchingCount  int      `json:"matchingCount"`
	TotalSizeBytes int64    `json:"totalSizeBytes"`
	ResourceIDs    []string `json:"resourceIds"`
}

// RetentionMetrics summarises one retention cleanup cycle.
type RetentionMetrics struct {
	PoliciesEvaluated   int      `json:"policiesEvaluated"`
	ArtifactsDeleted    int      `json:"artifactsDeleted"`
	RunsDeleted         int      `json:"runsDeleted"`
	EnvironmentsCleaned int      `json:"environmentsCleaned"`
	LogsDeleted         int      `json:"logsDeleted"`
	LLMMetricsDeleted   int      `json:"llmMetricsDeleted"`
	StorageFreedBytes   int64    `json:"storageFreedBytes"`
	Errors              []string `json:"errors"`
	DurationSeconds     float64  `json:"durationSeconds"`
}

// ControllerMetrics summarises one idle reconciler tick.
type ControllerMetrics struct {
	EnvironmentsChecked int      `json:"environmentsChecked"`
	EnvironmentsStopped int      `json:"environmentsStopped"`
	RunsChecked         int      `json:"runsChecked"`
	RunsDeleted         int      `json:"runsDeleted"`
	JobsChecked         int      `json:"jobsChecked"`
	JobsCleaned         int      `json:"jobsCleaned"`
	Errors              []string `json:"errors"`
	DurationSeconds     float64  `json:"durationSeconds"`
}

// WarmupMetrics summarises one warm pool reconciler tick.
type WarmupMetrics struct {
	WarmPoolSize         int      `json:"warmPoolSize"`
	EnvironmentsCreated  int      `json:"environmentsCreated"`
	EnvironmentsRecycled int      `json:"environmentsRecycled"`
	LayersPreBuilt       int      `json:"layersPreBuilt"`
	Errors               []string `json:"errors"`
	DurationSeconds      float64  `json:"durationSeconds"`
}
