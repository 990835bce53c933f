package core

import "time"

// EnvironmentStatus is the lifecycle state of an Environment.
type EnvironmentStatus string

const (
	EnvironmentStatusCreating EnvironmentStatus = "creating"
	EnvironmentStatusReady    EnvironmentStatus = "ready"
	EnvironmentStatusStarting EnvironmentStatus = "starting"
	EnvironmentStatusRunning  EnvironmentStatus = "running"
	EnvironmentStatusStopping EnvironmentStatus = "stopping"
	EnvironmentStatusStopped  EnvironmentStatus = "stopped"
	EnvironmentStatusFailed   EnvironmentStatus = "failed"
	EnvironmentStatusDeleting EnvironmentStatus = "deleting"
)

// environmentTransitions is the allowed transition graph for Environments.
// Deletion from running is forbidden; callers must stop first.
var environmentTransitions = map[EnvironmentStatus][]EnvironmentStatus{
	EnvironmentStatusCreating: {EnvironmentStatusReady, EnvironmentStatusFailed},
	EnvironmentStatusReady:    {EnvironmentStatusStarting, EnvironmentStatusDeleting},
	EnvironmentStatusStarting: {EnvironmentStatusRunning, EnvironmentStatusFailed},
	EnvironmentStatusRunning:  {EnvironmentStatusStopping, EnvironmentStatusFailed},
	EnvironmentStatusStopping: {EnvironmentStatusStopped},
	EnvironmentStatusStopped:  {EnvironmentStatusDeleting},
	EnvironmentStatusFailed:   {EnvironmentStatusDeleting},
	EnvironmentStatusDeleting: {},
}

// CanTransition reports whether an Environment may move from s to to.
func (s EnvironmentStatus) CanTransition(to EnvironmentStatus) bool {
	for _, next := range environmentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidStateTransitionError when the move
// from s to to is not in the transition graph.
func (s EnvironmentStatus) ValidateTransition(to EnvironmentStatus) error {
	if !s.CanTransition(to) {
		return NewInvalidStateTransition("environment", string(s), string(to))
	}
	return nil
}

// Deletable reports whether an Environment in this status may enter deleting.
func (s EnvironmentStatus) Deletable() bool {
	return s.CanTransition(EnvironmentStatusDeleting)
}

// ResourceLimits bounds an execution. Quantities use Kubernetes quantity
// strings ("500m", "2Gi").
type ResourceLimits struct {
	CPULimit              string `json:"cpuLimit,omitempty"`
	MemoryLimit           string `json:"memoryLimit,omitempty"`
	TimeoutSeconds        int    `json:"timeoutSeconds,omitempty"`
	EphemeralStorageLimit string `json:"ephemeralStorageLimit,omitempty"`
}

// Environment is a runnable instance bound to a specific built image,
// consumed by Runs. It owns no external resource besides the referenced
// image tag.
type Environment struct {
	ID             string            `json:"id"`
	ProgramID      string            `json:"programId"`
	ImageTag       string            `json:"imageTag"`
	Status         EnvironmentStatus `json:"status"`
	ContainerID    string            `json:"containerId,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resourceLimits,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	StoppedAt      *time.Time        `json:"stoppedAt,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
}
