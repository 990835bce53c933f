package core

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// runTransitions is the allowed transition graph for Runs. starting may jump
// straight to succeeded because very fast jobs can complete before they are
// ever observed as running.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:    {RunStatusStarting, RunStatusCancelled},
	RunStatusStarting:  {RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning:   {RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
	RunStatusSucceeded: {},
	RunStatusFailed:    {},
	RunStatusCancelled: {},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransition reports whether a Run may move from s to to.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidStateTransitionError when the move
// from s to to is not in the transition graph.
func (s RunStatus) ValidateTransition(to RunStatus) error {
	if !s.CanTransition(to) {
		return NewInvalidStateTransition("run", string(s), string(to))
	}
	return nil
}

// Run is one execution of a Program inside an Environment.
type Run struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	EnvironmentID string     `json:"environmentId"`
	ProgramID     string     `json:"programId"`
	Status        RunStatus  `json:"status"`
	JobName       string     `json:"jobName,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Output        string     `json:"output,omitempty"`
	OutputPath    string     `json:"outputPath,omitempty"`
	CredentialIDs []string   `json:"credentialIds,omitempty"`
}

// IsTerminal reports whether the Run has reached a sink state.
func (r Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// CPUHours computes the CPU time consumed by a terminal Run given the number
// of cores it was allotted. Zero when the Run never started or never
// completed.
func (r Run) CPUHours(cores float64) float64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	elapsed := r.CompletedAt.Sub(*r.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed.Hours() * cores
}

// RunJobName derives the cluster job name for a Run from its Environment ID.
// The name is assigned before job creation so that a crash after the
// queued-to-starting transition still leaves a traceable record.
func RunJobName(environmentID string) string {
	return fmt.Sprintf("mellea-run-%s", ShortID(environmentID))
}

// RunJobPrefix is the name prefix shared by every run job; the idle
// reconciler uses it to find stale jobs.
const RunJobPrefix = "mellea-run-"
