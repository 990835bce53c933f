package core

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrRunTerminal is returned when an operation requires a live Run but
	// the Run has already reached a terminal status.
	ErrRunTerminal = errors.New("run is in a terminal status")

	// ErrImageNotReady is returned when a Run is submitted for a Program
	// whose image build has not completed yet.
	ErrImageNotReady = errors.New("program image is not ready")
)

// RetryableError is implemented by errors that represent transient failures
// which should be retried on the next executor or reconciler tick.
type RetryableError interface {
	error
	IsRetryable() bool
}

// NotFoundError indicates a reference to an entity that does not exist in
// the metadata store.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// ConflictError indicates an attempt to create an entity whose ID is already
// present in its collection.
type ConflictError struct {
	Entity string
	ID     string
}

func NewConflict(entity, id string) *ConflictError {
	return &ConflictError{Entity: entity, ID: id}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.ID)
}

func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// InvalidStateTransitionError is returned by the Run and Environment state
// machines when a requested transition is not in the allowed graph.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func NewInvalidStateTransition(entity, from, to string) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{Entity: entity, From: from, To: to}
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

func IsInvalidStateTransition(err error) bool {
	var invalid *InvalidStateTransitionError
	return errors.As(err, &invalid)
}

// ValidationError indicates malformed caller input.
type ValidationError struct {
	Message string
}

func NewValidation(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

// QuotaType names the per-user limit that a denied operation ran into.
type QuotaType string

const (
	QuotaConcurrentRuns  QuotaType = "concurrent_runs"
	QuotaDailyRuns       QuotaType = "daily_runs"
	QuotaMonthlyCPUHours QuotaType = "monthly_cpu_hours"
	QuotaStorage         QuotaType = "storage"
)

// QuotaExceededError is returned by quota pre-checks. Current and Limit carry
// the counter values at denial time; for QuotaStorage they are byte counts.
type QuotaExceededError struct {
	Type    QuotaType
	Current float64
	Limit   float64
}

func NewQuotaExceeded(quotaType QuotaType, current, limit float64) *QuotaExceededError {
	return &QuotaExceededError{Type: quotaType, Current: current, Limit: limit}
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (current %s, limit %s)",
		e.Type, formatQuotaValue(e.Current), formatQuotaValue(e.Limit))
}

func IsQuotaExceeded(err error) bool {
	var quota *QuotaExceededError
	return errors.As(err, &quota)
}

func formatQuotaValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// ArtifactTooLargeError rejects a single artifact exceeding the per-object cap.
type ArtifactTooLargeError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *ArtifactTooLargeError) Error() string {
	return fmt.Sprintf("artifact size %d bytes exceeds maximum of %d bytes", e.SizeBytes, e.MaxBytes)
}

// BuildStage identifies which layer of the two-layer build failed.
type BuildStage string

const (
	BuildStageDeps    BuildStage = "deps"
	BuildStageProgram BuildStage = "program"
	BuildStagePush    BuildStage = "push"
)

// BuildFailedError carries a build backend failure. It is non-fatal for the
// caller; the Program's imageBuildStatus transitions to failed.
type BuildFailedError struct {
	Stage   BuildStage
	Message string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build failed at %s stage: %s", e.Stage, e.Message)
}

func IsBuildFailed(err error) bool {
	var buildFailed *BuildFailedError
	return errors.As(err, &buildFailed)
}

// BackendUnavailableError wraps a transient failure from an external backend
// (cluster API, image daemon, broker). Reconcilers retry on the next tick;
// synchronous callers surface it as a 503-equivalent.
type BackendUnavailableError struct {
	Cause error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %s", e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

func (e *BackendUnavailableError) IsRetryable() bool {
	return true
}

// IsRetryable reports whether err should be retried rather than treated as a
// terminal failure.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable) && retryable.IsRetryable()
}

// CollectionCorruptError indicates that a collection file on disk could not
// be decoded. It is never silently repaired; operators must intervene.
type CollectionCorruptError struct {
	Collection string
	Path       string
	Cause      error
}

func (e *CollectionCorruptError) Error() string {
	return fmt.Sprintf("collection %s at %s is corrupt: %s", e.Collection, e.Path, e.Cause)
}

func (e *CollectionCorruptError) Unwrap() error {
	return e.Cause
}
