package environment

import (
	"fmt"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/store"
)

//counterfeiter:generate . Manager

// Manager owns Environment records and is the sole authority over their
// state machine. Every status change goes through UpdateStatus, which
// enforces the transition graph and maintains the derived timestamp fields.
type Manager interface {
	CreateEnvironment(programID, imageTag string, limits *core.ResourceLimits) (core.Environment, error)
	GetEnvironment(id string) (core.Environment, error)
	ListEnvironments(programID string, status core.EnvironmentStatus) ([]core.Environment, error)

	UpdateStatus(id string, to core.EnvironmentStatus, update StatusUpdate) (core.Environment, error)
	SetImageTag(id, imageTag string) (core.Environment, error)
	StartEnvironment(id string) (core.Environment, error)
	StopEnvironment(id string) (core.Environment, error)
	DeleteEnvironment(id string) error

	MarkReady(id string) (core.Environment, error)
	MarkFailed(id, errorMessage string) (core.Environment, error)
	MarkRunning(id, containerID string) (core.Environment, error)
	MarkStopped(id string) (core.Environment, error)
}

// StatusUpdate carries the optional fields a transition records.
type StatusUpdate struct {
	ContainerID  string
	ErrorMessage string
}

type manager struct {
	logger       lager.Logger
	environments *store.Collection[core.Environment]
	programs     *store.Collection[core.Program]
	clock        clock.Clock
}

func NewManager(
	logger lager.Logger,
	environments *store.Collection[core.Environment],
	programs *store.Collection[core.Program],
	clock clock.Clock,
) Manager {
	return &manager{
		logger:       logger,
		environments: environments,
		programs:     programs,
		clock:        clock,
	}
}

// CreateEnvironment records a new Environment in creating status for an
// existing Program. An empty image tag means the environment is waiting on
// the program's image build; SetImageTag fills it in later.
func (m *manager) CreateEnvironment(programID, imageTag string, limits *core.ResourceLimits) (core.Environment, error) {
	logger := m.logger.Session("create-environment", lager.Data{"program": programID})

	_, found, err := m.programs.GetByID(programID)
	if err != nil {
		return core.Environment{}, fmt.Errorf("loading program: %w", err)
	}
	if !found {
		return core.Environment{}, core.NewNotFound("program", programID)
	}

	now := m.clock.Now().UTC()
	env := core.Environment{
		ID:             uuid.NewString(),
		ProgramID:      programID,
		ImageTag:       imageTag,
		Status:         core.EnvironmentStatusCreating,
		ResourceLimits: limits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.environments.Create(env); err != nil {
		logger.Error("failed-to-create", err)
		return core.Environment{}, err
	}

	logger.Info("created", lager.Data{"environment": env.ID})
	return env, nil
}

func (m *manager) GetEnvironment(id string) (core.Environment, error) {
	env, found, err := m.environments.GetByID(id)
	if err != nil {
		return core.Environment{}, err
	}
	if !found {
		return core.Environment{}, core.NewNotFound("environment", id)
	}
	return env, nil
}

// ListEnvironments returns environments filtered by program and status;
// empty values mean no filter.
func (m *manager) ListEnvironments(programID string, status core.EnvironmentStatus) ([]core.Environment, error) {
	return m.environments.Find(func(env core.Environment) bool {
		if programID != "" && env.ProgramID != programID {
			return false
		}
		if status != "" && env.Status != status {
			return false
		}
		return true
	})
}

// SetImageTag binds a freshly built image to an environment that was
// created before its program's build finished.
func (m *manager) SetImageTag(id, imageTag string) (core.Environment, error) {
	if imageTag == "" {
		return core.Environment{}, core.NewValidation("image tag must not be empty")
	}

	env, err := m.GetEnvironment(id)
	if err != nil {
		return core.Environment{}, err
	}

	env.ImageTag = imageTag
	env.UpdatedAt = m.clock.Now().UTC()
	updated, found, err := m.environments.Update(env.ID, env)
	if err != nil {
		return core.Environment{}, err
	}
	if !found {
		return core.Environment{}, core.NewNotFound("environment", id)
	}
	return updated, nil
}

// UpdateStatus validates the transition and applies it, recording startedAt
// on the first entry to running, stoppedAt on entry to stopped, the container
// ID on running, and the error message on failed.
func (m *manager) UpdateStatus(id string, to core.EnvironmentStatus, update StatusUpdate) (core.Environment, error) {
	logger := m.logger.Session("update-status", lager.Data{"environment": id, "to": string(to)})

	env, err := m.GetEnvironment(id)
	if err != nil {
		return core.Environment{}, err
	}

	if err := env.Status.ValidateTransition(to); err != nil {
		logger.Info("rejected", lager.Data{"from": string(env.Status)})
		return core.Environment{}, err
	}

	now := m.clock.Now().UTC()
	env.Status = to
	env.UpdatedAt = now

	switch to {
	case core.EnvironmentStatusRunning:
		if env.StartedAt == nil {
			env.StartedAt = &now
		}
		if update.ContainerID != "" {
			env.ContainerID = update.ContainerID
		}
	case core.EnvironmentStatusStopped:
		env.StoppedAt = &now
	case core.EnvironmentStatusFailed:
		env.ErrorMessage = update.ErrorMessage
	}

	updated, found, err := m.environments.Update(env.ID, env)
	if err != nil {
		return core.Environment{}, err
	}
	if !found {
		return core.Environment{}, core.NewNotFound("environment", id)
	}
	return updated, nil
}

// StartEnvironment claims a ready environment for execution.
func (m *manager) StartEnvironment(id string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusStarting, StatusUpdate{})
}

// StopEnvironment begins a graceful stop of a running environment.
func (m *manager) StopEnvironment(id string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusStopping, StatusUpdate{})
}

// DeleteEnvironment transitions through deleting and removes the record.
// Deleting a running environment is rejected; callers stop it first.
func (m *manager) DeleteEnvironment(id string) error {
	logger := m.logger.Session("delete-environment", lager.Data{"environment": id})

	if _, err := m.UpdateStatus(id, core.EnvironmentStatusDeleting, StatusUpdate{}); err != nil {
		return err
	}

	deleted, err := m.environments.Delete(id)
	if err != nil {
		return err
	}
	if !deleted {
		return core.NewNotFound("environment", id)
	}

	logger.Info("deleted")
	return nil
}

func (m *manager) MarkReady(id string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusReady, StatusUpdate{})
}

func (m *manager) MarkFailed(id, errorMessage string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusFailed, StatusUpdate{ErrorMessage: errorMessage})
}

func (m *manager) MarkRunning(id, containerID string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusRunning, StatusUpdate{ContainerID: containerID})
}

func (m *manager) MarkStopped(id string) (core.Environment, error) {
	return m.UpdateStatus(id, core.EnvironmentStatusStopped, StatusUpdate{})
}
