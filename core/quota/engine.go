package quota

import (
	"fmt"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/store"
)

//counterfeiter:generate . Engine

// Engine enforces per-user run quotas. Checks return QuotaExceededError on
// denial; record operations persist counter updates with day/month rollover.
type Engine interface {
	CheckCanCreateRun(userID string) error
	CheckConcurrentRuns(userID string) error
	CheckDailyRuns(userID string) error
	CheckMonthlyCPUHours(userID string, requested float64) error

	RecordRunCreated(userID string) error
	RecordCPUHours(userID string, hours float64) error

	Usage(userID string) (core.QuotaUsage, error)
}

type engine struct {
	logger lager.Logger
	runs   *store.Collection[core.Run]
	usage  *store.Collection[core.QuotaUsage]
	limits core.QuotaLimits
	clock  clock.Clock
}

func NewEngine(
	logger lager.Logger,
	runs *store.Collection[core.Run],
	usage *store.Collection[core.QuotaUsage],
	limits core.QuotaLimits,
	clock clock.Clock,
) Engine {
	return &engine{
		logger: logger,
		runs:   runs,
		usage:  usage,
		limits: limits,
		clock:  clock,
	}
}

// CheckCanCreateRun runs all three pre-checks, concurrent first, so the
// denial the caller sees names the tightest violated limit.
func (e *engine) CheckCanCreateRun(userID string) error {
	if err := e.CheckConcurrentRuns(userID); err != nil {
		return err
	}
	if err := e.CheckDailyRuns(userID); err != nil {
		return err
	}
	return e.CheckMonthlyCPUHours(userID, 0)
}

// CheckConcurrentRuns counts the user's non-terminal Runs; the count must
// stay strictly below the limit for a new Run to be admitted.
func (e *engine) CheckConcurrentRuns(userID string) error {
	live, err := e.runs.Find(func(r core.Run) bool {
		return r.OwnerID == userID && !r.IsTerminal()
	})
	if err != nil {
		return fmt.Errorf("counting live runs: %w", err)
	}
	if len(live) >= e.limits.MaxConcurrentRuns {
		return core.NewQuotaExceeded(core.QuotaConcurrentRuns,
			float64(len(live)), float64(e.limits.MaxConcurrentRuns))
	}
	return nil
}

func (e *engine) CheckDailyRuns(userID string) error {
	usage, err := e.Usage(userID)
	if err != nil {
		return err
	}
	if usage.RunsToday >= e.limits.MaxRunsPerDay {
		return core.NewQuotaExceeded(core.QuotaDailyRuns,
			float64(usage.RunsToday), float64(e.limits.MaxRunsPerDay))
	}
	return nil
}

// CheckMonthlyCPUHours admits a Run as long as the month's total including
// the requested hours does not exceed the limit. Unlike the counting checks
// the boundary itself is allowed here; usage is recorded after the fact and
// a Run that lands exactly on the limit was within budget when it ran.
func (e *engine) CheckMonthlyCPUHours(userID string, requested float64) error {
	usage, err := e.Usage(userID)
	if err != nil {
		return err
	}
	if usage.CPUHoursMonth+requested > e.limits.MaxCPUHoursPerMonth {
		return core.NewQuotaExceeded(core.QuotaMonthlyCPUHours,
			usage.CPUHoursMonth, e.limits.MaxCPUHoursPerMonth)
	}
	return nil
}

func (e *engine) RecordRunCreated(userID string) error {
	logger := e.logger.Session("record-run-created", lager.Data{"user": userID})

	usage, err := e.Usage(userID)
	if err != nil {
		return err
	}
	usage.RunsToday++
	usage.LastUpdated = e.clock.Now().UTC()
	if err := e.usage.Upsert(usage); err != nil {
		logger.Error("failed-to-save-usage", err)
		return fmt.Errorf("saving quota usage: %w", err)
	}
	return nil
}

func (e *engine) RecordCPUHours(userID string, hours float64) error {
	logger := e.logger.Session("record-cpu-hours", lager.Data{"user": userID, "hours": hours})

	usage, err := e.Usage(userID)
	if err != nil {
		return err
	}
	usage.CPUHoursMonth += hours
	usage.LastUpdated = e.clock.Now().UTC()
	if err := e.usage.Upsert(usage); err != nil {
		logger.Error("failed-to-save-usage", err)
		return fmt.Errorf("saving quota usage: %w", err)
	}
	return nil
}

// Usage returns the user's counters with rollover applied: a stale day key
// zeroes runsToday and a stale month key zeroes cpuHoursMonth. The rolled
// view is not persisted until the next record operation.
func (e *engine) Usage(userID string) (core.QuotaUsage, error) {
	usage, found, err := e.usage.GetByID(userID)
	if err != nil {
		return core.QuotaUsage{}, fmt.Errorf("loading quota usage: %w", err)
	}

	now := e.clock.Now().UTC()
	if !found {
		return core.QuotaUsage{
			UserID:           userID,
			RunsTodayDate:    core.DayKey(now),
			CPUHoursMonthKey: core.MonthKey(now),
			LastUpdated:      now,
		}, nil
	}

	if usage.RunsTodayDate != core.DayKey(now) {
		usage.RunsToday = 0
		usage.RunsTodayDate = core.DayKey(now)
	}
	if usage.CPUHoursMonthKey != core.MonthKey(now) {
		usage.CPUHoursMonth = 0
		usage.CPUHoursMonthKey = core.MonthKey(now)
	}
	return usage, nil
}
