package core

import "time"

// QuotaUsage holds per-user counters with lazy day/month rollover: readers
// reset runsToday when runsTodayDate is stale and cpuHoursMonth when
// cpuHoursMonthKey is stale. Its ID in the store is the user ID.
type QuotaUsage struct {
	UserID           string    `json:"userId"`
	RunsToday        int       `json:"runsToday"`
	RunsTodayDate    string    `json:"runsTodayDate"`
	CPUHoursMonth    float64   `json:"cpuHoursMonth"`
	CPUHoursMonthKey string    `json:"cpuHoursMonthKey"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// QuotaLimits are the per-user caps enforced by the quota engine.
type QuotaLimits struct {
	MaxConcurrentRuns   int     `json:"maxConcurrentRuns"`
	MaxRunsPerDay       int     `json:"maxRunsPerDay"`
	MaxCPUHoursPerMonth float64 `json:"maxCpuHoursPerMonth"`
	MaxStorageMB        int64   `json:"maxStorageMb"`
}

// DayKey formats t as the YYYY-MM-DD key used for daily rollover.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey formats t as the YYYY-MM key used for monthly rollover.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
