package llm

import (
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/store"
)

// UsageSample is the caller-supplied part of one recorded model call.
type UsageSample struct {
	RunID        string
	ProgramID    string
	UserID       string
	Provider     string
	ModelName    string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    float64
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
}

// Collector records per-call model usage and aggregates it over windows.
type Collector struct {
	logger  lager.Logger
	metrics *store.Collection[core.LLMUsageMetric]
	pricing Pricing
	clock   clock.Clock
}

func NewCollector(
	logger lager.Logger,
	metrics *store.Collection[core.LLMUsageMetric],
	pricing Pricing,
	clock clock.Clock,
) *Collector {
	return &Collector{
		logger:  logger,
		metrics: metrics,
		pricing: pricing,
		clock:   clock,
	}
}

// RecordUsage inserts one usage row. Total tokens is derived; cost comes from
// the pricing table, $0 with a warning for unknown models.
func (c *Collector) RecordUsage(sample UsageSample) (core.LLMUsageMetric, error) {
	rate, found := c.pricing.Rate(sample.Provider, sample.ModelName)
	if !found {
		c.logger.Info("unknown-model-pricing", lager.Data{
			"provider": sample.Provider,
			"model":    sample.ModelName,
		})
	}

	row := core.LLMUsageMetric{
		ID:           uuid.NewString(),
		RunID:        sample.RunID,
		ProgramID:    sample.ProgramID,
		UserID:       sample.UserID,
		Provider:     sample.Provider,
		ModelName:    sample.ModelName,
		InputTokens:  sample.InputTokens,
		OutputTokens: sample.OutputTokens,
		TotalTokens:  sample.InputTokens + sample.OutputTokens,
		CostUSD:      rate.Cost(sample.InputTokens, sample.OutputTokens),
		LatencyMs:    sample.LatencyMs,
		Success:      sample.Success,
		ErrorMessage: sample.ErrorMessage,
		Metadata:     sample.Metadata,
		CreatedAt:    c.clock.Now().UTC(),
	}
	if err := c.metrics.Create(row); err != nil {
		return core.LLMUsageMetric{}, err
	}
	return row, nil
}

// ListForRun returns a run's usage rows.
func (c *Collector) ListForRun(runID string) ([]core.LLMUsageMetric, error) {
	return c.metrics.Find(func(m core.LLMUsageMetric) bool {
		return m.RunID == runID
	})
}

// GetAggregate summarises usage over the trailing window of whole days,
// optionally filtered by user and program; empty filters mean no filter.
func (c *Collector) GetAggregate(days int, userID, programID string) (core.LLMUsageAggregate, error) {
	end := c.clock.Now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	rows, err := c.metrics.Find(func(m core.LLMUsageMetric) bool {
		if m.CreatedAt.Before(start) || m.CreatedAt.After(end) {
			return false
		}
		if userID != "" && m.UserID != userID {
			return false
		}
		if programID != "" && m.ProgramID != programID {
			return false
		}
		return true
	})
	if err != nil {
		return core.LLMUsageAggregate{}, err
	}

	aggregate := core.LLMUsageAggregate{
		PeriodStart: start,
		PeriodEnd:   end,
		ByProvider:  map[string]core.LLMProviderStats{},
		ByModel:     map[string]core.LLMProviderStats{},
	}

	var latencySum float64
	for _, row := range rows {
		aggregate.TotalCalls++
		if row.Success {
			aggregate.SuccessfulCalls++
		} else {
			aggregate.FailedCalls++
		}
		aggregate.TotalInputTokens += row.InputTokens
		aggregate.TotalOutputTokens += row.OutputTokens
		aggregate.TotalTokens += row.TotalTokens
		aggregate.TotalCostUSD += row.CostUSD
		latencySum += row.LatencyMs

		provider := aggregate.ByProvider[row.Provider]
		provider.Calls++
		provider.TotalTokens += row.TotalTokens
		provider.CostUSD += row.CostUSD
		aggregate.ByProvider[row.Provider] = provider

		model := aggregate.ByModel[row.ModelName]
		model.Calls++
		model.TotalTokens += row.TotalTokens
		model.CostUSD += row.CostUSD
		aggregate.ByModel[row.ModelName] = model
	}
	if aggregate.TotalCalls > 0 {
		aggregate.AvgLatencyMs = latencySum / float64(aggregate.TotalCalls)
	}

	return aggregate, nil
}
