package core

import "time"

// LLMUsageMetric is one recorded model call made by a Run.
type LLMUsageMetric struct {
	ID           string            `json:"id"`
	RunID        string            `json:"runId"`
	ProgramID    string            `json:"programId"`
	UserID       string            `json:"userId"`
	Provider     string            `json:"provider"`
	ModelName    string            `json:"modelName"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	TotalTokens  int64             `json:"totalTokens"`
	CostUSD      float64           `json:"costUsd"`
	LatencyMs    float64           `json:"latencyMs"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// LLMProviderStats aggregates metrics for one provider or model.
type LLMProviderStats struct {
	Calls       int64   `json:"calls"`
	TotalTokens int64   `json:"totalTokens"`
	CostUSD     float64 `json:"costUsd"`
}

// LLMUsageAggregate summarises metrics over a window.
type LLMUsageAggregate struct {
	PeriodStart       time.Time                   `json:"periodStart"`
	PeriodEnd         time.Time                   `json:"periodEnd"`
	TotalCalls        int64                       `json:"totalCalls"`
	SuccessfulCalls   int64                       `json:"successfulCalls"`
	FailedCalls       int64                       `json:"failedCalls"`
	TotalInputTokens  int64                       `json:"totalInputTokens"`
	TotalOutputTokens int64                       `json:"totalOutputTokens"`
	TotalTokens       int64                       `json:"totalTokens"`
	TotalCostUSD      float64                     `json:"totalCostUsd"`
	AvgLatencyMs      float64                     `json:"avgLatencyMs"`
	ByProvider        map[string]LLMProviderStats `json:"byProvider"`
	ByModel           map[string]LLMProviderStats `json:"byModel"`
}
