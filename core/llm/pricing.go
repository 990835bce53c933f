package llm

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// ModelRate is the per-1k-token price for one model.
type ModelRate struct {
	InputPer1K  float64 `json:"inputPer1k"`
	OutputPer1K float64 `json:"outputPer1k"`
}

// Pricing maps provider to model to rate. Model keys may be glob patterns;
// an exact model match wins over a glob, so `"*": {0, 0}` under a provider
// makes every unlisted model free.
type Pricing map[string]map[string]ModelRate

// LoadPricing reads a pricing table from a YAML file. An empty path returns
// the built-in defaults.
func LoadPricing(filePath string) (Pricing, error) {
	if filePath == "" {
		return DefaultPricing(), nil
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading pricing table: %w", err)
	}

	var pricing Pricing
	if err := yaml.UnmarshalStrict(raw, &pricing); err != nil {
		return nil, fmt.Errorf("parsing pricing table: %w", err)
	}
	return pricing, nil
}

// DefaultPricing covers the providers the playground ships with. Local
// providers are free.
func DefaultPricing() Pricing {
	return Pricing{
		"openai": {
			"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		},
		"anthropic": {
			"claude-3-5-sonnet-*": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku-*":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		},
		"ollama": {
			"*": {},
		},
	}
}

// Rate resolves the price for a provider/model pair. Exact model match wins,
// then the first matching glob pattern. Reports found=false for unknown
// providers or models; callers charge $0 and warn.
func (p Pricing) Rate(provider, modelName string) (ModelRate, bool) {
	models, ok := p[strings.ToLower(provider)]
	if !ok {
		return ModelRate{}, false
	}

	if rate, ok := models[modelName]; ok {
		return rate, true
	}

	// Longer patterns are more specific; a bare "*" only wins when nothing
	// else matches.
	patterns := make([]string, 0, len(models))
	for pattern := range models {
		if strings.ContainsAny(pattern, "*?[") {
			patterns = append(patterns, pattern)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, modelName); err == nil && matched {
			return models[pattern], true
		}
	}
	return ModelRate{}, false
}

// Cost computes the USD cost of one call under the rate.
func (r ModelRate) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}
