package tracing

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SamplingConfig selects how much of the run pipeline is traced. Ratio
// sampling keeps child spans consistent with their parent's decision so a
// run's build, submit, and sync spans land together or not at all.
type SamplingConfig struct {
	Strategy string  `long:"sampling-strategy" default:"always" choice:"always" choice:"never" choice:"ratio" description:"Trace sampling strategy."`
	Ratio    float64 `long:"sampling-ratio" default:"1.0" description:"Fraction of traces kept by the ratio strategy."`
}

// Sampler returns the sampler the config describes.
func (c Config) Sampler() sdktrace.Sampler {
	switch c.Sampling.Strategy {
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		ratio := c.Sampling.Ratio
		if ratio <= 0 || ratio > 1 {
			ratio = 1.0
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.AlwaysSample()
	}
}
