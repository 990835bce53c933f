package metric

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mellea-dev/playground/core"
)

var (
	buildDurationHistogram  otelmetric.Float64Histogram
	runDurationHistogram    otelmetric.Float64Histogram
	runsSubmittedCounter    otelmetric.Float64Counter
	cacheHitCounter         otelmetric.Float64Counter
	warmPoolSizeGauge       otelmetric.Int64Gauge
	retentionDeletedCounter otelmetric.Float64Counter
	reconcilerErrorsCounter otelmetric.Float64Counter
)

// InitOTelMetrics creates OTel instruments for core playground metrics.
func InitOTelMetrics() {
	meter := otel.Meter("playground")

	h, err := meter.Float64Histogram(
		"playground.build.duration",
		otelmetric.WithDescription("Duration of image builds in seconds"),
		otelmetric.WithUnit("s"),
	)
	if err == nil {
		buildDurationHistogram = h
	}

	h, err = meter.Float64Histogram(
		"playground.run.duration",
		otelmetric.WithDescription("Duration of run execution in seconds"),
		otelmetric.WithUnit("s"),
	)
	if err == nil {
		runDurationHistogram = h
	}

	c, err := meter.Float64Counter(
		"playground.runs.submitted",
		otelmetric.WithDescription("Number of runs submitted to the cluster"),
	)
	if err == nil {
		runsSubmittedCounter = c
	}

	c, err = meter.Float64Counter(
		"playground.build.cache_hits",
		otelmetric.WithDescription("Number of dependency layer cache hits"),
	)
	if err == nil {
		cacheHitCounter = c
	}

	g, err := meter.Int64Gauge(
		"playground.warmpool.size",
		otelmetric.WithDescription("Number of ready environments in the warm pool"),
	)
	if err == nil {
		warmPoolSizeGauge = g
	}

	c, err = meter.Float64Counter(
		"playground.retention.deleted",
		otelmetric.WithDescription("Number of resources deleted by retention policies"),
	)
	if err == nil {
		retentionDeletedCounter = c
	}

	c, err = meter.Float64Counter(
		"playground.reconciler.errors",
		otelmetric.WithDescription("Number of errors captured by reconciler ticks"),
	)
	if err == nil {
		reconcilerErrorsCounter = c
	}
}

// RecordBuildDuration records an image build duration as an OTel histogram
// observation.
func RecordBuildDuration(ctx context.Context, duration time.Duration, cacheHit, success bool) {
	if buildDurationHistogram == nil {
		return
	}
	buildDurationHistogram.Record(ctx, duration.Seconds(),
		otelmetric.WithAttributes(
			attribute.Bool("build.cache_hit", cacheHit),
			attribute.Bool("build.success", success),
		),
	)
}

// RecordCacheHit records a dependency layer cache hit.
func RecordCacheHit(ctx context.Context) {
	if cacheHitCounter == nil {
		return
	}
	cacheHitCounter.Add(ctx, 1)
}

// RecordRunDuration records a terminal run's wall-clock duration.
func RecordRunDuration(ctx context.Context, duration time.Duration, status string) {
	if runDurationHistogram == nil {
		return
	}
	runDurationHistogram.Record(ctx, duration.Seconds(),
		otelmetric.WithAttributes(
			attribute.String("run.status", status),
		),
	)
}

// RecordRunSubmitted records one run submitted to the cluster.
func RecordRunSubmitted(ctx context.Context) {
	if runsSubmittedCounter == nil {
		return
	}
	runsSubmittedCounter.Add(ctx, 1)
}

// RecordWarmupMetrics records a warm pool reconciler tick's sample.
func RecordWarmupMetrics(ctx context.Context, sample core.WarmupMetrics) {
	if warmPoolSizeGauge != nil {
		warmPoolSizeGauge.Record(ctx, int64(sample.WarmPoolSize))
	}
	recordReconcilerErrors(ctx, "warmup", len(sample.Errors))
}

// RecordRetentionMetrics records a retention cleanup cycle's sample.
func RecordRetentionMetrics(ctx context.Context, sample core.RetentionMetrics) {
	if retentionDeletedCounter != nil {
		deleted := sample.ArtifactsDeleted + sample.RunsDeleted +
			sample.EnvironmentsCleaned + sample.LogsDeleted + sample.LLMMetricsDeleted
		retentionDeletedCounter.Add(ctx, float64(deleted))
	}
	recordReconcilerErrors(ctx, "retention", len(sample.Errors))
}

// RecordControllerMetrics records an idle reconciler tick's sample.
func RecordControllerMetrics(ctx context.Context, sample core.ControllerMetrics) {
	recordReconcilerErrors(ctx, "idle", len(sample.Errors))
}

func recordReconcilerErrors(ctx context.Context, reconciler string, count int) {
	if reconcilerErrorsCounter == nil || count == 0 {
		return
	}
	reconcilerErrorsCounter.Add(ctx, float64(count),
		otelmetric.WithAttributes(
			attribute.String("reconciler", reconciler),
		),
	)
}
