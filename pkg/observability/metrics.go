package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricJobsStarted    = "pycodegraph.jobs.started"
	metricJobsTerminal   = "pycodegraph.jobs.terminal"
	metricPhaseDuration  = "pycodegraph.phase.duration.seconds"
	metricPhaseErrors    = "pycodegraph.phase.errors"
	metricJobsInflight   = "pycodegraph.jobs.inflight"
	metricFilesProcessed = "pycodegraph.extract.files"
	metricNodesEmitted   = "pycodegraph.transform.nodes"
	metricRelsEmitted    = "pycodegraph.transform.relationships"
	metricBatchesLoaded  = "pycodegraph.load.batches"

	attrPhase   = "phase"
	attrResult  = "result"
	attrOutcome = "outcome"

	resultError = "error"
)

// phaseDurationBuckets covers sub-second file parses up to the two-hour
// load phase timeout.
var phaseDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200}

// PipelineMetrics holds the OTel instruments covering job lifecycle and
// per-phase throughput: the request/error/duration triad applied to a
// pipeline phase instead of an HTTP request.
type PipelineMetrics struct {
	jobsStarted    metric.Int64Counter
	jobsTerminal   metric.Int64Counter
	phaseDuration  metric.Float64Histogram
	phaseErrors    metric.Int64Counter
	jobsInflight   metric.Int64UpDownCounter
	filesProcessed metric.Int64Counter
	nodesEmitted   metric.Int64Counter
	relsEmitted    metric.Int64Counter
	batchesLoaded  metric.Int64Counter
}

// NewPipelineMetrics creates the pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	jobsStarted, err := mt.Int64Counter(metricJobsStarted,
		metric.WithDescription("Total number of analysis jobs started"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsStarted, err)
	}

	jobsTerminal, err := mt.Int64Counter(metricJobsTerminal,
		metric.WithDescription("Total number of jobs reaching a terminal state"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsTerminal, err)
	}

	phaseDuration, err := mt.Float64Histogram(metricPhaseDuration,
		metric.WithDescription("Phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(phaseDurationBuckets...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPhaseDuration, err)
	}

	phaseErrors, err := mt.Int64Counter(metricPhaseErrors,
		metric.WithDescription("Total number of phase-level failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPhaseErrors, err)
	}

	jobsInflight, err := mt.Int64UpDownCounter(metricJobsInflight,
		metric.WithDescription("Number of jobs currently running"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricJobsInflight, err)
	}

	filesProcessed, err := mt.Int64Counter(metricFilesProcessed,
		metric.WithDescription("Total source files processed by the extractor"),
		metric.WithUnit("{file}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFilesProcessed, err)
	}

	nodesEmitted, err := mt.Int64Counter(metricNodesEmitted,
		metric.WithDescription("Total graph nodes emitted by the transformer"),
		metric.WithUnit("{node}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricNodesEmitted, err)
	}

	relsEmitted, err := mt.Int64Counter(metricRelsEmitted,
		metric.WithDescription("Total graph relationships emitted by the transformer"),
		metric.WithUnit("{relationship}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRelsEmitted, err)
	}

	batchesLoaded, err := mt.Int64Counter(metricBatchesLoaded,
		metric.WithDescription("Total batches committed by the loader"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchesLoaded, err)
	}

	return &PipelineMetrics{
		jobsStarted:    jobsStarted,
		jobsTerminal:   jobsTerminal,
		phaseDuration:  phaseDuration,
		phaseErrors:    phaseErrors,
		jobsInflight:   jobsInflight,
		filesProcessed: filesProcessed,
		nodesEmitted:   nodesEmitted,
		relsEmitted:    relsEmitted,
		batchesLoaded:  batchesLoaded,
	}, nil
}

// RecordJobStart marks a new job starting and increments the in-flight gauge.
// The returned func decrements the gauge and records the terminal outcome.
func (pm *PipelineMetrics) RecordJobStart(ctx context.Context) func(outcome string) {
	pm.jobsStarted.Add(ctx, 1)
	pm.jobsInflight.Add(ctx, 1)

	return func(outcome string) {
		pm.jobsInflight.Add(ctx, -1)
		pm.jobsTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
	}
}

// RecordPhase records one phase's duration and, on error, increments the
// phase-error counter.
func (pm *PipelineMetrics) RecordPhase(ctx context.Context, phase string, duration time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String(attrPhase, phase))

	pm.phaseDuration.Record(ctx, duration.Seconds(), attrs)

	if failed {
		pm.phaseErrors.Add(ctx, 1, attrs)
	}
}

// RecordFiles adds to the extractor's parsed/cached/failed file counters.
func (pm *PipelineMetrics) RecordFiles(ctx context.Context, result string, n int64) {
	if n == 0 {
		return
	}

	pm.filesProcessed.Add(ctx, n, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordTupleCounts adds to the transformer's node/relationship counters.
func (pm *PipelineMetrics) RecordTupleCounts(ctx context.Context, nodes, relationships int64) {
	if nodes > 0 {
		pm.nodesEmitted.Add(ctx, nodes)
	}

	if relationships > 0 {
		pm.relsEmitted.Add(ctx, relationships)
	}
}

// RecordBatch adds to the loader's committed-batch counter.
func (pm *PipelineMetrics) RecordBatch(ctx context.Context, kind string, failed bool) {
	status := "ok"
	if failed {
		status = resultError
	}

	pm.batchesLoaded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrPhase, kind),
		attribute.String(attrResult, status),
	))
}
