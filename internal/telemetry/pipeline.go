package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/loamlabs/loam/pipeline"

// pipeline holds lazily-initialized instruments shared by the bus, queue,
// dispatcher, and governance engine. All recorders are nil-safe so callers
// never branch on whether telemetry is on.
var pipeline struct {
	events          metric.Int64Counter
	workClaimed     metric.Int64Counter
	workCompleted   metric.Int64Counter
	workFailed      metric.Int64Counter
	proposals       metric.Int64Counter
	commitConflicts metric.Int64Counter
	stageDuration   metric.Float64Histogram
	commitDuration  metric.Float64Histogram
}

var pipelineOnce sync.Once

func initPipelineMetrics() {
	m := Meter(pipelineScopeName)
	pipeline.events, _ = m.Int64Counter("loam.events.emitted",
		metric.WithDescription("Events persisted to the bus"),
	)
	pipeline.workClaimed, _ = m.Int64Counter("loam.work.claimed",
		metric.WithDescription("Work items claimed by workers"),
	)
	pipeline.workCompleted, _ = m.Int64Counter("loam.work.completed",
		metric.WithDescription("Work items completed"),
	)
	pipeline.workFailed, _ = m.Int64Counter("loam.work.failed",
		metric.WithDescription("Work items failed terminally"),
	)
	pipeline.proposals, _ = m.Int64Counter("loam.proposals.decided",
		metric.WithDescription("Proposals by terminal outcome"),
	)
	pipeline.commitConflicts, _ = m.Int64Counter("loam.commit.conflicts",
		metric.WithDescription("Proposal commits aborted on version or uniqueness conflicts"),
	)
	pipeline.stageDuration, _ = m.Float64Histogram("loam.stage.duration",
		metric.WithDescription("Stage agent execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	pipeline.commitDuration, _ = m.Float64Histogram("loam.commit.duration",
		metric.WithDescription("Proposal commit duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// CountEvent records one emitted bus event.
func CountEvent(ctx context.Context, topic string) {
	pipelineOnce.Do(initPipelineMetrics)
	if pipeline.events != nil {
		pipeline.events.Add(ctx, 1, metric.WithAttributes(attribute.String("loam.topic", topic)))
	}
}

// CountWork records a work item lifecycle step: "claimed", "completed", or
// "failed".
func CountWork(ctx context.Context, step, workType string) {
	pipelineOnce.Do(initPipelineMetrics)
	attrs := metric.WithAttributes(attribute.String("loam.work_type", workType))
	switch step {
	case "claimed":
		if pipeline.workClaimed != nil {
			pipeline.workClaimed.Add(ctx, 1, attrs)
		}
	case "completed":
		if pipeline.workCompleted != nil {
			pipeline.workCompleted.Add(ctx, 1, attrs)
		}
	case "failed":
		if pipeline.workFailed != nil {
			pipeline.workFailed.Add(ctx, 1, attrs)
		}
	}
}

// CountProposal records a proposal reaching a terminal outcome.
func CountProposal(ctx context.Context, outcome string) {
	pipelineOnce.Do(initPipelineMetrics)
	if pipeline.proposals != nil {
		pipeline.proposals.Add(ctx, 1, metric.WithAttributes(attribute.String("loam.outcome", outcome)))
	}
}

// CountCommitConflict records a commit lost to optimistic concurrency.
func CountCommitConflict(ctx context.Context) {
	pipelineOnce.Do(initPipelineMetrics)
	if pipeline.commitConflicts != nil {
		pipeline.commitConflicts.Add(ctx, 1)
	}
}

// RecordStageDuration records how long a stage agent ran.
func RecordStageDuration(ctx context.Context, workType string, d time.Duration) {
	pipelineOnce.Do(initPipelineMetrics)
	if pipeline.stageDuration != nil {
		pipeline.stageDuration.Record(ctx, float64(d.Milliseconds()),
			metric.WithAttributes(attribute.String("loam.work_type", workType)))
	}
}

// RecordCommitDuration records how long a proposal commit took.
func RecordCommitDuration(ctx context.Context, d time.Duration) {
	pipelineOnce.Do(initPipelineMetrics)
	if pipeline.commitDuration != nil {
		pipeline.commitDuration.Record(ctx, float64(d.Milliseconds()))
	}
}
