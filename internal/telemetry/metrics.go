package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const syncScopeName = "github.com/worksync/worksync/engine"

// SyncMetrics bundles the engine and queue instruments. All methods are safe
// on a nil receiver so call sites never need to guard for disabled telemetry.
type SyncMetrics struct {
	execStarted   metric.Int64Counter
	execCompleted metric.Int64Counter
	execDuration  metric.Float64Histogram
	items         metric.Int64Counter
	conflicts     metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
	jobsRetried   metric.Int64Counter
}

// NewSyncMetrics creates the instrument set. Returns nil when telemetry is
// disabled, which every method tolerates.
func NewSyncMetrics() *SyncMetrics {
	if !Enabled() {
		return nil
	}
	m := Meter(syncScopeName)
	execStarted, _ := m.Int64Counter("worksync.executions.started",
		metric.WithDescription("Sync executions started"),
	)
	execCompleted, _ := m.Int64Counter("worksync.executions.completed",
		metric.WithDescription("Sync executions finished, by terminal status"),
	)
	execDuration, _ := m.Float64Histogram("worksync.execution.duration",
		metric.WithDescription("Sync execution wall time in milliseconds"),
		metric.WithUnit("ms"),
	)
	items, _ := m.Int64Counter("worksync.items",
		metric.WithDescription("Work items processed, by action (created/updated/failed/skipped)"),
	)
	conflicts, _ := m.Int64Counter("worksync.conflicts",
		metric.WithDescription("Conflicts detected and resolved"),
	)
	queueDepth, _ := m.Int64UpDownCounter("worksync.queue.depth",
		metric.WithDescription("Jobs waiting in the sync queue"),
	)
	jobsRetried, _ := m.Int64Counter("worksync.jobs.retried",
		metric.WithDescription("Job retry attempts after transient failures"),
	)
	return &SyncMetrics{
		execStarted:   execStarted,
		execCompleted: execCompleted,
		execDuration:  execDuration,
		items:         items,
		conflicts:     conflicts,
		queueDepth:    queueDepth,
		jobsRetried:   jobsRetried,
	}
}

// ExecutionStarted counts the start of one execution.
func (s *SyncMetrics) ExecutionStarted(ctx context.Context, configID string) {
	if s == nil {
		return
	}
	s.execStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("config", configID)))
}

// ExecutionCompleted counts a finished execution with its terminal status
// and duration.
func (s *SyncMetrics) ExecutionCompleted(ctx context.Context, configID, status string, millis float64) {
	if s == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("config", configID),
		attribute.String("status", status),
	)
	s.execCompleted.Add(ctx, 1, attrs)
	s.execDuration.Record(ctx, millis, attrs)
}

// ItemsProcessed counts items by outcome action.
func (s *SyncMetrics) ItemsProcessed(ctx context.Context, action string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.items.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// Conflicts counts detections and resolutions.
func (s *SyncMetrics) Conflicts(ctx context.Context, outcome string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.conflicts.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// QueueDepth adjusts the waiting-job gauge by delta (+1 enqueue, -1 dequeue).
func (s *SyncMetrics) QueueDepth(ctx context.Context, delta int) {
	if s == nil {
		return
	}
	s.queueDepth.Add(ctx, int64(delta))
}

// JobRetried counts one retry attempt.
func (s *SyncMetrics) JobRetried(ctx context.Context) {
	if s == nil {
		return
	}
	s.jobsRetried.Add(ctx, 1)
}
