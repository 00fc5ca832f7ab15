package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	teardownDuration metric.Float64Histogram
	queueDepth       metric.Int64Histogram
	queueDrops       metric.Int64Counter
	toolInvocations  metric.Int64Counter
	toolLatency      metric.Float64Histogram
	dispatchErrors   metric.Int64Counter

	bgOnce sync.Once
	bgCtx  context.Context
)

func installMetrics(m meter) {
	metricsOnce.Do(func() {
		if m == nil {
			return
		}
		sessionsStarted, _ = m.Int64Counter("gateway.sessions.started", metric.WithDescription("Sessions created"))
		sessionsEnded, _ = m.Int64Counter("gateway.sessions.ended", metric.WithDescription("Sessions torn down, by reason"))
		teardownDuration, _ = m.Float64Histogram("gateway.sessions.teardown_ms", metric.WithDescription("Ordered teardown duration (ms)"))
		queueDepth, _ = m.Int64Histogram("gateway.queue.depth", metric.WithDescription("Outbound queue depth at enqueue time"))
		queueDrops, _ = m.Int64Counter("gateway.queue.drops", metric.WithDescription("Audio events dropped at the queue bound"))
		toolInvocations, _ = m.Int64Counter("gateway.tools.invocations", metric.WithDescription("Tool invocations, by tool and outcome"))
		toolLatency, _ = m.Float64Histogram("gateway.tools.latency_ms", metric.WithDescription("Tool invocation latency (ms)"))
		dispatchErrors, _ = m.Int64Counter("gateway.dispatcher.errors", metric.WithDescription("Suppressed event handler errors"))
	})
}

type meter interface {
	Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
	Int64Histogram(string, ...metric.Int64HistogramOption) (metric.Int64Histogram, error)
}

// RecordSessionStarted increments the session-creation counter.
func RecordSessionStarted() {
	if manager == nil || sessionsStarted == nil {
		return
	}
	sessionsStarted.Add(backgroundContext(), 1)
}

// RecordSessionEnded increments the session-teardown counter, tagged with its
// reason (normal, reinitiated, disconnect, upstream_error, idle_timeout,
// teardown_timeout), and records how
// long the ordered teardown took.
func RecordSessionEnded(reason string, teardownMS float64) {
	if manager == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	if sessionsEnded != nil {
		sessionsEnded.Add(backgroundContext(), 1, attrs)
	}
	if teardownDuration != nil {
		teardownDuration.Record(backgroundContext(), teardownMS, attrs)
	}
}

// RecordQueueDepth samples the outbound queue depth observed at enqueue time.
func RecordQueueDepth(depth int) {
	if manager == nil || queueDepth == nil {
		return
	}
	queueDepth.Record(backgroundContext(), int64(depth))
}

// RecordQueueDrop counts an audioInput event dropped under backpressure.
func RecordQueueDrop() {
	if manager == nil || queueDrops == nil {
		return
	}
	queueDrops.Add(backgroundContext(), 1)
}

// RecordToolInvocation counts a tool invocation and its latency, tagged by
// tool name and whether it succeeded.
func RecordToolInvocation(tool string, ok bool, latencyMS float64) {
	if manager == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.Bool("ok", ok))
	if toolInvocations != nil {
		toolInvocations.Add(backgroundContext(), 1, attrs)
	}
	if toolLatency != nil {
		toolLatency.Record(backgroundContext(), latencyMS, attrs)
	}
}

// RecordDispatchError counts a suppressed event handler error, tagged by
// event kind.
func RecordDispatchError(kind string) {
	if manager == nil || dispatchErrors == nil {
		return
	}
	dispatchErrors.Add(backgroundContext(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func backgroundContext() context.Context {
	bgOnce.Do(func() {
		bgCtx = context.Background()
	})
	return bgCtx
}
