// Package telemetry wires up tracing spans and Prometheus counters/gauges
// for the daemon's internals: the event queue, the projector, and the
// watchers.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "zonewatch"

var tracer = otel.Tracer("zonewatch")

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_queue_depth",
		Help:      "Number of events currently buffered on the unified event queue",
	})

	projectionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projection_failures_total",
		Help:      "Total number of failed Filter Projector apply attempts",
	})

	watcherRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_restarts_total",
		Help:      "Total number of times a watcher was restarted after it exited",
	}, []string{"watcher"})

	controlCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_commands_total",
		Help:      "Total number of control commands handled, by command and outcome",
	}, []string{"command", "outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(projectionFailures)
	prometheus.MustRegister(watcherRestarts)
	prometheus.MustRegister(controlCommands)
}

// RecordQueueDepth sets the current event queue depth gauge.
func RecordQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordProjectionFailure increments the projection failure counter.
func RecordProjectionFailure() {
	projectionFailures.Inc()
}

// RecordWatcherRestart increments the restart counter for the named
// watcher. The daemon supervises only "netwatch" this way.
func RecordWatcherRestart(watcher string) {
	watcherRestarts.WithLabelValues(watcher).Inc()
}

// RecordControlCommand increments the control command counter.
func RecordControlCommand(command, outcome string) {
	controlCommands.WithLabelValues(command, outcome).Inc()
}

// StartSpan starts a span under the zonewatch tracer. Callers defer
// span.End().
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
