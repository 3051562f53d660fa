// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, tracing helpers, trace-aware logging, and
// HTTP middleware for the diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session channel ---

	// FramesSent counts capture frames written to the backend.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded because the channel was not open.
	FramesDropped metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// SessionState is +1 while the channel is in the state named by the
	// "state" attribute and returns to 0 when it leaves it.
	SessionState metric.Int64UpDownCounter

	// --- Turns ---

	// TurnsCompleted counts turn_completed events accepted by the ledger.
	TurnsCompleted metric.Int64Counter

	// --- Audio reassembly ---

	// AudioReassembled counts successfully reassembled response audio.
	AudioReassembled metric.Int64Counter

	// ReassemblyFailures counts reassembly errors. Use with attribute:
	//   attribute.String("reason", ...)
	ReassemblyFailures metric.Int64Counter

	// ReassemblyDuration tracks the time from the first fragment of a turn
	// to its completion.
	ReassemblyDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// response audio streaming.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session channel.
	if met.FramesSent, err = m.Int64Counter("parley.frames.sent",
		metric.WithDescription("Capture frames written to the backend."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parley.frames.dropped",
		metric.WithDescription("Capture frames dropped while the session channel was not open."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("parley.reconnect.attempts",
		metric.WithDescription("Scheduled session reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.SessionState, err = m.Int64UpDownCounter("parley.session.state",
		metric.WithDescription("1 for the current session channel state, by state."),
	); err != nil {
		return nil, err
	}

	// Turns.
	if met.TurnsCompleted, err = m.Int64Counter("parley.turns.completed",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}

	// Reassembly.
	if met.AudioReassembled, err = m.Int64Counter("parley.audio.reassembled",
		metric.WithDescription("Response audio objects reassembled from fragments."),
	); err != nil {
		return nil, err
	}
	if met.ReassemblyFailures, err = m.Int64Counter("parley.reassembly.failures",
		metric.WithDescription("Response audio reassembly failures by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReassemblyDuration, err = m.Float64Histogram("parley.reassembly.duration",
		metric.WithDescription("Time from first audio fragment to completed response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStateChange moves the session state gauge from one state to another.
// An empty from is ignored.
func (m *Metrics) RecordStateChange(ctx context.Context, from, to string) {
	if from != "" {
		m.SessionState.Add(ctx, -1, metric.WithAttributes(Attr("state", from)))
	}
	m.SessionState.Add(ctx, 1, metric.WithAttributes(Attr("state", to)))
}

// RecordReassemblyFailure increments the reassembly failure counter.
func (m *Metrics) RecordReassemblyFailure(ctx context.Context, reason string) {
	m.ReassemblyFailures.Add(ctx, 1,
		metric.WithAttributes(Attr("reason", reason)),
	)
}
