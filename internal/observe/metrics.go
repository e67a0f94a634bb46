// Package observe provides application-wide observability primitives for
// squelch: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all squelch metrics.
const meterName = "github.com/MrWong99/squelch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Receiver ---

	// ChunksReceived counts chunks accepted from the network.
	ChunksReceived metric.Int64Counter

	// MalformedDatagrams counts datagrams rejected for their length. Use with
	// attribute:
	//   attribute.String("framing", ...)
	MalformedDatagrams metric.Int64Counter

	// --- Backpressure ---

	// QueueDropped counts chunks evicted from the full chunk queue.
	QueueDropped metric.Int64Counter

	// QueueDepth tracks the number of chunks waiting for the processor.
	QueueDepth metric.Int64Gauge

	// SinkDropped counts samples overwritten in the full output ring.
	SinkDropped metric.Int64Counter

	// SinkUnderruns counts device callbacks that had to be padded with silence.
	SinkUnderruns metric.Int64Counter

	// --- Processor ---

	// ProcessDuration tracks the time spent processing one chunk.
	ProcessDuration metric.Float64Histogram

	// StageResets counts stages reset after producing non-finite samples.
	// Use with attribute:
	//   attribute.String("stage", ...)
	StageResets metric.Int64Counter

	// PhaseTransitions counts processor lifecycle transitions. Use with
	// attribute:
	//   attribute.String("phase", ...)
	PhaseTransitions metric.Int64Counter

	// --- Control ---

	// Commands counts operator commands. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	Commands metric.Int64Counter

	// DeviceErrors counts output device failures. Use with attribute:
	//   attribute.String("device", ...)
	DeviceErrors metric.Int64Counter

	// MonitorListeners tracks the number of connected monitor streams.
	MonitorListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by "method",
	// "route" (the mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// processBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk processing time. A 1024-sample chunk at 48 kHz lasts ~21 ms.
var processBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Receiver.
	if met.ChunksReceived, err = m.Int64Counter("squelch.receiver.chunks",
		metric.WithDescription("Total chunks accepted from the network."),
	); err != nil {
		return nil, err
	}
	if met.MalformedDatagrams, err = m.Int64Counter("squelch.receiver.malformed",
		metric.WithDescription("Total datagrams discarded for an invalid length, by framing mode."),
	); err != nil {
		return nil, err
	}

	// Backpressure.
	if met.QueueDropped, err = m.Int64Counter("squelch.queue.dropped",
		metric.WithDescription("Total chunks evicted from the full chunk queue."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("squelch.queue.depth",
		metric.WithDescription("Chunks waiting for the processor."),
	); err != nil {
		return nil, err
	}
	if met.SinkDropped, err = m.Int64Counter("squelch.sink.dropped",
		metric.WithDescription("Total samples overwritten in the full output ring."),
	); err != nil {
		return nil, err
	}
	if met.SinkUnderruns, err = m.Int64Counter("squelch.sink.underruns",
		metric.WithDescription("Total device callbacks padded with silence."),
	); err != nil {
		return nil, err
	}

	// Processor.
	if met.ProcessDuration, err = m.Float64Histogram("squelch.process.duration",
		metric.WithDescription("Time spent processing one chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(processBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageResets, err = m.Int64Counter("squelch.dsp.resets",
		metric.WithDescription("Total pipeline stage resets after non-finite output, by stage."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("squelch.processor.transitions",
		metric.WithDescription("Total processor lifecycle transitions by target phase."),
	); err != nil {
		return nil, err
	}

	// Control.
	if met.Commands, err = m.Int64Counter("squelch.command.count",
		metric.WithDescription("Total operator commands by command and status."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("squelch.device.errors",
		metric.WithDescription("Total output device failures by device."),
	); err != nil {
		return nil, err
	}
	if met.MonitorListeners, err = m.Int64UpDownCounter("squelch.monitor.listeners",
		metric.WithDescription("Number of connected monitor streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("squelch.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordCommand records an operator command with the standard attribute set.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}

// RecordStageReset records a pipeline stage reset.
func (m *Metrics) RecordStageReset(ctx context.Context, stage string) {
	m.StageResets.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTransition records a processor phase transition.
func (m *Metrics) RecordTransition(ctx context.Context, phase string) {
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordMalformed records a discarded datagram.
func (m *Metrics) RecordMalformed(ctx context.Context, framing string) {
	m.MalformedDatagrams.Add(ctx, 1, metric.WithAttributes(attribute.String("framing", framing)))
}

// RecordDeviceError records an output device failure.
func (m *Metrics) RecordDeviceError(ctx context.Context, device string) {
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("device", device)))
}
