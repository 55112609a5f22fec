package transcribe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/transcribe"

type metrics struct {
	meter      metric.Meter
	chunks     metric.Int64Counter
	results    metric.Int64Counter
	latency    metric.Float64Histogram
	status     metric.Int64Counter
	sinkErrors metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	m := &metrics{meter: otel.Meter(instrumentationName)}
	if err := m.init(); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *metrics) init() error {
	var err error
	if m.chunks, err = m.meter.Int64Counter("loqa.listen.chunks", metric.WithDescription("Chunks fed to the recognizer")); err != nil {
		return err
	}
	if m.results, err = m.meter.Int64Counter("loqa.listen.results", metric.WithDescription("Recognition results by kind")); err != nil {
		return err
	}
	if m.latency, err = m.meter.Float64Histogram("loqa.listen.recognize.duration",
		metric.WithDescription("Time spent recognizing one chunk"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.status, err = m.meter.Int64Counter("loqa.listen.capture.status", metric.WithDescription("Capture status flags reported by the device")); err != nil {
		return err
	}
	m.sinkErrors, err = m.meter.Int64Counter("loqa.listen.sink.errors", metric.WithDescription("Transcript sink failures"))
	return err
}

func (m *metrics) recordResult(ctx context.Context, kind string, elapsed time.Duration) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
	if m.results != nil {
		m.results.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond))
	}
}

func (m *metrics) recordStatus(ctx context.Context, status string) {
	if m.status != nil {
		m.status.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *metrics) recordSinkError(ctx context.Context, sink string) {
	if m.sinkErrors != nil {
		m.sinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
	}
}

// observeQueue registers a queue depth gauge for the lifetime of a session.
func (m *metrics) observeQueue(sessionID string, depth func() int) (func(), error) {
	gauge, err := m.meter.Int64ObservableGauge("loqa.listen.queue.depth", metric.WithDescription("Chunks waiting for the recognizer"))
	if err != nil {
		return func() {}, err
	}
	attrs := metric.WithAttributes(attribute.String("session_id", sessionID))
	reg, err := m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(depth()), attrs)
		return nil
	}, gauge)
	if err != nil {
		return func() {}, err
	}
	return func() { _ = reg.Unregister() }, nil
}
