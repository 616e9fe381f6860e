package events

import (
	"context"
	"fmt"
	"time"

	"vidqueue/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

const instrumentationName = "vidqueue/events"

// MetricsSink counts emitted events and task progress with OpenTelemetry instruments.
type MetricsSink struct {
	events   metric.Int64Counter
	finished metric.Int64Counter
	progress metric.Float64Histogram
	logger   *zap.Logger
}

// SetupMetrics installs a global meter provider exporting to stdout every
// interval and returns its shutdown func.
func SetupMetrics(interval time.Duration) (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("stdout metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

func NewMetricsSink(provider metric.MeterProvider, logger *zap.Logger) (*MetricsSink, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := provider.Meter(instrumentationName)

	events, err := meter.Int64Counter("vidqueue.events",
		metric.WithDescription("Scheduler events emitted, by name"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("vidqueue.tasks.finished",
		metric.WithDescription("Tasks that reached a terminal status, by outcome"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}
	progress, err := meter.Float64Histogram("vidqueue.tasks.progress",
		metric.WithDescription("Reported task progress"),
		metric.WithUnit("%"))
	if err != nil {
		return nil, err
	}
	return &MetricsSink{events: events, finished: finished, progress: progress, logger: logger.Named("metrics")}, nil
}

func (s *MetricsSink) Emit(name string, payload map[string]any) {
	ctx := context.Background()
	s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))

	switch name {
	case task.EventTaskCompleted:
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	case task.EventTaskFailed:
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	case task.EventTaskCanceled:
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "canceled")))
	case task.EventTaskProgress:
		if p, ok := payload["progress"].(float32); ok {
			s.progress.Record(ctx, float64(p))
		}
	}
}
