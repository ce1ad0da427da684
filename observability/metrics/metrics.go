// Package metrics is the counter/histogram sink used by the broker client and
// the order service. Components depend on the Recorder interface; Instruments
// backs it with an OpenTelemetry meter.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names
const (
	HTTPRequestTotal     = "http_request_total"
	HTTPResponseTotal    = "http_response_total"
	AppErrorTotal        = "app_error_total"
	DBErrorTotal         = "db_error_total"
	RabbitMQErrorTotal   = "rabbitmq_error_total"
	RabbitMQRetryTotal   = "rabbitmq_retry_total"
	RPCReplyDroppedTotal = "rpc_reply_dropped_total"
	ActiveOrders         = "active_orders"
	ResponseTimeMs       = "response_time_ms"
	MemoryUsedMB         = "app_memory_used_mb"
)

var descriptions = map[string]string{
	HTTPRequestTotal:     "Total number of incoming requests",
	HTTPResponseTotal:    "Total number of outgoing responses",
	AppErrorTotal:        "Total number of application errors",
	DBErrorTotal:         "Total number of database errors",
	RabbitMQErrorTotal:   "Total number of RabbitMQ errors",
	RabbitMQRetryTotal:   "Total number of RabbitMQ retry attempts",
	RPCReplyDroppedTotal: "Total number of RPC replies dropped by the reply listener",
	ActiveOrders:         "Number of orders currently stored",
	ResponseTimeMs:       "HTTP response time in milliseconds",
}

// Recorder receives named measurements with attribute tags.
type Recorder interface {
	Count(ctx context.Context, name string, attrs ...attribute.KeyValue)
	Add(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue)
	Observe(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)
}

type nopRecorder struct{}

func (nopRecorder) Count(context.Context, string, ...attribute.KeyValue)            {}
func (nopRecorder) Add(context.Context, string, int64, ...attribute.KeyValue)       {}
func (nopRecorder) Observe(context.Context, string, float64, ...attribute.KeyValue) {}

// Nop returns a Recorder that discards everything
func Nop() Recorder {
	return nopRecorder{}
}

// ErrorType is the attribute used to tag errors by their Go type
func ErrorType(err error) attribute.KeyValue {
	return attribute.String("error.type", fmt.Sprintf("%T", err))
}

// Instruments implements Recorder on top of a metric.Meter. Instruments are
// created on first use and cached by name.
type Instruments struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Int64Counter
	upDowns    sync.Map // name -> metric.Int64UpDownCounter
	histograms sync.Map // name -> metric.Float64Histogram
	logger     *slog.Logger
}

// NewInstruments creates the recorder and registers the memory gauge
func NewInstruments(meter metric.Meter, logger *slog.Logger) (*Instruments, error) {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Instruments{
		meter:  meter,
		logger: logger,
	}

	_, err := meter.Float64ObservableGauge(MemoryUsedMB,
		metric.WithDescription("Memory used (MB)"),
		metric.WithUnit("MBy"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.Observe(float64(m.HeapAlloc) / 1024.0 / 1024.0)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory gauge: %w", err)
	}

	return in, nil
}

// Count adds one to the named counter
func (in *Instruments) Count(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	counter, err := in.counter(name)
	if err != nil {
		in.logger.Warn("metric dropped", "name", name, "error", err)
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Add applies delta to the named up/down counter
func (in *Instruments) Add(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	if v, ok := in.upDowns.Load(name); ok {
		v.(metric.Int64UpDownCounter).Add(ctx, delta, metric.WithAttributes(attrs...))
		return
	}
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(descriptions[name]))
	if err != nil {
		in.logger.Warn("failed to create up/down counter", "name", name, "error", err)
		return
	}
	v, _ := in.upDowns.LoadOrStore(name, c)
	v.(metric.Int64UpDownCounter).Add(ctx, delta, metric.WithAttributes(attrs...))
}

// Observe records value in the named histogram
func (in *Instruments) Observe(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if v, ok := in.histograms.Load(name); ok {
		v.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	h, err := in.meter.Float64Histogram(name, metric.WithDescription(descriptions[name]))
	if err != nil {
		in.logger.Warn("failed to create histogram", "name", name, "error", err)
		return
	}
	v, _ := in.histograms.LoadOrStore(name, h)
	v.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
}

func (in *Instruments) counter(name string) (metric.Int64Counter, error) {
	if v, ok := in.counters.Load(name); ok {
		return v.(metric.Int64Counter), nil
	}
	c, err := in.meter.Int64Counter(name,
		metric.WithDescription(descriptions[name]),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	v, _ := in.counters.LoadOrStore(name, c)
	return v.(metric.Int64Counter), nil
}
