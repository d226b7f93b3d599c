// Package telemetry owns the OTel providers and the platform's instrument
// set. Setup installs global providers once at process start; everything
// else grabs meters and tracers through the getters.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the three providers so shutdown can flush them together.
type Telemetry struct {
	traces  *trace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider
}

// Setup wires tracing, metrics and the log bridge, registers them globally,
// and initializes the platform instrument set. Call once before the logger
// is built so the OTel log bridge sees a real provider.
func Setup(serviceName string) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp, err := newTraceProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)
	if err := GetGlobalMetrics().InitMetrics(mp.Meter(serviceName)); err != nil {
		return nil, fmt.Errorf("register instruments: %w", err)
	}

	lp, err := newLoggerProvider(res)
	if err != nil {
		return nil, err
	}
	global.SetLoggerProvider(lp)

	return &Telemetry{traces: tp, metrics: mp, logs: lp}, nil
}

// Spans go to stdout. There is no collector in the loop for a paper
// platform; operators grep the process log.
func newTraceProvider(res *resource.Resource) (*trace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	), nil
}

// Metrics are pulled: the prometheus reader feeds the /metrics endpoints.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("build prometheus reader: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// Shutdown flushes all three providers, joining their errors.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.traces.Shutdown(ctx),
		t.metrics.Shutdown(ctx),
		t.logs.Shutdown(ctx),
	)
}

// GetMeter returns a meter from the globally installed provider.
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the globally installed provider.
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
