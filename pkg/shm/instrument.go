package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmregion/pkg/shm"

// Observer receives per-region counters, e.g. Prometheus collectors.
type Observer interface {
	ObserveWrite(region string, bytes int)
	ObserveRead(region string, status string)
}

type instruments struct {
	tracer     trace.Tracer
	writes     metric.Int64Counter
	writeBytes metric.Int64Counter
	reads      metric.Int64Counter
	observer   Observer
}

func newInstruments(meter metric.Meter, tracer trace.Tracer, observer Observer) *instruments {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	inst := &instruments{tracer: tracer, observer: observer}
	// instrument creation only fails on invalid names; fall back to noop
	var err error
	if inst.writes, err = meter.Int64Counter("shmregion.region.writes",
		metric.WithDescription("Region writes")); err != nil {
		inst.writes = metricnoop.Int64Counter{}
	}
	if inst.writeBytes, err = meter.Int64Counter("shmregion.region.write_bytes",
		metric.WithDescription("Payload bytes written to regions"), metric.WithUnit("By")); err != nil {
		inst.writeBytes = metricnoop.Int64Counter{}
	}
	if inst.reads, err = meter.Int64Counter("shmregion.region.reads",
		metric.WithDescription("Region reads by status")); err != nil {
		inst.reads = metricnoop.Int64Counter{}
	}
	return inst
}

func (i *instruments) start(ctx context.Context, op, region string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("shm.region", region))
	return i.tracer.Start(ctx, "shm."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (i *instruments) wrote(region string, n int) {
	attrs := metric.WithAttributes(attribute.String("shm.region", region))
	i.writes.Add(context.Background(), 1, attrs)
	i.writeBytes.Add(context.Background(), int64(n), attrs)
	if i.observer != nil {
		i.observer.ObserveWrite(region, n)
	}
}

func (i *instruments) read(region string, status string) {
	i.reads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("shm.region", region), attribute.String("shm.status", status)))
	if i.observer != nil {
		i.observer.ObserveRead(region, status)
	}
}
