package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/shmregion/pkg/shm"
)

// InstrumentationName names the meter and tracer.
const InstrumentationName = "github.com/srediag/shmregion"

// TelemetryOptions returns region options recording to the global
// OpenTelemetry providers. Without an installed SDK they are no-ops.
func TelemetryOptions() []shm.Option {
	return []shm.Option{
		shm.WithMeter(otel.GetMeterProvider().Meter(InstrumentationName)),
		shm.WithTracer(otel.GetTracerProvider().Tracer(InstrumentationName)),
	}
}
