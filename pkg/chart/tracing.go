package chart

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewStdoutTracerProvider builds a TracerProvider that writes one span per
// traced macrostep to stdout as pretty-printed JSON, registers it as the
// process-wide default, and returns it so the caller can Shutdown it on
// exit. A host that already runs its own collector should build its own
// TracerProvider instead and pass the resulting Tracer to WithTracer.
func NewStdoutTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// setTracer wires the tracer used to wrap each Step call in a span. A nil
// tracer (the default) makes Step use the process-wide otel
// TracerProvider, which is a no-op until one is registered.
func (e *Engine) setTracer(t trace.Tracer) { e.tracer = t }

func (e *Engine) startStepSpan(ev Event) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		// otel's default global TracerProvider (in effect when a host never
		// calls NewStdoutTracerProvider or sets its own) hands back a
		// functioning no-op tracer, so this never needs a nil check below.
		tracer = otel.Tracer("github.com/fluxorio/statechart/pkg/chart")
	}
	return tracer.Start(context.Background(), "chart.step",
		trace.WithAttributes(
			attribute.String("chart.machine_id", e.graph.MachineID),
			attribute.String("chart.event", ev.Name),
		),
	)
}
