// Package telemetry wires OpenTelemetry tracing and metrics for the hnm daemon.
//
// New builds a TracerProvider and MeterProvider exporting over OTLP (gRPC or
// HTTP) and installs them globally, so instruments created by internal/hnm
// through otel.Meter and otel.Tracer report through them. When telemetry is
// disabled the global no-op providers stay in place.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Exporter failures never stop the daemon; the instance reports itself as
// degraded instead.
package telemetry
