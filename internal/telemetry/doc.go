// Package telemetry installs the OpenTelemetry SDK providers used by the
// workflow runner, the generation clients and the HTTP tracing middleware.
//
// Init exports over OTLP/gRPC by default. WithSpanExporter and
// WithMetricReader swap the exporters, which is how tests capture spans in
// memory. When telemetry is disabled the OTel globals stay noop and no
// connection is made.
package telemetry
