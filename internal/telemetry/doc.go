// Package telemetry initializes the OpenTelemetry SDK for the stepgraph
// server: an OTLP gRPC trace exporter feeding emit.OTelEmitter spans, and an
// OTLP gRPC metric exporter carrying backend token usage.
//
// When telemetry is disabled no exporter is created and the global providers
// stay noop.
package telemetry
