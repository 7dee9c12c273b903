// Package observability provides logging, metrics, and tracing for datachat.
//
// # Logging
//
// Logger wraps log/slog with request and session correlation taken from the
// context and with redaction of bearer tokens and model API keys.
//
// # Metrics
//
// Metrics holds Prometheus collectors for model calls, tool dispatches, chat
// turn outcomes, session counts and evictions, and HTTP traffic. Collectors
// register against an explicit prometheus.Registerer.
//
// # Tracing
//
// Tracer wraps OpenTelemetry and exports over OTLP/gRPC when an endpoint is
// configured. Without one it is a no-op, so callers never need to branch.
package observability
