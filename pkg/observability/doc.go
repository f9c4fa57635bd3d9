// Package observability provides the structured logger and Prometheus
// metrics shared by every gluubridge component.
//
// The logger is a thin wrapper over stdlib slog emitting JSON; components
// receive a *Logger and derive per-operation loggers via WithField/WithError.
// Metrics cover the token lifecycle (grant requests, refresh failures, forced
// logouts), the named token-request lock, and the two storage tiers.
package observability
