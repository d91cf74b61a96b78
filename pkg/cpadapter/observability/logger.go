// Package observability provides logging, metrics and tracing helpers for
// the adapter's message bus and workflow handlers.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
//
// Example:
//
//	log := EnrichLogger(logger, env.TraceID, "INITIAL", 1)
//	log.Info("negotiating contract") // includes trace_id, channel, attempt
func EnrichLogger(logger *slog.Logger, traceID, channel string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("trace_id", traceID),
		slog.String("channel", channel),
		slog.Int("attempt", attempt),
	)
}

// LogSend logs an envelope being handed to the bus.
func LogSend(logger *slog.Logger, traceID, channel string) {
	if logger == nil {
		return
	}
	logger.Debug("message sent",
		slog.String("trace_id", traceID),
		slog.String("channel", channel),
	)
}

// LogDelivery logs a successful listener invocation.
func LogDelivery(logger *slog.Logger, traceID, channel string, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("message delivered",
		slog.String("trace_id", traceID),
		slog.String("channel", channel),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// LogDeliveryError logs a failed listener invocation that will be retried.
func LogDeliveryError(logger *slog.Logger, traceID, channel string, retriesLeft int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("message delivery failed",
		slog.String("trace_id", traceID),
		slog.String("channel", channel),
		slog.Int("retries_left", retriesLeft),
		slog.String("error", errString(err)),
	)
}

// LogDeadLetter logs an envelope moved to the dead-letter channel.
func LogDeadLetter(logger *slog.Logger, traceID, channel string, err error) {
	if logger == nil {
		return
	}
	logger.Error("message moved to dead letter channel",
		slog.String("trace_id", traceID),
		slog.String("channel", channel),
		slog.String("error", errString(err)),
	)
}

// LogRendezvous logs one side of a correlation exchange.
func LogRendezvous(logger *slog.Logger, key, side string, matched bool) {
	if logger == nil {
		return
	}
	logger.Debug("correlation offer",
		slog.String("key", key),
		slog.String("side", side),
		slog.Bool("matched", matched),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
