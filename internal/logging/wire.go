package logging

import (
	"time"

	"go.uber.org/zap"
)

// WireLogger records upstream protocol traffic for diagnostics. Every call
// logs method and target; headers, bodies, and responses are only recorded in
// debug mode. Logging is strictly observational and never affects the outcome
// of the call it describes.
type WireLogger struct {
	logger *zap.Logger
	debug  bool
}

// NewWireLogger creates a WireLogger. When debug is false only the
// method/target summary lines are emitted.
func NewWireLogger(logger *zap.Logger, debug bool) *WireLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WireLogger{logger: logger, debug: debug}
}

// Debug reports whether the restricted debug mode is active.
func (w *WireLogger) Debug() bool { return w.debug }

// Request logs an outgoing upstream call.
func (w *WireLogger) Request(method, url string, headers map[string]string, body []byte) {
	fields := []zap.Field{zap.String("method", method), zap.String("url", url)}
	if w.debug {
		fields = append(fields,
			zap.Any("headers", RedactHeaders(headers)),
			zap.ByteString("body", body),
		)
	}
	w.logger.Info("upstream request", fields...)
}

// Response logs the result of an upstream call.
func (w *WireLogger) Response(method, url string, status int, body []byte, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
	}
	if w.debug {
		fields = append(fields, zap.ByteString("body", body))
	}
	if status >= 400 {
		w.logger.Warn("upstream response", fields...)
		return
	}
	w.logger.Info("upstream response", fields...)
}
