package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide base logger. InitLogger replaces it; GetLogger
// initializes it lazily with the default service name on first use.
var Log *zap.Logger

func InitLogger(serviceName string) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Building the production config only fails on a bad output path;
		// keep the process alive and silent rather than crash on logging.
		logger = zap.NewNop()
	}
	Log = logger.With(zap.String("service", serviceName))
}

// GetLogger returns the base logger enriched with the span context found
// in ctx, when one is present and valid.
func GetLogger(ctx context.Context) *zap.Logger {
	if Log == nil {
		InitLogger("chatkit")
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return Log
	}
	return Log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
