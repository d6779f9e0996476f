package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// LogSink emits structured logs for every relay event. It is useful during
// development when no metrics backend is scraped.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("code", evt.Code),
			zap.Time("ts", evt.TS),
		}
		if evt.Route != "" {
			fields = append(fields, zap.String("route", evt.Route), zap.String("function", evt.Function))
		}
		if len(evt.Stack) > 0 {
			percent, cancellable := evt.Stack.Aggregate()
			fields = append(fields,
				zap.Float64("percent", percent),
				zap.Bool("cancellable", cancellable),
				zap.Int("levels", len(evt.Stack)),
				zap.String("msg", evt.Stack[len(evt.Stack)-1].Message),
			)
		}
		s.logger.Info("relay event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
