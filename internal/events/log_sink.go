package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line. Useful in development
// and for audit trails without a durable event store.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("crawl event",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.String("status_class", evt.StatusClass),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements Sink; nothing to release.
func (s *LogSink) Close(context.Context) error {
	return nil
}
