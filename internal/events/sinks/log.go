package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		md := evt.Record.Metadata
		s.logger.Info("crawl record",
			zap.String("worker_id", evt.WorkerID),
			zap.String("fingerprint", evt.Fingerprint.Short()),
			zap.String("url", evt.Record.URL),
			zap.Int("depth", evt.Record.Depth),
			zap.String("state", string(evt.State)),
			zap.Int("attempt", evt.Attempt),
			zap.Bool("crawled", evt.Record.Crawled),
			zap.Int("status_code", md.StatusCode),
			zap.Bool("success", md.Success),
			zap.String("error", md.Error),
			zap.Int("size", md.Size),
			zap.Float64("fetch_time", md.FetchTime),
		)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
