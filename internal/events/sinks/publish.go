package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/events"
)

// PublishSink forwards terminal crawl records to a message transport.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
	// IncludePending also publishes records for attempts that will be retried.
	IncludePending bool
}

// NewPublishSink constructs a sink that publishes to topic.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every qualifying record; failures are joined so one bad
// message does not hide the rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() && !s.IncludePending {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt.Record)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Record.URL, err))
			continue
		}
		s.logger.Debug("crawl record published", zap.String("url", evt.Record.URL), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close closes the publisher when it supports closing.
func (s *PublishSink) Close(context.Context) error {
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
