// Package publisher adapts event brokers to the engine's EventSink seam.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// MultiSink fans one event out to several sinks.
type MultiSink []crawler.EventSink

// Emit delivers the event to every sink.
func (m MultiSink) Emit(ctx context.Context, event crawler.Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

// Mirror forwards events to a broker topic, best effort. Webhook delivery
// remains the system of record; the mirror only feeds downstream consumers.
type Mirror struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewMirror builds a Mirror.
func NewMirror(publisher crawler.Publisher, topic string, logger *zap.Logger) *Mirror {
	return &Mirror{publisher: publisher, topic: topic, logger: logger}
}

// Emit publishes the event, logging failures without propagating them.
func (m *Mirror) Emit(ctx context.Context, event crawler.Event) {
	if _, err := m.publisher.Publish(ctx, m.topic, event); err != nil {
		m.logger.Warn("event mirror publish failed",
			zap.String("event", string(event.Type)),
			zap.String("job_id", event.JobID.String()),
			zap.Error(err))
	}
}

// NopSink discards events; used when no webhook repo or broker is wired.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(context.Context, crawler.Event) {}
