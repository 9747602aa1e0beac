package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/rueidis"

	"github.com/jnst/tenantkit/internal/model"
)

// StreamPublisher fans notification.send events out to a Redis stream.
type StreamPublisher struct {
	redisClient rueidis.Client
	streamKey   string
}

// NewStreamPublisher creates a StreamPublisher writing to streamKey.
func NewStreamPublisher(redisClient rueidis.Client, streamKey string) *StreamPublisher {
	return &StreamPublisher{redisClient: redisClient, streamKey: streamKey}
}

// Handle implements service.EventHandler. Consumers deduplicate on event_id.
func (p *StreamPublisher) Handle(ctx context.Context, event *model.OutboxEvent, _ model.EventPayload) error {
	cmd := p.redisClient.B().Xadd().Key(p.streamKey).Id("*").
		FieldValue().
		FieldValue("event_id", event.ID.String()).
		FieldValue("tenant_id", event.TenantID).
		FieldValue("event_type", string(event.Type)).
		FieldValue("payload", string(event.Payload)).
		Build()

	if err := p.redisClient.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish event %s to stream %s: %w", event.ID, p.streamKey, err)
	}

	slog.Debug("published event to stream",
		slog.String("event_id", event.ID.String()),
		slog.String("stream", p.streamKey),
	)

	return nil
}
