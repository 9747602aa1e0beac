package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/tenantkit/internal/config"
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/service"
)

// ScopeStreamConsume is the idempotency scope of stream deliveries.
const ScopeStreamConsume = "stream_consume"

const (
	consumerReadCount    = 10
	consumerBlockTimeout = time.Second
	consumerErrorDelay   = time.Second
	maxReclaimPages      = 100
	autoclaimStart       = "0-0"
)

// NotificationSender delivers one notification to its recipient.
type NotificationSender interface {
	Send(ctx context.Context, tenantID string, notification *model.NotificationSendEvent) error
}

// StreamConsumer reads the notification stream in a consumer group and delivers
// each outbox event at most once. Entries are acknowledged after delivery, so a
// crash leaves them pending: Run re-reads its own pending entries on start and
// periodically claims entries other consumers left idle.
type StreamConsumer struct {
	client      rueidis.Client
	idempotency service.IdempotencyService
	sender      NotificationSender
	streamKey   string
	cfg         config.ConsumerConfig
}

// NewStreamConsumer creates a StreamConsumer for streamKey.
func NewStreamConsumer(
	client rueidis.Client,
	idempotency service.IdempotencyService,
	sender NotificationSender,
	streamKey string,
	cfg config.ConsumerConfig,
) *StreamConsumer {
	return &StreamConsumer{
		client:      client,
		idempotency: idempotency,
		sender:      sender,
		streamKey:   streamKey,
		cfg:         cfg,
	}
}

// EnsureGroup creates the consumer group and the stream if needed.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	cmd := c.client.B().XgroupCreate().Key(c.streamKey).Group(c.cfg.Group).Id("0").Mkstream().Build()

	err := c.client.Do(ctx, cmd).Error()
	if redisErr, ok := rueidis.IsRedisErr(err); ok && redisErr.IsBusyGroup() {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to create consumer group %s: %w", c.cfg.Group, err)
	}

	return nil
}

// Run consumes until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.recover(ctx)

	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped")
			return nil
		case <-ticker.C:
			c.recover(ctx)
		default:
			if _, err := c.ReadNew(ctx); err != nil && ctx.Err() == nil {
				slog.Error("error consuming messages", slog.String("error", err.Error()))

				select {
				case <-ctx.Done():
				case <-time.After(consumerErrorDelay):
				}
			}
		}
	}
}

func (c *StreamConsumer) recover(ctx context.Context) {
	if n, err := c.RecoverPending(ctx); err != nil {
		slog.Error("failed to re-read pending entries", slog.String("error", err.Error()))
	} else if n > 0 {
		slog.Info("re-read pending entries", slog.Int("count", n))
	}

	if n, err := c.Reclaim(ctx); err != nil {
		slog.Error("failed to claim idle entries", slog.String("error", err.Error()))
	} else if n > 0 {
		slog.Info("claimed idle entries", slog.Int("count", n))
	}
}

// ReadNew blocks briefly for entries never delivered to the group and processes them.
func (c *StreamConsumer) ReadNew(ctx context.Context) (int, error) {
	cmd := c.client.B().Xreadgroup().Group(c.cfg.Group, c.cfg.Name).
		Count(consumerReadCount).
		Block(consumerBlockTimeout.Milliseconds()).
		Streams().
		Key(c.streamKey).
		Id(">").
		Build()

	entries, err := c.read(ctx, cmd)
	if err != nil {
		return 0, err
	}

	c.processAll(ctx, entries)

	return len(entries), nil
}

// RecoverPending makes one pass over the entries delivered to this consumer but
// never acknowledged. Entries that fail again stay pending for the next pass.
func (c *StreamConsumer) RecoverPending(ctx context.Context) (int, error) {
	total := 0
	start := "0"

	for {
		cmd := c.client.B().Xreadgroup().Group(c.cfg.Group, c.cfg.Name).
			Count(consumerReadCount).
			Streams().
			Key(c.streamKey).
			Id(start).
			Build()

		entries, err := c.read(ctx, cmd)
		if err != nil {
			return total, err
		}

		if len(entries) == 0 {
			return total, nil
		}

		c.processAll(ctx, entries)
		total += len(entries)
		start = entries[len(entries)-1].ID
	}
}

// Reclaim takes over entries idle for longer than MinIdle in any consumer of the
// group, then processes them.
func (c *StreamConsumer) Reclaim(ctx context.Context) (int, error) {
	total := 0
	start := autoclaimStart
	minIdle := strconv.FormatInt(c.cfg.MinIdle.Milliseconds(), 10)

	for range maxReclaimPages {
		cmd := c.client.B().Xautoclaim().Key(c.streamKey).Group(c.cfg.Group).Consumer(c.cfg.Name).
			MinIdleTime(minIdle).
			Start(start).
			Count(consumerReadCount).
			Build()

		values, err := c.client.Do(ctx, cmd).ToArray()
		if err != nil {
			return total, fmt.Errorf("failed to claim idle entries: %w", err)
		}

		if len(values) < 2 {
			return total, fmt.Errorf("failed to claim idle entries: unexpected reply length %d", len(values))
		}

		next, err := values[0].ToString()
		if err != nil {
			return total, fmt.Errorf("failed to claim idle entries: %w", err)
		}

		entries, err := values[1].AsXRange()
		if err != nil {
			return total, fmt.Errorf("failed to claim idle entries: %w", err)
		}

		c.processAll(ctx, entries)
		total += len(entries)

		if next == autoclaimStart {
			return total, nil
		}

		start = next
	}

	return total, nil
}

func (c *StreamConsumer) read(ctx context.Context, cmd rueidis.Completed) ([]rueidis.XRangeEntry, error) {
	streams, err := c.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	return streams[c.streamKey], nil
}

func (c *StreamConsumer) processAll(ctx context.Context, entries []rueidis.XRangeEntry) {
	for _, entry := range entries {
		if err := c.Process(ctx, entry); err != nil {
			slog.Error("failed to process message",
				slog.String("message_id", entry.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		c.acknowledge(ctx, entry.ID)
	}
}

func (c *StreamConsumer) acknowledge(ctx context.Context, messageID string) {
	cmd := c.client.B().Xack().Key(c.streamKey).Group(c.cfg.Group).Id(messageID).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		slog.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// Process delivers the entry at most once per outbox event id. A nil error means
// the entry can be acknowledged; entries that can never be delivered are dropped.
func (c *StreamConsumer) Process(ctx context.Context, entry rueidis.XRangeEntry) error {
	if entry.FieldValues == nil {
		slog.Warn("dropping deleted stream entry", slog.String("message_id", entry.ID))
		return nil
	}

	eventID := entry.FieldValues["event_id"]
	tenantID := entry.FieldValues["tenant_id"]

	if eventID == "" || tenantID == "" {
		slog.Warn("dropping message without event_id or tenant_id", slog.String("message_id", entry.ID))
		return nil
	}

	eventType := model.EventType(entry.FieldValues["event_type"])

	payload, err := model.DecodeEventPayload(eventType, []byte(entry.FieldValues["payload"]))
	if err != nil {
		slog.Warn("dropping undecodable message",
			slog.String("message_id", entry.ID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()),
		)

		return nil
	}

	notification, ok := payload.(*model.NotificationSendEvent)
	if !ok {
		slog.Warn("unknown event type", slog.String("event_type", string(eventType)))
		return nil
	}

	_, err = c.idempotency.Execute(ctx, ScopeStreamConsume, eventID, tenantID, func(ctx context.Context) ([]byte, error) {
		if err := c.sender.Send(ctx, tenantID, notification); err != nil {
			return nil, err
		}

		return []byte(entry.ID), nil
	})
	if err != nil {
		return fmt.Errorf("deliver event %s: %w", eventID, err)
	}

	return nil
}

// LogSender writes notifications to the structured log. It stands in for a
// push or email provider.
type LogSender struct{}

// Send implements NotificationSender.
func (LogSender) Send(_ context.Context, tenantID string, n *model.NotificationSendEvent) error {
	slog.Info("delivering notification",
		slog.String("tenant_id", tenantID),
		slog.String("channel", n.Channel),
		slog.String("recipient", n.Recipient),
		slog.String("title", n.Title),
	)

	return nil
}
