package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/jnst/tenantkit/internal/model"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaPublisher forwards whatsapp.message events to the messaging gateway topic.
// Messages are keyed by tenant so one tenant's messages stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

type whatsAppEnvelope struct {
	EventID  string                      `json:"event_id"`
	TenantID string                      `json:"tenant_id"`
	Message  *model.WhatsAppMessageEvent `json:"message"`
}

// Handle implements service.EventHandler.
func (p *KafkaPublisher) Handle(ctx context.Context, event *model.OutboxEvent, payload model.EventPayload) error {
	msg, ok := payload.(*model.WhatsAppMessageEvent)
	if !ok {
		return fmt.Errorf("%w: unexpected payload %T", model.ErrInvalidArgument, payload)
	}

	value, err := json.Marshal(whatsAppEnvelope{EventID: event.ID.String(), TenantID: event.TenantID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID.String())},
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write whatsapp message to kafka: %w", err)
	}

	return nil
}
