package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	// OutboxStatusPending is a newly written event.
	OutboxStatusPending OutboxStatus = "PENDING"
	// OutboxStatusProcessing is an event claimed by a dispatcher.
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	// OutboxStatusProcessed is a delivered event.
	OutboxStatusProcessed OutboxStatus = "PROCESSED"
	// OutboxStatusFailed is an event waiting for its next retry.
	OutboxStatusFailed OutboxStatus = "FAILED"
	// OutboxStatusDead is an event that exhausted its attempts.
	OutboxStatusDead OutboxStatus = "DEAD"
)

// OutboxEvent represents an outbox event for reliable message delivery.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	ID       uuid.UUID
	TenantID string
	Type     EventType
	Payload  []byte
}

// EventType discriminates outbox payloads.
type EventType string

const (
	// EventTypeExportRequested asks the export worker to generate a file.
	EventTypeExportRequested EventType = "export.requested"
	// EventTypeWhatsAppMessage sends a templated WhatsApp message.
	EventTypeWhatsAppMessage EventType = "whatsapp.message"
	// EventTypeWebhookDispatch posts a signed webhook to a merchant endpoint.
	EventTypeWebhookDispatch EventType = "webhook.dispatch"
	// EventTypeNotificationSend fans a notification out to the notification stream.
	EventTypeNotificationSend EventType = "notification.send"
)

// EventPayload is implemented by every outbox payload variant.
type EventPayload interface {
	EventType() EventType
}

// ExportRequestedEvent is emitted when an export job is created.
type ExportRequestedEvent struct {
	JobID      string     `json:"job_id" validate:"required,uuid"`
	ExportType ExportType `json:"export_type" validate:"required,oneof=orders withdrawals compliance_withdrawals compliance_activity"`
	ActorID    string     `json:"actor_id" validate:"required"`
}

// EventType implements EventPayload.
func (ExportRequestedEvent) EventType() EventType { return EventTypeExportRequested }

// WhatsAppMessageEvent is a templated message to a customer phone number.
type WhatsAppMessageEvent struct {
	To        string            `json:"to" validate:"required,e164"`
	Template  string            `json:"template" validate:"required,max=64"`
	Variables map[string]string `json:"variables,omitempty"`
}

// EventType implements EventPayload.
func (WhatsAppMessageEvent) EventType() EventType { return EventTypeWhatsAppMessage }

// WebhookDispatchEvent is a merchant webhook delivery.
type WebhookDispatchEvent struct {
	// EndpointID selects the endpoint secret; empty signs with the tenant key.
	EndpointID string          `json:"endpoint_id,omitempty" validate:"omitempty,uuid"`
	URL        string          `json:"url" validate:"required,http_url"`
	EventName  string          `json:"event_name" validate:"required,max=128"`
	Body       json.RawMessage `json:"body" validate:"required"`
}

// EventType implements EventPayload.
func (WebhookDispatchEvent) EventType() EventType { return EventTypeWebhookDispatch }

// NotificationSendEvent is an in-app, email or sms notification.
type NotificationSendEvent struct {
	Channel   string `json:"channel" validate:"required,oneof=email sms push in_app"`
	Recipient string `json:"recipient" validate:"required"`
	Title     string `json:"title" validate:"max=200"`
	Body      string `json:"body" validate:"required"`
}

// EventType implements EventPayload.
func (NotificationSendEvent) EventType() EventType { return EventTypeNotificationSend }

var validate = validator.New()

var payloadFactories = map[EventType]func() EventPayload{
	EventTypeExportRequested:  func() EventPayload { return &ExportRequestedEvent{} },
	EventTypeWhatsAppMessage:  func() EventPayload { return &WhatsAppMessageEvent{} },
	EventTypeWebhookDispatch:  func() EventPayload { return &WebhookDispatchEvent{} },
	EventTypeNotificationSend: func() EventPayload { return &NotificationSendEvent{} },
}

// KnownEventTypes lists every registered payload variant.
func KnownEventTypes() []EventType {
	return []EventType{
		EventTypeExportRequested,
		EventTypeWhatsAppMessage,
		EventTypeWebhookDispatch,
		EventTypeNotificationSend,
	}
}

// EncodeEventPayload validates a payload and returns its wire form.
func EncodeEventPayload(p EventPayload) (EventType, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil event payload", ErrInvalidArgument)
	}

	if _, ok := payloadFactories[p.EventType()]; !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownEventType, p.EventType())
	}

	if err := validate.Struct(p); err != nil {
		return "", nil, fmt.Errorf("%w: %s payload: %w", ErrInvalidArgument, p.EventType(), err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}

	return p.EventType(), data, nil
}

// DecodeEventPayload parses and validates the payload stored for an event type.
func DecodeEventPayload(eventType EventType, raw []byte) (EventPayload, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: parse %s payload: %w", ErrInvalidArgument, eventType, err)
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrInvalidArgument, eventType, err)
	}

	return p, nil
}
