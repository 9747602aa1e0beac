package model

import (
	"fmt"
	"slices"
	"time"
)

// WebhookEndpoint is a merchant URL subscribed to a set of event names.
// Secret signs every delivery to this endpoint and is shown once, at creation.
type WebhookEndpoint struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	URL              string    `json:"url"`
	Description      string    `json:"description,omitempty"`
	Secret           string    `json:"secret,omitempty"`
	SubscribedEvents []string  `json:"subscribed_events"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Subscribes reports whether the endpoint receives eventName.
func (e *WebhookEndpoint) Subscribes(eventName string) bool {
	return e.Active && slices.Contains(e.SubscribedEvents, eventName)
}

// CreateWebhookEndpointParams represents parameters for registering a webhook endpoint.
type CreateWebhookEndpointParams struct {
	URL              string   `json:"url" validate:"required,http_url,max=2048"`
	Description      string   `json:"description" validate:"max=256"`
	SubscribedEvents []string `json:"subscribed_events" validate:"required,min=1,max=32,unique,dive,required,max=128"`
}

// Validate validates the endpoint parameters.
func (p *CreateWebhookEndpointParams) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: webhook endpoint parameters are required", ErrInvalidArgument)
	}

	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return nil
}

// Webhook event names published to merchants.
const (
	WebhookEventExportReady = "export.ready"
)
