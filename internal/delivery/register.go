package delivery

import (
	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/service"
)

// Handlers groups the handler for each event type.
type Handlers struct {
	Export       *ExportHandler
	Webhook      *WebhookHandler
	Notification *StreamPublisher
	WhatsApp     *KafkaPublisher
}

// Registry returns a registry with every non-nil handler registered.
func (h Handlers) Registry() *service.HandlerRegistry {
	registry := service.NewHandlerRegistry()

	if h.Export != nil {
		registry.Register(model.EventTypeExportRequested, h.Export)
	}

	if h.Webhook != nil {
		registry.Register(model.EventTypeWebhookDispatch, h.Webhook)
	}

	if h.Notification != nil {
		registry.Register(model.EventTypeNotificationSend, h.Notification)
	}

	if h.WhatsApp != nil {
		registry.Register(model.EventTypeWhatsAppMessage, h.WhatsApp)
	}

	return registry
}
