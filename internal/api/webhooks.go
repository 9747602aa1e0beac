package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jnst/tenantkit/internal/model"
)

// CreateWebhookEndpoint handles POST /v1/webhooks. The response carries the
// signing secret, which is not shown again.
func (s *Server) CreateWebhookEndpoint(c *fiber.Ctx) error {
	var params model.CreateWebhookEndpointParams
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(&params); err != nil {
		return err
	}

	endpoint, err := s.webhooks.CreateEndpoint(c.UserContext(), tenantFrom(c), &params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(endpoint)
}

// ListWebhookEndpoints handles GET /v1/webhooks.
func (s *Server) ListWebhookEndpoints(c *fiber.Ctx) error {
	endpoints, err := s.webhooks.ListEndpoints(c.UserContext(), tenantFrom(c))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": endpoints})
}

// DeactivateWebhookEndpoint handles DELETE /v1/webhooks/:id.
func (s *Server) DeactivateWebhookEndpoint(c *fiber.Ctx) error {
	endpoint, err := s.webhooks.DeactivateEndpoint(c.UserContext(), tenantFrom(c), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(endpoint)
}

// ListWebhookDeliveries handles GET /v1/webhooks/deliveries?limit=.
func (s *Server) ListWebhookDeliveries(c *fiber.Ctx) error {
	deliveries, err := s.webhooks.ListDeliveries(c.UserContext(), tenantFrom(c), min(c.QueryInt("limit", 50), maxListLimit))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": deliveries})
}

// SendWhatsApp handles POST /v1/messages/whatsapp. The message is queued, so
// the response is 202 with the outbox event id.
func (s *Server) SendWhatsApp(c *fiber.Ctx) error {
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}

	var msg model.WhatsAppMessageEvent
	if err := c.BodyParser(&msg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(&msg); err != nil {
		return err
	}

	event, err := s.messaging.SendWhatsApp(c.UserContext(), tenantFrom(c), key, &msg)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id": event.ID,
		"status":   event.Status,
	})
}
