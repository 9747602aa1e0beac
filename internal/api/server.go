// Package api exposes the tenant export, webhook and messaging endpoints over HTTP.
package api

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/service"
	"github.com/jnst/tenantkit/internal/storage"
)

const maxListLimit = 200

var validate = validator.New()

// TokenVerifier checks download capabilities.
type TokenVerifier interface {
	Verify(token, key string) (*storage.Claims, error)
}

// Server handles HTTP requests for tenant exports, webhooks and messages.
type Server struct {
	exports   service.ExportService
	webhooks  service.WebhookService
	messaging service.MessagingService
	verifier  TokenVerifier
}

// NewServer creates a new API server instance.
func NewServer(
	exports service.ExportService,
	webhooks service.WebhookService,
	messaging service.MessagingService,
	verifier TokenVerifier,
) *Server {
	return &Server{exports: exports, webhooks: webhooks, messaging: messaging, verifier: verifier}
}

// App builds the fiber application with the central error handler and all routes.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())

	app.Get("/health", s.HealthCheck)

	v1 := app.Group("/v1")
	v1.Get("/files/*", s.ServeFile)

	exports := v1.Group("/exports", TenantContext())
	exports.Post("/", RequireRole(model.RoleOwner, model.RoleAdmin), s.CreateExport)
	exports.Get("/", s.ListExports)
	exports.Get("/:id", s.GetExport)
	exports.Post("/:id/download-url", RequireRole(model.RoleOwner, model.RoleAdmin), s.CreateDownloadURL)

	webhooks := v1.Group("/webhooks", TenantContext(), RequireRole(model.RoleOwner, model.RoleAdmin))
	webhooks.Post("/", s.CreateWebhookEndpoint)
	webhooks.Get("/", s.ListWebhookEndpoints)
	webhooks.Get("/deliveries", s.ListWebhookDeliveries)
	webhooks.Delete("/:id", s.DeactivateWebhookEndpoint)

	messages := v1.Group("/messages", TenantContext(), RequireRole(model.RoleOwner, model.RoleAdmin))
	messages.Post("/whatsapp", s.SendWhatsApp)

	return app
}

// HealthCheck handles GET /health.
func (*Server) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// CreateExport handles POST /v1/exports. The Idempotency-Key header is required.
func (s *Server) CreateExport(c *fiber.Ctx) error {
	key, err := idempotencyKey(c)
	if err != nil {
		return err
	}

	var params model.CreateExportParams
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(&params); err != nil {
		return err
	}

	job, err := s.exports.Create(c.UserContext(), tenantFrom(c), key, &params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(job)
}

// ListExports handles GET /v1/exports?status=&limit=.
func (s *Server) ListExports(c *fiber.Ctx) error {
	filter := model.ExportFilter{
		Status: model.ExportStatus(strings.ToUpper(c.Query("status"))),
		Limit:  min(c.QueryInt("limit", 50), maxListLimit),
	}

	jobs, err := s.exports.List(c.UserContext(), tenantFrom(c), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": jobs})
}

// GetExport handles GET /v1/exports/:id.
func (s *Server) GetExport(c *fiber.Ctx) error {
	job, err := s.exports.Get(c.UserContext(), tenantFrom(c), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(job)
}

// CreateDownloadURL handles POST /v1/exports/:id/download-url.
func (s *Server) CreateDownloadURL(c *fiber.Ctx) error {
	link, err := s.exports.DownloadURL(c.UserContext(), tenantFrom(c), c.Params("id"))
	if err != nil {
		return err
	}

	return c.JSON(link)
}

// ServeFile handles GET /v1/files/<key>?token=. The token is the only credential;
// the object store behind this route streams the body.
func (s *Server) ServeFile(c *fiber.Ctx) error {
	key := c.Params("*")

	claims, err := s.verifier.Verify(c.Query("token"), key)
	if err != nil {
		return err
	}

	c.Set("X-Tenant-ID", claims.TenantID)
	c.Set(fiber.HeaderCacheControl, "private, no-store")

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return c.JSON(fiber.Map{"key": claims.Key, "tenant_id": claims.TenantID, "expires_at": expiresAt})
}

func idempotencyKey(c *fiber.Ctx) (string, error) {
	key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
	if key == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key header is required")
	}

	return key, nil
}
