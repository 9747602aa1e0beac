package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/jnst/tenantkit/internal/model"
)

// Gateway headers. Authentication happens upstream; these carry its result.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRoles     = "X-Actor-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const tenantContextKey = "tenant_context"

// TenantContext builds the request's model.TenantContext from gateway headers.
func TenantContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var roles []model.Role
		for _, r := range strings.Split(c.Get(HeaderActorRoles), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, model.Role(strings.ToLower(r)))
			}
		}

		tc, err := model.NewTenantContext(c.Get(HeaderTenantID), c.Get(HeaderActorID), roles...)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid tenant identity")
		}

		c.Locals(tenantContextKey, tc)

		return c.Next()
	}
}

// RequireRole rejects actors holding none of roles.
func RequireRole(roles ...model.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !tenantFrom(c).HasRole(roles...) {
			return fiber.NewError(fiber.StatusForbidden, "insufficient role")
		}

		return c.Next()
	}
}

func tenantFrom(c *fiber.Ctx) model.TenantContext {
	tc, _ := c.Locals(tenantContextKey).(model.TenantContext)
	return tc
}
