package api

import (
	"errors"
	"log/slog"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/jnst/tenantkit/internal/model"
	"github.com/jnst/tenantkit/internal/storage"
)

const notFoundMessage = "resource not found"

// ErrorHandler maps domain errors to status codes and keeps messages sanitized.
// Access denials answer exactly like missing resources.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"message": fe.Message})
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make(map[string]string, len(ve))
		for _, fieldErr := range ve {
			out[fieldErr.Field()] = fieldErr.Tag()
		}

		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"message": "validation failed",
			"errors":  out,
		})
	}

	var rlErr *model.RateLimitError

	switch {
	case errors.As(err, &rlErr):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"message": "rate limit exceeded"})
	case errors.Is(err, model.ErrAccessDenied), errors.Is(err, model.ErrNotFound), errors.Is(err, storage.ErrInvalidToken):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": notFoundMessage})
	case errors.Is(err, model.ErrDuplicateInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "request with this idempotency key is in progress"})
	case errors.Is(err, model.ErrInvalidArgument):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"message": err.Error()})
	case errors.Is(err, model.ErrExportNotReady):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "export is not ready"})
	case errors.Is(err, model.ErrExportExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"message": "export has expired"})
	case errors.Is(err, model.ErrRateLimitUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"message": "service temporarily unavailable"})
	}

	slog.Error("internal error",
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "internal server error"})
}
