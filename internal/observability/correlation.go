package observability

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	correlationLocalsKey = "correlationId"
	maxCorrelationIDLen  = 128
)

type correlationIDKey struct{}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok && id != ""
}

// WithContextLogger tags logger with the correlation id carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String("correlationId", id))
	}
	return logger
}

// CorrelationMiddleware adopts the caller's X-Request-ID or mints one, echoes
// it on the response and stores it on the request's user context.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}

		c.Set(fiber.HeaderXRequestID, id)
		c.Locals(correlationLocalsKey, id)
		c.SetUserContext(WithCorrelationID(c.UserContext(), id))

		return c.Next()
	}
}

// RequestCorrelationID returns the id assigned by CorrelationMiddleware.
func RequestCorrelationID(c *fiber.Ctx) string {
	if value, ok := c.Locals(correlationLocalsKey).(string); ok {
		return value
	}
	return strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
}
