package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// BrokerHealth reports whether the message broker connection is usable.
type BrokerHealth interface {
	Healthy() bool
}

// GatewayHealth exposes the payment gateway circuit breaker state.
type GatewayHealth interface {
	BreakerState() string
}

// RegisterHealthRoutes mounts /livez and /readyz. broker and gateway may be nil.
func RegisterHealthRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client, broker BrokerHealth, gateway GatewayHealth) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(sqlDB, rdb, broker, gateway))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler fails when a local dependency is down. The gateway breaker
// is reported but never fails readiness: callbacks must still be accepted
// while the provider API is unavailable.
func ReadyzHandler(sqlDB *sql.DB, rdb *redis.Client, broker BrokerHealth, gateway GatewayHealth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		checks := fiber.Map{
			"postgres": checkStatus(sqlDB.PingContext(ctx) == nil),
			"redis":    checkStatus(rdb.Ping(ctx).Err() == nil),
		}
		if broker != nil {
			checks["rabbitmq"] = checkStatus(broker.Healthy())
		}

		status := "ready"
		statusCode := fiber.StatusOK
		for _, v := range checks {
			if v != "ok" {
				status = "not_ready"
				statusCode = fiber.StatusServiceUnavailable
				break
			}
		}

		body := fiber.Map{
			"status": status,
			"checks": checks,
		}
		if gateway != nil {
			body["gateway"] = fiber.Map{"mpesaBreaker": gateway.BreakerState()}
		}
		return c.Status(statusCode).JSON(body)
	}
}

func checkStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}
