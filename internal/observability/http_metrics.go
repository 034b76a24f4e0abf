package observability

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const unmatchedRoute = "unmatched"

// HTTPMiddleware records request count and latency per route template, so
// /payments/mobile/stk-status/:id stays one series. Scrapes are not counted.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		route := unmatchedRoute
		if r := c.Route(); r != nil && strings.TrimSpace(r.Path) != "" {
			route = r.Path
		}
		if route != "/metrics" {
			m.observeRequest(strings.ToUpper(c.Method()), route, responseStatus(c, err), time.Since(started))
		}
		return err
	}
}

func (m *Metrics) observeRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(seconds(d))
}

// responseStatus predicts the status the error handler will write when the
// chain returned an error.
func responseStatus(c *fiber.Ctx, err error) int {
	var fe *fiber.Error
	switch {
	case err == nil:
		if code := c.Response().StatusCode(); code != 0 {
			return code
		}
		return fiber.StatusOK
	case errors.As(err, &fe):
		return fe.Code
	default:
		return fiber.StatusInternalServerError
	}
}

// label lowercases and trims a label value; blanks become "unknown".
func label(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
		return v
	}
	return "unknown"
}
