package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string       `json:"error"`
	Code    string       `json:"code,omitempty"`
	Details []fieldError `json:"details,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code, body := toResponse(err)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if cid := observability.RequestCorrelationID(c); cid != "" {
			fields = append(fields, zap.String("correlationId", cid))
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Info("request rejected", fields...)
		}

		return c.Status(code).JSON(body)
	}
}

func toResponse(err error) (int, errorResponse) {
	var (
		fiberErr *fiber.Error
		verr     *domain.ValidationError
		gwErr    *domain.PaymentGatewayError
	)

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, errorResponse{Error: fiberErr.Message}
	case errors.As(err, &verr):
		details := make([]fieldError, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			details = append(details, fieldError{Field: f.Field, Message: f.Message})
		}
		return fiber.StatusBadRequest, errorResponse{Error: err.Error(), Details: details}
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrUnauthenticated):
		return fiber.StatusUnauthorized, errorResponse{Error: "authentication required"}
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, errorResponse{Error: "resource not found"}
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, errorResponse{Error: err.Error()}
	case errors.As(err, &gwErr):
		msg := gwErr.Message
		if msg == "" {
			msg = "the payment provider could not start the payment, please try again"
		}
		return fiber.StatusBadGateway, errorResponse{Error: msg, Code: gwErr.ReasonCode}
	default:
		return fiber.StatusInternalServerError, errorResponse{Error: "internal server error"}
	}
}
