package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rentpay/internal/auth"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type AttemptReader interface {
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type NotificationHandler struct {
	service  NotificationService
	attempts AttemptReader
}

func NewNotificationHandler(service NotificationService, attempts AttemptReader) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt reader is required")
	}
	return &NotificationHandler{service: service, attempts: attempts}, nil
}

// RegisterNotificationRoutes mounts the read-only operator views of the
// notification outbox. All routes require an admin principal.
func RegisterNotificationRoutes(router fiber.Router, service NotificationService, attempts AttemptReader, authn fiber.Handler) error {
	h, err := NewNotificationHandler(service, attempts)
	if err != nil {
		return err
	}
	if authn == nil {
		return fmt.Errorf("authentication middleware is required")
	}

	v1 := router.Group("/v1/notifications", authn, auth.RequireAdmin())
	v1.Get("/", h.ListNotifications)
	v1.Get("/:id", h.GetNotification)
	v1.Get("/:id/attempts", h.ListAttempts)

	return nil
}

type notificationResponse struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	TargetUserID  string            `json:"targetUserId"`
	Channel       string            `json:"channel"`
	Status        string            `json:"status"`
	Event         string            `json:"event"`
	Subject       string            `json:"subject,omitempty"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	LastError     *string           `json:"lastError,omitempty"`
	NextRetryAt   *time.Time        `json:"nextRetryAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Channel       string    `json:"channel"`
	Success       bool      `json:"success"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	notification, err := h.service.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	notification, err := h.service.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	attempts, err := h.attempts.GetByNotificationID(c.UserContext(), notification.ID)
	if err != nil {
		return err
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			Channel:       a.Channel.String(),
			Success:       a.Success,
			StatusCode:    a.StatusCode,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": out})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return err
	}

	data := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		data = append(data, toNotificationResponse(&notifications[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseNotificationStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	if target := strings.TrimSpace(c.Query("targetUserId")); target != "" {
		params.TargetUserID = &target
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:            n.ID,
		CorrelationID: n.CorrelationID,
		TargetUserID:  n.TargetUserID,
		Channel:       n.Channel.String(),
		Status:        n.Status.String(),
		Event:         n.Payload.Event,
		Subject:       n.Payload.Subject,
		Body:          n.Payload.Body,
		Data:          n.Payload.Data,
		RetryCount:    n.RetryCount,
		MaxRetries:    n.MaxRetries,
		LastError:     n.LastError,
		NextRetryAt:   n.NextRetryAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}
