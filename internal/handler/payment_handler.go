package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rentpay/internal/auth"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/provider/mpesa"
	"github.com/kursadbilgin/rentpay/internal/service"
	"github.com/shopspring/decimal"
)

type PaymentService interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*domain.PaymentAttempt, error)
	CheckTenantStatus(ctx context.Context, tenantID, paymentID string) (*domain.PaymentAttempt, error)
	HandleCallback(ctx context.Context, req service.CallbackRequest) (*service.CallbackOutcome, error)
}

type AdminService interface {
	Initiate(ctx context.Context, principal domain.Principal, req service.AdminInitiateRequest) (*domain.PaymentAttempt, error)
	CheckStatus(ctx context.Context, principal domain.Principal, paymentID string) (*domain.PaymentAttempt, error)
}

type PaymentHandler struct {
	payments PaymentService
	admin    AdminService
}

func NewPaymentHandler(payments PaymentService, admin AdminService) (*PaymentHandler, error) {
	if payments == nil {
		return nil, fmt.Errorf("payment service is required")
	}
	if admin == nil {
		return nil, fmt.Errorf("admin service is required")
	}
	return &PaymentHandler{payments: payments, admin: admin}, nil
}

// RegisterPaymentRoutes mounts the tenant, admin and provider callback
// routes. The callback route authenticates with the provider secret, not a
// bearer token.
func RegisterPaymentRoutes(router fiber.Router, payments PaymentService, admin AdminService, authn fiber.Handler) error {
	h, err := NewPaymentHandler(payments, admin)
	if err != nil {
		return err
	}
	if authn == nil {
		return fmt.Errorf("authentication middleware is required")
	}

	mobile := router.Group("/payments/mobile")
	mobile.Post("/callback", h.Callback)
	mobile.Post("/stk-push", authn, h.InitiateSTKPush)
	mobile.Get("/stk-status/:id", authn, h.GetSTKStatus)

	adminRoutes := mobile.Group("/admin", authn, auth.RequireAdmin())
	adminRoutes.Post("/stk-push", h.AdminInitiateSTKPush)
	adminRoutes.Get("/stk-status/:id", h.AdminGetSTKStatus)

	return nil
}

type stkPushRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phoneNumber"`
}

type adminSTKPushRequest struct {
	TenantID    string          `json:"tenantId"`
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber *string         `json:"phoneNumber"`
}

type paymentResponse struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	Amount              string     `json:"amount"`
	Currency            string     `json:"currency"`
	Status              string     `json:"status"`
	ExternalReferenceID *string    `json:"externalReferenceId,omitempty"`
	ReceiptNumber       *string    `json:"receiptNumber,omitempty"`
	ResultDescription   *string    `json:"resultDescription,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

type adminPaymentResponse struct {
	paymentResponse
	PhoneNumber string  `json:"phoneNumber"`
	ResultCode  *string `json:"resultCode,omitempty"`
	InitiatedBy *string `json:"initiatedBy,omitempty"`
}

func (h *PaymentHandler) InitiateSTKPush(c *fiber.Ctx) error {
	principal, err := auth.PrincipalFrom(c)
	if err != nil {
		return err
	}
	if strings.TrimSpace(principal.TenantID) == "" {
		return &domain.AuthorizationError{PrincipalID: principal.ID, Action: "initiate a payment without a tenant"}
	}

	var req stkPushRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(err)
	}

	attempt, err := h.payments.Initiate(c.UserContext(), service.InitiateRequest{
		TenantID:    principal.TenantID,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toPaymentResponse(attempt))
}

func (h *PaymentHandler) GetSTKStatus(c *fiber.Ctx) error {
	principal, err := auth.PrincipalFrom(c)
	if err != nil {
		return err
	}

	attempt, err := h.payments.CheckTenantStatus(c.UserContext(), principal.TenantID, c.Params("id"))
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toPaymentResponse(attempt))
}

func (h *PaymentHandler) AdminInitiateSTKPush(c *fiber.Ctx) error {
	principal, err := auth.PrincipalFrom(c)
	if err != nil {
		return err
	}

	var req adminSTKPushRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(err)
	}

	attempt, err := h.admin.Initiate(c.UserContext(), principal, service.AdminInitiateRequest{
		TenantID:    req.TenantID,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toAdminPaymentResponse(attempt))
}

func (h *PaymentHandler) AdminGetSTKStatus(c *fiber.Ctx) error {
	principal, err := auth.PrincipalFrom(c)
	if err != nil {
		return err
	}

	attempt, err := h.admin.CheckStatus(c.UserContext(), principal, c.Params("id"))
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(toAdminPaymentResponse(attempt))
}

// Callback acknowledges applied, duplicate, malformed and unknown-reference
// callbacks so the provider stops redelivering. Storage failures surface as
// 5xx; a redelivered callback is safe because the transition is a CAS.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)

	_, err := h.payments.HandleCallback(c.UserContext(), service.CallbackRequest{
		Body:      body,
		Signature: c.Get(mpesa.SignatureHeader),
		Token:     c.Query("token"),
	})
	var unknown *domain.UnknownPaymentError
	switch {
	case err == nil, errors.As(err, &unknown), errors.Is(err, domain.ErrValidation):
		return c.Status(fiber.StatusOK).JSON(mpesa.Accepted())
	default:
		return err
	}
}

func toPaymentResponse(p *domain.PaymentAttempt) paymentResponse {
	if p == nil {
		return paymentResponse{}
	}

	return paymentResponse{
		ID:                  p.ID,
		TenantID:            p.TenantID,
		Amount:              p.Amount.StringFixed(2),
		Currency:            domain.CurrencyKES,
		Status:              p.Status.String(),
		ExternalReferenceID: p.ExternalReferenceID,
		ReceiptNumber:       p.ReceiptNumber,
		ResultDescription:   p.ResultDescription,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
		CompletedAt:         p.CompletedAt,
	}
}

func toAdminPaymentResponse(p *domain.PaymentAttempt) adminPaymentResponse {
	if p == nil {
		return adminPaymentResponse{}
	}

	return adminPaymentResponse{
		paymentResponse: toPaymentResponse(p),
		PhoneNumber:     p.PhoneNumber,
		ResultCode:      p.ResultCode,
		InitiatedBy:     p.InitiatedBy,
	}
}

func invalidBody(err error) error {
	return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
}
