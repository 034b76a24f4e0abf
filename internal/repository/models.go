package repository

import (
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentAttemptModel is the persistence model for the payment_attempts table.
type PaymentAttemptModel struct {
	ID                  string               `gorm:"type:uuid;primaryKey"`
	TenantID            string               `gorm:"type:varchar(64);not null;index"`
	Amount              decimal.Decimal      `gorm:"type:numeric(14,2);not null"`
	PhoneNumber         string               `gorm:"type:varchar(20);not null"`
	ExternalReferenceID *string              `gorm:"type:varchar(128)"`
	MerchantRequestID   *string              `gorm:"type:varchar(128)"`
	Status              domain.PaymentStatus `gorm:"type:varchar(20);not null"`
	ResultCode          *string              `gorm:"type:varchar(32)"`
	ResultDescription   *string              `gorm:"type:text"`
	ReceiptNumber       *string              `gorm:"type:varchar(64)"`
	InitiatedBy         *string              `gorm:"type:varchar(64)"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time `gorm:"type:timestamptz"`
}

func (PaymentAttemptModel) TableName() string {
	return "payment_attempts"
}

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID            string                                         `gorm:"type:uuid;primaryKey"`
	CorrelationID string                                         `gorm:"type:varchar(64);not null"`
	TargetUserID  string                                         `gorm:"type:varchar(64);not null"`
	Channel       domain.Channel                                 `gorm:"type:notification_channel;not null"`
	Status        domain.NotificationStatus                      `gorm:"type:notification_status;not null;default:pending"`
	RetryCount    int                                            `gorm:"not null;default:0;check:retry_count >= 0"`
	MaxRetries    int                                            `gorm:"not null;default:3"`
	Payload       datatypes.JSONType[domain.NotificationPayload] `gorm:"type:jsonb;not null"`
	LastError     *string                                        `gorm:"type:text"`
	NextRetryAt   *time.Time                                     `gorm:"type:timestamptz"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	NotificationID string         `gorm:"type:uuid;not null"`
	AttemptNumber  int            `gorm:"not null"`
	Channel        domain.Channel `gorm:"type:varchar(16);not null"`
	Success        bool           `gorm:"not null;default:false"`
	StatusCode     *int           `gorm:"type:int"`
	ResponseBody   *string        `gorm:"type:text"`
	Error          *string        `gorm:"type:text"`
	CreatedAt      time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// AuditLogModel is the persistence model for audit_logs.
type AuditLogModel struct {
	ID           string            `gorm:"type:uuid;primaryKey"`
	ActorID      string            `gorm:"type:varchar(64);not null"`
	Action       string            `gorm:"type:varchar(64);not null"`
	ResourceType string            `gorm:"type:varchar(64);not null"`
	ResourceID   string            `gorm:"type:varchar(64);not null"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (AuditLogModel) TableName() string {
	return "audit_logs"
}

func paymentModelFromDomain(p *domain.PaymentAttempt) *PaymentAttemptModel {
	if p == nil {
		return nil
	}

	return &PaymentAttemptModel{
		ID:                  p.ID,
		TenantID:            p.TenantID,
		Amount:              p.Amount,
		PhoneNumber:         p.PhoneNumber,
		ExternalReferenceID: p.ExternalReferenceID,
		MerchantRequestID:   p.MerchantRequestID,
		Status:              p.Status,
		ResultCode:          p.ResultCode,
		ResultDescription:   p.ResultDescription,
		ReceiptNumber:       p.ReceiptNumber,
		InitiatedBy:         p.InitiatedBy,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
		CompletedAt:         p.CompletedAt,
	}
}

func paymentModelToDomain(m *PaymentAttemptModel) *domain.PaymentAttempt {
	if m == nil {
		return nil
	}

	return &domain.PaymentAttempt{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		Amount:              m.Amount,
		PhoneNumber:         m.PhoneNumber,
		ExternalReferenceID: m.ExternalReferenceID,
		MerchantRequestID:   m.MerchantRequestID,
		Status:              m.Status,
		ResultCode:          m.ResultCode,
		ResultDescription:   m.ResultDescription,
		ReceiptNumber:       m.ReceiptNumber,
		InitiatedBy:         m.InitiatedBy,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		CompletedAt:         m.CompletedAt,
	}
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:            n.ID,
		CorrelationID: n.CorrelationID,
		TargetUserID:  n.TargetUserID,
		Channel:       n.Channel,
		Status:        n.Status,
		RetryCount:    n.RetryCount,
		MaxRetries:    n.MaxRetries,
		Payload:       datatypes.NewJSONType(n.Payload),
		LastError:     n.LastError,
		NextRetryAt:   n.NextRetryAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		TargetUserID:  m.TargetUserID,
		Channel:       m.Channel,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		Payload:       m.Payload.Data(),
		LastError:     m.LastError,
		NextRetryAt:   m.NextRetryAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Channel:        a.Channel,
		Success:        a.Success,
		StatusCode:     a.StatusCode,
		ResponseBody:   a.ResponseBody,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Channel:        m.Channel,
		Success:        m.Success,
		StatusCode:     m.StatusCode,
		ResponseBody:   m.ResponseBody,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

func auditModelFromDomain(e *domain.AuditEntry) *AuditLogModel {
	if e == nil {
		return nil
	}

	return &AuditLogModel{
		ID:           e.ID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Metadata:     datatypes.JSONMap(e.Metadata),
		CreatedAt:    e.CreatedAt,
	}
}

func auditModelToDomain(m *AuditLogModel) *domain.AuditEntry {
	if m == nil {
		return nil
	}

	return &domain.AuditEntry{
		ID:           m.ID,
		ActorID:      m.ActorID,
		Action:       m.Action,
		ResourceType: m.ResourceType,
		ResourceID:   m.ResourceID,
		Metadata:     map[string]any(m.Metadata),
		CreatedAt:    m.CreatedAt,
	}
}
