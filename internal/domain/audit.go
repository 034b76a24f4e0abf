package domain

import "time"

const (
	AuditActionAdminInitiatedPayment = "payment.admin_initiated"
	AuditActionAdminCheckedStatus    = "payment.admin_status_checked"

	AuditResourcePayment = "payment_attempt"
)

// AuditEntry records an action taken by an elevated principal.
type AuditEntry struct {
	ID           string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]any
	CreatedAt    time.Time
}
