package domain

import "strings"

const (
	RoleTenant = "tenant"
	RoleAdmin  = "admin"
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	ID       string
	TenantID string
	Role     string
}

func (p Principal) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(p.Role), RoleAdmin)
}
