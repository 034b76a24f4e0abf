package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kursadbilgin/rentpay/internal/domain"
)

const principalLocalsKey = "principal"

// Claims is the bearer token payload issued by the identity service.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// Parse validates a token and resolves the principal it names.
func (a *Authenticator) Parse(token string) (domain.Principal, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)

	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Principal{}, fmt.Errorf("%w: invalid bearer token", domain.ErrUnauthenticated)
	}

	principal := domain.Principal{
		ID:       strings.TrimSpace(claims.Subject),
		TenantID: strings.TrimSpace(claims.TenantID),
		Role:     strings.ToLower(strings.TrimSpace(claims.Role)),
	}
	if principal.ID == "" || principal.Role == "" {
		return domain.Principal{}, fmt.Errorf("%w: token is missing subject or role", domain.ErrUnauthenticated)
	}
	if principal.Role == domain.RoleTenant && principal.TenantID == "" {
		principal.TenantID = principal.ID
	}

	return principal, nil
}

// Issue signs a token for principal. Used by tests and local tooling.
func (a *Authenticator) Issue(principal domain.Principal, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		TenantID: principal.TenantID,
		Role:     principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request locals.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated)
		}

		principal, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			return err
		}

		c.Locals(principalLocalsKey, principal)
		return c.Next()
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, err := PrincipalFrom(c)
		if err != nil {
			return err
		}
		if !principal.IsAdmin() {
			return &domain.AuthorizationError{PrincipalID: principal.ID, Action: c.Method() + " " + c.Path()}
		}
		return c.Next()
	}
}

func PrincipalFrom(c *fiber.Ctx) (domain.Principal, error) {
	principal, ok := c.Locals(principalLocalsKey).(domain.Principal)
	if !ok {
		return domain.Principal{}, errors.New("principal missing from request context")
	}
	return principal, nil
}

// WithPrincipal stores principal on the request. Handlers under test use it
// in place of Middleware.
func WithPrincipal(c *fiber.Ctx, principal domain.Principal) {
	c.Locals(principalLocalsKey, principal)
}
