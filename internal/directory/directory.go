package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix    = "rentpay:directory:"
	defaultTimeout    = 5 * time.Second
	defaultCacheTTL   = 5 * time.Minute
	cacheWriteTimeout = time.Second
)

// Directory resolves user contact profiles from the identity service.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*domain.Recipient, error)
}

type recipientDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Phone            string `json:"phone"`
	Email            string `json:"email"`
	WhatsApp         string `json:"whatsapp"`
	PreferredChannel string `json:"preferredChannel"`
}

func (d recipientDTO) toDomain() *domain.Recipient {
	preferred := domain.Channel(strings.ToLower(strings.TrimSpace(d.PreferredChannel)))
	if !preferred.IsValid() {
		preferred = ""
	}
	return &domain.Recipient{
		UserID:           d.ID,
		Name:             d.Name,
		Phone:            d.Phone,
		Email:            d.Email,
		WhatsApp:         d.WhatsApp,
		PreferredChannel: preferred,
	}
}

func fromDomain(r *domain.Recipient) recipientDTO {
	return recipientDTO{
		ID:               r.UserID,
		Name:             r.Name,
		Phone:            r.Phone,
		Email:            r.Email,
		WhatsApp:         r.WhatsApp,
		PreferredChannel: r.PreferredChannel.String(),
	}
}

// Client calls GET {baseURL}/users/{id} on the identity service.
type Client struct {
	http    *resty.Client
	baseURL string
}

func NewClient(baseURL, apiKey string) (*Client, error) {
	return NewClientWithHTTP(baseURL, apiKey, resty.New())
}

func NewClientWithHTTP(baseURL, apiKey string, client *resty.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("directory: invalid base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	client.SetTimeout(defaultTimeout).SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	return &Client{http: client, baseURL: trimmed}, nil
}

func (c *Client) Lookup(ctx context.Context, userID string) (*domain.Recipient, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	var dto recipientDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", userID).
		SetResult(&dto).
		Get(c.baseURL + "/users/{id}")
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s: %w", userID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("directory user %s: %w", userID, domain.ErrNotFound)
	case resp.IsError():
		return nil, fmt.Errorf("directory lookup %s: unexpected status %d", userID, resp.StatusCode())
	}

	recipient := dto.toDomain()
	if recipient.UserID == "" {
		recipient.UserID = userID
	}
	return recipient, nil
}

// Cached fronts a Directory with a redis read-through cache. Cache failures
// degrade to a direct lookup.
type Cached struct {
	next   Directory
	client *goredis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(next Directory, client *goredis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *Cached) Lookup(ctx context.Context, userID string) (*domain.Recipient, error) {
	key := cacheKeyPrefix + strings.TrimSpace(userID)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var dto recipientDTO
		if jsonErr := json.Unmarshal(raw, &dto); jsonErr == nil {
			return dto.toDomain(), nil
		}
		c.logger.Warn("discarding corrupt directory cache entry", zap.String("userId", userID))
	case !errors.Is(err, goredis.Nil):
		c.logger.Warn("directory cache read failed", zap.String("userId", userID), zap.Error(err))
	}

	recipient, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(fromDomain(recipient)); err == nil {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		defer cancel()
		if err := c.client.Set(writeCtx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("directory cache write failed", zap.String("userId", userID), zap.Error(err))
		}
	}

	return recipient, nil
}
