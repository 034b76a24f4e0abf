package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/provider"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	defaultTimeout     = 30 * time.Second
	tokenRefreshMargin = time.Minute
	breakerName        = "mpesa-api"
)

// Daraja timestamps and passwords are computed in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	Environment    string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

func (c Config) baseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); u != "" {
		return u
	}
	if strings.EqualFold(c.Environment, "production") {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

// Client talks to the Daraja API. Every call goes through one circuit breaker
// so a failing provider is not hammered by initiations and status polls.
type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	return NewClientWithHTTP(cfg, resty.New(), logger)
}

func NewClientWithHTTP(cfg Config, httpClient *resty.Client, logger *zap.Logger) (*Client, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("mpesa consumer key and secret are required")
	}
	if cfg.ShortCode == "" || cfg.Passkey == "" {
		return nil, fmt.Errorf("mpesa short code and passkey are required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("mpesa callback url is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient.
		SetBaseURL(cfg.baseURL()).
		SetTimeout(timeout).
		SetRetryCount(0)

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
		now:    time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// BreakerState is the gobreaker state name, reported on /readyz.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	resp, err := c.execute(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
			SetQueryParam("grant_type", "client_credentials").
			Get("/oauth/v1/generate")
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", apiError(resp)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return "", &provider.ProviderError{Message: "decode token response", Cause: err}
	}
	if tr.AccessToken == "" {
		return "", &provider.ProviderError{Message: "token response has no access_token"}
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(strings.TrimSpace(tr.ExpiresIn)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenRefreshMargin)

	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// post sends an authorised JSON request. A 401 drops the cached token and is
// retried once with a fresh one.
func (c *Client) post(ctx context.Context, path string, body any) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("get access token: %w", err)
		}

		resp, err := c.execute(ctx, func() (*resty.Response, error) {
			return c.http.R().
				SetContext(ctx).
				SetAuthToken(token).
				SetHeader("Content-Type", "application/json").
				SetBody(body).
				Post(path)
		})
		if err != nil {
			return resp, err
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken()
			continue
		}
		return resp, nil
	}
}

// execute runs fn through the breaker. Transport failures and retryable HTTP
// statuses count against the breaker; business rejections do not.
func (c *Client) execute(ctx context.Context, fn func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := fn()
		if err != nil {
			return nil, provider.RequestError(err)
		}
		if provider.IsTransientHTTPStatus(resp.StatusCode()) && !isStillProcessing(resp) {
			return resp, apiError(resp)
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &provider.ProviderError{
			Message:   "mpesa circuit open",
			Transient: true,
			Cause:     err,
		}
	}
	if err != nil && ctx.Err() != nil {
		return nil, provider.RequestError(ctx.Err())
	}
	return resp, err
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func apiError(resp *resty.Response) *provider.ProviderError {
	pe := provider.StatusError(resp.StatusCode(), "")
	var er errorResponse
	if err := json.Unmarshal(resp.Body(), &er); err == nil && er.ErrorCode != "" {
		pe.Code = er.ErrorCode
		pe.Message = er.ErrorMessage
		return pe
	}
	if body := strings.TrimSpace(resp.String()); body != "" {
		pe.Message = body
	}
	return pe
}

func (c *Client) password(ts string) string {
	return encodePassword(c.cfg.ShortCode, c.cfg.Passkey, ts)
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format("20060102150405")
}
