package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	MpesaEnvironment    string `env:"MPESA_ENVIRONMENT,default=sandbox"`
	MpesaBaseURL        string `env:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `env:"MPESA_CONSUMER_KEY,required=true"`
	MpesaConsumerSecret string `env:"MPESA_CONSUMER_SECRET,required=true"`
	MpesaShortCode      string `env:"MPESA_SHORT_CODE,required=true"`
	MpesaPasskey        string `env:"MPESA_PASSKEY,required=true"`
	MpesaCallbackURL    string `env:"MPESA_CALLBACK_URL,required=true"`
	CallbackSecret      string `env:"CALLBACK_SECRET,required=true"`

	PaymentPendingTimeoutSec int `env:"PAYMENT_PENDING_TIMEOUT_SEC,default=60"`
	ReconcileIntervalSec     int `env:"RECONCILE_INTERVAL_SEC,default=30"`

	NotifyMaxRetries      int    `env:"NOTIFY_MAX_RETRIES,default=3"`
	RetryScanIntervalSec  int    `env:"RETRY_SCAN_INTERVAL_SEC,default=5"`
	RateLimitPerSec       int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency     int    `env:"WORKER_CONCURRENCY,default=8"`
	DirectoryCacheTTLSec  int    `env:"DIRECTORY_CACHE_TTL_SEC,default=300"`
	IdentityServiceURL    string `env:"IDENTITY_SERVICE_URL,required=true"`
	IdentityServiceAPIKey string `env:"IDENTITY_SERVICE_API_KEY"`

	SMSAPIURL      string `env:"SMS_API_URL,required=true"`
	SMSAPIKey      string `env:"SMS_API_KEY"`
	SMSSenderID    string `env:"SMS_SENDER_ID,default=RENTPAY"`
	WhatsAppAPIURL string `env:"WHATSAPP_API_URL"`
	WhatsAppToken  string `env:"WHATSAPP_TOKEN"`
	SMTPHost       string `env:"SMTP_HOST"`
	SMTPPort       int    `env:"SMTP_PORT,default=587"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPFrom       string `env:"SMTP_FROM"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects combinations go-env cannot express with tags.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.MpesaEnvironment)) {
	case "sandbox", "production":
	default:
		return fmt.Errorf("MPESA_ENVIRONMENT must be sandbox or production, got %q", c.MpesaEnvironment)
	}
	if len(c.CallbackSecret) < 16 {
		return fmt.Errorf("CALLBACK_SECRET must be at least 16 characters")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.NotifyMaxRetries < 1 {
		return fmt.Errorf("NOTIFY_MAX_RETRIES must be >= 1")
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	return nil
}

func (c *Config) PaymentPendingTimeout() time.Duration {
	return time.Duration(c.PaymentPendingTimeoutSec) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c *Config) RetryScanInterval() time.Duration {
	return time.Duration(c.RetryScanIntervalSec) * time.Second
}

func (c *Config) DirectoryCacheTTL() time.Duration {
	return time.Duration(c.DirectoryCacheTTLSec) * time.Second
}

func (c *Config) EmailEnabled() bool {
	return strings.TrimSpace(c.SMTPHost) != ""
}

func (c *Config) WhatsAppEnabled() bool {
	return strings.TrimSpace(c.WhatsAppAPIURL) != ""
}
