package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every log line and metric namespace.
const ServiceName = "rentpay"

// NewLogger builds the JSON production logger. Stack traces are attached to
// error-level entries only when level is debug.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		name = "info"
	}
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.DisableStacktrace = lvl != zapcore.DebugLevel
	cfg.InitialFields = map[string]any{"service": ServiceName}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// MaskedPhone logs a phone number with all but the last three digits hidden.
func MaskedPhone(key, phone string) zap.Field {
	return zap.String(key, maskPhone(phone))
}

func maskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	const visible = 3
	if len(phone) <= visible {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-visible) + phone[len(phone)-visible:]
}
