package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestHealthLivezAndReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		redisErr   error
		broker     BrokerHealth
		gateway    GatewayHealth
		wantStatus int
		wantChecks map[string]string
		wantBreak  string
	}{
		{
			name:       "all dependencies healthy",
			broker:     stubBroker(true),
			wantStatus: fiber.StatusOK,
			wantChecks: map[string]string{"postgres": "ok", "redis": "ok", "rabbitmq": "ok"},
		},
		{
			name:       "broker not registered",
			wantStatus: fiber.StatusOK,
			wantChecks: map[string]string{"postgres": "ok", "redis": "ok"},
		},
		{
			name:       "postgres and redis down",
			pingErr:    errors.New("postgres down"),
			redisErr:   errors.New("redis down"),
			broker:     stubBroker(true),
			wantStatus: fiber.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "down", "redis": "down", "rabbitmq": "ok"},
		},
		{
			name:       "open gateway breaker is reported without failing readiness",
			broker:     stubBroker(true),
			gateway:    stubGateway("open"),
			wantStatus: fiber.StatusOK,
			wantChecks: map[string]string{"postgres": "ok", "redis": "ok", "rabbitmq": "ok"},
			wantBreak:  "open",
		},
		{
			name:       "broker disconnected",
			broker:     stubBroker(false),
			wantStatus: fiber.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "ok", "redis": "ok", "rabbitmq": "down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sqlDB := sql.OpenDB(stubConnector{pingErr: tt.pingErr})
			t.Cleanup(func() { _ = sqlDB.Close() })
			rdb := newStubRedisClient(tt.redisErr)
			t.Cleanup(func() { _ = rdb.Close() })

			srv := newTestServer(t)
			RegisterHealthRoutes(srv.app, sqlDB, rdb, tt.broker, tt.gateway)

			resp, _ := performRequest(t, srv.app, http.MethodGet, "/livez", "", nil)
			if resp.StatusCode != fiber.StatusOK {
				t.Fatalf("livez status = %d, want 200", resp.StatusCode)
			}

			resp, body := performRequest(t, srv.app, http.MethodGet, "/readyz", "", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("readyz status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}

			decoded := decodeMap(t, body)
			gateway, _ := decoded["gateway"].(map[string]any)
			if tt.wantBreak == "" && gateway != nil {
				t.Fatalf("gateway = %v, want absent", gateway)
			}
			if tt.wantBreak != "" && gateway["mpesaBreaker"] != tt.wantBreak {
				t.Fatalf("gateway = %v, want mpesaBreaker=%s", gateway, tt.wantBreak)
			}

			checks, _ := decoded["checks"].(map[string]any)
			if len(checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", checks, tt.wantChecks)
			}
			for k, want := range tt.wantChecks {
				if checks[k] != want {
					t.Fatalf("check %s = %v, want %s", k, checks[k], want)
				}
			}
		})
	}
}

type stubGateway string

func (g stubGateway) BreakerState() string { return string(g) }
