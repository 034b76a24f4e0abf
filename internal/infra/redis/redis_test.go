package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := NewRedis("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	opts := client.Options()
	if opts.ReadTimeout != ioTimeout || opts.DialTimeout != dialTimeout || opts.MinIdleConns != minIdleConns {
		t.Fatalf("defaults not applied: %+v", opts)
	}
}

func TestNewRedisKeepsURLTimeouts(t *testing.T) {
	t.Parallel()

	opts, err := redis.ParseURL("redis://localhost:6379/0?read_timeout=5s")
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	applyDefaults(opts)

	if opts.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout = %v, want 5s from the url", opts.ReadTimeout)
	}
	if opts.WriteTimeout != ioTimeout {
		t.Fatalf("write timeout = %v, want default", opts.WriteTimeout)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRedis("://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}
