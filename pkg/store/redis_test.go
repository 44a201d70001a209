package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisUnconfigured(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Fatal("no REDIS_ADDR should yield nil client")
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")
	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set through client: %v", err)
	}
}

func TestNewRedisInvalidDB(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "not-a-number")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected error for invalid REDIS_DB")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_DB", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")
	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestRedisTLSConfigServerName(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "")
	cfg, err := redisTLSConfig("cache.internal:6380")
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if cfg.ServerName != "cache.internal" {
		t.Fatalf("server name = %q", cfg.ServerName)
	}
}

func TestRedisTLSConfigBadCAFile(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/nonexistent/ca.pem")
	if _, err := redisTLSConfig("cache:6380"); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
