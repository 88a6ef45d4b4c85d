package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenRevokerExpires(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTokenRevoker()
	if err := r.Revoke(ctx, "jti-1", 20*time.Millisecond); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); !revoked {
		t.Fatalf("expected jti-1 revoked")
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-2"); revoked {
		t.Fatalf("jti-2 should not be revoked")
	}
	time.Sleep(40 * time.Millisecond)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("revocation should lapse with the token")
	}
	if err := r.Revoke(ctx, " ", time.Minute); err == nil {
		t.Fatalf("expected error for empty token id")
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r, err := NewRedisTokenRevoker(client)
	if err != nil {
		t.Fatalf("NewRedisTokenRevoker() error: %v", err)
	}
	if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("IsRevoked() = %v, %v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("revocation should expire in redis")
	}
	if _, err := NewRedisTokenRevoker(nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
