package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheGetSetDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, err := c.Get(ctx, "constraints:role:admin"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := c.Set(ctx, "constraints:role:admin", `["c1"]`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "constraints:role:admin")
	if err != nil || got != `["c1"]` {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Del(ctx, "constraints:role:admin"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "constraints:role:admin"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
	if err := c.Set(ctx, "fresh", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, stale := c.items["k"]; stale {
		t.Fatal("expired entry must be swept on the next Set")
	}
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	cache := NewCache(ctx, client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", cache)
	}
	if err := cache.Set(ctx, "constraints:user:u1", `["c2"]`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := cache.Get(ctx, "constraints:user:u1")
	if err != nil || got != `["c2"]` {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := cache.Del(ctx, "constraints:user:u1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := cache.Get(ctx, "constraints:user:u1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client must fall back to memory")
	}

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}
}
