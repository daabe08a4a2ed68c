package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedisSessionCacheSlidesTTLOnRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	cache, err := NewRedisSessionCache(rdb, 30*time.Minute)
	if err != nil {
		t.Fatalf("NewRedisSessionCache() error = %v", err)
	}
	const key = "conv:s-1:session"

	if err := cache.Put(ctx, &Session{SessionID: "s-1", UserID: "4165"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ttl := mr.TTL(key); ttl != 30*time.Minute {
		t.Fatalf("TTL after Put = %s, want 30m", ttl)
	}

	mr.FastForward(20 * time.Minute)
	sess, err := cache.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.UserID != "4165" {
		t.Fatalf("session = %+v", sess)
	}
	if ttl := mr.TTL(key); ttl != 30*time.Minute {
		t.Fatalf("TTL after Get = %s, want reset to 30m", ttl)
	}

	mr.FastForward(20 * time.Minute)
	if _, err := cache.Get(ctx, "s-1"); err != nil {
		t.Fatalf("Get() within slid window error = %v", err)
	}

	mr.FastForward(31 * time.Minute)
	if _, err := cache.Get(ctx, "s-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after idle ttl error = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisSessionCacheWithoutTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	cache, _ := NewRedisSessionCache(rdb, 0)

	if err := cache.Put(ctx, &Session{SessionID: "s-1", UserID: "4165"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := cache.Get(ctx, "s-1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ttl := mr.TTL("conv:s-1:session"); ttl != 0 {
		t.Fatalf("TTL = %s, want none", ttl)
	}

	if err := cache.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := cache.Get(ctx, "s-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after Delete error = %v, want ErrSessionNotFound", err)
	}
	if err := cache.Put(ctx, &Session{SessionID: "s-2"}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("Put() without user error = %v, want ErrInvalidUser", err)
	}
}

func TestRedisSessionCacheUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, rdb := newMiniredis(t)
	cache, _ := NewRedisSessionCache(rdb, time.Minute)
	mr.Close()

	if _, err := cache.Get(ctx, "s-1"); !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Get() error = %v, want ErrCacheUnavailable", err)
	}
	if err := cache.Put(ctx, &Session{SessionID: "s-1", UserID: "4165"}); !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("Put() error = %v, want ErrCacheUnavailable", err)
	}
}
