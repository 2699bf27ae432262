package resolver

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestResolveLiteralIP(t *testing.T) {
	r := New(DefaultConfig())
	ip, err := r.Resolve(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("ip = %v, want 127.0.0.1", ip)
	}
	if r.CacheSize() != 0 {
		t.Fatal("a literal IP should not populate the cache")
	}
}

func TestResolveCachesResult(t *testing.T) {
	r := New(Config{Timeout: time.Second, CacheTTL: time.Minute})
	r.setCache("example.test", net.IPv4(10, 0, 0, 1))

	ip, err := r.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ip.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("ip = %v, want cached 10.0.0.1", ip)
	}
}

func TestCachedEntryExpires(t *testing.T) {
	r := New(Config{Timeout: time.Second, CacheTTL: time.Minute})
	r.mu.Lock()
	r.cache["stale.test"] = cacheEntry{ip: net.IPv4(10, 0, 0, 2), expiresAt: time.Now().Add(-time.Second)}
	r.mu.Unlock()

	if ip := r.cached("stale.test"); ip != nil {
		t.Fatalf("expected expired entry to be evicted, got %v", ip)
	}
	if r.CacheSize() != 0 {
		t.Fatal("expired entry should have been deleted by cached()")
	}
}
