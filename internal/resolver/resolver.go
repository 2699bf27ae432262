// Package resolver turns a qtun Address with a domain tag into an IP the
// server's UDP relay can dial, with a small TTL cache so repeated packets
// to the same domain don't re-resolve on every packet (spec.md §4.5:
// "an injected resolver capability").
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Config tunes a Resolver.
type Config struct {
	// Servers, if non-empty, are dialed directly instead of using the
	// system resolver. Each entry is a "host:port" UDP DNS server.
	Servers []string

	// Timeout bounds a single resolution.
	Timeout time.Duration

	// CacheTTL controls how long a resolved IP is reused.
	CacheTTL time.Duration
}

// DefaultConfig uses the system resolver, which also handles local domains
// (e.g. "printer.local") that public DNS servers can't.
func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
}

// Resolver resolves domain names to IP addresses for the UDP relay's send path.
type Resolver struct {
	cfg    Config
	dialer *net.Dialer

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ip        net.IP
	expiresAt time.Time
}

// New constructs a Resolver from cfg, filling in DefaultConfig's zero values.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Resolver{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns an IP for domain, preferring IPv4, consulting the cache
// first and populating it on a successful lookup.
func (r *Resolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return ip, nil
	}

	if ip := r.cached(domain); ip != nil {
		return ip, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	sysResolver := net.DefaultResolver
	if len(r.cfg.Servers) > 0 {
		sysResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var lastErr error
				for _, server := range r.cfg.Servers {
					conn, err := r.dialer.DialContext(ctx, "udp", server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	addrs, err := sysResolver.LookupIPAddr(resolveCtx, domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("resolver: no addresses found")
	}

	selected := addrs[0].IP
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			selected = v4
			break
		}
	}

	r.setCache(domain, selected)
	return selected, nil
}

func (r *Resolver) cached(domain string) net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[domain]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, domain)
		return nil
	}
	return entry.ip
}

func (r *Resolver) setCache(domain string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[domain] = cacheEntry{ip: ip, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
}

// CacheSize reports the number of cached entries, for metrics/tests.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
