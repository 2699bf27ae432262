// Package quictransport wraps quic-go with the ALPN and connection tuning
// qtun needs: bidirectional streams for TCP relays and the control channel,
// unidirectional streams for reliable UDP fragments, and datagrams for
// unreliable UDP fragments.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the protocol identifier negotiated during the TLS handshake.
const ALPN = "qtun/05"

// Default connection tuning values, applied when a caller leaves the
// corresponding Config field at its zero value.
const (
	DefaultMaxIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod    = 15 * time.Second
	DefaultMaxIncomingStreams = 4096
)

// Config tunes a dialed or listened QUIC connection.
type Config struct {
	// TLSConfig is required. ALPN is forced to ALPN if unset.
	TLSConfig *tls.Config

	// MaxIdleTimeout closes a connection after this much inactivity.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod sends QUIC PING frames to keep NATs open.
	KeepAlivePeriod time.Duration

	// MaxIncomingStreams bounds concurrent bidirectional streams a peer may
	// open; the same limit applies to unidirectional streams.
	MaxIncomingStreams int64
}

func (c Config) quicConfig() *quic.Config {
	idle := c.MaxIdleTimeout
	if idle <= 0 {
		idle = DefaultMaxIdleTimeout
	}
	keepAlive := c.KeepAlivePeriod
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlivePeriod
	}
	maxStreams := c.MaxIncomingStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}

	return &quic.Config{
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: maxStreams,
		EnableDatagrams:       true,
	}
}

func tlsWithALPN(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	return cfg
}

// Dial establishes a QUIC connection to addr.
func Dial(ctx context.Context, addr string, cfg Config) (quic.Connection, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("quictransport: TLS config required")
	}

	conn, err := quic.DialAddr(ctx, addr, tlsWithALPN(cfg.TLSConfig), cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listen creates a QUIC listener bound to addr.
func Listen(addr string, cfg Config) (*quic.Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("quictransport: TLS config required")
	}

	ln, err := quic.ListenAddr(addr, tlsWithALPN(cfg.TLSConfig), cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return ln, nil
}
