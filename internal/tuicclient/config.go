package tuicclient

import (
	"log/slog"
	"time"

	"github.com/postalsys/qtun/internal/metrics"
)

// Config tunes a Client.
type Config struct {
	// Token is the pre-shared secret; only its SHA-256 digest is sent.
	Token string

	// AuthTimeout bounds how long the initial Authenticate exchange may take.
	AuthTimeout time.Duration

	// MaxDatagramFragment bounds the fragment payload placed in a single
	// QUIC datagram alongside its UDPHeader.
	MaxDatagramFragment int

	// HeartbeatInterval, when positive, makes Dial spawn a background
	// goroutine that sends Heartbeat on the control stream on this period
	// for the lifetime of the Client.
	HeartbeatInterval time.Duration

	// Metrics records connect, stream, and heartbeat counters. Nil disables
	// recording.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults. Token must still be set.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:         3 * time.Second,
		MaxDatagramFragment: 1200,
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
