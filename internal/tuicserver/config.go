package tuicserver

import (
	"log/slog"
	"time"

	"github.com/postalsys/qtun/internal/auth"
	"github.com/postalsys/qtun/internal/metrics"
	"github.com/postalsys/qtun/internal/ratelimit"
	"github.com/postalsys/qtun/internal/udprelay"
)

// Config tunes a Listener and every Conn it accepts.
type Config struct {
	// Authenticator verifies a client's Authenticate digest.
	Authenticator *auth.Authenticator

	// AuthTimeout bounds how long a connection may sit in AwaitingAuth
	// before it is closed with CodeAuthTimeout (spec.md §4.6).
	AuthTimeout time.Duration

	// ConnectTimeout bounds dialing the remote address of a Connect command.
	ConnectTimeout time.Duration

	// UDPRelay configures the per-connection UDP session table.
	UDPRelay udprelay.Config

	// Resolver resolves domain Addresses for the UDP relay's send path.
	// Nil falls back to net.LookupIP.
	Resolver udprelay.DNSResolver

	// ConnectRatePerSecond bounds how fast a single connection may open new
	// TCP relay streams. Non-positive disables the guard.
	ConnectRatePerSecond float64
	ConnectRateBurst     int

	// MaxDatagramFragment is carried with the config but not read by Conn:
	// the UDP replies the server sends are split by UDPRelay.MaxUDPPacketSize.
	MaxDatagramFragment int

	// HeartbeatInterval, when positive, makes the server also send
	// Heartbeat commands to the client on the control stream. Zero disables
	// server-initiated heartbeats; the client's own heartbeats still keep
	// the connection's idle timer alive.
	HeartbeatInterval time.Duration

	// Metrics records connection, stream, and UDP counters. Nil disables
	// recording.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults. Authenticator must still be set.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:         3 * time.Second,
		ConnectTimeout:      10 * time.Second,
		UDPRelay:            udprelay.DefaultConfig(),
		MaxDatagramFragment: 1200,
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
