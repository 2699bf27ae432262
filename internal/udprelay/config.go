package udprelay

import (
	"time"

	"github.com/postalsys/qtun/internal/metrics"
)

// Config tunes a Table's resource limits.
type Config struct {
	// Metrics records session and reassembly counters. Nil disables recording.
	Metrics *metrics.Metrics

	// EnableIPv6 selects the address family of the outbound sockets a
	// session binds for dialing remote UDP destinations.
	EnableIPv6 bool

	// MaxUDPPacketSize bounds the fragment payload: larger logical messages
	// are split into multiple Packet commands (spec.md §4.5, Open Question
	// in §9 — this threshold applies identically to the reliable-stream and
	// datagram paths).
	MaxUDPPacketSize int

	// MaxAssociations caps concurrent sessions per connection. Zero means
	// unlimited.
	MaxAssociations int

	// MaxReassemblyBuffer caps the bytes buffered per (assoc_id, addr)
	// reassembly slot before the oldest partial buffer is dropped
	// (spec.md §5, backpressure).
	MaxReassemblyBuffer int

	// IdleTimeout closes a session with no activity for this long. Zero
	// disables the idle sweep.
	IdleTimeout time.Duration
}

// DefaultConfig returns sensible defaults matching the values in spec.md §6.
func DefaultConfig() Config {
	return Config{
		EnableIPv6:          false,
		MaxUDPPacketSize:    1500,
		MaxAssociations:     0,
		MaxReassemblyBuffer: 64 * 1024,
		IdleTimeout:         2 * time.Minute,
	}
}
