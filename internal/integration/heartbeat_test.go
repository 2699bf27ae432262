package integration

import (
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/tuicclient"
)

// TestHeartbeatKeepsIdleConnectionAlive runs a client with a 30ms heartbeat
// interval, leaves the connection otherwise idle for 250ms (several
// intervals), and confirms the server still counts the connection and the
// control stream still accepts an explicit Heartbeat afterwards.
func TestHeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	p := newPairWithClient(t, testToken, nil, func(cfg *tuicclient.Config) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
	})
	defer p.Close()

	time.Sleep(250 * time.Millisecond)

	waitFor(t, time.Second, func() bool { return p.listener.ActiveConnections() == 1 })

	if err := p.client.Heartbeat(); err != nil {
		t.Fatalf("explicit heartbeat after idle period: %v", err)
	}
}
