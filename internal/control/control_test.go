package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockStatus implements ServerStatus for testing.
type mockStatus struct {
	version     string
	connections int
	udpSessions int
	uptime      time.Duration
}

func (m *mockStatus) Version() string        { return m.version }
func (m *mockStatus) ActiveConnections() int { return m.connections }
func (m *mockStatus) ActiveUDPSessions() int { return m.udpSessions }
func (m *mockStatus) Uptime() time.Duration  { return m.uptime }

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	status := &mockStatus{version: "test"}

	s := NewServer(cfg, status)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "control.sock")

	cfg := ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	status := &mockStatus{version: "test", connections: 0}
	s := NewServer(cfg, status)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Error("socket file does not exist")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "control.sock")

	cfg := ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	status := &mockStatus{
		version:     "0.1.0",
		connections: 3,
		udpSessions: 2,
		uptime:      90 * time.Second,
	}

	s := NewServer(cfg, status)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer s.Stop()

	client := NewClient(socketPath)
	defer client.Close()

	ctx := context.Background()

	got, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if got.Version != "0.1.0" {
		t.Errorf("expected version 0.1.0, got %s", got.Version)
	}
	if got.ActiveConnections != 3 {
		t.Errorf("expected active_connections 3, got %d", got.ActiveConnections)
	}
	if got.ActiveUDPSessions != 2 {
		t.Errorf("expected active_udp_sessions 2, got %d", got.ActiveUDPSessions)
	}
	if got.UptimeSeconds != 90 {
		t.Errorf("expected uptime_seconds 90, got %d", got.UptimeSeconds)
	}
}
