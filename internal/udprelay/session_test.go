package udprelay

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
)

func mustUDPAddr(t *testing.T, port uint16) protocol.Address {
	t.Helper()
	addr, err := protocol.NewIPv4Address(net.IPv4(127, 0, 0, 1), port)
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	return addr
}

func TestSessionAppendFragmentSingleShot(t *testing.T) {
	s := newSession(1)
	addr := mustUDPAddr(t, 9000)

	payload, complete, err := s.appendFragment(addr, 5, []byte("hello"), 0)
	if err != nil {
		t.Fatalf("appendFragment: %v", err)
	}
	if !complete {
		t.Fatal("expected fragment covering the full length to complete")
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}
}

func TestSessionAppendFragmentMultiPart(t *testing.T) {
	s := newSession(1)
	addr := mustUDPAddr(t, 9000)

	if _, complete, err := s.appendFragment(addr, 10, []byte("hell"), 0); err != nil || complete {
		t.Fatalf("first fragment: complete=%v err=%v", complete, err)
	}
	if _, complete, err := s.appendFragment(addr, 10, []byte("o wo"), 0); err != nil || complete {
		t.Fatalf("second fragment: complete=%v err=%v", complete, err)
	}
	payload, complete, err := s.appendFragment(addr, 10, []byte("rl"), 0)
	if err != nil {
		t.Fatalf("third fragment: %v", err)
	}
	if !complete {
		t.Fatal("expected reassembly to complete on the final fragment")
	}
	if string(payload) != "hello worl" {
		t.Fatalf("payload = %q, want %q", payload, "hello worl")
	}
}

func TestSessionAppendFragmentOverflow(t *testing.T) {
	s := newSession(1)
	addr := mustUDPAddr(t, 9000)

	if _, _, err := s.appendFragment(addr, 4, []byte("toolong"), 0); !errors.Is(err, errFragmentOverflow) {
		t.Fatalf("err = %v, want errFragmentOverflow", err)
	}
}

func TestSessionAppendFragmentReassemblyOverflow(t *testing.T) {
	s := newSession(1)
	addr := mustUDPAddr(t, 9000)

	if _, _, err := s.appendFragment(addr, 100, make([]byte, 50), 10); !errors.Is(err, errReassemblyOverflow) {
		t.Fatalf("err = %v, want errReassemblyOverflow", err)
	}
}

func TestSessionIsExpired(t *testing.T) {
	s := newSession(1)
	s.lastActivity = time.Now().Add(-time.Hour)

	if !s.IsExpired(time.Minute) {
		t.Fatal("expected session idle for an hour to be expired at a 1m timeout")
	}
	if s.IsExpired(0) {
		t.Fatal("a zero timeout should disable expiry")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := newSession(1)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !s.isClosed() {
		t.Fatal("expected session to be closed")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("expected context to be cancelled after Close")
	}
}
