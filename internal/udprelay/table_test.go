package udprelay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
)

type recordedPacket struct {
	assocID  uint32
	addr     protocol.Address
	payload  []byte
	reliable bool
}

type fakeSender struct {
	mu      sync.Mutex
	packets []recordedPacket
	done    chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{done: make(chan struct{}, 8)}
}

func (f *fakeSender) SendPacket(assocID uint32, addr protocol.Address, total uint16, fragment []byte, reliable bool) error {
	f.mu.Lock()
	cp := append([]byte(nil), fragment...)
	f.packets = append(f.packets, recordedPacket{assocID, addr, cp, reliable})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSender) wait(t *testing.T) recordedPacket {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SendPacket")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets[len(f.packets)-1]
}

// startEchoServer returns the address of a UDP server that echoes back
// anything it receives, and a stop func.
func startEchoServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestTableHandlePacketRoundTrip(t *testing.T) {
	echoAddr := startEchoServer(t)
	sender := newFakeSender()

	table := NewTable(Config{MaxUDPPacketSize: 1500}, sender, nil, nil)
	defer table.Close()

	dest, err := protocol.NewIPv4Address(echoAddr.IP.To4(), uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}

	msg := []byte("ping")
	if err := table.HandlePacket(1, dest, uint16(len(msg)), msg, true); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	got := sender.wait(t)
	if got.assocID != 1 {
		t.Fatalf("assocID = %d, want 1", got.assocID)
	}
	if string(got.payload) != "ping" {
		t.Fatalf("payload = %q, want ping", got.payload)
	}
	if !got.reliable {
		t.Fatal("expected reply to echo the reliable mode used on send")
	}
}

func TestTableHandlePacketFragmented(t *testing.T) {
	echoAddr := startEchoServer(t)
	sender := newFakeSender()

	table := NewTable(Config{MaxUDPPacketSize: 1500}, sender, nil, nil)
	defer table.Close()

	dest, err := protocol.NewIPv4Address(echoAddr.IP.To4(), uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}

	full := "hello world"
	if err := table.HandlePacket(7, dest, uint16(len(full)), []byte(full[:4]), false); err != nil {
		t.Fatalf("fragment 1: %v", err)
	}
	if err := table.HandlePacket(7, dest, uint16(len(full)), []byte(full[4:8]), false); err != nil {
		t.Fatalf("fragment 2: %v", err)
	}
	if err := table.HandlePacket(7, dest, uint16(len(full)), []byte(full[8:]), false); err != nil {
		t.Fatalf("fragment 3: %v", err)
	}

	got := sender.wait(t)
	if string(got.payload) != full {
		t.Fatalf("payload = %q, want %q", got.payload, full)
	}
	if got.reliable {
		t.Fatal("expected reply to echo the unreliable mode used on send")
	}
}

func TestTableDissociateClosesSession(t *testing.T) {
	echoAddr := startEchoServer(t)
	sender := newFakeSender()

	table := NewTable(Config{MaxUDPPacketSize: 1500}, sender, nil, nil)
	defer table.Close()

	dest, err := protocol.NewIPv4Address(echoAddr.IP.To4(), uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	if err := table.HandlePacket(3, dest, 2, []byte("hi"), true); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	sender.wait(t)

	table.mu.Lock()
	s, ok := table.sessions[3]
	table.mu.Unlock()
	if !ok {
		t.Fatal("expected session 3 to exist before Dissociate")
	}

	table.Dissociate(3)

	table.mu.Lock()
	_, stillThere := table.sessions[3]
	table.mu.Unlock()
	if stillThere {
		t.Fatal("expected session to be removed after Dissociate")
	}
	if !s.isClosed() {
		t.Fatal("expected session to be closed after Dissociate")
	}
}

func TestTableMaxAssociations(t *testing.T) {
	echoAddr := startEchoServer(t)
	sender := newFakeSender()

	table := NewTable(Config{MaxUDPPacketSize: 1500, MaxAssociations: 1}, sender, nil, nil)
	defer table.Close()

	dest, err := protocol.NewIPv4Address(echoAddr.IP.To4(), uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}

	if err := table.HandlePacket(1, dest, 1, []byte("a"), true); err != nil {
		t.Fatalf("first association: %v", err)
	}
	sender.wait(t)

	if err := table.HandlePacket(2, dest, 1, []byte("b"), true); err != ErrTooManyAssociations {
		t.Fatalf("err = %v, want ErrTooManyAssociations", err)
	}
}
