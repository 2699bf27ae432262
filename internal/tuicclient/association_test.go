package tuicclient

import (
	"net"
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
)

func mustAddr(t *testing.T) protocol.Address {
	t.Helper()
	addr, err := protocol.NewIPv4Address(net.IPv4(8, 8, 8, 8), 53)
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	return addr
}

func TestAssociationDeliverSingleFragment(t *testing.T) {
	a := newAssociation(1)
	addr := mustAddr(t)

	a.deliver(addr, 5, []byte("hello"))

	select {
	case pkt := <-a.Packets:
		if string(pkt.Payload) != "hello" {
			t.Fatalf("payload = %q, want hello", pkt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a reassembled packet")
	}
}

func TestAssociationDeliverMultiFragment(t *testing.T) {
	a := newAssociation(1)
	addr := mustAddr(t)

	a.deliver(addr, 10, []byte("hell"))
	a.deliver(addr, 10, []byte("o wo"))
	a.deliver(addr, 10, []byte("rl"))

	select {
	case pkt := <-a.Packets:
		if string(pkt.Payload) != "hello worl" {
			t.Fatalf("payload = %q, want %q", pkt.Payload, "hello worl")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a reassembled packet")
	}
}

func TestAssociationDeliverAfterCloseDoesNotPanic(t *testing.T) {
	a := newAssociation(1)
	addr := mustAddr(t)

	a.close()

	// Must not panic with a send on a closed channel, and must not block.
	a.deliver(addr, 5, []byte("hello"))
}

func TestAssociationCloseIsIdempotent(t *testing.T) {
	a := newAssociation(1)

	a.close()
	a.close()
}
