package integration

import (
	"net"
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
	"github.com/postalsys/qtun/internal/tuicclient"
	"github.com/postalsys/qtun/internal/tuicserver"
)

// newEchoUDP starts a UDP socket that replies "world!" to any datagram it
// receives, standing in for the "8.8.8.8:53" target in the roundtrip
// scenario.
func newEchoUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_ = n
			conn.WriteToUDP([]byte("world!"), from)
		}
	}()
	return conn
}

func udpAddress(t *testing.T, conn *net.UDPConn) protocol.Address {
	t.Helper()
	udpAddr := conn.LocalAddr().(*net.UDPAddr)
	addr, err := protocol.NewIPv4Address(udpAddr.IP.To4(), uint16(udpAddr.Port))
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return addr
}

func TestUDPRoundtripViaDatagramMode(t *testing.T) {
	p := newPair(t, testToken, nil)
	defer p.Close()

	echo := newEchoUDP(t)
	defer echo.Close()
	addr := udpAddress(t, echo)

	assoc := p.client.Associate()
	if err := p.client.SendPacket(assoc, addr, []byte("hello"), false); err != nil {
		t.Fatalf("send packet: %v", err)
	}

	select {
	case pkt := <-assoc.Packets:
		if string(pkt.Payload) != "world!" {
			t.Fatalf("payload = %q, want world!", pkt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for udp reply")
	}
}

func TestUDPFragmentationReassemblesExactly(t *testing.T) {
	p := newPairWithClient(t, testToken, func(cfg *tuicserver.Config) {
		cfg.UDPRelay = defaultUDPConfig()
		cfg.UDPRelay.MaxUDPPacketSize = 4
	}, func(cfg *tuicclient.Config) {
		cfg.MaxDatagramFragment = 4
	})
	defer p.Close()

	echo := newEchoUDP(t)
	defer echo.Close()
	addr := udpAddress(t, echo)

	assoc := p.client.Associate()
	payload := []byte("0123456789")
	if err := p.client.SendPacket(assoc, addr, payload, false); err != nil {
		t.Fatalf("send packet: %v", err)
	}

	// The echo target always answers "world!" (6 bytes, over the 4-byte
	// server fragment cap) so the server must itself split the reply into
	// two datagrams before the client can reassemble it.
	select {
	case pkt := <-assoc.Packets:
		if string(pkt.Payload) != "world!" {
			t.Fatalf("payload = %q, want world! reassembled from fragments", pkt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fragmented udp reply")
	}
}

func TestDissociateEndsSessionAndNextPacketStartsFresh(t *testing.T) {
	p := newPair(t, testToken, nil)
	defer p.Close()

	echo := newEchoUDP(t)
	defer echo.Close()
	addr := udpAddress(t, echo)

	assoc := p.client.Associate()
	if err := p.client.SendPacket(assoc, addr, []byte("hello"), false); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	select {
	case <-assoc.Packets:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first reply")
	}

	waitFor(t, time.Second, func() bool { return p.listener.ActiveUDPSessions() == 1 })

	if err := p.client.Dissociate(assoc); err != nil {
		t.Fatalf("dissociate: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.listener.ActiveUDPSessions() == 0 })

	second := p.client.Associate()
	if err := p.client.SendPacket(second, addr, []byte("again"), false); err != nil {
		t.Fatalf("send packet after dissociate: %v", err)
	}
	select {
	case pkt := <-second.Packets:
		if string(pkt.Payload) != "world!" {
			t.Fatalf("payload = %q, want world!", pkt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply on fresh session")
	}
	waitFor(t, time.Second, func() bool { return p.listener.ActiveUDPSessions() == 1 })
}
