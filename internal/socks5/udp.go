package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/protocol"
	"github.com/postalsys/qtun/internal/tuicclient"
)

var (
	// ErrFragmentedDatagram is returned when a fragmented UDP datagram is received.
	// Fragmentation is not supported (spec.md's SOCKS5 front-end only forwards
	// whole datagrams; the tunnel protocol does its own fragmentation).
	ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

	// ErrUDPDisabled is returned when UDP relay is disabled.
	ErrUDPDisabled = errors.New("UDP relay is disabled")
)

// UDPAssociationHandler drives UDP relay through the tunnel client. It is an
// interface so Handler can be tested without a live QUIC connection.
type UDPAssociationHandler interface {
	// Enabled reports whether the tunnel client is ready to relay UDP.
	Enabled() bool

	// Associate allocates a new tunnel-side association.
	Associate() *tuicclient.Association

	// SendPacket relays a reassembled payload to addr over the association.
	SendPacket(a *tuicclient.Association, addr protocol.Address, payload []byte, reliable bool) error

	// Dissociate releases a tunnel-side association.
	Dissociate(a *tuicclient.Association) error
}

// TunnelUDPHandler implements UDPAssociationHandler over a live tuicclient.Client.
type TunnelUDPHandler struct {
	Client *tuicclient.Client
}

// Enabled reports whether a tunnel client is attached.
func (h *TunnelUDPHandler) Enabled() bool { return h.Client != nil }

// Associate allocates a new client-chosen UDP association on the tunnel.
func (h *TunnelUDPHandler) Associate() *tuicclient.Association {
	return h.Client.Associate()
}

// SendPacket relays payload to addr over the tunnel association.
func (h *TunnelUDPHandler) SendPacket(a *tuicclient.Association, addr protocol.Address, payload []byte, reliable bool) error {
	return h.Client.SendPacket(a, addr, payload, reliable)
}

// Dissociate tears down the tunnel association.
func (h *TunnelUDPHandler) Dissociate(a *tuicclient.Association) error {
	return h.Client.Dissociate(a)
}

// UDPAssociation is one active SOCKS5 UDP ASSOCIATE session: a local relay
// socket that speaks RFC 1928's UDP datagram framing to the application, and
// a tunnel association that carries reassembled payloads to the remote
// server and back.
type UDPAssociation struct {
	UDPConn *net.UDPConn
	Tunnel  *tuicclient.Association
	Handler UDPAssociationHandler

	log *slog.Logger

	mu                 sync.RWMutex
	expectedClientAddr *net.UDPAddr
	actualClientAddr   *net.UDPAddr

	closed atomic.Bool
}

// NewUDPAssociation opens the local UDP relay socket bound to bindIP (the
// SOCKS5 TCP listener's address, per RFC 1928 §4's implication that the
// relay should be reachable on the same interface the client connected to).
func NewUDPAssociation(handler UDPAssociationHandler, bindIP net.IP, log *slog.Logger) (*UDPAssociation, error) {
	if log == nil {
		log = slog.Default()
	}
	ip := bindIP
	if ip == nil {
		ip = net.IPv4zero
	}
	// "udp4" avoids a dual-stack IPv6 socket reporting [::] as its local
	// address, which confuses SOCKS5 clients expecting an IPv4 reply.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("create UDP relay socket: %w", err)
	}
	return &UDPAssociation{
		UDPConn: udpConn,
		Handler: handler,
		log:     log,
	}, nil
}

// LocalAddr returns the local address of the UDP relay socket.
func (a *UDPAssociation) LocalAddr() *net.UDPAddr {
	return a.UDPConn.LocalAddr().(*net.UDPAddr)
}

// SetExpectedClientAddr sets the expected client address from UDP ASSOCIATE.
func (a *UDPAssociation) SetExpectedClientAddr(addr *net.UDPAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expectedClientAddr = addr
}

// Close terminates the association and releases resources.
func (a *UDPAssociation) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	err := a.UDPConn.Close()

	if a.Tunnel != nil && a.Handler != nil {
		if derr := a.Handler.Dissociate(a.Tunnel); derr != nil && err == nil {
			err = derr
		}
	}

	return err
}

// IsClosed returns true if the association is closed.
func (a *UDPAssociation) IsClosed() bool {
	return a.closed.Load()
}

// ReadLoop reads datagrams from the SOCKS5 client and forwards each
// reassembled payload through the tunnel. Runs until the socket closes.
func (a *UDPAssociation) ReadLoop() {
	buf := make([]byte, 65535)

	for {
		n, clientAddr, err := a.UDPConn.ReadFromUDP(buf)
		if err != nil {
			if a.IsClosed() {
				return
			}
			a.log.Debug("udp client read error", logging.KeyError, err)
			continue
		}

		a.mu.Lock()
		if a.actualClientAddr == nil {
			a.actualClientAddr = clientAddr
		}
		expected := a.expectedClientAddr
		a.mu.Unlock()

		if expected != nil && expected.IP != nil && !expected.IP.IsUnspecified() && !clientAddr.IP.Equal(expected.IP) {
			continue
		}

		header, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		addr, err := addressFromUDPHeader(header)
		if err != nil {
			continue
		}

		if err := a.Handler.SendPacket(a.Tunnel, addr, payload, false); err != nil {
			a.log.Debug("udp relay to tunnel failed", logging.KeyAddress, addr.String(), logging.KeyError, err)
		}
	}
}

// DispatchLoop drains reassembled replies delivered by the tunnel
// association and writes each back to the SOCKS5 client as an RFC 1928 UDP
// datagram. Returns once the association's Packets channel closes.
func (a *UDPAssociation) DispatchLoop() {
	for pkt := range a.Tunnel.Packets {
		addrType, addrBytes := socksAddrFromProtocol(pkt.Addr)
		if err := a.WriteToClient(addrType, addrBytes, pkt.Addr.Port, pkt.Payload); err != nil {
			a.log.Debug("udp write to client failed", logging.KeyError, err)
			return
		}
	}
}

// WriteToClient sends a datagram back to the SOCKS5 client, wrapped with the
// RFC 1928 UDP request header.
func (a *UDPAssociation) WriteToClient(addrType byte, addr []byte, port uint16, data []byte) error {
	if a.IsClosed() {
		return errors.New("association closed")
	}

	a.mu.RLock()
	clientAddr := a.actualClientAddr
	a.mu.RUnlock()

	if clientAddr == nil {
		return errors.New("no client address yet")
	}

	header := BuildUDPHeader(addrType, addr, port)
	packet := make([]byte, len(header)+len(data))
	copy(packet, header)
	copy(packet[len(header):], data)

	_, err := a.UDPConn.WriteToUDP(packet, clientAddr)
	return err
}

// addressFromUDPHeader converts a parsed RFC 1928 UDP header into the wire
// Address variant the tunnel protocol uses.
func addressFromUDPHeader(h *UDPHeader) (protocol.Address, error) {
	switch h.AddrType {
	case AddrTypeIPv4:
		return protocol.NewIPv4Address(h.Address, h.Port)
	case AddrTypeIPv6:
		return protocol.NewIPv6Address(h.Address, h.Port)
	case AddrTypeDomain:
		return protocol.NewDomainAddress(h.Domain, h.Port)
	default:
		return protocol.Address{}, fmt.Errorf("unsupported address type: %d", h.AddrType)
	}
}

// socksAddrFromProtocol converts a tunnel Address back into the RFC 1928
// address type byte and raw address bytes expected by BuildUDPHeader.
func socksAddrFromProtocol(addr protocol.Address) (byte, []byte) {
	switch addr.Type {
	case protocol.AddrTypeIPv4:
		return AddrTypeIPv4, addr.IP.To4()
	case protocol.AddrTypeIPv6:
		return AddrTypeIPv6, addr.IP.To16()
	case protocol.AddrTypeDomain:
		raw := append([]byte{byte(len(addr.Domain))}, addr.Domain...)
		return AddrTypeDomain, raw
	default:
		return AddrTypeIPv4, make([]byte, 4)
	}
}

// UDPHeader represents the SOCKS5 UDP request header (RFC 1928 §7).
type UDPHeader struct {
	Frag     byte   // Fragment number (0 = no fragmentation)
	AddrType byte   // Address type
	Address  net.IP // Destination IP (nil for domain)
	Domain   string // Destination domain (empty for IP)
	Port     uint16 // Destination port
	RawAddr  []byte // Raw address bytes for forwarding
}

// ParseUDPHeader parses a SOCKS5 UDP header from a datagram.
// Returns the header and the payload data.
//
// UDP Request Header:
// +----+------+------+----------+----------+----------+
// |RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
// +----+------+------+----------+----------+----------+
// | 2  |  1   |  1   | Variable |    2     | Variable |
// +----+------+------+----------+----------+----------+
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 { // Minimum: 2 (RSV) + 1 (FRAG) + 1 (ATYP) + 4 (IPv4) + 2 (PORT)
		return nil, nil, errors.New("datagram too short")
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{
		Frag:     frag,
		AddrType: data[3],
	}

	offset := 4

	switch header.AddrType {
	case AddrTypeIPv4:
		if len(data) < offset+4+2 {
			return nil, nil, errors.New("datagram too short for IPv4")
		}
		header.Address = net.IP(data[offset : offset+4])
		header.RawAddr = data[offset : offset+4]
		offset += 4

	case AddrTypeDomain:
		if len(data) < offset+1 {
			return nil, nil, errors.New("datagram too short for domain length")
		}
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen+2 {
			return nil, nil, errors.New("datagram too short for domain")
		}
		header.Domain = string(data[offset : offset+domainLen])
		header.RawAddr = data[offset-1 : offset+domainLen]
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return nil, nil, errors.New("datagram too short for IPv6")
		}
		header.Address = net.IP(data[offset : offset+16])
		header.RawAddr = data[offset : offset+16]
		offset += 16

	default:
		return nil, nil, fmt.Errorf("unsupported address type: %d", header.AddrType)
	}

	if len(data) < offset+2 {
		return nil, nil, errors.New("datagram too short for port")
	}
	header.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}

// BuildUDPHeader creates a SOCKS5 UDP header.
func BuildUDPHeader(addrType byte, addr []byte, port uint16) []byte {
	headerLen := 4 + len(addr) + 2
	header := make([]byte, headerLen)

	header[0] = 0
	header[1] = 0
	header[2] = 0
	header[3] = addrType
	copy(header[4:], addr)
	binary.BigEndian.PutUint16(header[4+len(addr):], port)

	return header
}
