package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// AddressType tags the three shapes an Address can take on the wire.
type AddressType byte

// Tag bytes. 0xff collides in value with the Response command type byte but
// lives in a disjoint tag space: an address tag is only ever read immediately
// after a command has already identified itself as Connect or Packet.
const (
	AddrTypeDomain AddressType = 0xff
	AddrTypeIPv4   AddressType = 0x01
	AddrTypeIPv6   AddressType = 0x04
)

func (t AddressType) String() string {
	switch t {
	case AddrTypeDomain:
		return "domain"
	case AddrTypeIPv4:
		return "ipv4"
	case AddrTypeIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Address is a tagged union over a domain name or an IPv4/IPv6 socket
// address, matching spec.md §3's Address variant.
type Address struct {
	Type   AddressType
	Domain string // set only when Type == AddrTypeDomain, 1..=255 bytes
	IP     net.IP // set only when Type == AddrTypeIPv4 or AddrTypeIPv6
	Port   uint16
}

// NewDomainAddress builds a domain Address. host must be 1..=255 bytes.
func NewDomainAddress(host string, port uint16) (Address, error) {
	if len(host) == 0 || len(host) > 255 {
		return Address{}, fmt.Errorf("protocol: domain length %d out of range 1..=255", len(host))
	}
	return Address{Type: AddrTypeDomain, Domain: host, Port: port}, nil
}

// NewIPv4Address builds an IPv4 Address.
func NewIPv4Address(ip net.IP, port uint16) (Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("protocol: %s is not an IPv4 address", ip)
	}
	return Address{Type: AddrTypeIPv4, IP: v4, Port: port}, nil
}

// NewIPv6Address builds an IPv6 Address.
func NewIPv6Address(ip net.IP, port uint16) (Address, error) {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return Address{}, fmt.Errorf("protocol: %s is not an IPv6 address", ip)
	}
	return Address{Type: AddrTypeIPv6, IP: v6, Port: port}, nil
}

// SerializedLen returns the exact number of bytes WriteTo will write.
func (a Address) SerializedLen() int {
	switch a.Type {
	case AddrTypeDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrTypeIPv4:
		return 1 + 4 + 2
	case AddrTypeIPv6:
		return 1 + 16 + 2
	default:
		return 0
	}
}

// WriteTo appends the wire encoding of a to buf and returns the result.
func (a Address) WriteTo(buf []byte) []byte {
	buf = append(buf, byte(a.Type))
	switch a.Type {
	case AddrTypeDomain:
		buf = append(buf, byte(len(a.Domain)))
		buf = append(buf, a.Domain...)
	case AddrTypeIPv4:
		buf = append(buf, a.IP.To4()...)
	case AddrTypeIPv6:
		buf = append(buf, a.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	return append(buf, portBuf[:]...)
}

// ReadAddress decodes an Address from r: one tag byte followed by the
// shape-specific body (spec.md §4.1, §6).
func ReadAddress(r io.Reader) (Address, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Address{}, fmt.Errorf("protocol: read address tag: %w", err)
	}

	switch AddressType(tag[0]) {
	case AddrTypeDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Address{}, fmt.Errorf("protocol: read domain length: %w", err)
		}
		host := make([]byte, lenBuf[0])
		if len(host) > 0 {
			if _, err := io.ReadFull(r, host); err != nil {
				return Address{}, fmt.Errorf("protocol: read domain bytes: %w", err)
			}
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: AddrTypeDomain, Domain: string(host), Port: port}, nil

	case AddrTypeIPv4:
		ip := make(net.IP, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, fmt.Errorf("protocol: read ipv4 bytes: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: AddrTypeIPv4, IP: ip, Port: port}, nil

	case AddrTypeIPv6:
		ip := make(net.IP, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, fmt.Errorf("protocol: read ipv6 bytes: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: AddrTypeIPv6, IP: ip, Port: port}, nil

	default:
		return Address{}, &InvalidAddressTypeError{Tag: tag[0]}
	}
}

func readPort(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("protocol: read port: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// String renders a human-readable host:port, for logging.
func (a Address) String() string {
	switch a.Type {
	case AddrTypeDomain:
		return net.JoinHostPort(a.Domain, strconv.Itoa(int(a.Port)))
	case AddrTypeIPv4, AddrTypeIPv6:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	default:
		return "<invalid address>"
	}
}

// Key returns a value suitable as a reassembly-table map key: two distinct
// Addresses with the same host:port collapse to the same key regardless of
// which constructor produced them.
func (a Address) Key() string {
	return a.String()
}
