package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UDPHeader is the Packet command body on its own, with no version/type
// prefix. QUIC datagrams are already framed by QUIC itself, so prefixing
// them with the two command-header bytes would be redundant at small MTU
// (spec.md §6). It is used as the first bytes of every QUIC datagram payload.
type UDPHeader struct {
	AssocID uint32
	Len     uint16
	Addr    Address
}

// SerializedLen returns the exact number of bytes WriteTo will write.
func (h UDPHeader) SerializedLen() int {
	return 4 + 2 + h.Addr.SerializedLen()
}

// WriteTo appends the wire encoding of h to buf and returns the result.
func (h UDPHeader) WriteTo(buf []byte) []byte {
	var head [6]byte
	binary.BigEndian.PutUint32(head[0:4], h.AssocID)
	binary.BigEndian.PutUint16(head[4:6], h.Len)
	buf = append(buf, head[:]...)
	return h.Addr.WriteTo(buf)
}

// ReadUDPHeader decodes a UDPHeader from r.
func ReadUDPHeader(r io.Reader) (UDPHeader, error) {
	var head [6]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return UDPHeader{}, fmt.Errorf("protocol: read udp header: %w", err)
	}
	addr, err := ReadAddress(r)
	if err != nil {
		return UDPHeader{}, err
	}
	return UDPHeader{
		AssocID: binary.BigEndian.Uint32(head[0:4]),
		Len:     binary.BigEndian.Uint16(head[4:6]),
		Addr:    addr,
	}, nil
}

// ParseUDPHeader decodes a UDPHeader from the front of buf and returns the
// header plus the remaining bytes (the fragment payload).
func ParseUDPHeader(buf []byte) (UDPHeader, []byte, error) {
	r := &sliceReader{b: buf}
	h, err := ReadUDPHeader(r)
	if err != nil {
		return UDPHeader{}, nil, err
	}
	return h, buf[r.off:], nil
}

// sliceReader is a minimal io.Reader over a byte slice that tracks how many
// bytes have been consumed, so callers can recover the remainder after a
// structured read without a second length computation.
type sliceReader struct {
	b   []byte
	off int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.off >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.off:])
	s.off += n
	return n, nil
}
