// Package protocol implements the qtun tunnel wire format: the command
// framing, address encoding, and UDP fragment header shared by the client
// and server connection state machines.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TUICProtocolVersion is the single-byte version constant at the head of
// every command (spec.md §6). It is unrelated to the TLS/QUIC version.
const TUICProtocolVersion byte = 0x05

// CommandType identifies one of the six command kinds.
type CommandType byte

const (
	TypeResponse     CommandType = 0xff
	TypeAuthenticate CommandType = 0x00
	TypeConnect      CommandType = 0x01
	TypePacket       CommandType = 0x02
	TypeDissociate   CommandType = 0x03
	TypeHeartbeat    CommandType = 0x04
)

const (
	responseOK     byte = 0x00
	responseFailed byte = 0xff
)

// DigestSize is the length of the SHA-256 token digest carried by Authenticate.
const DigestSize = 32

// Command is implemented by the six concrete command types. WriteTo appends
// the command's wire encoding (version, type, body) to buf.
type Command interface {
	CommandType() CommandType
	SerializedLen() int
	WriteTo(buf []byte) []byte
}

// ResponseCommand answers a Connect request with success/failure.
type ResponseCommand struct{ OK bool }

func (ResponseCommand) CommandType() CommandType { return TypeResponse }
func (ResponseCommand) SerializedLen() int       { return 2 + 1 }
func (c ResponseCommand) WriteTo(buf []byte) []byte {
	buf = appendHeader(buf, TypeResponse)
	if c.OK {
		return append(buf, responseOK)
	}
	return append(buf, responseFailed)
}

// AuthenticateCommand carries the SHA-256 digest of the shared token.
type AuthenticateCommand struct{ Digest [DigestSize]byte }

func (AuthenticateCommand) CommandType() CommandType { return TypeAuthenticate }
func (AuthenticateCommand) SerializedLen() int       { return 2 + DigestSize }
func (c AuthenticateCommand) WriteTo(buf []byte) []byte {
	buf = appendHeader(buf, TypeAuthenticate)
	return append(buf, c.Digest[:]...)
}

// ConnectCommand requests a TCP relay to addr.
type ConnectCommand struct{ Addr Address }

func (ConnectCommand) CommandType() CommandType { return TypeConnect }
func (c ConnectCommand) SerializedLen() int     { return 2 + c.Addr.SerializedLen() }
func (c ConnectCommand) WriteTo(buf []byte) []byte {
	buf = appendHeader(buf, TypeConnect)
	return c.Addr.WriteTo(buf)
}

// PacketCommand carries (a fragment of) a UDP datagram for assoc_id.
// Len is the total length of the logical message; the fragment bytes that
// follow the command on the wire may be shorter (spec.md §3, §4.5).
type PacketCommand struct {
	AssocID uint32
	Len     uint16
	Addr    Address
}

func (PacketCommand) CommandType() CommandType { return TypePacket }
func (c PacketCommand) SerializedLen() int     { return 2 + 4 + 2 + c.Addr.SerializedLen() }
func (c PacketCommand) WriteTo(buf []byte) []byte {
	buf = appendHeader(buf, TypePacket)
	var head [6]byte
	binary.BigEndian.PutUint32(head[0:4], c.AssocID)
	binary.BigEndian.PutUint16(head[4:6], c.Len)
	buf = append(buf, head[:]...)
	return c.Addr.WriteTo(buf)
}

// DissociateCommand tears down a UDP association.
type DissociateCommand struct{ AssocID uint32 }

func (DissociateCommand) CommandType() CommandType { return TypeDissociate }
func (DissociateCommand) SerializedLen() int       { return 2 + 4 }
func (c DissociateCommand) WriteTo(buf []byte) []byte {
	buf = appendHeader(buf, TypeDissociate)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], c.AssocID)
	return append(buf, id[:]...)
}

// HeartbeatCommand has no body; its receipt simply resets the peer's idle timer.
type HeartbeatCommand struct{}

func (HeartbeatCommand) CommandType() CommandType    { return TypeHeartbeat }
func (HeartbeatCommand) SerializedLen() int          { return 2 }
func (c HeartbeatCommand) WriteTo(buf []byte) []byte { return appendHeader(buf, TypeHeartbeat) }

func appendHeader(buf []byte, t CommandType) []byte {
	return append(buf, TUICProtocolVersion, byte(t))
}

// WriteCommand encodes cmd into a single buffer sized by SerializedLen and
// issues exactly one Write call, so the command reaches the wire as one
// contiguous frame regardless of how many fields it has (spec.md §4.2).
func WriteCommand(w io.Writer, cmd Command) error {
	buf := make([]byte, 0, cmd.SerializedLen())
	buf = cmd.WriteTo(buf)
	_, err := w.Write(buf)
	return err
}

// ReadCommand decodes one Command from r.
func ReadCommand(r io.Reader) (Command, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("protocol: read command header: %w", err)
	}

	version, typ := header[0], header[1]
	if version != TUICProtocolVersion {
		return nil, &UnsupportedVersionError{Version: version}
	}

	switch CommandType(typ) {
	case TypeResponse:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("protocol: read response byte: %w", err)
		}
		switch b[0] {
		case responseOK:
			return ResponseCommand{OK: true}, nil
		case responseFailed:
			return ResponseCommand{OK: false}, nil
		default:
			return nil, &InvalidResponseError{Byte: b[0]}
		}

	case TypeAuthenticate:
		var digest [DigestSize]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("protocol: read digest: %w", err)
		}
		return AuthenticateCommand{Digest: digest}, nil

	case TypeConnect:
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		return ConnectCommand{Addr: addr}, nil

	case TypePacket:
		var body [6]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, fmt.Errorf("protocol: read packet header: %w", err)
		}
		assocID := binary.BigEndian.Uint32(body[0:4])
		length := binary.BigEndian.Uint16(body[4:6])
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		return PacketCommand{AssocID: assocID, Len: length, Addr: addr}, nil

	case TypeDissociate:
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, fmt.Errorf("protocol: read assoc_id: %w", err)
		}
		return DissociateCommand{AssocID: binary.BigEndian.Uint32(id[:])}, nil

	case TypeHeartbeat:
		return HeartbeatCommand{}, nil

	default:
		return nil, &UnsupportedCommandError{Type: typ}
	}
}
