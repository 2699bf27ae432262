package protocol

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

// Sentinel errors matched with errors.Is by callers that only care about the
// category, not the offending byte.
var (
	ErrUnsupportedVersion    = errors.New("protocol: unsupported version")
	ErrUnsupportedCommand    = errors.New("protocol: unsupported command")
	ErrInvalidAddressType    = errors.New("protocol: invalid address type")
	ErrInvalidResponse       = errors.New("protocol: invalid response byte")
	ErrAuthenticationFailed  = errors.New("protocol: authentication failed")
	ErrAuthenticationTimeout = errors.New("protocol: authentication timeout")
	ErrRemoteConnectFailed   = errors.New("protocol: remote connect failed")
	ErrAlreadyAuthenticated  = errors.New("protocol: already authenticated")
)

// UnsupportedVersionError carries the offending version byte.
type UnsupportedVersionError struct{ Version byte }

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("protocol: unsupported version 0x%02x", e.Version)
}

func (e *UnsupportedVersionError) Unwrap() error { return ErrUnsupportedVersion }

// UnsupportedCommandError carries the offending command type byte.
type UnsupportedCommandError struct{ Type byte }

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("protocol: unsupported command type 0x%02x", e.Type)
}

func (e *UnsupportedCommandError) Unwrap() error { return ErrUnsupportedCommand }

// InvalidAddressTypeError carries the offending address tag byte.
type InvalidAddressTypeError struct{ Tag byte }

func (e *InvalidAddressTypeError) Error() string {
	return fmt.Sprintf("protocol: invalid address type 0x%02x", e.Tag)
}

func (e *InvalidAddressTypeError) Unwrap() error { return ErrInvalidAddressType }

// InvalidResponseError carries the offending response status byte.
type InvalidResponseError struct{ Byte byte }

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("protocol: invalid response byte 0x%02x", e.Byte)
}

func (e *InvalidResponseError) Unwrap() error { return ErrInvalidResponse }

// Close codes, sent as the QUIC application error code when a connection is
// torn down for a protocol-level reason (spec.md §6/§7).
const (
	CodeUnauthenticated     quic.ApplicationErrorCode = 0x01
	CodeAuthTimeout         quic.ApplicationErrorCode = 0x02
	CodeProtocolError       quic.ApplicationErrorCode = 0x03
	CodeRemoteConnectFailed quic.ApplicationErrorCode = 0x04
	CodeShutdown            quic.ApplicationErrorCode = 0x05
)
