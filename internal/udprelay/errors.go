package udprelay

import "errors"

var (
	// errFragmentOverflow is returned when a Packet fragment's bytes plus the
	// bytes already buffered for its (assoc_id, addr) slot exceed the
	// declared total length.
	errFragmentOverflow = errors.New("udprelay: fragment exceeds declared packet length")

	// errReassemblyOverflow is returned when a reassembly slot would exceed
	// Config.MaxReassemblyBuffer; the partial buffer is dropped rather than
	// stalling the connection.
	errReassemblyOverflow = errors.New("udprelay: reassembly buffer exceeded limit")

	// ErrSessionClosed is returned by Table operations against an assoc_id
	// whose session has already been closed or was never opened.
	ErrSessionClosed = errors.New("udprelay: session closed")

	// ErrTooManyAssociations is returned when Config.MaxAssociations would be
	// exceeded by opening a new session.
	ErrTooManyAssociations = errors.New("udprelay: too many associations")
)
