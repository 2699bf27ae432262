package protocol

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"net"
	"testing"
)

func mustAddr(t *testing.T) Address {
	t.Helper()
	a, err := NewIPv4Address(net.ParseIP("93.184.216.34"), 80)
	if err != nil {
		t.Fatalf("NewIPv4Address: %v", err)
	}
	return a
}

func TestCommandRoundTrip(t *testing.T) {
	digest := sha256.Sum256([]byte("hunter2"))
	addr := mustAddr(t)

	cmds := []Command{
		ResponseCommand{OK: true},
		ResponseCommand{OK: false},
		AuthenticateCommand{Digest: digest},
		ConnectCommand{Addr: addr},
		PacketCommand{AssocID: 7, Len: 11, Addr: addr},
		DissociateCommand{AssocID: 7},
		HeartbeatCommand{},
	}

	for _, cmd := range cmds {
		buf := cmd.WriteTo(nil)
		if len(buf) != cmd.SerializedLen() {
			t.Fatalf("%T: SerializedLen() = %d, encoded %d bytes", cmd, cmd.SerializedLen(), len(buf))
		}

		got, err := ReadCommand(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("%T: ReadCommand: %v", cmd, err)
		}
		if got.CommandType() != cmd.CommandType() {
			t.Fatalf("%T: type mismatch: got %v want %v", cmd, got.CommandType(), cmd.CommandType())
		}
		if got.SerializedLen() != cmd.SerializedLen() {
			t.Fatalf("%T: decoded SerializedLen mismatch", cmd)
		}
	}
}

func TestCommandWriteCommandSingleWrite(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{w: &buf}
	cmd := PacketCommand{AssocID: 1, Len: 5, Addr: mustAddr(t)}

	if err := WriteCommand(cw, cmd); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if cw.writes != 1 {
		t.Fatalf("expected exactly one Write call, got %d", cw.writes)
	}
	if buf.Len() != cmd.SerializedLen() {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), cmd.SerializedLen())
	}
}

type countingWriter struct {
	w      *bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.w.Write(p)
}

func TestUnsupportedVersion(t *testing.T) {
	buf := []byte{0x99, byte(TypeHeartbeat)}
	_, err := ReadCommand(bytes.NewReader(buf))

	var verErr *UnsupportedVersionError
	if !errors.As(err, &verErr) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
	if verErr.Version != 0x99 {
		t.Fatalf("Version = 0x%02x, want 0x99", verErr.Version)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	buf := []byte{TUICProtocolVersion, 0x77}
	_, err := ReadCommand(bytes.NewReader(buf))

	var cmdErr *UnsupportedCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected UnsupportedCommandError, got %v", err)
	}
	if cmdErr.Type != 0x77 {
		t.Fatalf("Type = 0x%02x, want 0x77", cmdErr.Type)
	}
}

func TestInvalidResponseByte(t *testing.T) {
	buf := []byte{TUICProtocolVersion, byte(TypeResponse), 0x42}
	_, err := ReadCommand(bytes.NewReader(buf))

	var respErr *InvalidResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}
	if respErr.Byte != 0x42 {
		t.Fatalf("Byte = 0x%02x, want 0x42", respErr.Byte)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	h := UDPHeader{AssocID: 42, Len: 100, Addr: mustAddr(t)}
	buf := h.WriteTo(nil)
	if len(buf) != h.SerializedLen() {
		t.Fatalf("SerializedLen() = %d, encoded %d bytes", h.SerializedLen(), len(buf))
	}

	payload := append(buf, []byte("hello")...)
	got, rest, err := ParseUDPHeader(payload)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if got.AssocID != h.AssocID || got.Len != h.Len {
		t.Fatalf("header mismatch: got %+v, want %+v", got, h)
	}
	if string(rest) != "hello" {
		t.Fatalf("fragment mismatch: got %q, want %q", rest, "hello")
	}
}
