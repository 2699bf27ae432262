package tuicserver

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/qtun/internal/heartbeat"
	"github.com/postalsys/qtun/internal/protocol"
)

// quicSender delivers a reassembled UDP reply to the client over whichever
// QUIC channel carried the request, mirroring the client's choice of
// reliable uni-stream or unreliable datagram (spec.md §4.5).
type quicSender struct {
	conn     quic.Connection
	activity *heartbeat.Activity
}

func (s *quicSender) SendPacket(assocID uint32, addr protocol.Address, total uint16, fragment []byte, reliable bool) error {
	s.activity.Notify()
	if reliable {
		return s.sendReliable(assocID, addr, total, fragment)
	}
	return s.sendUnreliable(assocID, addr, total, fragment)
}

func (s *quicSender) sendReliable(assocID uint32, addr protocol.Address, total uint16, fragment []byte) error {
	stream, err := s.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("tuicserver: open uni stream: %w", err)
	}
	defer stream.Close()

	cmd := protocol.PacketCommand{AssocID: assocID, Len: total, Addr: addr}
	if err := protocol.WriteCommand(stream, cmd); err != nil {
		return fmt.Errorf("tuicserver: write packet command: %w", err)
	}
	if _, err := stream.Write(fragment); err != nil {
		return fmt.Errorf("tuicserver: write packet fragment: %w", err)
	}
	return nil
}

func (s *quicSender) sendUnreliable(assocID uint32, addr protocol.Address, total uint16, fragment []byte) error {
	header := protocol.UDPHeader{AssocID: assocID, Len: total, Addr: addr}
	buf := make([]byte, 0, header.SerializedLen()+len(fragment))
	buf = header.WriteTo(buf)
	buf = append(buf, fragment...)

	if err := s.conn.SendDatagram(buf); err != nil {
		return fmt.Errorf("tuicserver: send datagram: %w", err)
	}
	return nil
}
