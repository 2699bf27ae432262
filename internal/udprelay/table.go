package udprelay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/protocol"
)

// Sender delivers a reassembled UDP payload back to the peer over whichever
// QUIC channel the fragments for that assoc_id most recently arrived on
// (spec.md §4.5: "the server echoes the mode the client used").
type Sender interface {
	SendPacket(assocID uint32, addr protocol.Address, total uint16, fragment []byte, reliable bool) error
}

// DNSResolver resolves a domain Address's host to an IP before the Table
// dials it. A nil DNSResolver falls back to net.LookupIP.
type DNSResolver interface {
	Resolve(ctx context.Context, domain string) (net.IP, error)
}

// Table is the server-side map from assoc_id to UDP session, plus the
// reassembly and idle-eviction machinery shared by every session
// (spec.md §3, §4.5).
type Table struct {
	cfg      Config
	sender   Sender
	resolver DNSResolver
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTable constructs a Table that delivers reassembled replies through
// sender and resolves domain addresses through resolver (nil uses
// net.LookupIP).
func NewTable(cfg Config, sender Sender, resolver DNSResolver, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		cfg:      cfg,
		sender:   sender,
		resolver: resolver,
		log:      log,
		sessions: make(map[uint32]*Session),
		stopCh:   make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		t.wg.Add(1)
		go t.cleanupLoop()
	}
	return t
}

func (t *Table) getOrCreate(assocID uint32) (*Session, error) {
	t.mu.Lock()
	if s, ok := t.sessions[assocID]; ok {
		t.mu.Unlock()
		return s, nil
	}
	if t.cfg.MaxAssociations > 0 && len(t.sessions) >= t.cfg.MaxAssociations {
		t.mu.Unlock()
		return nil, ErrTooManyAssociations
	}
	s := newSession(assocID)
	t.sessions[assocID] = s
	t.mu.Unlock()

	network := "udp4"
	if t.cfg.EnableIPv6 {
		network = "udp"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		t.mu.Lock()
		delete(t.sessions, assocID)
		t.mu.Unlock()
		return nil, err
	}
	s.setConn(conn)

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordUDPSessionOpen()
	}

	t.wg.Add(1)
	go t.readLoop(s)

	return s, nil
}

// HandlePacket feeds one Packet command's fragment into the reassembly
// buffer for (assocID, addr); once the fragment completes the declared
// length the full payload is written to the session's outbound socket.
func (t *Table) HandlePacket(assocID uint32, addr protocol.Address, total uint16, fragment []byte, reliable bool) error {
	s, err := t.getOrCreate(assocID)
	if err != nil {
		return err
	}

	if reliable {
		s.SetMode(ModeReliable)
	} else {
		s.SetMode(ModeUnreliable)
	}
	s.touch()

	payload, complete, err := s.appendFragment(addr, total, fragment, t.cfg.MaxReassemblyBuffer)
	if err != nil {
		t.log.Warn("udp reassembly error", logging.KeyAssocID, assocID, logging.KeyAddress, addr.String(), logging.KeyError, err)
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordUDPReassemblyError(reassemblyErrorReason(err))
		}
		return err
	}
	if !complete {
		return nil
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordUDPFragmentReassembled()
		t.cfg.Metrics.RecordUDPPacketRelayed(s.GetMode().metricsLabel())
	}

	conn := s.udpConn()
	if conn == nil {
		return ErrSessionClosed
	}

	remote, err := t.resolveUDPAddr(addr)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(payload, remote)
	return err
}

func reassemblyErrorReason(err error) string {
	switch {
	case errors.Is(err, errFragmentOverflow):
		return "fragment_overflow"
	case errors.Is(err, errReassemblyOverflow):
		return "reassembly_overflow"
	default:
		return "unknown"
	}
}

func (t *Table) resolveUDPAddr(addr protocol.Address) (*net.UDPAddr, error) {
	if addr.Type != protocol.AddrTypeDomain {
		return &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}, nil
	}

	if t.resolver != nil {
		ip, err := t.resolver.Resolve(context.Background(), addr.Domain)
		if err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: ip, Port: int(addr.Port)}, nil
	}

	ips, err := net.LookupIP(addr.Domain)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ips[0], Port: int(addr.Port)}, nil
}

// readLoop polls a session's outbound socket for replies and relays each
// datagram back to the peer through the Table's Sender, fragmenting it if it
// exceeds Config.MaxUDPPacketSize.
func (t *Table) readLoop(s *Session) {
	defer t.wg.Done()

	buf := make([]byte, 65535)
	for {
		conn := s.udpConn()
		if conn == nil {
			return
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.isClosed() {
				return
			}
			select {
			case <-s.Context().Done():
				return
			default:
			}
			t.log.Debug("udp read error", logging.KeyAssocID, s.AssocID, logging.KeyError, err)
			return
		}
		s.touch()

		addr, err := addressFromUDP(from)
		if err != nil {
			continue
		}

		reliable := s.GetMode() == ModeReliable
		if err := t.sendFragmented(s.AssocID, addr, buf[:n], reliable); err != nil {
			t.log.Warn("udp send back to peer failed", logging.KeyAssocID, s.AssocID, logging.KeyError, err)
		}
	}
}

func addressFromUDP(udpAddr *net.UDPAddr) (protocol.Address, error) {
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		return protocol.NewIPv4Address(ip4, uint16(udpAddr.Port))
	}
	return protocol.NewIPv6Address(udpAddr.IP, uint16(udpAddr.Port))
}

// sendFragmented splits payload into Config.MaxUDPPacketSize-sized chunks and
// hands each to the Sender in order, so a caller never needs to duplicate
// the fragmentation math spec.md §4.5 requires of both sides.
func (t *Table) sendFragmented(assocID uint32, addr protocol.Address, payload []byte, reliable bool) error {
	total := uint16(len(payload))
	max := t.cfg.MaxUDPPacketSize
	if max <= 0 || len(payload) <= max {
		return t.sender.SendPacket(assocID, addr, total, payload, reliable)
	}
	for off := 0; off < len(payload); off += max {
		end := off + max
		if end > len(payload) {
			end = len(payload)
		}
		if err := t.sender.SendPacket(assocID, addr, total, payload[off:end], reliable); err != nil {
			return err
		}
	}
	return nil
}

// Dissociate tears down the session for assocID, if one exists.
func (t *Table) Dissociate(assocID uint32) {
	t.mu.Lock()
	s, ok := t.sessions[assocID]
	if ok {
		delete(t.sessions, assocID)
	}
	t.mu.Unlock()

	if ok {
		_ = s.Close()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordUDPSessionClose()
		}
	}
}

// Count returns the number of open UDP sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close tears down every session and stops the idle sweep.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		sessions = append(sessions, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	t.wg.Wait()
}

func (t *Table) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

func (t *Table) cleanupExpired() {
	t.mu.Lock()
	var expired []*Session
	for id, s := range t.sessions {
		if s.IsExpired(t.cfg.IdleTimeout) {
			expired = append(expired, s)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, s := range expired {
		t.log.Debug("evicting idle udp session", logging.KeyAssocID, s.AssocID)
		_ = s.Close()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordUDPSessionEvicted()
		}
	}
}
