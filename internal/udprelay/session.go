package udprelay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
)

// State is a UDP session's lifecycle state.
type State int

const (
	// StateOpening means the session's outbound socket is being created.
	StateOpening State = iota
	// StateOpen means the session can relay datagrams.
	StateOpen
	// StateClosed means the session has been torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Mode records which QUIC channel carried a Packet command, so replies on a
// session echo the same mode the client used (spec.md §4.5).
type Mode int

const (
	ModeReliable Mode = iota
	ModeUnreliable
)

func (m Mode) metricsLabel() string {
	if m == ModeReliable {
		return "reliable"
	}
	return "unreliable"
}

// reassembly accumulates fragments of one logical UDP message from one peer
// address until the accumulated length reaches the declared total.
type reassembly struct {
	want uint16
	buf  []byte
}

// Session is one UDP association: an assoc_id-scoped outbound UDP socket
// plus the reassembly state for messages flowing toward it.
type Session struct {
	AssocID   uint32
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	conn         *net.UDPConn
	mode         Mode
	lastActivity time.Time
	frags        map[string]*reassembly

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(assocID uint32) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		AssocID:      assocID,
		CreatedAt:    now,
		state:        StateOpening,
		lastActivity: now,
		frags:        make(map[string]*reassembly),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled when the session is closed.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) setConn(conn *net.UDPConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.state = StateOpen
}

func (s *Session) udpConn() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetMode records which channel most recently delivered a Packet for this
// session, so the send path can echo it back.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// GetMode returns the channel replies should use.
func (s *Session) GetMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IsExpired reports whether the session has been idle longer than timeout.
func (s *Session) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > timeout
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// Close tears down the session's socket and cancels its context.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.cancel()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// appendFragment merges a Packet fragment into the reassembly slot for addr.
// It returns the complete payload and true once the accumulated bytes equal
// the declared total length; a fragment that would push the slot past the
// declared length is a protocol error (spec.md §3: "a Packet whose fragment
// bytes plus prior accumulated bytes exceed len is a protocol error").
func (s *Session) appendFragment(addr protocol.Address, total uint16, fragment []byte, maxBuffer int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addr.Key()
	r, ok := s.frags[key]
	if !ok {
		if total == 0 {
			return nil, true, nil
		}
		r = &reassembly{want: total}
		s.frags[key] = r
	}

	if r.want != total {
		// A new logical message reusing the same (assoc_id, addr) before
		// the previous one finished; restart reassembly rather than corrupt it.
		r = &reassembly{want: total}
		s.frags[key] = r
	}

	if len(r.buf)+len(fragment) > int(r.want) {
		delete(s.frags, key)
		return nil, false, errFragmentOverflow
	}

	if maxBuffer > 0 && len(r.buf)+len(fragment) > maxBuffer {
		// Drop the oldest partial buffer rather than stall the control path
		// (spec.md §5, backpressure).
		delete(s.frags, key)
		return nil, false, errReassemblyOverflow
	}

	r.buf = append(r.buf, fragment...)
	if len(r.buf) < int(r.want) {
		return nil, false, nil
	}

	complete := r.buf
	delete(s.frags, key)
	return complete, true, nil
}
