package tuicclient

import (
	"sync"

	"github.com/postalsys/qtun/internal/protocol"
)

// InboundPacket is one fully-reassembled UDP message delivered back from
// the server for an association.
type InboundPacket struct {
	Addr    protocol.Address
	Payload []byte
}

// reassembly accumulates fragments of one logical message from one sender
// address, mirroring internal/udprelay's server-side reassembly.
type reassembly struct {
	want uint16
	buf  []byte
}

// Association is a client-chosen UDP association. Packets received from the
// server for this assoc_id arrive on the Packets channel once fully
// reassembled.
type Association struct {
	AssocID uint32
	Packets chan InboundPacket

	mu     sync.Mutex
	frags  map[string]*reassembly
	closed bool
}

func newAssociation(id uint32) *Association {
	return &Association{
		AssocID: id,
		Packets: make(chan InboundPacket, 64),
		frags:   make(map[string]*reassembly),
	}
}

// deliver merges a fragment into the reassembly slot for addr, and pushes
// the reassembled message to Packets once complete. It silently drops a
// message that can't fit the channel buffer rather than block the
// dispatch loop indefinitely, and is a no-op once close has run -- a
// dispatch goroutine may still hold this *Association after Dissociate or
// Close removed it from the client's table.
func (a *Association) deliver(addr protocol.Address, total uint16, fragment []byte) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	key := addr.Key()
	r, ok := a.frags[key]
	if !ok || r.want != total {
		r = &reassembly{want: total}
		a.frags[key] = r
	}

	r.buf = append(r.buf, fragment...)
	var complete []byte
	if len(r.buf) >= int(r.want) {
		complete = r.buf
		delete(a.frags, key)
	}

	if complete == nil {
		a.mu.Unlock()
		return
	}

	select {
	case a.Packets <- InboundPacket{Addr: addr, Payload: complete}:
	default:
	}
	a.mu.Unlock()
}

// close marks the association closed and closes the Packets channel so
// range loops exit. Must run under a.mu so a concurrent deliver can't send
// on a channel this has already closed.
func (a *Association) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.Packets)
}
