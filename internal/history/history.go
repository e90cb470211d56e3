// Package history tracks packets in flight: which frame id carried them,
// the paths tried, and where they stand in the delivery protocol.
package history

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/packet"
)

// Metadata is the delivery state of one packet. It is owned by the History
// and must only be read or written inside History.Update or by the locked
// helpers.
type Metadata struct {
	Packet *packet.Packet
	ID     packet.ID
	// Paths holds every path tried, oldest first.
	Paths   []models.Path
	FrameID uint8
	// FrameStatus accumulates what this node observed on its own hop,
	// appended to the Ack on the way back.
	FrameStatus     models.RemoteParameters
	SendTime        time.Time
	Deadline        time.Time
	CheckTimeout    bool
	Retransmissions int
	State           State
}

// LastPath returns the most recent path, or nil.
func (m *Metadata) LastPath() models.Path {
	if len(m.Paths) == 0 {
		return nil
	}
	return m.Paths[len(m.Paths)-1]
}

// Transition moves m to state to.
func (m *Metadata) Transition(to State) error {
	if !CanTransition(m.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, m.State, to)
	}
	m.State = to
	return nil
}

// Table is the pair of indexes guarded by the History lock.
type Table struct {
	packets map[packet.ID]*Metadata
	frames  map[uint8]*Metadata
	ids     *Allocator
	now     func() time.Time
}

// Watch starts or continues tracking p sent along path. It reserves a frame
// id, assigns the packet id from it when the packet has none yet, and
// indexes the metadata under both keys.
func (t *Table) Watch(p *packet.Packet, path models.Path) *Metadata {
	m := t.packets[p.ID()]
	if m == nil {
		m = &Metadata{}
	} else if t.frames[m.FrameID] == m {
		delete(t.frames, m.FrameID)
	}

	m.Packet = p
	m.Paths = append(m.Paths, path)
	m.FrameID = t.ids.Reserve()
	if p.PacketID == 0 {
		p.PacketID = m.FrameID
	}
	m.ID = p.ID()
	m.SendTime = t.now()
	m.CheckTimeout = false
	m.State = AwaitingStatus

	t.packets[m.ID] = m
	t.frames[m.FrameID] = m
	return m
}

// Meta returns the metadata of packet id, or nil.
func (t *Table) Meta(id packet.ID) *Metadata { return t.packets[id] }

// MetaByFrame returns the metadata carried by frame id, or nil.
func (t *Table) MetaByFrame(frameID uint8) *Metadata { return t.frames[frameID] }

// Index registers m under its current frame id.
func (t *Table) Index(m *Metadata) { t.frames[m.FrameID] = m }

// Erase stops tracking packet id. A frame entry still pointing at the same
// metadata goes with it.
func (t *Table) Erase(id packet.ID) {
	m, ok := t.packets[id]
	if !ok {
		return
	}
	delete(t.packets, id)
	t.Unindex(m)
}

// Unindex removes m from the frame index. Its frame id may already belong
// to another packet, whose entry is left alone.
func (t *Table) Unindex(m *Metadata) {
	if t.frames[m.FrameID] == m {
		delete(t.frames, m.FrameID)
	}
}

// EraseFrame forgets frame id, leaving the packet tracked.
func (t *Table) EraseFrame(frameID uint8) { delete(t.frames, frameID) }

// Expired returns the metadata armed for timeout whose deadline is before
// now, ordered by packet id.
func (t *Table) Expired(now time.Time) []*Metadata {
	var out []*Metadata
	for _, m := range t.packets {
		if m.CheckTimeout && m.Deadline.Before(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked packets.
func (t *Table) Len() int { return len(t.packets) }

// Frames returns the number of frame ids awaiting a Status.
func (t *Table) Frames() int { return len(t.frames) }

// Now returns the table clock.
func (t *Table) Now() time.Time { return t.now() }

// IDs returns the frame id allocator.
func (t *Table) IDs() *Allocator { return t.ids }

// History is the lock-guarded Table plus the frame id allocator.
type History struct {
	mu    sync.Mutex
	table Table
	ids   Allocator
}

// Option configures a History.
type Option func(*History)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.table.now = now }
}

// New returns an empty History.
func New(opts ...Option) *History {
	h := &History{}
	h.table = Table{
		packets: make(map[packet.ID]*Metadata),
		frames:  make(map[uint8]*Metadata),
		ids:     &h.ids,
		now:     time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Update runs fn with the history locked. Multi-step sequences that must
// not interleave with tick, Ack or Status handling go through here.
func (h *History) Update(fn func(*Table)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.table)
}

// Watch is Table.Watch under the lock. It returns the frame id to put in
// the outgoing Transmit.
func (h *History) Watch(p *packet.Packet, path models.Path) uint8 {
	var id uint8
	h.Update(func(t *Table) { id = t.Watch(p, path).FrameID })
	return id
}

// Meta is Table.Meta under the lock.
func (h *History) Meta(id packet.ID) *Metadata {
	var m *Metadata
	h.Update(func(t *Table) { m = t.Meta(id) })
	return m
}

// MetaByFrame is Table.MetaByFrame under the lock.
func (h *History) MetaByFrame(frameID uint8) *Metadata {
	var m *Metadata
	h.Update(func(t *Table) { m = t.MetaByFrame(frameID) })
	return m
}

// Erase is Table.Erase under the lock.
func (h *History) Erase(id packet.ID) {
	h.Update(func(t *Table) { t.Erase(id) })
}

// EraseFrame is Table.EraseFrame under the lock.
func (h *History) EraseFrame(frameID uint8) {
	h.Update(func(t *Table) { t.EraseFrame(frameID) })
}

// Len is Table.Len under the lock.
func (h *History) Len() int {
	var n int
	h.Update(func(t *Table) { n = t.Len() })
	return n
}

// Reserve takes a frame id without tracking anything.
func (h *History) Reserve() uint8 { return h.ids.Reserve() }

// Release returns a frame id to the allocator.
func (h *History) Release(frameID uint8) { h.ids.Release(frameID) }

// InUse returns the number of reserved frame ids.
func (h *History) InUse() int { return h.ids.InUse() }
