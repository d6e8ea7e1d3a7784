package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/overlaymesh/sessiond/internal/wire"
)

// firstHandleMin and firstHandleMax bound the randomized base handle
// assigned at construction.
const (
	firstHandleMin uint32 = 4
	firstHandleMax uint32 = 100000
)

// handleIndex is the dual-keyed container mapping IPv6 addresses and
// integer receive handles onto sessions. It is built as a slot table with a
// free list rather than a plain map keyed by handle, so that removing a
// session never renumbers a handle still held by some outstanding
// reference: the wire handle is firstHandle + slot index, and a freed slot
// is only reused for a brand new session, never renumbered in place.
type handleIndex struct {
	firstHandle uint32

	byIP  map[wire.IPv6]int
	slots []*Session // nil entries are free
	free  []int
}

func newHandleIndex() (*handleIndex, error) {
	first, err := randomFirstHandle()
	if err != nil {
		return nil, err
	}
	return &handleIndex{
		firstHandle: first,
		byIP:        make(map[wire.IPv6]int),
	}, nil
}

// randomFirstHandle draws the per-instance randomized handle base from a
// cryptographically secure source. Handle randomization is the only
// protection against an attacker guessing another session's handle, so
// this must never fall back to a predictable seed.
func randomFirstHandle() (uint32, error) {
	span := firstHandleMax - firstHandleMin
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate random handle base: %w", err)
		}
		v := binary.BigEndian.Uint32(buf[:])
		candidate := firstHandleMin + v%span
		if candidate >= firstHandleMin && candidate < firstHandleMax {
			return candidate, nil
		}
	}
}

// getByIP6 returns the session indexed under ip, if any.
func (idx *handleIndex) getByIP6(ip wire.IPv6) (*Session, bool) {
	i, ok := idx.byIP[ip]
	if !ok {
		return nil, false
	}
	return idx.slots[i], true
}

// getByHandle returns the session whose receive handle is h.
func (idx *handleIndex) getByHandle(h uint32) (*Session, bool) {
	if h < idx.firstHandle {
		return nil, false
	}
	i := int(h - idx.firstHandle)
	if i < 0 || i >= len(idx.slots) || idx.slots[i] == nil {
		return nil, false
	}
	return idx.slots[i], true
}

// insert registers sess under ip, allocates a slot, and returns the
// assigned receive handle.
func (idx *handleIndex) insert(ip wire.IPv6, sess *Session) uint32 {
	var slot int
	if n := len(idx.free); n > 0 {
		slot = idx.free[n-1]
		idx.free = idx.free[:n-1]
		idx.slots[slot] = sess
	} else {
		slot = len(idx.slots)
		idx.slots = append(idx.slots, sess)
	}
	idx.byIP[ip] = slot
	sess.index = slot
	sess.receiveHandle = idx.firstHandle + uint32(slot)
	return sess.receiveHandle
}

// remove releases the slot at index i. The caller is responsible for
// emitting SESSION_ENDED before or after calling this.
func (idx *handleIndex) remove(i int) {
	if i < 0 || i >= len(idx.slots) || idx.slots[i] == nil {
		return
	}
	sess := idx.slots[i]
	delete(idx.byIP, sess.ip6)
	sess.index = -1
	idx.slots[i] = nil
	idx.free = append(idx.free, i)
}

// listHandles returns a snapshot of every live receive handle, for the
// admin view's handle-enumeration query.
func (idx *handleIndex) listHandles() []uint32 {
	handles := make([]uint32, 0, len(idx.byIP))
	for _, i := range idx.byIP {
		handles = append(handles, idx.slots[i].receiveHandle)
	}
	return handles
}

// len reports the number of live sessions.
func (idx *handleIndex) len() int {
	return len(idx.byIP)
}
