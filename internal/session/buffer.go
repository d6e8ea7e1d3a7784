package session

import (
	"time"

	"github.com/overlaymesh/sessiond/internal/wire"
)

// bufferedMessage is one pending outbound plaintext message plus the time
// it was queued.
type bufferedMessage struct {
	msg       []byte
	createdAt time.Time
}

// messageStore is the bounded map of one pending outbound message per
// destination IPv6, used while a route is being resolved.
// It has no lock of its own: the manager always accesses it while holding
// its own single lock, matching the cooperative single-threaded model of
// the rest of the package.
type messageStore struct {
	entries  map[wire.IPv6]*bufferedMessage
	maxSize  int
	lifetime time.Duration
}

func newMessageStore(maxSize int, lifetime time.Duration) *messageStore {
	return &messageStore{
		entries:  make(map[wire.IPv6]*bufferedMessage),
		maxSize:  maxSize,
		lifetime: lifetime,
	}
}

// checkTimedOut drops every entry older than the configured lifetime and
// returns how many were removed, for the housekeeper and for the "make
// room" path in put.
func (m *messageStore) checkTimedOut(now time.Time) int {
	removed := 0
	for ip, entry := range m.entries {
		if now.Sub(entry.createdAt) >= m.lifetime {
			delete(m.entries, ip)
			removed++
		}
	}
	return removed
}

// put stores msg for ip, evicting any existing entry for the same
// destination first (at most one buffered message per destination). If the
// store is full, it sweeps expired entries once; if still full after that,
// the message is dropped and ok is false.
func (m *messageStore) put(ip wire.IPv6, msg []byte, now time.Time) (ok bool) {
	if _, exists := m.entries[ip]; exists {
		delete(m.entries, ip)
	}
	if len(m.entries) >= m.maxSize {
		m.checkTimedOut(now)
		if len(m.entries) >= m.maxSize {
			return false
		}
	}
	m.entries[ip] = &bufferedMessage{msg: msg, createdAt: now}
	return true
}

// pop removes and returns the buffered message for ip, if any.
func (m *messageStore) pop(ip wire.IPv6) ([]byte, bool) {
	entry, ok := m.entries[ip]
	if !ok {
		return nil, false
	}
	delete(m.entries, ip)
	return entry.msg, true
}

// has reports whether a buffered message exists for ip.
func (m *messageStore) has(ip wire.IPv6) bool {
	_, ok := m.entries[ip]
	return ok
}

// len reports the number of buffered messages.
func (m *messageStore) len() int {
	return len(m.entries)
}
