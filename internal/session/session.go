package session

import (
	"sync"
	"time"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

// Session is the per-peer state record. Logic
// lives on *Manager, not on Session itself — Session is a plain data
// record the manager reads and mutates while holding its own lock, the
// same division of responsibility the teacher package uses between its
// Hub and Session types.
type Session struct {
	mu sync.Mutex

	ip6   wire.IPv6
	index int // slot identifier in the manager's index; -1 once removed

	ca *cryptoauth.Session

	version uint32

	sendSwitchLabel uint64
	recvSwitchLabel uint64

	metric uint32

	sendHandle    uint32
	receiveHandle uint32

	bytesIn  uint64
	bytesOut uint64

	timeOfLastIn      time.Time
	timeOfLastOut     time.Time
	timeOfKeepAliveIn time.Time
	lastSearchTime    time.Time
	createdAt         time.Time

	maintainSession bool
	foundKey        bool
}

// IP6 returns the session's indexed address.
func (s *Session) IP6() wire.IPv6 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip6
}

// ReceiveHandle returns the handle peers must use to address this session.
func (s *Session) ReceiveHandle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveHandle
}

// SendHandle returns the handle to write into outbound data frames.
func (s *Session) SendHandle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendHandle
}

// Metric returns the session's current path cost estimate.
func (s *Session) Metric() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metric
}

// Ready reports whether the session is ready for data traffic (caSession
// state has reached at least RECEIVED_KEY).
func (s *Session) Ready() bool {
	return s.ca.State() >= cryptoauth.StateReceivedKey
}

// Stats is the read-only snapshot the admin view reports.
type Stats struct {
	IP6                wire.IPv6
	State              cryptoauth.State
	ReceiveHandle      uint32
	SendHandle         uint32
	Metric             uint32
	Version            uint32
	BytesIn            uint64
	BytesOut           uint64
	Duplicates         uint64
	LostPackets        uint64
	ReceivedOutOfRange uint64
}

// snapshot builds a Stats record under lock.
func (s *Session) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	caStats := s.ca.Stats()
	return Stats{
		IP6:                s.ip6,
		State:              s.ca.State(),
		ReceiveHandle:      s.receiveHandle,
		SendHandle:         s.sendHandle,
		Metric:             s.metric,
		Version:            s.version,
		BytesIn:            s.bytesIn,
		BytesOut:           s.bytesOut,
		Duplicates:         caStats.Duplicates,
		LostPackets:        caStats.LostPackets,
		ReceivedOutOfRange: caStats.ReceivedOutOfRange,
	}
}
