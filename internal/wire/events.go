package wire

import (
	"encoding/binary"
	"fmt"
)

// EventTag identifies the kind of frame carried over the event bus.
type EventTag uint32

const (
	// PathfinderNODE carries a Node record describing a discovered peer.
	PathfinderNODE EventTag = iota + 1
	// PathfinderSESSIONS requests a re-emission of every live session.
	PathfinderSESSIONS

	// CoreSESSION announces a session was created or refreshed.
	CoreSESSION
	// CoreSESSIONENDED announces a session was torn down.
	CoreSESSIONENDED
	// CoreDISCOVEREDPATH announces a session's return-path label changed.
	CoreDISCOVEREDPATH
	// CoreUNSETUPSESSION asks the pathfinder to consider re-triggering a
	// handshake for a session that is known but not yet usable.
	CoreUNSETUPSESSION
	// CoreSEARCHREQ asks the pathfinder to locate a route to an address.
	CoreSEARCHREQ
)

// String renders a human-readable event name for logging.
func (t EventTag) String() string {
	switch t {
	case PathfinderNODE:
		return "Pathfinder_NODE"
	case PathfinderSESSIONS:
		return "Pathfinder_SESSIONS"
	case CoreSESSION:
		return "Core_SESSION"
	case CoreSESSIONENDED:
		return "Core_SESSION_ENDED"
	case CoreDISCOVEREDPATH:
		return "Core_DISCOVERED_PATH"
	case CoreUNSETUPSESSION:
		return "Core_UNSETUP_SESSION"
	case CoreSEARCHREQ:
		return "Core_SEARCH_REQ"
	default:
		return fmt.Sprintf("EventTag(%d)", uint32(t))
	}
}

// BroadcastPathfinder is the target value meaning "every pathfinder
// instance", used for events with no single correlated requester.
const BroadcastPathfinder uint32 = 0xFFFFFFFF

// FrameHeaderSize is the size of the event-bus frame header, before payload.
const FrameHeaderSize = 8

// Frame is one event-bus message: a tag, a target pathfinder id (or
// BroadcastPathfinder), and a tag-specific payload.
type Frame struct {
	Event   EventTag
	Target  uint32
	Payload []byte
}

// Marshal encodes the frame to its wire form.
func (f Frame) Marshal() []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Event))
	binary.BigEndian.PutUint32(buf[4:8], f.Target)
	copy(buf[8:], f.Payload)
	return buf
}

// ParseFrame decodes a Frame from the wire.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, ErrShortHeader
	}
	f := Frame{
		Event:  EventTag(binary.BigEndian.Uint32(data[0:4])),
		Target: binary.BigEndian.Uint32(data[4:8]),
	}
	if len(data) > FrameHeaderSize {
		f.Payload = append([]byte(nil), data[FrameHeaderSize:]...)
	}
	return f, nil
}

// NodeSize is the on-the-wire size of a Node record.
const NodeSize = 8 + 4 + 4 + 32 + 16

// Node describes a peer as known to (or supplied by) the pathfinder:
// a path label, a cost metric, the peer's protocol version, its public key
// and derived address. It is the payload of every node-bearing event.
type Node struct {
	Path      uint64
	Metric    uint32
	Version   uint32
	PublicKey PublicKey
	IP6       IPv6
}

// Marshal encodes the node record to its wire form.
func (n Node) Marshal() []byte {
	buf := make([]byte, NodeSize)
	binary.BigEndian.PutUint64(buf[0:8], n.Path)
	binary.BigEndian.PutUint32(buf[8:12], n.Metric)
	binary.BigEndian.PutUint32(buf[12:16], n.Version)
	copy(buf[16:48], n.PublicKey[:])
	copy(buf[48:64], n.IP6[:])
	return buf
}

// ParseNode decodes a Node record from the wire.
func ParseNode(data []byte) (Node, error) {
	if len(data) < NodeSize {
		return Node{}, ErrShortHeader
	}
	var n Node
	n.Path = binary.BigEndian.Uint64(data[0:8])
	n.Metric = binary.BigEndian.Uint32(data[8:12])
	n.Version = binary.BigEndian.Uint32(data[12:16])
	copy(n.PublicKey[:], data[16:48])
	copy(n.IP6[:], data[48:64])
	return n, nil
}

// SearchReqSize is the on-the-wire size of a SearchReq payload.
const SearchReqSize = 16 + 4 + 4

// SearchReq is the payload of a Core_SEARCH_REQ event: the target address
// and our current protocol version, plus a zero placeholder word mirroring
// the Node layout so both payload kinds can share a decode path if needed.
type SearchReq struct {
	IP6     IPv6
	Version uint32
}

// Marshal encodes the search request to its wire form.
func (s SearchReq) Marshal() []byte {
	buf := make([]byte, SearchReqSize)
	copy(buf[0:16], s.IP6[:])
	binary.BigEndian.PutUint32(buf[16:20], s.Version)
	// buf[20:24] is the zero placeholder word.
	return buf
}

// ParseSearchReq decodes a SearchReq from the wire.
func ParseSearchReq(data []byte) (SearchReq, error) {
	if len(data) < SearchReqSize {
		return SearchReq{}, ErrShortHeader
	}
	var s SearchReq
	copy(s.IP6[:], data[0:16])
	s.Version = binary.BigEndian.Uint32(data[16:20])
	return s, nil
}
