package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortHeader is returned when a buffer is too small to hold the header
// being parsed.
var ErrShortHeader = errors.New("wire: buffer too short for header")

// SwitchHeaderSize is the on-the-wire size of SwitchHeader.
const SwitchHeaderSize = 8

// suppressErrorsBit is the low bit of the label word. The real routing label
// occupies the remaining 63 bits; this mirrors the way cjdns-family switches
// steal low label bits for in-band flags.
const suppressErrorsBit = uint64(1)

// SwitchHeader is the 8-byte header prefixing every switch-facing datagram.
type SwitchHeader struct {
	raw uint64 // label in the high bits, suppress-errors flag in the low bit
}

// NewSwitchHeader builds a SwitchHeader for a forward-direction label.
func NewSwitchHeader(label uint64, suppressErrors bool) SwitchHeader {
	h := SwitchHeader{raw: label &^ suppressErrorsBit}
	if suppressErrors {
		h.raw |= suppressErrorsBit
	}
	return h
}

// Label returns the routing label, with the flag bit masked off.
func (h SwitchHeader) Label() uint64 { return h.raw &^ suppressErrorsBit }

// SuppressErrors reports whether the suppress-errors flag is set, which
// prevents a failed-decrypt reply from ever eliciting another reply.
func (h SwitchHeader) SuppressErrors() bool { return h.raw&suppressErrorsBit != 0 }

// WithLabel returns a copy of h with the label replaced, preserving flags.
func (h SwitchHeader) WithLabel(label uint64) SwitchHeader {
	h.raw = (label &^ suppressErrorsBit) | (h.raw & suppressErrorsBit)
	return h
}

// Marshal encodes the header into an 8-byte big-endian buffer.
func (h SwitchHeader) Marshal() [SwitchHeaderSize]byte {
	var buf [SwitchHeaderSize]byte
	binary.BigEndian.PutUint64(buf[:], h.raw)
	return buf
}

// ParseSwitchHeader reads a SwitchHeader from the front of data.
func ParseSwitchHeader(data []byte) (SwitchHeader, error) {
	if len(data) < SwitchHeaderSize {
		return SwitchHeader{}, ErrShortHeader
	}
	return SwitchHeader{raw: binary.BigEndian.Uint64(data[:SwitchHeaderSize])}, nil
}

// RouteHeaderFlags are the bits carried in RouteHeader.Flags.
type RouteHeaderFlags uint32

const (
	// FlagIncoming marks a frame travelling from the switch into the inside
	// interface.
	FlagIncoming RouteHeaderFlags = 1 << 0
	// FlagCtrlMsg marks a control frame (no session payload).
	FlagCtrlMsg RouteHeaderFlags = 1 << 1
	// FlagPathfinder marks a frame whose session should not be maintained
	// by the session manager itself (the pathfinder owns its lifecycle).
	FlagPathfinder RouteHeaderFlags = 1 << 2
)

// Has reports whether all bits in want are set.
func (f RouteHeaderFlags) Has(want RouteHeaderFlags) bool { return f&want == want }

// RouteHeaderSize is the on-the-wire size of RouteHeader.
const RouteHeaderSize = SwitchHeaderSize + 4 + 4 + 4 + 32 + 16

// RouteHeader is the 68-byte header on every inside-facing datagram.
type RouteHeader struct {
	Switch    SwitchHeader
	Flags     RouteHeaderFlags
	Version   uint32
	PublicKey PublicKey
	IP6       IPv6
}

// Marshal encodes the header to its wire form.
func (r RouteHeader) Marshal() []byte {
	buf := make([]byte, RouteHeaderSize)
	sw := r.Switch.Marshal()
	copy(buf[0:8], sw[:])
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Flags))
	binary.BigEndian.PutUint32(buf[12:16], r.Version)
	// bytes 16:20 are reserved padding, left zero.
	copy(buf[20:52], r.PublicKey[:])
	copy(buf[52:68], r.IP6[:])
	return buf
}

// ParseRouteHeader reads a RouteHeader from the front of data.
func ParseRouteHeader(data []byte) (RouteHeader, error) {
	if len(data) < RouteHeaderSize {
		return RouteHeader{}, ErrShortHeader
	}
	sw, err := ParseSwitchHeader(data)
	if err != nil {
		return RouteHeader{}, err
	}
	var r RouteHeader
	r.Switch = sw
	r.Flags = RouteHeaderFlags(binary.BigEndian.Uint32(data[8:12]))
	r.Version = binary.BigEndian.Uint32(data[12:16])
	copy(r.PublicKey[:], data[20:52])
	copy(r.IP6[:], data[52:68])
	return r, nil
}

// ContentType identifies the kind of payload following a DataHeader.
type ContentType uint8

const (
	// ContentTypeData is ordinary application payload.
	ContentTypeData ContentType = 0
	// ContentTypeDHT is pathfinder/DHT traffic, exempt from the
	// forward-secrecy gate in the inside ingress path.
	ContentTypeDHT ContentType = 1
)

// DataHeaderSize is the on-the-wire size of DataHeader.
const DataHeaderSize = 4

// DataHeader is the 4-byte header following a RouteHeader on the inside
// interface.
type DataHeader struct {
	Version     uint8
	ContentType ContentType
}

// Marshal encodes the header to its wire form.
func (d DataHeader) Marshal() [DataHeaderSize]byte {
	return [DataHeaderSize]byte{d.Version, byte(d.ContentType), 0, 0}
}

// ParseDataHeader reads a DataHeader from the front of data.
func ParseDataHeader(data []byte) (DataHeader, error) {
	if len(data) < DataHeaderSize {
		return DataHeader{}, ErrShortHeader
	}
	return DataHeader{Version: data[0], ContentType: ContentType(data[1])}, nil
}

// CryptoHeaderSize is the on-the-wire size of CryptoHeader.
const CryptoHeaderSize = 32

// CryptoHeader carries the sender's handshake public key. It follows the
// nonceOrHandle word on handshake frames only.
type CryptoHeader struct {
	PublicKey PublicKey
}

// ParseCryptoHeader reads a CryptoHeader from the front of data.
func ParseCryptoHeader(data []byte) (CryptoHeader, error) {
	if len(data) < CryptoHeaderSize {
		return CryptoHeader{}, ErrShortHeader
	}
	var h CryptoHeader
	copy(h.PublicKey[:], data[:CryptoHeaderSize])
	return h, nil
}

// Marshal encodes the header to its wire form.
func (h CryptoHeader) Marshal() [CryptoHeaderSize]byte {
	var buf [CryptoHeaderSize]byte
	copy(buf[:], h.PublicKey[:])
	return buf
}

// ControlType identifies the purpose of a control frame.
type ControlType uint8

// ControlSubtype qualifies a ControlType.
type ControlSubtype uint8

const (
	// ControlTypeError marks an error reply frame.
	ControlTypeError ControlType = 0
)

const (
	// ControlSubtypeAuthentication marks a decrypt/authentication failure.
	ControlSubtypeAuthentication ControlSubtype = 0
)

// ControlHeaderSize is the on-the-wire size of ControlHeader.
const ControlHeaderSize = 4

// ControlHeader prefixes the payload of a control frame.
type ControlHeader struct {
	Type     ControlType
	Subtype  ControlSubtype
	Checksum uint16
}

// Marshal encodes the header to its wire form, big-endian checksum last.
func (c ControlHeader) Marshal() [ControlHeaderSize]byte {
	return [ControlHeaderSize]byte{byte(c.Type), byte(c.Subtype), byte(c.Checksum >> 8), byte(c.Checksum)}
}

// ParseControlHeader reads a ControlHeader from the front of data.
func ParseControlHeader(data []byte) (ControlHeader, error) {
	if len(data) < ControlHeaderSize {
		return ControlHeader{}, ErrShortHeader
	}
	return ControlHeader{
		Type:     ControlType(data[0]),
		Subtype:  ControlSubtype(data[1]),
		Checksum: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// Checksum16 computes a 16-bit one's-complement checksum over data, the same
// construction used by IP/ICMP, so the control-error path has a real
// integrity check over the error envelope rather than a stub constant.
func Checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// NonceOrHandleSize is the size of the word following the switch header that
// is either a handshake-phase nonce (values 0-3) or a data-frame receive
// handle (values >= 4).
const NonceOrHandleSize = 4

// HandshakeNonceMax is the highest value nonceOrHandle may take while still
// denoting a handshake-phase nonce rather than a handle.
const HandshakeNonceMax = 3

// ControlMarker is the nonceOrHandle value denoting a control frame.
const ControlMarker = 0xFFFFFFFF
