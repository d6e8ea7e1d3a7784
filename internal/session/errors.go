package session

import "errors"

// Sentinel errors returned by the session manager's public entry points.
// Category 1/2/4 failures in are not wire-visible; callers get one
// of these back and are expected to log-and-drop, exactly as the manager
// itself does internally before emitting a drop-reason metric.
var (
	// ErrRunt is returned when a switch-facing frame is shorter than the
	// minimum header it claims to carry.
	ErrRunt = errors.New("session: frame too short")

	// ErrUnknownHandle is returned when a data frame's handle does not
	// match any live session.
	ErrUnknownHandle = errors.New("session: unknown receive handle")

	// ErrBadFlags is returned for malformed flag combinations (e.g. a
	// setup nonce appearing alongside a handle, or a control frame
	// carrying a non-zero key/address).
	ErrBadFlags = errors.New("session: malformed frame flags")

	// ErrInvalidAddress is returned when a derived or supplied address
	// does not carry the required AddressPrefix.
	ErrInvalidAddress = errors.New("session: invalid self-certifying address")

	// ErrLoopback is returned when a handshake frame's public key is our
	// own (a reflected/looped packet).
	ErrLoopback = errors.New("session: handshake carries our own public key")

	// ErrBuffered is returned (not logged as an error) when an outbound
	// message could not be forwarded immediately and was queued pending
	// route discovery.
	ErrBuffered = errors.New("session: message buffered pending route discovery")

	// ErrBufferDropped describes an outbound message that could not be
	// buffered because the store was full and the timeout sweep freed no
	// room. HandleInside returns ErrBuffered in that case too; the drop is
	// visible only through the buffer_full drop-reason metric and a log line.
	ErrBufferDropped = errors.New("session: buffer full, message dropped")
)

// keyConsistencyViolation panics; it indicates memory corruption or a
// protocol violation, and is not meant to
// be recovered from.
func keyConsistencyViolation(ip, derived string) {
	panic("session: invariant violation, derived IPv6 " + derived + " does not match indexed address " + ip)
}
