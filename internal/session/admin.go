package session

import (
	"fmt"
	"strings"

	"github.com/overlaymesh/sessiond/internal/wire"
)

// formatAddress renders a wire.IPv6 as colon-separated hex groups, the
// "rewritten to the derived IPv6" form §6 allows in place of the full
// vN.HHHH....k form wherever only the bare address (no version/label/key)
// is on hand — which is every non-admin call site (drop logging, the
// invariant-violation panic message, and so on).
func formatAddress(ip wire.IPv6) string {
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = fmt.Sprintf("%02x%02x", ip[2*i], ip[2*i+1])
	}
	return strings.Join(groups, ":")
}

// formatSessionAddress renders the full admin-view address form described
// in §6: version, the reversed-path switch label as four hex groups,
// and the peer's public key, terminated by the "k" key-address marker.
func formatSessionAddress(version uint32, label uint64, pub wire.PublicKey) string {
	labelHex := fmt.Sprintf("%016x", label)
	groups := make([]string, 4)
	for i := 0; i < 4; i++ {
		groups[i] = labelHex[4*i : 4*i+4]
	}
	return fmt.Sprintf("v%d.%s.%sk", version, strings.Join(groups, "."), keyBase32(pub))
}

// keyBase32Alphabet is the base-32 alphabet cjdns-family addressing uses for
// public-key text encoding: no padding, lowercase, vowels a/e/i/o dropped.
const keyBase32Alphabet = "0123456789bcdfghjklmnpqrstuvwxyz"

func keyBase32(pub wire.PublicKey) string {
	var sb strings.Builder
	var bits uint32
	var nbits uint
	for _, b := range pub {
		bits = (bits << 8) | uint32(b)
		nbits += 8
		for nbits >= 5 {
			nbits -= 5
			sb.WriteByte(keyBase32Alphabet[(bits>>nbits)&0x1f])
		}
	}
	if nbits > 0 {
		sb.WriteByte(keyBase32Alphabet[(bits<<(5-nbits))&0x1f])
	}
	return sb.String()
}

// HandleSnapshot is the per-session record the admin view exposes for one
// handle.
type HandleSnapshot struct {
	Handle  uint32
	Address string
	Stats
}

// ListHandles implements the admin view's get-handles query (§4.1
// component C8): a snapshot of every currently live receive handle.
func (mgr *Manager) ListHandles() []uint32 {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.index.listHandles()
}

// SessionStats implements the admin view's session-stats(handle) query
// (§6): at least {addr, state, handle, sendHandle, metric,
// duplicates, lostPackets, receivedOutOfRange}, the last three surfaced
// from the crypto session.
func (mgr *Manager) SessionStats(handle uint32) (HandleSnapshot, bool) {
	mgr.mu.Lock()
	sess, ok := mgr.getByHandle(handle)
	mgr.mu.Unlock()
	if !ok {
		return HandleSnapshot{}, false
	}

	stats := sess.snapshot()
	return HandleSnapshot{
		Handle:  handle,
		Address: formatSessionAddress(stats.Version, sess.sendSwitchLabelSnapshot(), sess.ca.PeerPublicKey()),
		Stats:   stats,
	}, true
}

// sendSwitchLabelSnapshot reads sendSwitchLabel under lock, for use by the
// admin view's address rendering.
func (s *Session) sendSwitchLabelSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSwitchLabel
}
