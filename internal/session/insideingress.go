package session

import (
	"encoding/binary"
	"fmt"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

// HandleInside implements §4.3 (component C5): consume one outbound
// plaintext datagram from the inside interface — a route header, a data
// header, and a user payload — resolve or create the destination's
// session, and either push it through the encrypt path or buffer it
// pending route discovery.
func (mgr *Manager) HandleInside(datagram []byte) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	rh, err := wire.ParseRouteHeader(datagram)
	if err != nil {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}

	if rh.Flags.Has(wire.FlagCtrlMsg) {
		return mgr.forwardControlToSwitchLocked(rh, datagram[wire.RouteHeaderSize:])
	}

	if !rh.IP6.IsValid() {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonInvalidAddress).Inc()
		return ErrInvalidAddress
	}

	sess, ok := mgr.getByIP6(rh.IP6)
	if !ok {
		if !rh.PublicKey.Zero() && rh.Version != 0 {
			sess, err = mgr.getOrCreate(rh.IP6, rh.PublicKey, rh.Version, rh.Switch.Label(), SMSend, !rh.Flags.Has(wire.FlagPathfinder))
			if err != nil {
				return err
			}
		} else {
			mgr.needsLookup(rh.IP6, datagram, rh.Version)
			return ErrBuffered
		}
	}

	sess.mu.Lock()
	version := sess.version
	knownLabel := sess.sendSwitchLabel
	sess.mu.Unlock()
	state := sess.ca.State()

	if version == 0 {
		mgr.needsLookup(rh.IP6, datagram, rh.Version)
		return ErrBuffered
	}
	if rh.Switch.Label() == 0 && knownLabel == 0 {
		mgr.needsLookup(rh.IP6, datagram, version)
		return ErrBuffered
	}

	body := datagram[wire.RouteHeaderSize:]
	dh, err := wire.ParseDataHeader(body)
	if err != nil {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}
	if dh.ContentType != wire.ContentTypeDHT && state < cryptoauth.StateReceivedKey {
		mgr.needsLookup(rh.IP6, datagram, version)
		return ErrBuffered
	}

	return mgr.encryptAndForwardLocked(sess, datagram)
}

// forwardControlToSwitchLocked strips the route header off a control-tagged
// inside frame and re-emits it on the switch interface behind the control
// marker, per §4.3.
func (mgr *Manager) forwardControlToSwitchLocked(rh wire.RouteHeader, body []byte) error {
	if !rh.PublicKey.Zero() || !rh.IP6.Zero() {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonBadFlags).Inc()
		return ErrBadFlags
	}
	out := make([]byte, 0, wire.SwitchHeaderSize+wire.NonceOrHandleSize+len(body))
	sw := rh.Switch.Marshal()
	out = append(out, sw[:]...)
	marker := make([]byte, wire.NonceOrHandleSize)
	binary.BigEndian.PutUint32(marker, wire.ControlMarker)
	out = append(out, marker...)
	out = append(out, body...)
	return mgr.switchIface.SendSwitch(out)
}

// encryptAndForwardLocked implements the §4.7 encrypt path. msg is a
// full inside-facing datagram: route header, data header, user payload.
// Must be called with mgr.mu held.
func (mgr *Manager) encryptAndForwardLocked(sess *Session, msg []byte) error {
	rh, err := wire.ParseRouteHeader(msg)
	if err != nil {
		return err
	}
	body := msg[wire.RouteHeaderSize:]
	dh, err := wire.ParseDataHeader(body)
	if err != nil {
		return err
	}

	now := mgr.now()
	if dh.ContentType != wire.ContentTypeDHT {
		sess.mu.Lock()
		sess.timeOfLastOut = now
		sess.mu.Unlock()
	}

	sess.ca.ResetIfTimeout(now)

	plaintext := body
	wasHandshake := sess.ca.State() < cryptoauth.StateReceivedKey
	if wasHandshake {
		// Prepend our receiveHandle so the peer can address us back during
		// setup; it becomes the first decrypted word on their side.
		prefixed := make([]byte, wire.NonceOrHandleSize+len(body))
		binary.BigEndian.PutUint32(prefixed[:wire.NonceOrHandleSize], sess.ReceiveHandle())
		copy(prefixed[wire.NonceOrHandleSize:], body)
		plaintext = prefixed
	}

	var ciphertext []byte
	if wasHandshake {
		ciphertext, err = sess.ca.EncryptHandshake(plaintext, nil)
	} else {
		ciphertext, _, err = sess.ca.Encrypt(plaintext, nil)
	}
	if err != nil {
		return fmt.Errorf("encrypt path: %w", err)
	}

	sess.mu.Lock()
	label := rh.Switch.Label()
	if label == 0 {
		label = sess.sendSwitchLabel
	}
	sendHandle := sess.sendHandle
	sess.bytesOut += uint64(len(ciphertext))
	sess.mu.Unlock()
	if label == 0 {
		return fmt.Errorf("encrypt path: no switch label known for %s", addrString(sess.IP6()))
	}

	out := make([]byte, 0, wire.SwitchHeaderSize+wire.NonceOrHandleSize+wire.CryptoHeaderSize+len(ciphertext))
	sw := rh.Switch.WithLabel(label).Marshal()
	out = append(out, sw[:]...)

	nh := make([]byte, wire.NonceOrHandleSize)
	if wasHandshake {
		// Phase marker 0: our encoder only ever sends the one-round-trip
		// handshake frame, so there is no further phase to distinguish.
		out = append(out, nh...)
		ch := wire.CryptoHeader{PublicKey: sess.ca.LocalPublicKey()}.Marshal()
		out = append(out, ch[:]...)
		sess.ca.MarkSent()
	} else {
		binary.BigEndian.PutUint32(nh, sendHandle)
		out = append(out, nh...)
	}
	out = append(out, ciphertext...)

	return mgr.switchIface.SendSwitch(out)
}
