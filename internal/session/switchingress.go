package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

// decryptErrorAuthentication is the error code carried in a failed-decrypt
// control reply's envelope (§4.2 step 5). There is only
// one failure mode at this layer, so one code suffices.
const decryptErrorAuthentication uint32 = 1

// HandleSwitch implements §4.2 (component C4): parse a datagram
// arriving on the switch interface, dispatch it to the control, handshake,
// or data path, and forward the result on to the inside interface (or, for
// a failed decrypt, emit a suppressed error reply back on the switch
// interface).
func (mgr *Manager) HandleSwitch(datagram []byte) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if len(datagram) < wire.SwitchHeaderSize+wire.NonceOrHandleSize {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}

	swIn, err := wire.ParseSwitchHeader(datagram)
	if err != nil {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}
	forwardLabel := wire.ReverseLabel(swIn.Label())
	nonceOrHandle := binary.BigEndian.Uint32(datagram[wire.SwitchHeaderSize : wire.SwitchHeaderSize+wire.NonceOrHandleSize])
	rest := datagram[wire.SwitchHeaderSize+wire.NonceOrHandleSize:]

	switch {
	case nonceOrHandle == wire.ControlMarker:
		rh := wire.RouteHeader{
			Switch: wire.NewSwitchHeader(forwardLabel, swIn.SuppressErrors()),
			Flags:  wire.FlagIncoming | wire.FlagCtrlMsg,
		}
		out := append(rh.Marshal(), rest...)
		return mgr.insideIface.SendInside(out)

	case nonceOrHandle > wire.HandshakeNonceMax:
		return mgr.handleDataFrameLocked(swIn, forwardLabel, nonceOrHandle, rest)

	default:
		return mgr.handleHandshakeFrameLocked(swIn, forwardLabel, rest)
	}
}

// handleDataFrameLocked implements the `> 3` branch of step 3.
func (mgr *Manager) handleDataFrameLocked(swIn wire.SwitchHeader, forwardLabel uint64, handle uint32, rest []byte) error {
	sess, ok := mgr.getByHandle(handle)
	if !ok {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonUnknownHandle).Inc()
		return ErrUnknownHandle
	}
	if len(rest) < wire.NonceOrHandleSize {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}
	pktNum := binary.BigEndian.Uint32(rest[:wire.NonceOrHandleSize])
	if pktNum <= wire.HandshakeNonceMax {
		// A setup nonce must never appear alongside a handle.
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonBadFlags).Inc()
		return ErrBadFlags
	}
	ciphertext := rest[wire.NonceOrHandleSize:]
	return mgr.decryptAndDeliverLocked(sess, swIn, forwardLabel, false, pktNum, ciphertext)
}

// handleHandshakeFrameLocked implements the `0..3` branch of step
// 3: derive the peer's address from the crypto header, find-or-create its
// session, and continue into the shared decrypt/deliver path.
func (mgr *Manager) handleHandshakeFrameLocked(swIn wire.SwitchHeader, forwardLabel uint64, rest []byte) error {
	if len(rest) < wire.CryptoHeaderSize {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}
	ch, err := wire.ParseCryptoHeader(rest)
	if err != nil {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}
	peerIP, validAddr := wire.DeriveIPv6(ch.PublicKey)
	if !validAddr {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonInvalidAddress).Inc()
		return ErrInvalidAddress
	}
	if cryptoauth.ConstantTimeEqual(ch.PublicKey, mgr.identity.Public) {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonLoopback).Inc()
		return ErrLoopback
	}

	sess, err := mgr.getOrCreate(peerIP, ch.PublicKey, 0, forwardLabel, SMIncoming, false)
	if err != nil {
		return err
	}
	if err := sess.ca.LearnPeerKey(ch.PublicKey); err != nil {
		return fmt.Errorf("learn peer key: %w", err)
	}
	sess.ca.ResetIfTimeout(mgr.now())

	ciphertext := rest[wire.CryptoHeaderSize:]
	return mgr.decryptAndDeliverLocked(sess, swIn, forwardLabel, true, 0, ciphertext)
}

// decryptAndDeliverLocked implements steps 4-6 of §4.2: attempt the
// decrypt, emit a suppressed control-error reply on failure, or reconcile
// session bookkeeping and forward the plaintext inside on success.
func (mgr *Manager) decryptAndDeliverLocked(sess *Session, swIn wire.SwitchHeader, forwardLabel uint64, handshake bool, pktNum uint32, ciphertext []byte) error {
	var first16 [16]byte
	copy(first16[:], ciphertext)

	plaintext, err := sess.ca.Decrypt(ciphertext, pktNum, nil)
	if err != nil {
		return mgr.sendDecryptErrorLocked(sess, swIn, first16)
	}

	if handshake {
		if len(plaintext) < wire.NonceOrHandleSize {
			mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
			return ErrRunt
		}
		peerSendHandle := binary.BigEndian.Uint32(plaintext[:wire.NonceOrHandleSize])
		sess.mu.Lock()
		sess.sendHandle = peerSendHandle
		sess.mu.Unlock()
		plaintext = plaintext[wire.NonceOrHandleSize:]
	}

	dh, err := wire.ParseDataHeader(plaintext)
	if err != nil {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonRunt).Inc()
		return ErrRunt
	}

	now := mgr.now()
	sess.mu.Lock()
	sess.bytesIn += uint64(len(ciphertext))
	sess.timeOfKeepAliveIn = now
	if dh.ContentType != wire.ContentTypeDHT {
		sess.timeOfLastIn = now
	}
	labelChanged := sess.recvSwitchLabel != forwardLabel
	if labelChanged {
		sess.recvSwitchLabel = forwardLabel
	}
	ip := sess.ip6
	pub := sess.ca.PeerPublicKey()
	version := sess.version
	sess.mu.Unlock()

	if labelChanged {
		mgr.emitDiscoveredPath(sess)
	}

	rh := wire.RouteHeader{
		Switch:    wire.NewSwitchHeader(forwardLabel, swIn.SuppressErrors()),
		Flags:     wire.FlagIncoming,
		Version:   version,
		PublicKey: pub,
		IP6:       ip,
	}
	out := append(rh.Marshal(), plaintext...)
	return mgr.insideIface.SendInside(out)
}

// sendDecryptErrorLocked builds and emits the failed-decrypt control reply
// (§4.2 step 5, §7 category 3): the original first 16 ciphertext
// bytes, an error code, and the crypto session's current state, wrapped in
// a control-ERROR(AUTHENTICATION) header with suppress-errors set so the
// peer can never elicit a reply-to-a-reply cascade.
func (mgr *Manager) sendDecryptErrorLocked(sess *Session, swIn wire.SwitchHeader, first16 [16]byte) error {
	mgr.metrics.DecryptFailures.Inc()
	state := sess.ca.State()
	mgr.log.Debug("decrypt failed", slog.String("ip6", addrString(sess.IP6())), slog.String("state", state.String()))

	envelope := make([]byte, 16+4+4)
	copy(envelope[0:16], first16[:])
	binary.BigEndian.PutUint32(envelope[16:20], decryptErrorAuthentication)
	binary.BigEndian.PutUint32(envelope[20:24], uint32(state))

	ctrl := wire.ControlHeader{Type: wire.ControlTypeError, Subtype: wire.ControlSubtypeAuthentication}
	ctrl.Checksum = wire.Checksum16(envelope)
	ctrlBytes := ctrl.Marshal()

	errSw := wire.NewSwitchHeader(swIn.Label(), true)
	out := make([]byte, 0, wire.SwitchHeaderSize+wire.NonceOrHandleSize+wire.ControlHeaderSize+len(envelope))
	sw := errSw.Marshal()
	out = append(out, sw[:]...)
	marker := make([]byte, wire.NonceOrHandleSize)
	binary.BigEndian.PutUint32(marker, wire.ControlMarker)
	out = append(out, marker...)
	out = append(out, ctrlBytes[:]...)
	out = append(out, envelope...)
	return mgr.switchIface.SendSwitch(out)
}
