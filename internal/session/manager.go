// Package session implements the Session Manager described by the
// specification: a dual-keyed handle/IP index, per-peer cryptographic
// sessions, a short-term outbound buffer awaiting route discovery, switch-
// and inside-facing ingress dispatch, an event-bus endpoint talking to a
// pathfinder, and a periodic housekeeper. The manager is single-threaded
// and cooperative: every exported entry point is expected to be
// called from one goroutine (or serialized by the caller), and internally
// takes mgr.mu for the duration of the call.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

// Manager is the Session Manager: it owns every session, the handle/IP
// index, the buffered-message store, and the wiring to the switch, inside
// and event-bus interfaces. Structurally this generalizes the teacher
// package's Hub (a Connection-ID-keyed session table with a cleanup loop)
// to the dual-keyed, crypto-handshake-driven model the specification
// describes.
type Manager struct {
	mu sync.Mutex

	cfg Config
	log *slog.Logger

	identity cryptoauth.KeyPair

	index   *handleIndex
	buffers *messageStore
	metrics *Metrics

	switchIface SwitchSender
	insideIface InsideSender
	bus         EventPublisher

	now func() time.Time
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetrics registers (or replaces) the Prometheus metrics set.
func WithMetrics(m *Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the manager's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager constructs a Session Manager bound to a given node identity
// keypair. identity.Public is used to detect loopback handshakes, and the
// full keypair is handed to every CryptoAuth session this node originates
// or accepts, so every session this node holds advertises the same
// self-certifying address.
func NewManager(identity cryptoauth.KeyPair, cfg Config, switchIface SwitchSender, insideIface InsideSender, bus EventPublisher, log *slog.Logger, opts ...Option) (*Manager, error) {
	idx, err := newHandleIndex()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	mgr := &Manager{
		cfg:         cfg,
		log:         log.With(slog.String("component", "session_manager")),
		identity:    identity,
		index:       idx,
		buffers:     newMessageStore(cfg.MaxBufferedMessages, cfg.BufferLifetime),
		switchIface: switchIface,
		insideIface: insideIface,
		bus:         bus,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	if mgr.metrics == nil {
		mgr.metrics = NewMetrics(nil)
	}
	return mgr, nil
}

// checkKeyConsistency runs the lazy invariant check from §4.1: once a
// session's crypto session has learned the peer's key, the derived address
// must match the IPv6 the session is indexed under. A mismatch is a fatal
// assertion (memory corruption or protocol violation), never a recoverable
// error.
func (mgr *Manager) checkKeyConsistency(sess *Session) {
	sess.mu.Lock()
	alreadyFound := sess.foundKey
	sess.mu.Unlock()
	if alreadyFound {
		return
	}
	peerKey := sess.ca.PeerPublicKey()
	if peerKey.Zero() {
		return
	}
	derived, _ := wire.DeriveIPv6(peerKey)
	sess.mu.Lock()
	ip := sess.ip6
	sess.mu.Unlock()
	if derived != ip {
		keyConsistencyViolation(addrString(ip), addrString(derived))
	}
	sess.mu.Lock()
	sess.foundKey = true
	sess.mu.Unlock()
}

// getByIP6 looks up a session by address and runs the lazy key-consistency
// check on every successful lookup.
func (mgr *Manager) getByIP6(ip wire.IPv6) (*Session, bool) {
	sess, ok := mgr.index.getByIP6(ip)
	if ok {
		mgr.checkKeyConsistency(sess)
	}
	return sess, ok
}

// getByHandle looks up a session by receive handle and runs the lazy
// key-consistency check on every successful lookup.
func (mgr *Manager) getByHandle(h uint32) (*Session, bool) {
	sess, ok := mgr.index.getByHandle(h)
	if ok {
		mgr.checkKeyConsistency(sess)
	}
	return sess, ok
}

// getOrCreate implements §4.5: find-or-create a session for ip,
// reconciling path metadata (label, metric, version) from the caller's
// supplied fields. Must be called with mgr.mu held.
func (mgr *Manager) getOrCreate(ip wire.IPv6, pubKey wire.PublicKey, version uint32, label uint64, metric uint32, maintain bool) (*Session, error) {
	if !ip.IsValid() {
		return nil, ErrInvalidAddress
	}

	if sess, ok := mgr.getByIP6(ip); ok {
		sess.mu.Lock()
		if sess.version == 0 {
			sess.version = version
		}
		sess.maintainSession = sess.maintainSession || maintain

		switch {
		case metric == DeadLink && label == sess.sendSwitchLabel:
			if sess.sendSwitchLabel == sess.recvSwitchLabel {
				sess.sendSwitchLabel = 0
				sess.metric = DeadLink
			} else {
				sess.sendSwitchLabel = sess.recvSwitchLabel
				sess.metric = SMIncoming
			}
		case metric <= sess.metric && label != 0:
			sess.sendSwitchLabel = label
			if version != 0 {
				sess.version = version
			}
			sess.metric = metric
		}
		sess.mu.Unlock()
		return sess, nil
	}

	ca := cryptoauth.NewSessionWithIdentity(mgr.identity, pubKey)
	now := mgr.now()
	sess := &Session{
		ip6:               ip,
		ca:                ca,
		version:           version,
		sendSwitchLabel:   label,
		metric:            metric,
		maintainSession:   maintain,
		foundKey:          !pubKey.Zero(),
		createdAt:         now,
		timeOfLastIn:      now,
		timeOfLastOut:     now,
		timeOfKeepAliveIn: now,
		lastSearchTime:    now,
	}
	if sess.foundKey {
		derived, ok := wire.DeriveIPv6(pubKey)
		if !ok || derived != ip {
			keyConsistencyViolation(addrString(ip), addrString(derived))
		}
		// The peer's key is already known (e.g. supplied by the pathfinder),
		// so derive session keys now instead of waiting for a handshake
		// frame to arrive — an outbound-initiated session must be able to
		// encrypt its first handshake frame immediately.
		if err := ca.LearnPeerKey(pubKey); err != nil {
			return nil, fmt.Errorf("derive session keys for %s: %w", addrString(ip), err)
		}
	}

	mgr.index.insert(ip, sess)
	mgr.metrics.Sessions.Set(float64(mgr.index.len()))

	mgr.emitSession(sess)
	return sess, nil
}

// removeSession tears a session down: releases its slot, emits
// SESSION_ENDED, and updates metrics. Must be called with mgr.mu held.
func (mgr *Manager) removeSession(sess *Session) {
	mgr.index.remove(sess.index)
	mgr.metrics.Sessions.Set(float64(mgr.index.len()))
	mgr.metrics.SessionsEnded.Inc()
	mgr.emitSessionEnded(sess)
}

// needsLookup implements §4.4: buffer msg for ip and trigger a
// pathfinder search. Must be called with mgr.mu held.
func (mgr *Manager) needsLookup(ip wire.IPv6, msg []byte, version uint32) {
	now := mgr.now()
	if !mgr.buffers.put(ip, msg, now) {
		mgr.metrics.FramesDropped.WithLabelValues(dropReasonBufferFull).Inc()
		mgr.log.Warn("dropping outbound message, buffer full", slog.String("ip6", addrString(ip)))
		mgr.metrics.BufferedMessages.Set(float64(mgr.buffers.len()))
		return
	}
	mgr.metrics.BufferedMessages.Set(float64(mgr.buffers.len()))
	mgr.emitSearchReq(ip, version)
}

// addrString renders a wire.IPv6 using its colon-hex form. Shared by
// logging, error messages and the invariant-violation panic message.
func addrString(ip wire.IPv6) string {
	return formatAddress(ip)
}
