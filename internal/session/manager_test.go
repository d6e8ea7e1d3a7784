package session

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSwitchSender and fakeInsideSender record every datagram handed to
// them, in order, for assertion by the test driving HandleSwitch/HandleInside.
type fakeSwitchSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSwitchSender) SendSwitch(d []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), d...))
	return nil
}

func (f *fakeSwitchSender) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fakeInsideSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeInsideSender) SendInside(d []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), d...))
	return nil
}

func (f *fakeInsideSender) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// fakeEventPublisher stands in for the pathfinder's event-bus endpoint: it
// parses and records every frame the manager publishes.
type fakeEventPublisher struct {
	mu        sync.Mutex
	published []wire.Frame
}

func (f *fakeEventPublisher) Publish(event []byte) error {
	frame, err := wire.ParseFrame(event)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeEventPublisher) frames() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Frame(nil), f.published...)
}

func (f *fakeEventPublisher) of(tag wire.EventTag) []wire.Frame {
	var out []wire.Frame
	for _, fr := range f.frames() {
		if fr.Event == tag {
			out = append(out, fr)
		}
	}
	return out
}

// fakeClock lets a test control mgr.now() directly instead of waiting on
// wall-clock time, the same role WithClock plays in production for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig returns tunables generous enough that nothing times out or
// expires by accident; individual tests narrow whichever field they mean to
// exercise.
func testConfig() Config {
	return Config{
		SessionTimeout:      time.Hour,
		SessionSearchAfter:  time.Hour,
		MaxBufferedMessages: 16,
		BufferLifetime:      time.Hour,
		HousekeeperInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, cfg Config, clock *fakeClock) (mgr *Manager, sw *fakeSwitchSender, in *fakeInsideSender, bus *fakeEventPublisher, identity cryptoauth.KeyPair) {
	t.Helper()
	identity, err := cryptoauth.GenerateKeyPair()
	require.NoError(t, err)

	sw = &fakeSwitchSender{}
	in = &fakeInsideSender{}
	bus = &fakeEventPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Each test gets its own registry: NewMetrics registers against
	// prometheus.DefaultRegisterer when none is supplied, and that registry
	// is a process-wide global that would reject a second registration of
	// the same metric names from the next test's manager.
	opts := []Option{WithMetrics(NewMetrics(prometheus.NewRegistry()))}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}

	mgr, err = NewManager(identity, cfg, sw, in, bus, log, opts...)
	require.NoError(t, err)
	return mgr, sw, in, bus, identity
}

// newPeerHandshakeSession builds the CryptoAuth session a peer ("bob") would
// use to originate the first handshake frame toward identity ("alice"): bob
// already knows alice's public key (the common case for the routing fabric
// addressing a known destination), so key derivation happens immediately
// rather than waiting on a reply. Bob's keypair is regenerated until it
// derives a valid address, since handshakes from any other key are rejected.
func newPeerHandshakeSession(t *testing.T, alice cryptoauth.KeyPair) (bobCA *cryptoauth.Session, bob cryptoauth.KeyPair) {
	t.Helper()
	for {
		kp, err := cryptoauth.GenerateKeyPair()
		require.NoError(t, err)
		if _, ok := wire.DeriveIPv6(kp.Public); ok {
			bob = kp
			break
		}
	}
	bobCA = cryptoauth.NewSessionWithIdentity(bob, alice.Public)
	require.NoError(t, bobCA.LearnPeerKey(alice.Public))
	return bobCA, bob
}

// buildHandshakeDatagram assembles a switch-facing handshake-phase frame:
// switch header, phase-0 marker, crypto header, and a CryptoAuth-sealed
// envelope carrying the peer's offered receive handle ahead of the data
// header and payload.
func buildHandshakeDatagram(t *testing.T, label uint64, senderCA *cryptoauth.Session, senderPub wire.PublicKey, offeredHandle uint32, dh wire.DataHeader, payload []byte) []byte {
	t.Helper()
	plaintext := make([]byte, wire.NonceOrHandleSize)
	binary.BigEndian.PutUint32(plaintext, offeredHandle)
	dhBytes := dh.Marshal()
	plaintext = append(plaintext, dhBytes[:]...)
	plaintext = append(plaintext, payload...)

	ciphertext, err := senderCA.EncryptHandshake(plaintext, nil)
	require.NoError(t, err)

	sw := wire.NewSwitchHeader(label, false).Marshal()
	ch := wire.CryptoHeader{PublicKey: senderPub}.Marshal()

	out := make([]byte, 0, len(sw)+wire.NonceOrHandleSize+len(ch)+len(ciphertext))
	out = append(out, sw[:]...)
	out = append(out, make([]byte, wire.NonceOrHandleSize)...) // phase marker 0
	out = append(out, ch[:]...)
	out = append(out, ciphertext...)
	return out
}

// buildDataDatagram assembles a switch-facing data-phase frame addressed by
// handle.
func buildDataDatagram(label uint64, handle, pktNum uint32, ciphertext []byte) []byte {
	sw := wire.NewSwitchHeader(label, false).Marshal()
	out := make([]byte, 0, len(sw)+2*wire.NonceOrHandleSize+len(ciphertext))
	out = append(out, sw[:]...)
	hbuf := make([]byte, wire.NonceOrHandleSize)
	binary.BigEndian.PutUint32(hbuf, handle)
	out = append(out, hbuf...)
	pbuf := make([]byte, wire.NonceOrHandleSize)
	binary.BigEndian.PutUint32(pbuf, pktNum)
	out = append(out, pbuf...)
	out = append(out, ciphertext...)
	return out
}

// buildRouteDatagram assembles an inside-facing frame: route header, data
// header, payload.
func buildRouteDatagram(rh wire.RouteHeader, dh wire.DataHeader, payload []byte) []byte {
	dhBytes := dh.Marshal()
	out := append([]byte{}, rh.Marshal()...)
	out = append(out, dhBytes[:]...)
	out = append(out, payload...)
	return out
}

// Scenario: handshake-then-data. A peer's first handshake frame arrives on
// the switch interface; the manager must create a session, decrypt it, and
// forward the plaintext on to the inside interface with a populated route
// header.
func TestHandshakeThenData_SwitchToInside(t *testing.T) {
	mgr, _, insideSender, bus, aliceIdentity := newTestManager(t, testConfig(), nil)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	const arrivingLabel = uint64(0xAB12)
	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	payload := []byte("hello from bob")
	datagram := buildHandshakeDatagram(t, arrivingLabel, bobCA, bob.Public, 777, dh, payload)

	require.NoError(t, mgr.HandleSwitch(datagram))

	frames := insideSender.frames()
	require.Len(t, frames, 1)

	rh, err := wire.ParseRouteHeader(frames[0])
	require.NoError(t, err)
	require.True(t, rh.Flags.Has(wire.FlagIncoming))

	wantIP, ok := wire.DeriveIPv6(bob.Public)
	require.True(t, ok)
	require.Equal(t, wantIP, rh.IP6)
	require.Equal(t, bob.Public, rh.PublicKey)

	gotDH, err := wire.ParseDataHeader(frames[0][wire.RouteHeaderSize:])
	require.NoError(t, err)
	require.Equal(t, dh, gotDH)
	require.Equal(t, payload, frames[0][wire.RouteHeaderSize+wire.DataHeaderSize:])

	require.NotEmpty(t, bus.of(wire.CoreSESSION), "creating a session from an incoming handshake must announce it on the event bus")

	handles := mgr.ListHandles()
	require.Len(t, handles, 1)
	snap, ok := mgr.SessionStats(handles[0])
	require.True(t, ok)
	require.Equal(t, cryptoauth.StateReceivedKey, snap.State)
}

// Scenario: failed-decrypt. A data frame that fails authentication must
// never surface as a Go error from HandleSwitch; it instead elicits a
// suppressed control-ERROR(AUTHENTICATION) reply on the switch interface.
func TestFailedDecrypt_EmitsSuppressedControlError(t *testing.T) {
	mgr, switchSender, _, _, aliceIdentity := newTestManager(t, testConfig(), nil)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	handshake := buildHandshakeDatagram(t, 0xAB, bobCA, bob.Public, 777, dh, []byte("hi"))
	require.NoError(t, mgr.HandleSwitch(handshake))

	handles := mgr.ListHandles()
	require.Len(t, handles, 1)

	garbage := make([]byte, 48)
	for i := range garbage {
		garbage[i] = byte(i + 1)
	}
	corrupted := buildDataDatagram(0xAB, handles[0], 4, garbage)

	require.NoError(t, mgr.HandleSwitch(corrupted), "a failed decrypt must not surface as a Go error, only as a wire-visible reply")

	replies := switchSender.frames()
	require.Len(t, replies, 1)

	swHdr, err := wire.ParseSwitchHeader(replies[0])
	require.NoError(t, err)
	require.True(t, swHdr.SuppressErrors(), "a failed-decrypt reply must never itself elicit another reply")

	rest := replies[0][wire.SwitchHeaderSize:]
	marker := binary.BigEndian.Uint32(rest[:wire.NonceOrHandleSize])
	require.Equal(t, uint32(wire.ControlMarker), marker)

	ctrl, err := wire.ParseControlHeader(rest[wire.NonceOrHandleSize:])
	require.NoError(t, err)
	require.Equal(t, wire.ControlTypeError, ctrl.Type)
	require.Equal(t, wire.ControlSubtypeAuthentication, ctrl.Subtype)

	require.Equal(t, float64(1), testutil.ToFloat64(mgr.metrics.DecryptFailures))
}

// Scenario: outbound-needing-search. An outbound datagram to an address with
// no known session and no supplied key must be buffered and trigger a
// Core_SEARCH_REQ, not forwarded or dropped silently.
func TestOutboundNeedingSearch_BuffersAndEmitsSearchReq(t *testing.T) {
	mgr, _, _, bus, _ := newTestManager(t, testConfig(), nil)

	dest := testIP(0x42)
	rh := wire.RouteHeader{
		Switch:  wire.NewSwitchHeader(0, false),
		Version: 3,
		IP6:     dest,
	}
	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildRouteDatagram(rh, dh, []byte("outbound payload"))

	require.ErrorIs(t, mgr.HandleInside(datagram), ErrBuffered)

	searchEvents := bus.of(wire.CoreSEARCHREQ)
	require.Len(t, searchEvents, 1)
	sr, err := wire.ParseSearchReq(searchEvents[0].Payload)
	require.NoError(t, err)
	require.Equal(t, dest, sr.IP6)
	require.Equal(t, uint32(3), sr.Version)

	require.Equal(t, float64(1), testutil.ToFloat64(mgr.metrics.BufferedMessages))
}

// Scenario: path-replacement. A Pathfinder_NODE report of DEAD_LINK for the
// currently active outbound label must reconcile the session's send label
// per getOrCreate's DEAD_LINK branch.
func TestPathReplacement_DeadLinkReconciliation(t *testing.T) {
	mgr, _, _, _, aliceIdentity := newTestManager(t, testConfig(), nil)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildHandshakeDatagram(t, 0xABCD, bobCA, bob.Public, 777, dh, []byte("hi"))
	require.NoError(t, mgr.HandleSwitch(datagram))

	peerIP, ok := wire.DeriveIPv6(bob.Public)
	require.True(t, ok)

	sess, ok := mgr.getByIP6(peerIP)
	require.True(t, ok)
	sess.mu.Lock()
	require.Equal(t, sess.sendSwitchLabel, sess.recvSwitchLabel, "handshake reconciliation sets send and recv labels to the same forwarded label")
	forwardLabel := sess.sendSwitchLabel
	sess.mu.Unlock()

	mgr.HandleNodeEvent(wire.Node{IP6: peerIP, Metric: DeadLink, Path: forwardLabel})

	sess.mu.Lock()
	gotLabel, gotMetric := sess.sendSwitchLabel, sess.metric
	sess.mu.Unlock()
	require.Equal(t, DeadLink, gotMetric)
	require.Equal(t, uint64(0), gotLabel, "when send and recv labels already match, a dead-link report clears the send label rather than falling back to recv")
}

// Scenario: path-replacement, metric-adoption branch, and law L2 (metric
// monotonicity): a worse metric must never overwrite a better one, and a
// better-or-equal metric with a real label must replace the path.
func TestPathReplacement_MetricAdoptionIsMonotonic(t *testing.T) {
	mgr, _, _, _, aliceIdentity := newTestManager(t, testConfig(), nil)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildHandshakeDatagram(t, 0x1000, bobCA, bob.Public, 777, dh, []byte("hi"))
	require.NoError(t, mgr.HandleSwitch(datagram))

	peerIP, ok := wire.DeriveIPv6(bob.Public)
	require.True(t, ok)
	sess, ok := mgr.getByIP6(peerIP)
	require.True(t, ok)

	sess.mu.Lock()
	sess.metric = 500
	sess.mu.Unlock()

	mgr.HandleNodeEvent(wire.Node{IP6: peerIP, Metric: 9000, Path: 0x2000, Version: 1})
	sess.mu.Lock()
	require.Equal(t, uint32(500), sess.metric, "a worse metric must never replace a better one (metric monotonicity, law L2)")
	sess.mu.Unlock()

	mgr.HandleNodeEvent(wire.Node{IP6: peerIP, Metric: 100, Path: 0x3000, Version: 1})
	sess.mu.Lock()
	require.Equal(t, uint32(100), sess.metric)
	require.Equal(t, uint64(0x3000), sess.sendSwitchLabel)
	sess.mu.Unlock()
}

// Law L1: repeated, identical Pathfinder_NODE reports for an already-known
// path must be idempotent, never creating a second session for the same
// peer nor perturbing its reconciled state.
func TestIdempotentRefresh_RepeatedIdenticalNodeEventIsANoop(t *testing.T) {
	mgr, _, _, _, aliceIdentity := newTestManager(t, testConfig(), nil)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildHandshakeDatagram(t, 0x10, bobCA, bob.Public, 777, dh, []byte("hi"))
	require.NoError(t, mgr.HandleSwitch(datagram))
	require.Equal(t, 1, mgr.index.len())

	peerIP, _ := wire.DeriveIPv6(bob.Public)
	sess, ok := mgr.getByIP6(peerIP)
	require.True(t, ok)
	sess.mu.Lock()
	label, metric := sess.sendSwitchLabel, sess.metric
	sess.mu.Unlock()

	for i := 0; i < 3; i++ {
		mgr.HandleNodeEvent(wire.Node{IP6: peerIP, Metric: metric, Path: label, Version: 1})
	}

	require.Equal(t, 1, mgr.index.len(), "repeated identical node events must never create a second session for the same peer")
	sess.mu.Lock()
	require.Equal(t, label, sess.sendSwitchLabel)
	require.Equal(t, metric, sess.metric)
	sess.mu.Unlock()
}

// Law L3: a Pathfinder_SESSIONS request must re-emit exactly one Core_SESSION
// per live session, addressed to the requesting pathfinder.
func TestHandleSessionsRequest_BroadcastsOneCoreSessionPerLiveSession(t *testing.T) {
	mgr, _, _, bus, aliceIdentity := newTestManager(t, testConfig(), nil)

	const numPeers = 3
	for i := 0; i < numPeers; i++ {
		bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)
		dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
		datagram := buildHandshakeDatagram(t, uint64(0x100+i), bobCA, bob.Public, 1, dh, []byte("hi"))
		require.NoError(t, mgr.HandleSwitch(datagram))
	}
	require.Equal(t, numPeers, mgr.index.len())

	const requester uint32 = 0xAABBCCDD
	mgr.HandleSessionsRequest(requester)

	var toRequester []wire.Frame
	for _, fr := range bus.of(wire.CoreSESSION) {
		if fr.Target == requester {
			toRequester = append(toRequester, fr)
		}
	}
	require.Len(t, toRequester, numPeers, "the number of Core_SESSION events emitted for a Pathfinder_SESSIONS request must equal the number of live sessions at that instant (law L3)")
}

// Scenario: buffer-eviction-on-overflow. Once the outbound message store is
// at capacity and nothing has expired, a message for a new destination must
// be dropped rather than silently evicting an existing one.
func TestBufferEvictionOnOverflow_DropsWhenStoreIsFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedMessages = 1
	mgr, _, _, _, _ := newTestManager(t, cfg, nil)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	first := buildRouteDatagram(wire.RouteHeader{Switch: wire.NewSwitchHeader(0, false), IP6: testIP(1)}, dh, []byte("a"))
	second := buildRouteDatagram(wire.RouteHeader{Switch: wire.NewSwitchHeader(0, false), IP6: testIP(2)}, dh, []byte("b"))

	require.ErrorIs(t, mgr.HandleInside(first), ErrBuffered)
	require.Equal(t, 1, mgr.buffers.len())

	require.ErrorIs(t, mgr.HandleInside(second), ErrBuffered, "HandleInside still reports buffered even when the underlying store actually dropped the message")
	require.Equal(t, 1, mgr.buffers.len(), "the store must never exceed its configured capacity")
	require.False(t, mgr.buffers.has(testIP(2)), "the second destination must have been dropped, not silently evicting the first")

	require.Equal(t, float64(1), testutil.ToFloat64(mgr.metrics.FramesDropped.WithLabelValues(dropReasonBufferFull)))
}

// Scenario: session-timeout. A session idle past SessionTimeout must be torn
// down by a housekeeping pass, and only then.
func TestSessionTimeout_HousekeeperRemovesStaleSession(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	cfg := testConfig()
	cfg.SessionTimeout = time.Minute
	mgr, _, _, bus, aliceIdentity := newTestManager(t, cfg, clock)
	bobCA, bob := newPeerHandshakeSession(t, aliceIdentity)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildHandshakeDatagram(t, 0x77, bobCA, bob.Public, 1, dh, []byte("hi"))
	require.NoError(t, mgr.HandleSwitch(datagram))
	require.Equal(t, 1, mgr.index.len())

	clock.Advance(30 * time.Second)
	mgr.runHousekeepingPass()
	require.Equal(t, 1, mgr.index.len(), "a session within its timeout window must survive a housekeeping pass")

	clock.Advance(2 * time.Minute)
	mgr.runHousekeepingPass()
	require.Equal(t, 0, mgr.index.len(), "a session idle past SessionTimeout must be torn down by the housekeeper")

	require.Len(t, bus.of(wire.CoreSESSIONENDED), 1)
	require.Equal(t, float64(0), testutil.ToFloat64(mgr.metrics.Sessions))
	require.Equal(t, float64(1), testutil.ToFloat64(mgr.metrics.SessionsEnded))
}

// Law L4: a housekeeping pass must sweep outbound buffer entries older than
// BufferLifetime.
func TestBufferFreshness_HousekeeperSweepsExpiredBufferedMessages(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	cfg := testConfig()
	cfg.BufferLifetime = 5 * time.Second
	mgr, _, _, _, _ := newTestManager(t, cfg, clock)

	dh := wire.DataHeader{Version: 1, ContentType: wire.ContentTypeData}
	datagram := buildRouteDatagram(wire.RouteHeader{Switch: wire.NewSwitchHeader(0, false), IP6: testIP(9)}, dh, []byte("x"))
	require.ErrorIs(t, mgr.HandleInside(datagram), ErrBuffered)
	require.Equal(t, 1, mgr.buffers.len())

	clock.Advance(10 * time.Second)
	mgr.runHousekeepingPass()

	require.Equal(t, 0, mgr.buffers.len(), "a buffered message older than BufferLifetime must be swept by the housekeeper (law L4)")
	require.Equal(t, float64(0), testutil.ToFloat64(mgr.metrics.BufferedMessages))
}

// TestRunHousekeeperExitsCleanlyOnContextCancellation confirms the ticker
// loop RunHousekeeper drives leaves no goroutine behind once its context is
// cancelled, the property goleak.VerifyTestMain above checks across this
// entire package.
func TestRunHousekeeperExitsCleanlyOnContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.HousekeeperInterval = 5 * time.Millisecond
	mgr, _, _, _, _ := newTestManager(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.RunHousekeeper(ctx)
		close(done)
	}()

	// Let the ticker fire at least once before tearing the loop down, so
	// this exercises the same ticker-driven path production code takes
	// rather than just an immediate cancellation race.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHousekeeper did not return after context cancellation")
	}
}
