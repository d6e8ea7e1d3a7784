// Package cryptoauth implements the per-peer authenticated-encryption
// session the session manager builds on: key agreement over Curve25519,
// per-direction key derivation via HKDF, and ChaCha20-Poly1305 AEAD framing.
//
// This stands in for the external CryptoAuth collaborator described at its
// interface only by the session-manager specification (handshake state
// machine, decrypt, encrypt, reset-if-timeout). It implements a simplified
// single-round-trip handshake: each side advertises its keypair (the node's
// stable identity keypair, or a fresh one from NewSession), exchanges
// public keys in the clear on the first handshake frame, and
// derives two directional keys from the shared secret. It is not a
// from-scratch protocol design; the key-agreement and AEAD framing below
// are adapted from the gametunnel transport's crypto.go in the retrieval
// pack, generalized from a single fixed role (client/server) to the
// symmetric "either side may initiate" model the session manager needs.
package cryptoauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/overlaymesh/sessiond/internal/wire"
)

// State is a handshake-phase milestone. Sessions only ever move forward,
// except for an explicit ResetIfTimeout.
type State int32

const (
	// StateNew is the initial state: no peer key and no derived session
	// keys yet.
	StateNew State = iota
	// StateSentKey means our public key has been placed in an
	// outbound handshake frame but no reply has been authenticated yet.
	StateSentKey
	// StateReceivedKey means we have derived session keys from the peer's
	// ephemeral key and successfully decrypted at least one frame from
	// them. The session is ready for data.
	StateReceivedKey
	// StateEstablished means a further frame has been successfully
	// decrypted after StateReceivedKey was reached.
	StateEstablished
)

// String renders a human-readable state name for logging and admin stats.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSentKey:
		return "SENT_KEY"
	case StateReceivedKey:
		return "RECEIVED_KEY"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotReady is returned by Encrypt when no session keys have been derived
// yet (the handshake hasn't produced a shared secret).
var ErrNotReady = errors.New("cryptoauth: session keys not yet derived")

// ErrAuthenticationFailed is returned by Decrypt on an AEAD tag mismatch.
var ErrAuthenticationFailed = errors.New("cryptoauth: authentication failed")

// ErrZeroSharedSecret is returned when ECDH yields an all-zero result, which
// would indicate a low-order point attack.
var ErrZeroSharedSecret = errors.New("cryptoauth: computed shared secret is zero")

const (
	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSize

	hkdfSalt     = "overlaymesh-sessiond-v1-salt"
	hkdfInfoAtoB = "overlaymesh a-to-b"
	hkdfInfoBtoA = "overlaymesh b-to-a"

	replayWindow   = 64 // bitmap width for out-of-order / duplicate detection
	handshakeRetry = 5 * time.Second
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  wire.PublicKey
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("compute public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Stats are the replay/loss counters the admin view surfaces per session.
type Stats struct {
	Duplicates         uint64
	LostPackets        uint64
	ReceivedOutOfRange uint64
}

// Session is a per-peer authenticated-encryption channel.
type Session struct {
	mu sync.Mutex

	local    KeyPair
	peerPub  wire.PublicKey
	havePeer bool

	sendKey [keySize]byte
	recvKey [keySize]byte
	ready   bool

	state         State
	lastHandshake time.Time

	sendCounter uint32
	recvHighest uint32
	recvSeen    uint64 // bitmap of the replayWindow packet numbers below recvHighest

	stats Stats
}

// NewSession creates a fresh CryptoAuth session with a newly generated local
// keypair. It exists for tests and other callers with no stable node
// identity to advertise; the session manager itself always goes through
// NewSessionWithIdentity so that every session a node holds advertises the
// same address-deriving keypair.
func NewSession(peerPub wire.PublicKey) (*Session, error) {
	local, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return newSession(local, peerPub), nil
}

// NewSessionWithIdentity creates a CryptoAuth session that advertises local
// as its handshake keypair. The session manager calls this with the node's
// single stable identity keypair for every session it creates: the
// self-certifying address derivation requires a peer's
// advertised key, and therefore its address, to never change across
// sessions or handshake resets. If peerPub is non-zero the session already
// knows who it is talking to (the common case for sessions created from an
// outbound packet carrying a known key); otherwise the peer key becomes
// known only once a handshake frame arrives.
func NewSessionWithIdentity(local KeyPair, peerPub wire.PublicKey) *Session {
	return newSession(local, peerPub)
}

func newSession(local KeyPair, peerPub wire.PublicKey) *Session {
	s := &Session{
		local:         local,
		lastHandshake: time.Now(),
		// sendCounter starts at 3 so the first packet number is 4: wire
		// nonces below 4 are reserved for the handshake-phase marker
		// range, so our own encoder must never emit one.
		sendCounter: 3,
	}
	if !peerPub.Zero() {
		s.peerPub = peerPub
		s.havePeer = true
	}
	return s
}

// LocalPublicKey returns the public key this session advertises in its
// handshake frames.
func (s *Session) LocalPublicKey() wire.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Public
}

// PeerPublicKey returns the peer's public key, which may still be the zero
// value if it hasn't been learned yet.
func (s *Session) PeerPublicKey() wire.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerPub
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the replay/loss counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// deriveKeysLocked computes the shared secret and the two directional AEAD
// keys. Must be called with s.mu held.
func (s *Session) deriveKeysLocked() error {
	shared, err := curve25519.X25519(s.local.Private[:], s.peerPub[:])
	if err != nil {
		return fmt.Errorf("ecdh: %w", err)
	}
	if allZero(shared) {
		return ErrZeroSharedSecret
	}

	// The lexical order of the two public keys picks which HKDF info string
	// each direction uses, so both sides derive the same sendKey/recvKey
	// pairing without needing to agree on "client" / "server" roles up front.
	sendInfo, recvInfo := hkdfInfoAtoB, hkdfInfoBtoA
	if !lessPublicKey(s.local.Public, s.peerPub) {
		sendInfo, recvInfo = hkdfInfoBtoA, hkdfInfoAtoB
	}

	send, err := hkdfExpand(shared, sendInfo)
	if err != nil {
		return err
	}
	recv, err := hkdfExpand(shared, recvInfo)
	if err != nil {
		return err
	}
	s.sendKey = send
	s.recvKey = recv
	s.ready = true
	return nil
}

func hkdfExpand(ikm []byte, info string) ([keySize]byte, error) {
	var out [keySize]byte
	r := hkdf.New(sha256.New, ikm, []byte(hkdfSalt), []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

func allZero(b []byte) bool {
	var v byte
	for _, c := range b {
		v |= c
	}
	return v == 0
}

func lessPublicKey(a, b wire.PublicKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LearnPeerKey records the peer's public key from a handshake frame and
// derives session keys if they have not been derived yet. Calling it again
// with the same key is a no-op; calling it with a different key re-derives.
// (The identity invariant is checked one layer up, at index lookup time,
// not here.)
func (s *Session) LearnPeerKey(pub wire.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.havePeer && s.peerPub == pub && s.ready {
		return nil
	}
	s.peerPub = pub
	s.havePeer = true
	return s.deriveKeysLocked()
}

func buildNonce(packetNumber uint32) [nonceSize]byte {
	var nonce [nonceSize]byte
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], packetNumber)
	return nonce
}

// Encrypt seals plaintext for the next packet number, authenticating
// additionalData (typically the unencrypted header) alongside it. The
// returned ciphertext includes the Poly1305 tag.
func (s *Session) Encrypt(plaintext, additionalData []byte) (ciphertext []byte, packetNumber uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, 0, ErrNotReady
	}
	aead, err := chacha20poly1305.New(s.sendKey[:])
	if err != nil {
		return nil, 0, fmt.Errorf("build send cipher: %w", err)
	}
	s.sendCounter++
	pn := s.sendCounter
	nonce := buildNonce(pn)
	ciphertext = aead.Seal(nil, nonce[:], plaintext, additionalData)
	return ciphertext, pn, nil
}

// EncryptHandshake seals a handshake-phase frame under the reserved packet
// number 0, the counterpart to the wire format's 0..3 handshake-nonce range:
// handshake frames carry their phase marker inline instead of a transmitted
// packet number, so encrypt and decrypt must agree on a fixed nonce out of
// band rather than negotiating one over the wire. It never touches
// sendCounter, so the first ordinary Encrypt call afterward still begins at
// packet number 4.
func (s *Session) EncryptHandshake(plaintext, additionalData []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, ErrNotReady
	}
	aead, err := chacha20poly1305.New(s.sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("build send cipher: %w", err)
	}
	nonce := buildNonce(0)
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Decrypt opens ciphertext sealed with packetNumber, returning
// ErrAuthenticationFailed on any tag mismatch. It also updates the replay
// bookkeeping surfaced via Stats.
func (s *Session) Decrypt(ciphertext []byte, packetNumber uint32, additionalData []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, ErrNotReady
	}

	if s.recvHighest != 0 || packetNumber != 0 {
		if packetNumber+replayWindow <= s.recvHighest {
			s.stats.ReceivedOutOfRange++
			return nil, ErrAuthenticationFailed
		}
		if packetNumber <= s.recvHighest {
			bit := uint64(1) << (s.recvHighest - packetNumber)
			if s.recvSeen&bit != 0 {
				s.stats.Duplicates++
				return nil, ErrAuthenticationFailed
			}
			s.recvSeen |= bit
		}
	}

	aead, err := chacha20poly1305.New(s.recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("build recv cipher: %w", err)
	}
	nonce := buildNonce(packetNumber)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	if packetNumber > s.recvHighest {
		shift := packetNumber - s.recvHighest
		if shift >= 64 {
			s.recvSeen = 1
		} else {
			s.recvSeen = (s.recvSeen << shift) | 1
		}
		if s.recvHighest > 0 && shift > 1 {
			s.stats.LostPackets += uint64(shift - 1)
		}
		s.recvHighest = packetNumber
	}

	switch s.state {
	case StateNew, StateSentKey:
		s.state = StateReceivedKey
	case StateReceivedKey:
		s.state = StateEstablished
	}
	return plaintext, nil
}

// MarkSent records that our handshake public key has gone out on the wire,
// advancing StateNew to StateSentKey.
func (s *Session) MarkSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNew {
		s.state = StateSentKey
	}
	s.lastHandshake = time.Now()
}

// ResetIfTimeout clears handshake progress (but never the local identity
// keypair, which must stay stable for the session's address to stay
// self-certifying, and never an already-established session's derived keys)
// if no progress has been made within handshakeRetry, allowing a stuck
// handshake to be retried from scratch.
func (s *Session) ResetIfTimeout(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateReceivedKey {
		return
	}
	if now.Sub(s.lastHandshake) < handshakeRetry {
		return
	}
	s.state = StateNew
	s.ready = false
	s.lastHandshake = now
}

// ConstantTimeEqual compares two public keys without leaking timing, used
// when checking for the loopback (self-key) case on the switch ingress path.
func ConstantTimeEqual(a, b wire.PublicKey) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
