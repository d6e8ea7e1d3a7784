// Package wire defines the on-the-wire header layouts shared by the
// switch-facing and inside-facing interfaces, along with the small set of
// address and label primitives the session manager needs to interpret them.
package wire

import (
	"crypto/sha512"
	"math/bits"
)

// AddressPrefix is the first byte every valid self-certifying IPv6 address
// must carry.
const AddressPrefix = 0xFC

// IPv6 is a 16-byte self-certifying mesh address.
type IPv6 [16]byte

// IsValid reports whether ip carries the required address prefix.
func (ip IPv6) IsValid() bool {
	return ip[0] == AddressPrefix
}

// Zero reports whether every byte of ip is zero.
func (ip IPv6) Zero() bool {
	return ip == IPv6{}
}

// PublicKey is a 32-byte Curve25519 public key identifying a peer.
type PublicKey [32]byte

// Zero reports whether every byte of the key is zero.
func (k PublicKey) Zero() bool {
	return k == PublicKey{}
}

// DeriveIPv6 computes the self-certifying address for a public key by double
// hashing it with SHA-512 and truncating to the low 16 bytes, the same
// construction cjdns-family addressing schemes use. It fails (ok=false) when
// the derived address does not carry AddressPrefix — such a key is rejected
// on sight.
func DeriveIPv6(pub PublicKey) (ip IPv6, ok bool) {
	h1 := sha512.Sum512(pub[:])
	h2 := sha512.Sum512(h1[:])
	copy(ip[:], h2[:16])
	return ip, ip.IsValid()
}

// ReverseLabel bit-reverses a 64-bit switch label. The switch fabric
// delivers labels reversed relative to the forward path; the same function
// converts in either direction since reversal is its own inverse.
func ReverseLabel(label uint64) uint64 {
	return bits.Reverse64(label)
}
