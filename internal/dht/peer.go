package dht

import (
	"net"
	"strconv"

	"golang.org/x/crypto/nacl/sign"
)

// VerifyKeyOffset is where the raw verification key starts inside a signed
// public key blob: the first sign.Overhead (64) bytes are the certifying
// signature, the remaining 32 bytes are the Ed25519 verification key.
const VerifyKeyOffset = sign.Overhead

// VerifyKeySize is the length of a raw verification key.
const VerifyKeySize = 32

// SignedPubkeySize is the length of a well-formed signed public key blob.
const SignedPubkeySize = VerifyKeyOffset + VerifyKeySize

// Peer describes a node on the network: its 160-bit identifier, its
// address, and its self-certified public key.
type Peer struct {
	ID           NodeID
	IP           net.IP
	Port         int
	SignedPubkey []byte
}

// Addr returns the peer's UDP dial address.
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// VerifyKey extracts the raw verification key embedded in the peer's signed
// public key blob. ok is false when the blob is malformed.
func (p *Peer) VerifyKey() ([]byte, bool) {
	if len(p.SignedPubkey) != SignedPubkeySize {
		return nil, false
	}
	return p.SignedPubkey[VerifyKeyOffset:], true
}

// Verify reports whether sig authenticates msg under the raw verification
// key pub. The signed-message layout is NaCl's: signature followed by the
// message. Malformed key material or signatures fail, they never panic.
func Verify(msg, sig, pub []byte) bool {
	if len(pub) != VerifyKeySize || len(sig) != sign.Overhead {
		return false
	}
	var key [VerifyKeySize]byte
	copy(key[:], pub)
	signed := make([]byte, 0, len(sig)+len(msg))
	signed = append(signed, sig...)
	signed = append(signed, msg...)
	_, ok := sign.Open(nil, signed, &key)
	return ok
}
