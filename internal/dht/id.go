package dht

import (
	"bytes"
	crand "crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"
	"math/rand"
	"sync"
	"time"
)

// IDLength is the size of a node identifier in bytes (160 bits).
const IDLength = 20

// NodeID identifies a node in the DHT. Storage keywords live in the same
// 160-bit space, so "nodes nearest a keyword" is well-defined.
type NodeID [IDLength]byte

// Digest maps arbitrary bytes into the ID space.
func Digest(b []byte) NodeID {
	return NodeID(sha1.Sum(b))
}

// IDFromBytes converts a raw 20-byte slice into a NodeID.
func IDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid node ID length %d, want %d", len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a hex-encoded NodeID.
func IDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node ID: %w", err)
	}
	return IDFromBytes(b)
}

// RandomID returns a uniformly random NodeID.
func RandomID() NodeID {
	var id NodeID
	crand.Read(id[:])
	return id
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the XOR metric between two IDs, compared as an unsigned
// 160-bit integer. Smaller means closer.
type Distance [IDLength]byte

// DistanceTo computes the XOR distance between id and other.
func (id NodeID) DistanceTo(other NodeID) Distance {
	var d Distance
	for i := 0; i < IDLength; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether d is strictly smaller than other.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// PrefixLen returns the number of leading zero bits in the distance, which
// is the index of the routing bucket the far endpoint belongs to.
func (d Distance) PrefixLen() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDLength * 8
}

// IDRange is a contiguous, inclusive range of the ID space. The routing
// table reports one per bucket needing a refresh lookup.
type IDRange struct {
	Low  NodeID
	High NodeID
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomIDInRange picks a uniformly random ID in [r.Low, r.High].
func RandomIDInRange(r IDRange) NodeID {
	lo := new(big.Int).SetBytes(r.Low[:])
	hi := new(big.Int).SetBytes(r.High[:])
	span := new(big.Int).Sub(hi, lo)
	span.Add(span, big.NewInt(1))

	rngMu.Lock()
	n := new(big.Int).Rand(rng, span)
	rngMu.Unlock()
	n.Add(n, lo)

	var id NodeID
	n.FillBytes(id[:])
	return id
}
