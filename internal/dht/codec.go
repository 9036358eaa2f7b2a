package dht

import (
	"fmt"
	"net"

	"github.com/zeebo/bencode"
)

// wirePeer is the on-the-wire shape of a peer descriptor. The same encoding
// is used in FIND_NODE/FIND_VALUE replies and inside pointer records.
type wirePeer struct {
	ID   []byte `bencode:"id"`
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
	Pub  []byte `bencode:"pub"`
}

// MarshalPeer serializes a peer descriptor.
func MarshalPeer(p *Peer) ([]byte, error) {
	return bencode.EncodeBytes(wirePeer{
		ID:   p.ID[:],
		IP:   p.IP.String(),
		Port: int64(p.Port),
		Pub:  p.SignedPubkey,
	})
}

// ParsePeer deserializes a peer descriptor, validating the ID and key blob
// lengths. It returns an error on any malformed input and never panics, so
// callers can treat stored values as untrusted.
func ParsePeer(b []byte) (*Peer, error) {
	var w wirePeer
	if err := bencode.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("decode peer descriptor: %w", err)
	}
	id, err := IDFromBytes(w.ID)
	if err != nil {
		return nil, err
	}
	if len(w.Pub) != SignedPubkeySize {
		return nil, fmt.Errorf("invalid signed pubkey length %d, want %d", len(w.Pub), SignedPubkeySize)
	}
	ip := net.ParseIP(w.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid peer IP %q", w.IP)
	}
	if w.Port <= 0 || w.Port > 65535 {
		return nil, fmt.Errorf("invalid peer port %d", w.Port)
	}
	return &Peer{ID: id, IP: ip, Port: int(w.Port), SignedPubkey: w.Pub}, nil
}
