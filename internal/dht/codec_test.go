package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestPeerCodecRoundTrip(t *testing.T) {
	_, peer := newTestPeer(t, 18467)

	blob, err := MarshalPeer(peer)
	require.NoError(t, err)
	parsed, err := ParsePeer(blob)
	require.NoError(t, err)

	assert.Equal(t, peer.ID, parsed.ID)
	assert.True(t, peer.IP.Equal(parsed.IP))
	assert.Equal(t, peer.Port, parsed.Port)
	assert.Equal(t, peer.SignedPubkey, parsed.SignedPubkey)
}

func TestParsePeerRejectsMalformed(t *testing.T) {
	_, peer := newTestPeer(t, 18467)

	encode := func(t *testing.T, w wirePeer) []byte {
		t.Helper()
		b, err := bencode.EncodeBytes(w)
		require.NoError(t, err)
		return b
	}

	t.Run("garbage bytes", func(t *testing.T) {
		_, err := ParsePeer([]byte("definitely not bencode"))
		assert.Error(t, err)
	})
	t.Run("short id", func(t *testing.T) {
		_, err := ParsePeer(encode(t, wirePeer{ID: peer.ID[:10], IP: "127.0.0.1", Port: 1, Pub: peer.SignedPubkey}))
		assert.Error(t, err)
	})
	t.Run("short pubkey", func(t *testing.T) {
		_, err := ParsePeer(encode(t, wirePeer{ID: peer.ID[:], IP: "127.0.0.1", Port: 1, Pub: peer.SignedPubkey[:40]}))
		assert.Error(t, err)
	})
	t.Run("bad ip", func(t *testing.T) {
		_, err := ParsePeer(encode(t, wirePeer{ID: peer.ID[:], IP: "nowhere", Port: 1, Pub: peer.SignedPubkey}))
		assert.Error(t, err)
	})
	t.Run("bad port", func(t *testing.T) {
		_, err := ParsePeer(encode(t, wirePeer{ID: peer.ID[:], IP: "127.0.0.1", Port: 0, Pub: peer.SignedPubkey}))
		assert.Error(t, err)
		_, err = ParsePeer(encode(t, wirePeer{ID: peer.ID[:], IP: "127.0.0.1", Port: 70000, Pub: peer.SignedPubkey}))
		assert.Error(t, err)
	})
}
