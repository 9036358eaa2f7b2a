package dht

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/nacl/sign"
	"gopkg.in/yaml.v3"
)

// Identity is the local node's long-lived key material. The signed public
// key blob is self-certified: the node signs its own verification key, and
// the node ID is the digest of the resulting blob. Anyone holding a peer
// descriptor can therefore check that the ID, the key, and the certificate
// belong together.
type Identity struct {
	privateKey   *[64]byte
	signedPubkey []byte
	id           NodeID
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := sign.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return identityFromKey(priv, pub), nil
}

func identityFromKey(priv *[64]byte, pub *[32]byte) *Identity {
	signedPubkey := sign.Sign(nil, pub[:], priv)
	return &Identity{
		privateKey:   priv,
		signedPubkey: signedPubkey,
		id:           Digest(signedPubkey),
	}
}

// ID returns the node identifier derived from the signed public key.
func (i *Identity) ID() NodeID { return i.id }

// SignedPubkey returns the self-certified public key blob.
func (i *Identity) SignedPubkey() []byte { return i.signedPubkey }

// Sign produces a detached signature over msg.
func (i *Identity) Sign(msg []byte) []byte {
	signed := sign.Sign(nil, msg, i.privateKey)
	return signed[:sign.Overhead]
}

// Peer builds the local node's own descriptor for the given address.
func (i *Identity) Peer(ip net.IP, port int) *Peer {
	return &Peer{ID: i.id, IP: ip, Port: port, SignedPubkey: i.signedPubkey}
}

type identityFile struct {
	PrivateKey string `yaml:"private_key"`
}

// SaveIdentity writes the identity's private key to path with owner-only
// permissions.
func SaveIdentity(i *Identity, path string) error {
	data, err := yaml.Marshal(identityFile{PrivateKey: hex.EncodeToString(i.privateKey[:])})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity previously written by SaveIdentity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	raw, err := hex.DecodeString(f.PrivateKey)
	if err != nil || len(raw) != 64 {
		return nil, fmt.Errorf("identity file holds an invalid private key")
	}
	var priv [64]byte
	copy(priv[:], raw)
	var pub [32]byte
	copy(pub[:], raw[32:])
	return identityFromKey(&priv, &pub), nil
}
