// Package crypto implements the node identity primitives the core market
// consumes as its Identity service (see spec.md §6): default identity
// generation, signing, and signature verification, plus a human-readable,
// bech32-encoded NodeId used throughout the data model wherever a
// SubscriptionId or Agreement must record an owning node.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"database/sql/driver"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// NodeIDPrefix is the bech32 human-readable prefix for market node ids.
const NodeIDPrefix = "golem"

// NodeID is a 20-byte node identity rendered with a bech32 prefix.
type NodeID struct {
	bytes [20]byte
}

// NewNodeID wraps a 20-byte address in a NodeID.
func NewNodeID(b []byte) (NodeID, error) {
	if len(b) != 20 {
		return NodeID{}, fmt.Errorf("crypto: node id must be 20 bytes, got %d", len(b))
	}
	var id NodeID
	copy(id.bytes[:], b)
	return id, nil
}

// MustNodeID wraps NewNodeID and panics on error; used for constants/tests.
func MustNodeID(b []byte) NodeID {
	id, err := NewNodeID(b)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the node id as a bech32 string with the NodeIDPrefix.
func (n NodeID) String() string {
	conv, err := bech32.ConvertBits(n.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(NodeIDPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw 20-byte node id.
func (n NodeID) Bytes() []byte {
	return append([]byte(nil), n.bytes[:]...)
}

// IsZero reports whether the node id has never been assigned.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Value implements driver.Valuer so gorm can persist a NodeID as its bech32
// text form.
func (n NodeID) Value() (driver.Value, error) {
	if n.IsZero() {
		return "", nil
	}
	return n.String(), nil
}

// Scan implements sql.Scanner, the inverse of Value.
func (n *NodeID) Scan(src any) error {
	if src == nil {
		*n = NodeID{}
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("crypto: cannot scan %T into NodeID", src)
	}
	if s == "" {
		*n = NodeID{}
		return nil
	}
	parsed, err := ParseNodeID(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseNodeID decodes a bech32-encoded node id string.
func ParseNodeID(s string) (NodeID, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("crypto: invalid node id: %w", err)
	}
	if prefix != NodeIDPrefix {
		return NodeID{}, fmt.Errorf("crypto: unexpected node id prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return NodeID{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return NewNodeID(conv)
}

// PrivateKey is a node's secp256k1 identity key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey is the public half of a node identity key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// Signature is a detached ECDSA signature over a message digest.
type Signature []byte

// GeneratePrivateKey creates a fresh node identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw private key bytes.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey derives the public key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// NodeID derives the node identity bound to this key.
func (k *PublicKey) NodeID() NodeID {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return MustNodeID(addrBytes)
}

// PrivateKeyFromBytes reconstructs a private key from raw bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Sign produces a detached signature over the keccak256 digest of msg. This
// is the core's Identity service `sign(NodeId, bytes) -> Signature` operation
// (spec.md §6); the caller is expected to already hold the key for the node
// id in question — key-to-node-id association is out of the core's scope.
func (k *PrivateKey) Sign(msg []byte) (Signature, error) {
	digest := crypto.Keccak256(msg)
	sig, err := crypto.Sign(digest, k.PrivateKey)
	if err != nil {
		return nil, err
	}
	return Signature(sig), nil
}

// Verify checks a detached signature produced by Sign against the claimed
// node id. This is the core's `verify(NodeId, bytes, Signature)` operation.
func Verify(node NodeID, msg []byte, sig Signature) (bool, error) {
	if len(sig) != 65 {
		return false, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	digest := crypto.Keccak256(msg)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, err
	}
	recovered := MustNodeID(crypto.PubkeyToAddress(*pub).Bytes())
	return recovered == node, nil
}
