// Package signature implements the node's SignatureScheme capability
// (spec section 4.1), backed by github.com/decred/dcrd/dcrec/secp256k1,
// a widely used secp256k1 implementation for transaction and header
// signing.
package signature

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GeneratePrivateKey generates a new random private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate private key")
	}
	return &PrivateKey{key: key}, nil
}

// ParsePrivateKey parses a 32-byte scalar into a private key.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.Errorf("invalid private key length %d, expected 32", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// PublicKey returns the public key corresponding to this private key.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: p.key.PubKey()}
}

// Serialize returns the 32-byte scalar of the private key.
func (p *PrivateKey) Serialize() []byte {
	return p.key.Serialize()
}

// Sign signs a message digest, returning a DER-encoded signature, per
// the SignatureScheme.sign capability of spec section 4.1.
func Sign(priv *PrivateKey, messageHash []byte) ([]byte, error) {
	digest, err := toFixedDigest(messageHash)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(priv.key, digest[:])
	return sig.Serialize(), nil
}

// Verify verifies a DER-encoded signature against a message digest
// and a compressed public key, per the SignatureScheme.verify
// capability of spec section 4.1.
func Verify(pubKeyBytes []byte, messageHash []byte, sig []byte) (bool, error) {
	digest, err := toFixedDigest(messageHash)
	if err != nil {
		return false, err
	}
	pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, errors.Wrap(err, "failed to parse public key")
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, errors.Wrap(err, "failed to parse signature")
	}
	return parsedSig.Verify(digest[:], pubKey), nil
}

// SerializeCompressed returns the 33-byte compressed encoding of the
// public key.
func (p *PublicKey) SerializeCompressed() []byte {
	return p.key.SerializeCompressed()
}

func toFixedDigest(b []byte) ([32]byte, error) {
	var digest [32]byte
	if len(b) != 32 {
		return digest, errors.Errorf("message hash must be 32 bytes, got %d", len(b))
	}
	copy(digest[:], b)
	return digest, nil
}
