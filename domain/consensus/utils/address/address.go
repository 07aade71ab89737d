// Package address derives human-readable, checksummed addresses from
// public keys, generalizing the teacher's util/address.go P2PKH
// scheme (version byte + hash160 + base58check) to the node's
// abstract HashAlgo rather than a hardwired double-SHA256.
package address

import (
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // kept for parity with the teacher's P2PKH hash160 scheme

	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/kaspanet/hybridchain/util/base58"
	"github.com/pkg/errors"
)

// Version bytes, mirroring the teacher's pubKeyHashAddrID convention.
const (
	VersionPubKeyHash byte = 0x00
)

// Hash160 is ripemd160(HashAlgo(pubkey)), the public-key commitment
// used in addresses and P2PKH-style scripts.
func Hash160(publicKey []byte) []byte {
	h := hashes.HashData(publicKey)
	r := ripemd160.New()
	_, _ = r.Write(h[:])
	return r.Sum(nil)
}

// FromPublicKey derives the checksummed address string for a public key.
func FromPublicKey(pubKey *signature.PublicKey) string {
	return base58.CheckEncode(Hash160(pubKey.SerializeCompressed()), VersionPubKeyHash)
}

// Decode recovers the hash160 payload from an address string,
// verifying its checksum and version byte.
func Decode(addr string) (hash160 []byte, err error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode address")
	}
	if version != VersionPubKeyHash {
		return nil, errors.Errorf("unsupported address version %d", version)
	}
	return payload, nil
}
