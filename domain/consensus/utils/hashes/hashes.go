// Package hashes implements the node's HashAlgo capability (spec
// section 4.1): a deterministic, platform-independent hash over
// canonical byte strings. The external wire format (spec section 6)
// calls for a "SHA3-family" hash, so this wraps golang.org/x/crypto/sha3
// the same way the teacher's domain/consensus/utils/hashes package
// wraps its digest primitive with a HashWriter.
package hashes

import (
	"hash"
	"math/big"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"golang.org/x/crypto/sha3"
)

// HashWriter incrementally hashes written bytes and Finalize()s them
// into a DomainHash, mirroring the teacher's merkle.hashMerkleBranches
// use of a hash writer to concatenate without an intermediate buffer.
type HashWriter struct {
	h hash.Hash
}

// NewHashWriter returns a HashWriter ready to accept Write calls.
func NewHashWriter() *HashWriter {
	return &HashWriter{h: sha3.New256()}
}

// Write implements io.Writer.
func (w *HashWriter) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Finalize returns the DomainHash of everything written so far.
func (w *HashWriter) Finalize() *externalapi.DomainHash {
	sum := w.h.Sum(nil)
	var hash externalapi.DomainHash
	copy(hash[:], sum)
	return &hash
}

// HashData hashes a single byte slice in one call.
func HashData(data []byte) *externalapi.DomainHash {
	w := NewHashWriter()
	_, _ = w.Write(data)
	return w.Finalize()
}

// HashEmpty returns hash(""), the merkle root of an empty transaction
// list per spec section 4.1 and section 8's boundary behaviors.
func HashEmpty() *externalapi.DomainHash {
	return HashData(nil)
}

// ToBig interprets a DomainHash as a big-endian unsigned integer, as
// required by the PoW validity check in spec section 4.6/6.
func ToBig(hash *externalapi.DomainHash) *big.Int {
	// A DomainHash is stored internally the same way the PoW target
	// comparison wants it read: as a big-endian byte string.
	buf := make([]byte, externalapi.DomainHashSize)
	for i := 0; i < externalapi.DomainHashSize; i++ {
		buf[i] = hash[i]
	}
	return new(big.Int).SetBytes(buf)
}
