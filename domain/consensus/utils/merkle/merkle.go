// Package merkle computes the block's commitment to its transaction
// set (spec section 4.1 / 6): a binary tree over transaction ids,
// duplicating the last leaf when a level has an odd count. This is
// adapted directly from the teacher's merkleRoot/hashMerkleBranches,
// generalized from a DAG's per-transaction-id tree to operate over
// either hashes or ids depending on the caller's needs.
package merkle

import (
	"math"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/pkg/errors"
)

// nextPowerOfTwo returns the next highest power of two from a given number if
// it is not already a power of two. This is a helper function used during the
// calculation of a merkle tree.
func nextPowerOfTwo(n int) int {
	if n == 0 {
		return 0
	}
	if n&(n-1) == 0 {
		return n
	}

	exponent := uint(math.Log2(float64(n))) + 1
	return 1 << exponent // 2^exponent
}

// hashMerkleBranches takes two hashes, treated as the left and right tree
// nodes, and returns the hash of their concatenation.
func hashMerkleBranches(left, right *externalapi.DomainHash) *externalapi.DomainHash {
	w := hashes.NewHashWriter()

	_, err := w.Write(left[:])
	if err != nil {
		panic(errors.Wrap(err, "this should never happen: an in-memory hash write cannot fail"))
	}

	_, err = w.Write(right[:])
	if err != nil {
		panic(errors.Wrap(err, "this should never happen: an in-memory hash write cannot fail"))
	}

	return w.Finalize()
}

// CalculateRoot calculates the merkle root of a tree consisting of the
// given leaf hashes. An empty slice produces hash("") per spec section
// 8's boundary behaviors.
func CalculateRoot(leaves []*externalapi.DomainHash) *externalapi.DomainHash {
	if len(leaves) == 0 {
		return hashes.HashEmpty()
	}

	nextPoT := nextPowerOfTwo(len(leaves))
	arraySize := nextPoT*2 - 1
	merkles := make([]*externalapi.DomainHash, arraySize)

	for i, hash := range leaves {
		merkles[i] = hash
	}

	offset := nextPoT
	for i := 0; i < arraySize-1; i += 2 {
		switch {
		case merkles[i] == nil:
			merkles[offset] = nil
		case merkles[i+1] == nil:
			merkles[offset] = hashMerkleBranches(merkles[i], merkles[i])
		default:
			merkles[offset] = hashMerkleBranches(merkles[i], merkles[i+1])
		}
		offset++
	}

	return merkles[len(merkles)-1]
}

// CalculateTransactionMerkleRoot calculates the merkle root over a
// block's transaction ids, given a function to derive each id.
func CalculateTransactionMerkleRoot(transactions []*externalapi.DomainTransaction,
	idOf func(*externalapi.DomainTransaction) *externalapi.DomainHash) *externalapi.DomainHash {

	ids := make([]*externalapi.DomainHash, len(transactions))
	for i, tx := range transactions {
		ids[i] = idOf(tx)
	}
	return CalculateRoot(ids)
}
