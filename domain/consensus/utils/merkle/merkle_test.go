package merkle

import (
	"testing"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
)

func TestCalculateRootOfEmptyLeavesIsHashEmpty(t *testing.T) {
	root := CalculateRoot(nil)
	if *root != *hashes.HashEmpty() {
		t.Fatal("expected an empty leaf set to produce hash(\"\")")
	}
}

func TestCalculateRootOfSingleLeafIsTheLeafItself(t *testing.T) {
	leaf := hashes.HashData([]byte("only"))
	root := CalculateRoot([]*externalapi.DomainHash{leaf})
	if *root != *leaf {
		t.Fatal("expected a single-leaf tree's root to be the leaf itself")
	}
}

func TestCalculateRootIsOrderSensitive(t *testing.T) {
	a := hashes.HashData([]byte("a"))
	b := hashes.HashData([]byte("b"))
	root1 := CalculateRoot([]*externalapi.DomainHash{a, b})
	root2 := CalculateRoot([]*externalapi.DomainHash{b, a})
	if *root1 == *root2 {
		t.Fatal("expected swapping leaf order to change the root")
	}
}

func TestCalculateRootHandlesOddLeafCountByDuplicatingTheLast(t *testing.T) {
	a := hashes.HashData([]byte("a"))
	b := hashes.HashData([]byte("b"))
	c := hashes.HashData([]byte("c"))

	threeLeaves := CalculateRoot([]*externalapi.DomainHash{a, b, c})
	fourLeavesDuplicated := CalculateRoot([]*externalapi.DomainHash{a, b, c, c})
	if *threeLeaves != *fourLeavesDuplicated {
		t.Fatal("expected an odd leaf count to behave like the last leaf duplicated")
	}
}

func TestCalculateRootIsDeterministic(t *testing.T) {
	a := hashes.HashData([]byte("a"))
	b := hashes.HashData([]byte("b"))
	c := hashes.HashData([]byte("c"))
	d := hashes.HashData([]byte("d"))
	leaves := []*externalapi.DomainHash{a, b, c, d}

	root1 := CalculateRoot(leaves)
	root2 := CalculateRoot(leaves)
	if *root1 != *root2 {
		t.Fatal("expected calculating the root of the same leaves twice to be deterministic")
	}
}

func TestCalculateTransactionMerkleRootUsesProvidedIDFunc(t *testing.T) {
	txs := []*externalapi.DomainTransaction{{}, {}}
	calls := 0
	idOf := func(tx *externalapi.DomainTransaction) *externalapi.DomainHash {
		calls++
		return hashes.HashData([]byte{byte(calls)})
	}
	root := CalculateTransactionMerkleRoot(txs, idOf)
	if calls != 2 {
		t.Fatalf("expected idOf to be called once per transaction, got %d calls", calls)
	}
	if root == nil {
		t.Fatal("expected a non-nil root")
	}
}
