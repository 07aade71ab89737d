package hashes

import (
	"math/big"
	"testing"
)

func TestHashDataIsDeterministic(t *testing.T) {
	a := HashData([]byte("payload"))
	b := HashData([]byte("payload"))
	if *a != *b {
		t.Fatal("expected hashing the same bytes twice to produce the same digest")
	}
}

func TestHashDataDiffersForDifferentInputs(t *testing.T) {
	a := HashData([]byte("payload-a"))
	b := HashData([]byte("payload-b"))
	if *a == *b {
		t.Fatal("expected different inputs to produce different digests")
	}
}

func TestHashEmptyMatchesHashingNil(t *testing.T) {
	a := HashEmpty()
	b := HashData(nil)
	if *a != *b {
		t.Fatal("expected HashEmpty to equal hashing a nil byte slice")
	}
}

func TestHashWriterMatchesHashData(t *testing.T) {
	w := NewHashWriter()
	_, _ = w.Write([]byte("foo"))
	_, _ = w.Write([]byte("bar"))
	viaWriter := w.Finalize()
	viaData := HashData([]byte("foobar"))
	if *viaWriter != *viaData {
		t.Fatal("expected writing in two calls to match hashing the concatenated bytes in one call")
	}
}

func TestToBigInterpretsBytesAsBigEndian(t *testing.T) {
	hash := HashData([]byte("anything"))
	got := ToBig(hash)
	want := new(big.Int).SetBytes(hash[:])
	if got.Cmp(want) != 0 {
		t.Fatal("expected ToBig to interpret the hash as a big-endian unsigned integer")
	}
}

