package externalapi

import "encoding/hex"

// DomainHashSize is the size, in bytes, of the canonical hash produced by
// the node's HashAlgo.
const DomainHashSize = 32

// DomainHash is the domain representation of a Hash.
type DomainHash [DomainHashSize]byte

// String returns the Hash as the hexadecimal string of the hash.
func (hash DomainHash) String() string {
	return hex.EncodeToString(hash[:])
}

// Clone clones the hash.
func (hash *DomainHash) Clone() *DomainHash {
	hashClone := *hash
	return &hashClone
}

// If this doesn't compile, it means the type definition has been changed, so it's
// an indication to update Equal and Clone accordingly.
var _ DomainHash = [DomainHashSize]byte{}

// Equal returns whether hash equals to other.
func (hash *DomainHash) Equal(other *DomainHash) bool {
	if hash == nil || other == nil {
		return hash == other
	}

	return *hash == *other
}

// HashesEqual returns whether the given hash slices are equal.
func HashesEqual(a, b []*DomainHash) bool {
	if len(a) != len(b) {
		return false
	}

	for i, hash := range a {
		if !hash.Equal(b[i]) {
			return false
		}
	}
	return true
}

// CloneHashes returns a clone of the given hashes slice.
func CloneHashes(hashes []*DomainHash) []*DomainHash {
	clone := make([]*DomainHash, len(hashes))
	for i, hash := range hashes {
		clone[i] = hash.Clone()
	}
	return clone
}

// NewDomainHashFromByteSlice creates a DomainHash from a byte slice,
// erroring if the slice is not exactly DomainHashSize bytes.
func NewDomainHashFromByteSlice(b []byte) (*DomainHash, error) {
	if len(b) != DomainHashSize {
		return nil, errInvalidHashLength(len(b))
	}
	h := DomainHash{}
	copy(h[:], b)
	return &h, nil
}

type errInvalidHashLength int

func (e errInvalidHashLength) Error() string {
	return "invalid hash length"
}
