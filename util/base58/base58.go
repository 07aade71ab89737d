package base58

import (
	"math/big"

	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
)

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	bigRadix  = big.NewInt(58)
	bigZero   = big.NewInt(0)
	decodeMap [256]int8
)

func init() {
	for i := range decodeMap {
		decodeMap[i] = -1
	}
	for i, c := range alphabet {
		decodeMap[c] = int8(i)
	}
}

// Encode encodes b as a modified base58 string.
func Encode(b []byte) string {
	x := new(big.Int).SetBytes(b)

	answer := make([]byte, 0, len(b)*138/100+1)
	mod := new(big.Int)
	for x.Cmp(bigZero) > 0 {
		x.DivMod(x, bigRadix, mod)
		answer = append(answer, alphabet[mod.Int64()])
	}

	for _, i := range b {
		if i != 0 {
			break
		}
		answer = append(answer, alphabet[0])
	}

	reverse(answer)
	return string(answer)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Decode decodes a modified base58 string, returning the underlying
// bytes, or nil if s contains an invalid character.
func Decode(s string) []byte {
	answer := big.NewInt(0)
	scratch := new(big.Int)
	for _, c := range s {
		if c > 255 || decodeMap[c] == -1 {
			return nil
		}
		scratch.SetInt64(int64(decodeMap[c]))
		answer.Mul(answer, bigRadix)
		answer.Add(answer, scratch)
	}

	decoded := answer.Bytes()
	var numZeros int
	for numZeros = 0; numZeros < len(s); numZeros++ {
		if s[numZeros] != alphabet[0] {
			break
		}
	}
	flat := make([]byte, numZeros+len(decoded))
	copy(flat[numZeros:], decoded)
	return flat
}

const checksumLength = 4

func checksum(input []byte) (cksum [checksumLength]byte) {
	h := hashes.HashData(input)
	copy(cksum[:], h[:checksumLength])
	return
}

// CheckEncode prepends a version byte to the payload, appends a
// 4-byte checksum derived from the node's HashAlgo, and base58-encodes
// the result. This is the scheme the teacher's util/address.go uses
// to turn a pubkey hash into a human-readable address.
func CheckEncode(input []byte, version byte) string {
	b := make([]byte, 0, 1+len(input)+checksumLength)
	b = append(b, version)
	b = append(b, input...)
	cksum := checksum(b)
	b = append(b, cksum[:]...)
	return Encode(b)
}

// CheckDecode decodes a string previously encoded with CheckEncode,
// returning the payload and version byte, or an error if the checksum
// does not match.
func CheckDecode(input string) (payload []byte, version byte, err error) {
	decoded := Decode(input)
	if len(decoded) < 1+checksumLength {
		return nil, 0, ErrInvalidFormat
	}
	version = decoded[0]
	var cksum [checksumLength]byte
	copy(cksum[:], decoded[len(decoded)-checksumLength:])
	payload = decoded[1 : len(decoded)-checksumLength]

	expected := checksum(decoded[:len(decoded)-checksumLength])
	if cksum != expected {
		return nil, 0, ErrChecksum
	}
	return payload, version, nil
}
