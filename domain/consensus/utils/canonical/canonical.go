// Package canonical implements the deterministic wire format of spec
// section 6: header fields in listed order using big-endian unsigned
// integers, UTF-8 strings with a length prefix, and arrays prefixed by
// a variable-length integer using the standard 1/3/5/9-byte varint
// encoding (the same scheme documented for Bitcoin-derived wire
// formats, and the one the teacher's domainmessage/wire packages
// implement for every message type).
package canonical

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/pkg/errors"
)

// WriteVarInt writes n using the standard variable-length integer
// encoding: values below 0xfd encode as a single byte; 0xfd prefixes a
// uint16; 0xfe prefixes a uint32; 0xff prefixes a uint64.
func WriteVarInt(w io.Writer, n uint64) error {
	switch {
	case n < 0xfd:
		_, err := w.Write([]byte{byte(n)})
		return err
	case n <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
		_, err := w.Write(buf)
		return err
	case n <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.BigEndian.PutUint32(buf[1:], uint32(n))
		_, err := w.Write(buf)
		return err
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.BigEndian.PutUint64(buf[1:], n)
		_, err := w.Write(buf)
		return err
	}
}

// ReadVarInt reads a variable-length integer written by WriteVarInt.
func ReadVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, err
	}
	switch prefix[0] {
	case 0xfd:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(buf[:])), nil
	case 0xfe:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:])), nil
	case 0xff:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:]), nil
	default:
		return uint64(prefix[0]), nil
	}
}

func writeString(w io.Writer, s string) error {
	if err := WriteVarInt(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := WriteVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt32(w io.Writer, v int32) error {
	return writeUint32(w, uint32(v))
}

func readString(r io.Reader) (string, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readHash(r io.Reader) (externalapi.DomainHash, error) {
	var h externalapi.DomainHash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, err
	}
	return h, nil
}

func amountFromBytes(b []byte) externalapi.Amount {
	return externalapi.NewAmountFromBigInt(new(big.Int).SetBytes(b))
}

// SerializeTransaction encodes a transaction as
// version || sender || varint(input_count) || inputs || varint(output_count) || outputs ||
// varint(lock_time) || nonce (u64) || timestamp (u64 Unix nanoseconds) || signature.
// The signature field is excluded when excludeSignature is true, as
// required when validating the signature itself (spec section 4.3
// step 6).
func SerializeTransaction(tx *externalapi.DomainTransaction, excludeSignature bool) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeInt32(&buf, tx.Version); err != nil {
		return nil, err
	}
	if err := writeString(&buf, tx.Sender); err != nil {
		return nil, err
	}

	if err := WriteVarInt(&buf, uint64(len(tx.Inputs))); err != nil {
		return nil, err
	}
	for _, in := range tx.Inputs {
		if _, err := buf.Write(in.PreviousOutpoint.TransactionID[:]); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, in.PreviousOutpoint.Index); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, in.SignatureScript); err != nil {
			return nil, err
		}
	}

	if err := WriteVarInt(&buf, uint64(len(tx.Outputs))); err != nil {
		return nil, err
	}
	for _, out := range tx.Outputs {
		amountBytes := out.Value.BigInt().Bytes()
		if err := writeBytes(&buf, amountBytes); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, out.ScriptPublicKey); err != nil {
			return nil, err
		}
		if err := writeString(&buf, out.Address); err != nil {
			return nil, err
		}
	}

	if err := WriteVarInt(&buf, tx.LockTime); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, tx.Nonce); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, uint64(tx.Timestamp.UnixNano())); err != nil {
		return nil, err
	}

	if !excludeSignature {
		if err := writeBytes(&buf, tx.Signature); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DeserializeTransaction decodes the bytes SerializeTransaction(tx,
// false) produced, recovering every field except the cached id/fee
// (never part of the wire format; callers re-derive them through the
// hashing package and the transaction validator). Only the
// excludeSignature=false encoding round-trips: the signing digest
// produced with excludeSignature=true deliberately omits data this
// function needs back.
func DeserializeTransaction(data []byte) (*externalapi.DomainTransaction, error) {
	r := bytes.NewReader(data)
	tx := &externalapi.DomainTransaction{}

	version, err := readInt32(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read version")
	}
	tx.Version = version

	sender, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sender")
	}
	tx.Sender = sender

	inputCount, err := ReadVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read input count")
	}
	tx.Inputs = make([]*externalapi.DomainTransactionInput, inputCount)
	for i := range tx.Inputs {
		txID, err := readHash(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read input %d's previous transaction id", i)
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read input %d's previous index", i)
		}
		sigScript, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read input %d's signature script", i)
		}
		tx.Inputs[i] = &externalapi.DomainTransactionInput{
			PreviousOutpoint: externalapi.DomainOutpoint{TransactionID: txID, Index: index},
			SignatureScript:  sigScript,
		}
	}

	outputCount, err := ReadVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read output count")
	}
	tx.Outputs = make([]*externalapi.DomainTransactionOutput, outputCount)
	for i := range tx.Outputs {
		amountBytes, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read output %d's value", i)
		}
		scriptPublicKey, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read output %d's script public key", i)
		}
		address, err := readString(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read output %d's address", i)
		}
		tx.Outputs[i] = &externalapi.DomainTransactionOutput{
			Value:           amountFromBytes(amountBytes),
			ScriptPublicKey: scriptPublicKey,
			Address:         address,
		}
	}

	lockTime, err := ReadVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock time")
	}
	tx.LockTime = lockTime

	nonce, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read nonce")
	}
	tx.Nonce = nonce

	timestampNano, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read timestamp")
	}
	tx.Timestamp = time.Unix(0, int64(timestampNano)).UTC()

	signature, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read signature")
	}
	tx.Signature = signature

	return tx, nil
}

// SerializeBlockHeader encodes a block header's fields in the order
// listed in spec section 3, excluding Hash (which commits to this
// serialization, not the other way around). When forSigning is true,
// Nonce and Signature are both omitted: the miner's signature
// authorizes the block's content independent of which nonce
// eventually satisfies the PoW target, so the mining loop (C6) can
// vary Nonce and recompute the block hash without re-signing on every
// attempt. When forSigning is false, every field including Nonce and
// Signature is written, and the result is what the block hash commits
// to.
func SerializeBlockHeader(h *externalapi.DomainBlockHeader, forSigning bool) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeInt32(&buf, h.Version); err != nil {
		return nil, err
	}
	if h.PreviousHash != nil {
		if _, err := buf.Write(h.PreviousHash[:]); err != nil {
			return nil, err
		}
	} else {
		var zero externalapi.DomainHash
		if _, err := buf.Write(zero[:]); err != nil {
			return nil, err
		}
	}
	if _, err := buf.Write(h.MerkleRoot[:]); err != nil {
		return nil, err
	}
	if _, err := buf.Write(h.ValidatorMerkleRoot[:]); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, uint64(h.Timestamp.UnixNano())); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, h.Difficulty); err != nil {
		return nil, err
	}
	if !forSigning {
		if err := writeUint64(&buf, h.Nonce); err != nil {
			return nil, err
		}
	}
	if err := writeUint64(&buf, h.Height); err != nil {
		return nil, err
	}
	if err := writeString(&buf, h.Miner); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, h.TotalSupply.BigInt().Bytes()); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, h.BlockReward.BigInt().Bytes()); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, h.Fees.BigInt().Bytes()); err != nil {
		return nil, err
	}
	if err := writeString(&buf, h.Target); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, h.ConsensusData.PoWScore); err != nil {
		return nil, errors.Wrap(err, "failed to write pow score")
	}
	if err := binary.Write(&buf, binary.BigEndian, h.ConsensusData.VotingScore); err != nil {
		return nil, errors.Wrap(err, "failed to write voting score")
	}
	if err := binary.Write(&buf, binary.BigEndian, h.ConsensusData.ParticipationRate); err != nil {
		return nil, errors.Wrap(err, "failed to write participation rate")
	}
	if err := writeString(&buf, h.ConsensusData.PeriodID); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, h.PublicKey); err != nil {
		return nil, err
	}
	if !forSigning {
		if err := writeBytes(&buf, h.Signature); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DeserializeBlockHeader decodes the bytes SerializeBlockHeader(h,
// false) produced, recovering every field the full (forSigning=false)
// encoding writes. Only that encoding round-trips: the forSigning=true
// digest omits Nonce and Signature and so cannot be decoded back into
// a complete header.
func DeserializeBlockHeader(data []byte) (*externalapi.DomainBlockHeader, error) {
	r := bytes.NewReader(data)
	h := &externalapi.DomainBlockHeader{}

	version, err := readInt32(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read version")
	}
	h.Version = version

	previousHash, err := readHash(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read previous hash")
	}
	if previousHash != (externalapi.DomainHash{}) {
		h.PreviousHash = &previousHash
	}

	merkleRoot, err := readHash(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read merkle root")
	}
	h.MerkleRoot = merkleRoot

	validatorMerkleRoot, err := readHash(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read validator merkle root")
	}
	h.ValidatorMerkleRoot = validatorMerkleRoot

	timestampNano, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read timestamp")
	}
	h.Timestamp = time.Unix(0, int64(timestampNano)).UTC()

	difficulty, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read difficulty")
	}
	h.Difficulty = difficulty

	nonce, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read nonce")
	}
	h.Nonce = nonce

	height, err := readUint64(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read height")
	}
	h.Height = height

	miner, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read miner")
	}
	h.Miner = miner

	totalSupplyBytes, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read total supply")
	}
	h.TotalSupply = amountFromBytes(totalSupplyBytes)

	blockRewardBytes, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read block reward")
	}
	h.BlockReward = amountFromBytes(blockRewardBytes)

	feesBytes, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read fees")
	}
	h.Fees = amountFromBytes(feesBytes)

	target, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read target")
	}
	h.Target = target

	if err := binary.Read(r, binary.BigEndian, &h.ConsensusData.PoWScore); err != nil {
		return nil, errors.Wrap(err, "failed to read pow score")
	}
	if err := binary.Read(r, binary.BigEndian, &h.ConsensusData.VotingScore); err != nil {
		return nil, errors.Wrap(err, "failed to read voting score")
	}
	if err := binary.Read(r, binary.BigEndian, &h.ConsensusData.ParticipationRate); err != nil {
		return nil, errors.Wrap(err, "failed to read participation rate")
	}
	periodID, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read period id")
	}
	h.ConsensusData.PeriodID = periodID

	publicKey, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read public key")
	}
	h.PublicKey = publicKey

	signature, err := readBytes(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read signature")
	}
	h.Signature = signature

	return h, nil
}

// SerializeVoteForSigning encodes (target_chain_id || timestamp), the
// exact byte string a Vote's signature verifies over per spec section
// 3's Vote invariants.
func SerializeVoteForSigning(targetChainID string, timestamp time.Time) []byte {
	var buf bytes.Buffer
	_ = writeString(&buf, targetChainID)
	_ = writeUint64(&buf, uint64(timestamp.UnixNano()))
	return buf.Bytes()
}
