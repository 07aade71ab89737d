// Package blockbuilder implements C5's builder half: accumulating a
// candidate transaction set under an exclusive lock and producing a
// signed, hashed block from it. The lock-guarded mutate-then-recompute
// shape is adapted from the teacher's block template assembly in
// mining, generalized from a DAG's multi-parent template to a single
// previous_hash chain block.
package blockbuilder

import (
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/powmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/merkle"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
)

var log, _ = logger.Get(logger.SubsystemTags.BLKB)

// Params bundles the tunables spec section 6 lists for block building.
type Params struct {
	MaxTransactions int
	MaxBlockSize    int
	MaxTxAge        time.Duration
	Version         int32
}

// Builder accumulates a candidate transaction set for the next block
// and, once PoW is found, produces the final signed block.
type Builder struct {
	mu sync.Mutex

	params       Params
	previousHash *externalapi.DomainHash
	height       uint64
	difficulty   uint64
	totalSupply  externalapi.Amount

	transactions []*externalapi.DomainTransaction
	validators   []*externalapi.DomainValidator
	merkleRoot   externalapi.DomainHash
}

// New constructs a Builder for the next block atop previousHash.
func New(params Params, previousHash *externalapi.DomainHash, height, difficulty uint64, totalSupply externalapi.Amount) *Builder {
	return &Builder{
		params:       params,
		previousHash: previousHash,
		height:       height,
		difficulty:   difficulty,
		totalSupply:  totalSupply,
	}
}

// SetTransactions replaces the builder's candidate transaction set,
// enforcing spec section 4.5's set_transactions invariants: count,
// per-tx age, id uniqueness, and total serialized size. The merkle
// root is recomputed under the builder's exclusive lock before
// SetTransactions returns, so Build always sees a consistent root.
func (b *Builder) SetTransactions(txs []*externalapi.DomainTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(txs) > b.params.MaxTransactions {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock,
			"%d transactions exceeds MAX_TRANSACTIONS %d", len(txs), b.params.MaxTransactions)
	}

	seen := make(map[externalapi.DomainHash]bool, len(txs))
	totalSize := 0
	now := time.Now()
	for i, tx := range txs {
		if now.Sub(tx.Timestamp) > b.params.MaxTxAge {
			return errors.Wrapf(ruleerrors.ErrInvalidBlock, "transaction %d exceeds the maximum age of %s", i, b.params.MaxTxAge)
		}
		id := tx.ID()
		if id == nil {
			return errors.Wrapf(ruleerrors.ErrInvalidBlock, "transaction %d has no computed id", i)
		}
		if seen[*id] {
			return errors.Wrapf(ruleerrors.ErrInvalidBlock, "duplicate transaction id %s", id)
		}
		seen[*id] = true

		serialized, err := canonical.SerializeTransaction(tx, false)
		if err != nil {
			return errors.Wrap(err, "failed to serialize transaction while building block")
		}
		totalSize += len(serialized)
		if totalSize > b.params.MaxBlockSize {
			return errors.Wrapf(ruleerrors.ErrInvalidBlock, "block size exceeds MAX_BLOCK_SIZE %d", b.params.MaxBlockSize)
		}
	}

	b.transactions = txs
	root := merkle.CalculateTransactionMerkleRoot(txs, func(tx *externalapi.DomainTransaction) *externalapi.DomainHash {
		return tx.ID()
	})
	b.merkleRoot = *root
	return nil
}

// SetValidators records the validator set to commit to via
// validator_merkle_root, used by the voting engine (C7) to carry the
// active validator set forward with the block.
func (b *Builder) SetValidators(validators []*externalapi.DomainValidator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validators = validators
}

func validatorMerkleRoot(validators []*externalapi.DomainValidator) externalapi.DomainHash {
	if len(validators) == 0 {
		return *hashes.HashEmpty()
	}
	leaves := make([]*externalapi.DomainHash, len(validators))
	for i, v := range validators {
		leaves[i] = hashes.HashData([]byte(v.Address))
	}
	return *merkle.CalculateRoot(leaves)
}

// Build finalizes the candidate block: fills merkle_root and
// validator_merkle_root, sets fees to the sum of every transaction's
// fee, signs the header with minerKey, and computes the block hash
// (spec section 4.5).
func (b *Builder) Build(minerKey *signature.PrivateKey, minerAddress string, blockReward externalapi.Amount, consensusData externalapi.ConsensusData) (*externalapi.DomainBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fees := externalapi.ZeroAmount()
	for _, tx := range b.transactions {
		if fee, ok := tx.Fee(); ok {
			fees = fees.Add(fee)
		}
	}

	header := &externalapi.DomainBlockHeader{
		Version:             b.params.Version,
		PreviousHash:        b.previousHash,
		MerkleRoot:          b.merkleRoot,
		ValidatorMerkleRoot: validatorMerkleRoot(b.validators),
		Timestamp:           time.Now(),
		Difficulty:          b.difficulty,
		Height:              b.height,
		Miner:               minerAddress,
		Target:              powmanager.TargetHex(b.difficulty),
		TotalSupply:         b.totalSupply.Add(blockReward),
		BlockReward:         blockReward,
		Fees:                fees,
		ConsensusData:       consensusData,
		PublicKey:           minerKey.PublicKey().SerializeCompressed(),
	}

	unsigned, err := canonical.SerializeBlockHeader(header, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize header for signing")
	}
	digest := hashes.HashData(unsigned)
	sig, err := signature.Sign(minerKey, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign block header")
	}
	header.Signature = sig

	signed, err := canonical.SerializeBlockHeader(header, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize signed header")
	}
	hash := hashes.HashData(signed)
	header.Hash = hash

	log.Debugf("built block at height %d with %d transactions, hash %s", b.height, len(b.transactions), hash.String())

	return &externalapi.DomainBlock{
		Header:       header,
		Transactions: b.transactions,
		Validators:   b.validators,
	}, nil
}
