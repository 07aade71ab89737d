package externalapi

import "time"

// ConsensusData carries the hybrid-consensus scoring attached to a
// block header (spec section 3, Block.header.consensus_data): the
// PoW engine's pow_score, the voting engine's voting_score and
// participation_rate, and the voting period the block was produced
// under, if any.
type ConsensusData struct {
	PoWScore          float64
	VotingScore       float64
	ParticipationRate float64
	PeriodID          string
}

// DomainBlockHeader is the canonical header of a block, per spec
// section 3. Hash and Signature/PublicKey are filled in by the block
// builder (C5) and the signature scheme (C1) respectively.
type DomainBlockHeader struct {
	Version             int32
	PreviousHash        *DomainHash
	MerkleRoot          DomainHash
	ValidatorMerkleRoot DomainHash
	Timestamp           time.Time
	Difficulty          uint64
	Nonce               uint64
	Height              uint64
	Miner               string
	TotalSupply         Amount
	BlockReward         Amount
	Fees                Amount
	Target              string // 256-bit target, hex string "0x..." per spec section 6
	ConsensusData       ConsensusData
	Signature           []byte
	PublicKey           []byte
	Hash                *DomainHash
}

// Clone returns a deep copy of the header.
func (h *DomainBlockHeader) Clone() *DomainBlockHeader {
	clone := *h
	if h.PreviousHash != nil {
		clone.PreviousHash = h.PreviousHash.Clone()
	}
	if h.Hash != nil {
		clone.Hash = h.Hash.Clone()
	}
	clone.Signature = append([]byte(nil), h.Signature...)
	clone.PublicKey = append([]byte(nil), h.PublicKey...)
	return &clone
}

// DomainValidator is an accepted validator artifact carried by a
// block in support of fork-resolution voting (spec section 3,
// Block.validators).
type DomainValidator struct {
	Address     string
	VotingPower Amount
	Active      bool
}

// DomainBlock is the node's in-memory representation of a full block:
// header, transactions (transactions[0] is the coinbase if present),
// and the votes/validators accepted alongside it.
type DomainBlock struct {
	Header       *DomainBlockHeader
	Transactions []*DomainTransaction
	Votes        []*Vote
	Validators   []*DomainValidator
}

// Clone returns a deep copy of the block.
func (b *DomainBlock) Clone() *DomainBlock {
	txs := make([]*DomainTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = tx.Clone()
	}
	votes := make([]*Vote, len(b.Votes))
	for i, v := range b.Votes {
		votes[i] = v.Clone()
	}
	validators := make([]*DomainValidator, len(b.Validators))
	for i, v := range b.Validators {
		vv := *v
		validators[i] = &vv
	}
	return &DomainBlock{
		Header:       b.Header.Clone(),
		Transactions: txs,
		Votes:        votes,
		Validators:   validators,
	}
}

// CoinbaseTransaction returns transactions[0] if it is a coinbase,
// and nil otherwise.
func (b *DomainBlock) CoinbaseTransaction() *DomainTransaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	if !b.Transactions[0].IsCoinbase() {
		return nil
	}
	return b.Transactions[0]
}
