// Package blockvalidator implements C5's structural-validator half:
// the header field presence and range checks spec section 4.5
// requires before a block is handed to the PoW engine (C6) or hybrid
// consensus (C8). Grounded on the teacher's
// blockvalidator.checkProofOfWork's style of one small checking
// function per rule, chained by a single exported entry point.
package blockvalidator

import (
	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/pkg/errors"
)

// Params bundles the tunables the structural validator checks
// against.
type Params struct {
	MinVersion int32
	MaxVersion int32
}

// Validator runs the structural checks of spec section 4.5 against a
// block header.
type Validator struct {
	params Params
}

// New constructs a Validator.
func New(params Params) *Validator {
	return &Validator{params: params}
}

// ValidateStructure checks that every required header field is
// present and within range: consensus_data.participation_rate ∈
// [0,1]; pow_score and voting_score are non-negative; version is
// within [min, max].
func (v *Validator) ValidateStructure(block *externalapi.DomainBlock) error {
	if block == nil || block.Header == nil {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "block or header is missing")
	}
	h := block.Header

	if h.Version < v.params.MinVersion || h.Version > v.params.MaxVersion {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock,
			"header version %d out of range [%d, %d]", h.Version, v.params.MinVersion, v.params.MaxVersion)
	}
	if h.Hash == nil {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no computed hash")
	}
	if len(h.Signature) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no signature")
	}
	if len(h.PublicKey) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no miner public key")
	}
	if h.Miner == "" {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no miner address")
	}
	if h.Target == "" {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no target")
	}

	if h.ConsensusData.ParticipationRate < 0 || h.ConsensusData.ParticipationRate > 1 {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock,
			"participation rate %f outside [0,1]", h.ConsensusData.ParticipationRate)
	}
	if h.ConsensusData.PoWScore < 0 {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock, "pow score %f is negative", h.ConsensusData.PoWScore)
	}
	if h.ConsensusData.VotingScore < 0 {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock, "voting score %f is negative", h.ConsensusData.VotingScore)
	}

	if len(block.Transactions) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "block has no transactions")
	}
	if coinbase := block.CoinbaseTransaction(); coinbase == nil {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "block's first transaction is not a coinbase")
	}

	return nil
}
