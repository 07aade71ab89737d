// Package powmanager implements C6: target/difficulty arithmetic, the
// retarget formula, the cooperatively-cancellable mining loop, and
// block PoW validation. The nonce-increment-and-rehash loop is
// adapted from the teacher's mining.SolveBlock; the retarget
// clamp-then-divide formula follows spec section 4.6's resolution of
// the ambiguity between clamping actual_timespan before or after
// dividing (Open Question, resolved: clamp first).
package powmanager

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
)

var log, _ = logger.Get(logger.SubsystemTags.POWE)

// MaxTarget is the easiest possible target: a 256-bit value of all
// ones, corresponding to difficulty 1.
var MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Params bundles the tunables spec section 6 lists for the PoW
// engine.
type Params struct {
	DifficultyAdjustmentInterval uint64
	TargetTimespan               time.Duration
	MaxAdjustmentFactor          float64
	MinDifficulty                uint64
	MaxTimeDrift                 time.Duration
}

// Manager implements the PoW engine.
type Manager struct {
	params Params
}

// New constructs a Manager.
func New(params Params) *Manager {
	return &Manager{params: params}
}

// Target returns max_target / difficulty, per spec section 4.6/9.
func Target(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(big.Int).Div(MaxTarget, new(big.Int).SetUint64(difficulty))
}

// TargetHex formats a target as the "0x..." string spec section 6
// requires for the header's Target field.
func TargetHex(difficulty uint64) string {
	return fmt.Sprintf("0x%x", Target(difficulty))
}

// RetargetDifficulty computes the next difficulty after N =
// DifficultyAdjustmentInterval blocks, given the timespan actually
// elapsed across them. actualTimespan is clamped to
// [target_timespan / max_adjustment_factor, target_timespan *
// max_adjustment_factor] BEFORE dividing (the Open Question spec
// section 9 resolves this way), then
// new_difficulty = prev_difficulty * target_timespan / clamped,
// lower-bounded by MIN_DIFFICULTY.
func (m *Manager) RetargetDifficulty(prevDifficulty uint64, actualTimespan time.Duration) uint64 {
	minTimespan := time.Duration(float64(m.params.TargetTimespan) / m.params.MaxAdjustmentFactor)
	maxTimespan := time.Duration(float64(m.params.TargetTimespan) * m.params.MaxAdjustmentFactor)

	clamped := actualTimespan
	if clamped < minTimespan {
		clamped = minTimespan
	}
	if clamped > maxTimespan {
		clamped = maxTimespan
	}
	if clamped <= 0 {
		clamped = 1
	}

	prev := new(big.Rat).SetUint64(prevDifficulty)
	target := new(big.Rat).SetInt64(int64(m.params.TargetTimespan))
	actual := new(big.Rat).SetInt64(int64(clamped))

	next := new(big.Rat).Mul(prev, target)
	next.Quo(next, actual)

	nextDifficulty := new(big.Int).Quo(next.Num(), next.Denom())
	result := nextDifficulty.Uint64()
	if result < m.params.MinDifficulty {
		result = m.params.MinDifficulty
	}
	return result
}

// ValidateBlock checks that the header's hash is at or below its
// claimed target, that its difficulty matches expectedDifficulty, and
// that the stored hash is in fact the hash of the header's contents
// (spec section 4.6).
func (m *Manager) ValidateBlock(header *externalapi.DomainBlockHeader, expectedDifficulty uint64) error {
	if header.Hash == nil {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "header has no hash to validate")
	}
	if header.Difficulty != expectedDifficulty {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock,
			"header difficulty %d does not match the expected retarget value %d", header.Difficulty, expectedDifficulty)
	}

	target := Target(header.Difficulty)
	if hashes.ToBig(header.Hash).Cmp(target) > 0 {
		return errors.Wrapf(ruleerrors.ErrInvalidBlock, "header hash exceeds target for difficulty %d", header.Difficulty)
	}

	serialized, err := canonical.SerializeBlockHeader(header, false)
	if err != nil {
		return errors.Wrap(err, "failed to serialize header to recompute hash")
	}
	recomputed := hashes.HashData(serialized)
	if !recomputed.Equal(header.Hash) {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "recomputed hash does not match the header's claimed hash")
	}

	return nil
}

// PoWScore returns difficulty / network_difficulty, per spec section
// 4.6.
func PoWScore(difficulty, networkDifficulty uint64) float64 {
	if networkDifficulty == 0 {
		return 0
	}
	return float64(difficulty) / float64(networkDifficulty)
}

// Mine iterates header.Nonce over [0, 2^64) looking for a hash at or
// below target, recomputing the header hash on every attempt without
// re-signing (the signature covers everything except Nonce and
// Signature itself, per canonical.SerializeBlockHeader). It returns
// as soon as a valid nonce is found, the context is canceled, or the
// nonce space is exhausted. onExhausted is called to let the caller
// bump the header's timestamp within MaxTimeDrift and recompute the
// merkle root on a mempool change, mirroring the teacher's mining
// loop's handling of nonce-space exhaustion.
func (m *Manager) Mine(ctx context.Context, header *externalapi.DomainBlockHeader, target *big.Int, onExhausted func()) (bool, error) {
	for {
		for nonce := uint64(0); ; nonce++ {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			default:
			}

			header.Nonce = nonce
			serialized, err := canonical.SerializeBlockHeader(header, false)
			if err != nil {
				return false, errors.Wrap(err, "failed to serialize header during mining")
			}
			hash := hashes.HashData(serialized)
			if hashes.ToBig(hash).Cmp(target) <= 0 {
				header.Hash = hash
				log.Debugf("found valid nonce %d at height %d", nonce, header.Height)
				return true, nil
			}
			if nonce == math.MaxUint64 {
				break
			}
		}

		if onExhausted == nil {
			return false, errors.New("exhausted the nonce space with no callback to recompute the header")
		}
		onExhausted()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
	}
}
