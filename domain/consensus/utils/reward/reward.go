// Package reward implements the coinbase subsidy schedule spec section
// 6 names (HALVING_INTERVAL, INITIAL_REWARD, MIN_REWARD, MAX_SUPPLY):
// a halving subsidy curve, floored at MIN_REWARD and silenced once
// MAX_SUPPLY would be exceeded. The halving-by-right-shift technique is
// adapted from the teacher's domain/consensus/processes/coinbasemanager
// calcBlockSubsidy (in turn shared with blockdag.CalcBlockSubsidy).
package reward

import (
	"math/big"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

// Params bundles the tunables spec section 6 names for the subsidy
// schedule.
type Params struct {
	HalvingInterval uint64
	InitialReward   externalapi.Amount
	MinReward       externalapi.Amount
	MaxSupply       externalapi.Amount
}

// CalculateBlockReward returns the subsidy for a block at the given
// height: InitialReward halved once per HalvingInterval blocks,
// floored at MinReward, and capped so totalSupply+reward never exceeds
// MaxSupply (the excess, if any, is withheld rather than minted).
func CalculateBlockReward(height uint64, totalSupply externalapi.Amount, params Params) externalapi.Amount {
	halvings := uint(0)
	if params.HalvingInterval > 0 {
		halvings = uint(height / params.HalvingInterval)
	}

	subsidy := new(big.Int).Set(params.InitialReward.BigInt())
	if halvings >= 64 {
		subsidy.SetInt64(0)
	} else {
		subsidy.Rsh(subsidy, halvings)
	}

	reward := externalapi.NewAmountFromBigInt(subsidy)
	if reward.Cmp(params.MinReward) < 0 {
		reward = params.MinReward
	}

	remainingSupply, ok := params.MaxSupply.TrySub(totalSupply)
	if !ok {
		return externalapi.ZeroAmount()
	}
	if reward.Cmp(remainingSupply) > 0 {
		return remainingSupply
	}
	return reward
}
