package reward

import (
	"testing"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

func testParams() Params {
	return Params{
		HalvingInterval: 100,
		InitialReward:   externalapi.NewAmountFromUint64(1000),
		MinReward:       externalapi.NewAmountFromUint64(1),
		MaxSupply:       externalapi.NewAmountFromUint64(100000),
	}
}

func TestCalculateBlockRewardBeforeFirstHalving(t *testing.T) {
	params := testParams()
	reward := CalculateBlockReward(0, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 1000 {
		t.Fatalf("expected 1000, got %s", reward.BigInt().String())
	}

	reward = CalculateBlockReward(99, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 1000 {
		t.Fatalf("expected 1000 just before halving, got %s", reward.BigInt().String())
	}
}

func TestCalculateBlockRewardHalves(t *testing.T) {
	params := testParams()
	reward := CalculateBlockReward(100, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 500 {
		t.Fatalf("expected 500 after one halving, got %s", reward.BigInt().String())
	}

	reward = CalculateBlockReward(200, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 250 {
		t.Fatalf("expected 250 after two halvings, got %s", reward.BigInt().String())
	}
}

func TestCalculateBlockRewardFloorsAtMinReward(t *testing.T) {
	params := testParams()
	reward := CalculateBlockReward(100*20, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 1 {
		t.Fatalf("expected reward to floor at MIN_REWARD=1, got %s", reward.BigInt().String())
	}
}

func TestCalculateBlockRewardCapsAtMaxSupply(t *testing.T) {
	params := testParams()
	totalSupply := externalapi.NewAmountFromUint64(99500)
	reward := CalculateBlockReward(0, totalSupply, params)
	if reward.BigInt().Uint64() != 500 {
		t.Fatalf("expected reward clamped to remaining supply 500, got %s", reward.BigInt().String())
	}
}

func TestCalculateBlockRewardReturnsZeroOnceSupplyExhausted(t *testing.T) {
	params := testParams()
	totalSupply := externalapi.NewAmountFromUint64(100000)
	reward := CalculateBlockReward(0, totalSupply, params)
	if reward.BigInt().Sign() != 0 {
		t.Fatalf("expected zero reward once MAX_SUPPLY is reached, got %s", reward.BigInt().String())
	}
}

func TestCalculateBlockRewardZeroHalvingInterval(t *testing.T) {
	params := testParams()
	params.HalvingInterval = 0
	reward := CalculateBlockReward(1000000, externalapi.ZeroAmount(), params)
	if reward.BigInt().Uint64() != 1000 {
		t.Fatalf("expected a zero HalvingInterval to never halve, got %s", reward.BigInt().String())
	}
}
