package powmanager

import (
	"context"
	"testing"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

func testHeader() *externalapi.DomainBlockHeader {
	return &externalapi.DomainBlockHeader{
		Version:      1,
		PreviousHash: nil,
		Timestamp:    time.Unix(1700000000, 0),
		Difficulty:   1,
		Height:       1,
		Miner:        "miner",
		Target:       TargetHex(1),
		TotalSupply:  externalapi.NewAmountFromUint64(1000),
		BlockReward:  externalapi.NewAmountFromUint64(1000),
		Fees:         externalapi.ZeroAmount(),
		PublicKey:    []byte("pubkey"),
	}
}

func TestTargetScalesInverselyWithDifficulty(t *testing.T) {
	easy := Target(1)
	hard := Target(1000)
	if hard.Cmp(easy) >= 0 {
		t.Fatalf("expected target to shrink as difficulty grows")
	}
}

func TestTargetZeroDifficultyTreatedAsOne(t *testing.T) {
	if Target(0).Cmp(Target(1)) != 0 {
		t.Fatalf("expected Target(0) to equal Target(1)")
	}
}

func TestMineFindsAValidNonce(t *testing.T) {
	header := testHeader()
	target := Target(1)

	found, err := (&Manager{}).Mine(context.Background(), header, target, nil)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !found {
		t.Fatal("expected difficulty-1 mining to succeed quickly")
	}
	if header.Hash == nil {
		t.Fatal("expected Mine to set header.Hash")
	}
}

func TestMineRespectsContextCancellation(t *testing.T) {
	header := testHeader()
	header.Difficulty = 1 << 40 // an effectively unreachable target
	header.Target = TargetHex(header.Difficulty)
	target := Target(header.Difficulty)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	found, err := (&Manager{}).Mine(ctx, header, target, nil)
	if found {
		t.Fatal("did not expect to find a nonce for an unreachable target in time")
	}
	if err == nil {
		t.Fatal("expected a context error")
	}
}

func TestRetargetDifficultyClampsBeforeDividing(t *testing.T) {
	m := New(Params{
		MaxAdjustmentFactor: 4,
		MinDifficulty:       1,
	})
	m.params.TargetTimespan = 100 * time.Second

	// actual timespan way below target/factor should clamp to
	// target/factor, capping the difficulty increase at 4x.
	next := m.RetargetDifficulty(1000, 1*time.Second)
	if next != 4000 {
		t.Fatalf("expected clamped 4x increase to 4000, got %d", next)
	}

	// actual timespan way above target*factor should clamp to
	// target*factor, capping the decrease at 1/4.
	next = m.RetargetDifficulty(1000, 10000*time.Second)
	if next != 250 {
		t.Fatalf("expected clamped 1/4 decrease to 250, got %d", next)
	}
}

func TestRetargetDifficultyFloorsAtMinDifficulty(t *testing.T) {
	m := New(Params{
		TargetTimespan:      100 * time.Second,
		MaxAdjustmentFactor: 4,
		MinDifficulty:       500,
	})
	next := m.RetargetDifficulty(100, 10000*time.Second)
	if next != 500 {
		t.Fatalf("expected difficulty floored at MinDifficulty=500, got %d", next)
	}
}

func TestValidateBlockRejectsMismatchedDifficulty(t *testing.T) {
	header := testHeader()
	m := New(Params{})
	found, err := (&Manager{}).Mine(context.Background(), header, Target(1), nil)
	if err != nil || !found {
		t.Fatalf("setup: failed to mine header: %v %v", found, err)
	}

	err = m.ValidateBlock(header, 2)
	if err == nil {
		t.Fatal("expected an error for mismatched difficulty")
	}
}

func TestValidateBlockAcceptsAGenuinelyMinedHeader(t *testing.T) {
	header := testHeader()
	m := New(Params{})
	found, err := (&Manager{}).Mine(context.Background(), header, Target(1), nil)
	if err != nil || !found {
		t.Fatalf("setup: failed to mine header: %v %v", found, err)
	}

	if err := m.ValidateBlock(header, 1); err != nil {
		t.Fatalf("expected a genuinely mined header to validate, got %s", err)
	}
}

func TestPoWScore(t *testing.T) {
	if PoWScore(50, 100) != 0.5 {
		t.Fatalf("expected 0.5")
	}
	if PoWScore(1, 0) != 0 {
		t.Fatalf("expected 0 when network difficulty is 0")
	}
}
