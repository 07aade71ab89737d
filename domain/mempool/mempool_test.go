package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type fakeValidator struct {
	err error
}

func (v *fakeValidator) Validate(ctx context.Context, tx *externalapi.DomainTransaction) error {
	return v.err
}

type fakeNonceSource struct {
	nonces map[string]uint64
}

func (s *fakeNonceSource) NextNonce(sender string) (uint64, error) {
	return s.nonces[sender], nil
}

func testPolicy() Policy {
	return Policy{
		MaxMempoolSize:     10000,
		HighWatermarkRatio: 0.8,
		MempoolTTL:         time.Hour,
		CleanupInterval:    time.Hour,
		MaxStrikes:         3,
		RateLimitPerSecond: rate.Limit(1000),
		RateLimitBurst:     1000,
	}
}

func mkTx(sender string, nonce uint64, fee uint64, outpointTxID byte) *externalapi.DomainTransaction {
	tx := &externalapi.DomainTransaction{
		Sender: sender,
		Nonce:  nonce,
		Inputs: []*externalapi.DomainTransactionInput{{
			PreviousOutpoint: externalapi.DomainOutpoint{
				TransactionID: externalapi.DomainHash{outpointTxID},
				Index:         0,
			},
		}},
		Outputs:   []*externalapi.DomainTransactionOutput{{Value: externalapi.NewAmountFromUint64(1), Address: "recipient"}},
		Timestamp: time.Now(),
	}
	tx.SetFee(externalapi.NewAmountFromUint64(fee))
	serialized, err := canonical.SerializeTransaction(tx, false)
	if err != nil {
		panic(err)
	}
	id := hashes.HashData(serialized)
	id[0] ^= outpointTxID // keep ids distinct across calls with the same fields otherwise
	tx.SetID(id)
	return tx
}

func newTestMempool(policy Policy) *Mempool {
	return New(policy, &fakeValidator{}, &fakeNonceSource{nonces: make(map[string]uint64)})
}

func TestAddAdmitsAValidTransaction(t *testing.T) {
	mp := newTestMempool(testPolicy())
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); err != nil {
		t.Fatalf("expected admission to succeed, got %s", err)
	}
	if len(mp.GetTransactions()) != 1 {
		t.Fatalf("expected one pending transaction")
	}
}

func TestAddRejectsDuplicateTransaction(t *testing.T) {
	mp := newTestMempool(testPolicy())
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error on first admission: %s", err)
	}
	if err := mp.Add(context.Background(), tx); !errors.Is(err, ruleerrors.ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestAddRejectsWrongNonce(t *testing.T) {
	mp := newTestMempool(testPolicy())
	tx := mkTx("alice", 5, 10, 1)
	if err := mp.Add(context.Background(), tx); !errors.Is(err, ruleerrors.ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}

func TestAddAdvancesExpectedNonceAfterAdmission(t *testing.T) {
	mp := newTestMempool(testPolicy())
	first := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	second := mkTx("alice", 1, 10, 2)
	if err := mp.Add(context.Background(), second); err != nil {
		t.Fatalf("expected the next sequential nonce to be admitted, got %s", err)
	}
}

func TestAddRejectsDoubleSpend(t *testing.T) {
	mp := newTestMempool(testPolicy())
	first := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	second := mkTx("bob", 0, 10, 1) // same outpoint TransactionID/Index as first
	if err := mp.Add(context.Background(), second); !errors.Is(err, ruleerrors.ErrDoubleSpend) {
		t.Fatalf("expected ErrDoubleSpend, got %v", err)
	}
}

func TestAddRejectsOnceMempoolFull(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 1
	mp := newTestMempool(policy)
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); !errors.Is(err, ruleerrors.ErrMempoolFull) {
		t.Fatalf("expected ErrMempoolFull for a transaction bigger than the cap, got %v", err)
	}
}

func TestAddRejectsLowFeeAboveHighWatermark(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 2000
	policy.HighWatermarkRatio = 0.0 // any admitted transaction puts the pool above the watermark
	mp := newTestMempool(policy)

	// Seed several high fee-rate transactions so the 10th percentile
	// floor sits above a fresh low-fee transaction's rate.
	for i := 0; i < 5; i++ {
		tx := mkTx("alice", uint64(i), 1000, byte(i+10))
		if err := mp.Add(context.Background(), tx); err != nil {
			t.Fatalf("unexpected error seeding high fee transaction %d: %s", i, err)
		}
	}

	lowFee := mkTx("bob", 0, 1, 200)
	err := mp.Add(context.Background(), lowFee)
	if !errors.Is(err, ruleerrors.ErrMempoolFull) {
		t.Fatalf("expected a low fee-rate transaction above the high watermark to be rejected, got %v", err)
	}
}

func TestAddAdmitsHighFeeAboveHighWatermark(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 2000
	policy.HighWatermarkRatio = 0.0
	mp := newTestMempool(policy)

	for i := 0; i < 5; i++ {
		tx := mkTx("alice", uint64(i), 1, byte(i+10))
		if err := mp.Add(context.Background(), tx); err != nil {
			t.Fatalf("unexpected error seeding low fee transaction %d: %s", i, err)
		}
	}

	highFee := mkTx("bob", 0, 10000, 200)
	if err := mp.Add(context.Background(), highFee); err != nil {
		t.Fatalf("expected a top-decile fee-rate transaction to be admitted above the high watermark, got %s", err)
	}
}

func TestAddRejectsWhenSenderBlacklisted(t *testing.T) {
	mp := newTestMempool(testPolicy())
	for i := 0; i < testPolicy().MaxStrikes; i++ {
		mp.HandleValidationFailure("alice")
	}
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); !errors.Is(err, ruleerrors.ErrSenderBlacklisted) {
		t.Fatalf("expected ErrSenderBlacklisted, got %v", err)
	}
}

func TestAddRejectsWhenRateLimited(t *testing.T) {
	policy := testPolicy()
	policy.RateLimitPerSecond = rate.Limit(0)
	policy.RateLimitBurst = 1
	mp := newTestMempool(policy)

	first := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), first); err != nil {
		t.Fatalf("expected the burst allowance to admit the first transaction, got %s", err)
	}
	second := mkTx("alice", 1, 10, 2)
	if err := mp.Add(context.Background(), second); !errors.Is(err, ruleerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited once the burst allowance is exhausted, got %v", err)
	}
}

func TestRemoveBatch(t *testing.T) {
	mp := newTestMempool(testPolicy())
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	mp.RemoveBatch([]externalapi.DomainHash{*tx.ID()})
	if len(mp.GetTransactions()) != 0 {
		t.Fatalf("expected the pool to be empty after RemoveBatch")
	}
	if mp.GetSize() != 0 {
		t.Fatalf("expected GetSize to be zero after removing the only entry")
	}
}

func TestMaintainEvictsExpiredTransactions(t *testing.T) {
	policy := testPolicy()
	policy.MempoolTTL = -time.Second // already expired the instant it's added
	mp := newTestMempool(policy)
	tx := mkTx("alice", 0, 10, 1)
	if err := mp.Add(context.Background(), tx); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	mp.Maintain()
	if len(mp.GetTransactions()) != 0 {
		t.Fatalf("expected Maintain to evict the expired transaction")
	}
}

func TestMaintainEvictsLowestFeeRateFirstWhenAboveHighWatermark(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 2000
	policy.HighWatermarkRatio = 0.0
	mp := newTestMempool(policy)

	low := mkTx("alice", 0, 1, 1)
	high := mkTx("bob", 0, 100000, 2)
	if err := mp.Add(context.Background(), low); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := mp.Add(context.Background(), high); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// Shrink the cap below the pool's 158 bytes (80 + 78) so Maintain
	// evicts; the 90-byte high watermark stops eviction after the
	// 80-byte low fee-rate transaction is gone.
	mp.policy.MaxMempoolSize = 150
	mp.policy.HighWatermarkRatio = 0.6

	mp.Maintain()

	remaining := mp.GetTransactions()
	if len(remaining) != 1 {
		t.Fatalf("expected eviction to continue until at/below the high watermark, got %d remaining", len(remaining))
	}
	if *remaining[0].ID() != *high.ID() {
		t.Fatalf("expected the higher fee-rate transaction to survive eviction")
	}
}

func TestFillRatio(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 0
	mp := newTestMempool(policy)
	if mp.FillRatio() != 0 {
		t.Fatalf("expected a zero-cap mempool to report a zero fill ratio rather than dividing by zero")
	}
}

func TestEffectiveMaxBlockSizeBelowHighWatermark(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 1000
	policy.HighWatermarkRatio = 0.8
	mp := newTestMempool(policy)
	if got := mp.EffectiveMaxBlockSize(500); got != 500 {
		t.Fatalf("expected an empty pool to leave the base block size untouched, got %d", got)
	}
}

func TestEffectiveMaxBlockSizeScalesDownUnderPressure(t *testing.T) {
	policy := testPolicy()
	policy.MaxMempoolSize = 1000
	policy.HighWatermarkRatio = 0.5
	mp := newTestMempool(policy)

	// Push the pool's size past its 50% high watermark (about 720 of
	// 1000 bytes) by admitting several transactions.
	for i := 0; i < 9; i++ {
		tx := mkTx("alice", uint64(i), 10, byte(i+1))
		if err := mp.Add(context.Background(), tx); err != nil {
			t.Fatalf("unexpected error admitting transaction %d: %s", i, err)
		}
	}

	if mp.FillRatio() <= policy.HighWatermarkRatio {
		t.Skip("fill ratio did not exceed the high watermark with this fixture size; not exercising backpressure")
	}

	got := mp.EffectiveMaxBlockSize(1000)
	if got >= 1000 {
		t.Fatalf("expected EffectiveMaxBlockSize to shrink once above the high watermark, got %d", got)
	}
	if got < 500 {
		t.Fatalf("expected EffectiveMaxBlockSize to never shrink by more than half, got %d", got)
	}
}
