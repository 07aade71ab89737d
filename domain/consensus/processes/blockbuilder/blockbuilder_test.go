package blockbuilder

import (
	"testing"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
)

func testParams() Params {
	return Params{
		MaxTransactions: 10,
		MaxBlockSize:    1 << 16,
		MaxTxAge:        time.Hour,
		Version:         1,
	}
}

func txWithID(id byte, fee uint64) *externalapi.DomainTransaction {
	tx := &externalapi.DomainTransaction{
		Outputs:   []*externalapi.DomainTransactionOutput{{Value: externalapi.NewAmountFromUint64(1), Address: "addr"}},
		Timestamp: time.Now(),
	}
	tx.SetID(&externalapi.DomainHash{id})
	tx.SetFee(externalapi.NewAmountFromUint64(fee))
	return tx
}

func TestSetTransactionsRejectsTooMany(t *testing.T) {
	params := testParams()
	params.MaxTransactions = 1
	b := New(params, nil, 1, 1, externalapi.ZeroAmount())
	err := b.SetTransactions([]*externalapi.DomainTransaction{txWithID(1, 0), txWithID(2, 0)})
	if err == nil {
		t.Fatal("expected exceeding MAX_TRANSACTIONS to be rejected")
	}
}

func TestSetTransactionsRejectsTooOld(t *testing.T) {
	b := New(testParams(), nil, 1, 1, externalapi.ZeroAmount())
	tx := txWithID(1, 0)
	tx.Timestamp = time.Now().Add(-2 * time.Hour)
	if err := b.SetTransactions([]*externalapi.DomainTransaction{tx}); err == nil {
		t.Fatal("expected a transaction older than MAX_TX_AGE to be rejected")
	}
}

func TestSetTransactionsRejectsMissingID(t *testing.T) {
	b := New(testParams(), nil, 1, 1, externalapi.ZeroAmount())
	tx := &externalapi.DomainTransaction{Timestamp: time.Now()}
	if err := b.SetTransactions([]*externalapi.DomainTransaction{tx}); err == nil {
		t.Fatal("expected a transaction with no computed id to be rejected")
	}
}

func TestSetTransactionsRejectsDuplicateID(t *testing.T) {
	b := New(testParams(), nil, 1, 1, externalapi.ZeroAmount())
	first := txWithID(1, 0)
	second := txWithID(1, 0)
	if err := b.SetTransactions([]*externalapi.DomainTransaction{first, second}); err == nil {
		t.Fatal("expected a duplicate transaction id to be rejected")
	}
}

func TestSetTransactionsRejectsOverBlockSize(t *testing.T) {
	params := testParams()
	params.MaxBlockSize = 1
	b := New(params, nil, 1, 1, externalapi.ZeroAmount())
	if err := b.SetTransactions([]*externalapi.DomainTransaction{txWithID(1, 0)}); err == nil {
		t.Fatal("expected exceeding MAX_BLOCK_SIZE to be rejected")
	}
}

func TestBuildProducesASignedAndHashedBlock(t *testing.T) {
	priv, err := signature.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %s", err)
	}

	b := New(testParams(), nil, 1, 100, externalapi.ZeroAmount())
	tx := txWithID(1, 5)
	if err := b.SetTransactions([]*externalapi.DomainTransaction{tx}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	b.SetValidators([]*externalapi.DomainValidator{{Address: "validator1", VotingPower: externalapi.NewAmountFromUint64(1), Active: true}})

	block, err := b.Build(priv, "miner", externalapi.NewAmountFromUint64(50), externalapi.ConsensusData{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if block.Header.Hash == nil {
		t.Fatal("expected Build to compute the header hash")
	}
	if len(block.Header.Signature) == 0 {
		t.Fatal("expected Build to sign the header")
	}
	if block.Header.Fees.Cmp(externalapi.NewAmountFromUint64(5)) != 0 {
		t.Fatalf("expected fees to sum every transaction's cached fee, got %s", block.Header.Fees)
	}
	if block.Header.TotalSupply.Cmp(externalapi.NewAmountFromUint64(50)) != 0 {
		t.Fatalf("expected total supply to be previous total plus block reward, got %s", block.Header.TotalSupply)
	}
	if block.Header.ValidatorMerkleRoot == (externalapi.DomainHash{}) {
		t.Fatal("expected a non-zero validator merkle root when validators are set")
	}
}

func TestBuildWithNoValidatorsUsesEmptyHash(t *testing.T) {
	priv, err := signature.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %s", err)
	}
	b := New(testParams(), nil, 1, 100, externalapi.ZeroAmount())
	if err := b.SetTransactions([]*externalapi.DomainTransaction{txWithID(1, 0)}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	block, err := b.Build(priv, "miner", externalapi.ZeroAmount(), externalapi.ConsensusData{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if block.Header.ValidatorMerkleRoot != *hashes.HashEmpty() {
		t.Fatal("expected an empty validator set to produce the empty-hash validator merkle root")
	}
}
