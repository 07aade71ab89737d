package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockbuilder"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/powmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/address"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
)

// buildGenesisBlock constructs height 0: no previous hash, a single
// no-input coinbase transaction minting the configured InitialReward
// to genesisKey's address (spec section 3's convention that
// transactions[0] is the coinbase iff it has no inputs; spec section
// 6's genesis bootstrap is otherwise left unspecified, so this
// follows the teacher's convention of building a hardcoded genesis
// block the same way every later block is built, rather than
// hand-serializing a constant).
func buildGenesisBlock(pow *powmanager.Manager, genesisKey *signature.PrivateKey, initialDifficulty uint64, initialReward externalapi.Amount) (*externalapi.DomainBlock, error) {
	minerAddress := address.FromPublicKey(genesisKey.PublicKey())

	coinbase, err := buildCoinbaseTransaction(minerAddress, initialReward)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build genesis coinbase transaction")
	}

	builder := blockbuilder.New(blockbuilder.Params{
		MaxTransactions: 1,
		MaxBlockSize:    1 << 20,
		MaxTxAge:        24 * time.Hour,
		Version:         1,
	}, nil, 0, initialDifficulty, externalapi.ZeroAmount())

	if err := builder.SetTransactions([]*externalapi.DomainTransaction{coinbase}); err != nil {
		return nil, errors.Wrap(err, "failed to set genesis transaction set")
	}
	builder.SetValidators([]*externalapi.DomainValidator{{
		Address:     minerAddress,
		VotingPower: externalapi.NewAmountFromUint64(1),
		Active:      true,
	}})

	block, err := builder.Build(genesisKey, minerAddress, initialReward, externalapi.ConsensusData{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build genesis block")
	}

	target := powmanager.Target(initialDifficulty)
	found, err := pow.Mine(context.Background(), block.Header, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mine genesis block")
	}
	if !found {
		return nil, errors.New("failed to find a genesis nonce")
	}
	return block, nil
}

// buildCoinbaseTransaction constructs the no-input, single-output
// transaction that every block's transactions[0] must be (spec
// section 3's convention; blockvalidator.ValidateStructure requires
// block.CoinbaseTransaction() to be non-nil), minting reward to
// minerAddress.
func buildCoinbaseTransaction(minerAddress string, reward externalapi.Amount) (*externalapi.DomainTransaction, error) {
	coinbase := &externalapi.DomainTransaction{
		Version: 1,
		Sender:  minerAddress,
		Outputs: []*externalapi.DomainTransactionOutput{{
			Value:   reward,
			Address: minerAddress,
		}},
		Timestamp: time.Now(),
	}
	serialized, err := canonical.SerializeTransaction(coinbase, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize coinbase transaction")
	}
	coinbase.SetID(hashes.HashData(serialized))
	return coinbase, nil
}
