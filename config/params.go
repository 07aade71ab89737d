package config

import (
	"math/big"

	"golang.org/x/time/rate"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockbuilder"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockvalidator"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/chainmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/hybridconsensus"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/powmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/transactionvalidator"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/votingmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/reward"
	"github.com/kaspanet/hybridchain/domain/mempool"
)

// These conversion methods translate the flat, flag-tagged Config
// into the Params struct each component defines for itself, keeping
// every component ignorant of how it is configured, in the same spirit
// as the teacher's daemon wiring its subsystems from one parsed
// *config.Config.

// MempoolPolicy converts to mempool.Policy.
func (c *Config) MempoolPolicy() mempool.Policy {
	return mempool.Policy{
		MaxMempoolSize:     c.MaxMempoolSize,
		HighWatermarkRatio: c.MempoolHighWatermarkRatio,
		MempoolTTL:         c.MempoolTTL,
		CleanupInterval:    c.MempoolCleanupInterval,
		MaxStrikes:         c.MempoolMaxStrikes,
		RateLimitPerSecond: rate.Limit(c.MempoolRateLimitPerSecond),
		RateLimitBurst:     c.MempoolRateLimitBurst,
	}
}

// TransactionValidatorParams converts to transactionvalidator.Params.
func (c *Config) TransactionValidatorParams() transactionvalidator.Params {
	return transactionvalidator.Params{
		MinTxVersion:      1,
		MaxTxVersion:      1,
		MaxTxSize:         c.MaxTxSize,
		MaxInputs:         c.MaxInputs,
		MaxOutputs:        c.MaxOutputs,
		MaxSignatureSize:  128,
		MaxScriptSize:     10000,
		MinInputAge:       c.MinInputAge,
		MinFeePerByte:     externalapi.NewAmountFromUint64(c.MinFeePerByte),
		MaxTimeDrift:      c.MaxTimeDrift,
		ValidationTimeout: c.ValidationTimeout,
	}
}

// BlockBuilderParams converts to blockbuilder.Params.
func (c *Config) BlockBuilderParams(effectiveMaxBlockSize int) blockbuilder.Params {
	return blockbuilder.Params{
		MaxTransactions: c.MaxTransactions,
		MaxBlockSize:    effectiveMaxBlockSize,
		MaxTxAge:        c.MaxTimeDrift,
		Version:         1,
	}
}

// BlockValidatorParams converts to blockvalidator.Params.
func (c *Config) BlockValidatorParams() blockvalidator.Params {
	return blockvalidator.Params{
		MinVersion: 1,
		MaxVersion: 1,
	}
}

// PowManagerParams converts to powmanager.Params.
func (c *Config) PowManagerParams() powmanager.Params {
	return powmanager.Params{
		DifficultyAdjustmentInterval: c.DifficultyAdjustmentInterval,
		TargetTimespan:               c.TargetTimespan,
		MaxAdjustmentFactor:          c.MaxAdjustmentFactor,
		MinDifficulty:                c.MinDifficulty,
		MaxTimeDrift:                 c.MaxTimeDrift,
	}
}

// VotingManagerParams converts to votingmanager.Params.
func (c *Config) VotingManagerParams() votingmanager.Params {
	threshold := new(big.Rat).SetFloat64(c.NodeSelectionThreshold)
	if threshold == nil {
		threshold = big.NewRat(66, 100)
	}
	quorum := new(big.Rat).SetFloat64(c.MinVotesForValidity)
	if quorum == nil {
		quorum = big.NewRat(1, 10)
	}
	return votingmanager.Params{
		VotingPeriodBlocks:     c.VotingPeriodBlocks,
		MaxForkDepth:           c.MaxForkDepth,
		MaxVoteAge:             c.MaxVoteAge,
		NodeSelectionThreshold: threshold,
		MinVotesForValidity:    quorum,
		VoteCacheTTL:           c.VoteCacheTTL,
		VoteRateLimitPerSecond: rate.Limit(c.VoteRateLimitPerSecond),
		VoteRateLimitBurst:     c.VoteRateLimitBurst,
	}
}

// HybridConsensusParams converts to hybridconsensus.Params.
func (c *Config) HybridConsensusParams() hybridconsensus.Params {
	return hybridconsensus.Params{
		EmergencyPoWThreshold:   c.EmergencyPoWThreshold,
		MaxForkLength:           c.MaxForkLength,
		ForkResolutionTimeout:   c.ForkResolutionTimeout,
		CircuitBreakerThreshold: c.ConsensusCircuitBreakerThreshold,
		CircuitBreakerReset:     c.ConsensusCircuitBreakerReset,
		RejectionCacheTTL:       c.RejectionCacheTTL,
	}
}

// ChainManagerParams converts to chainmanager.Params.
func (c *Config) ChainManagerParams() chainmanager.Params {
	return chainmanager.Params{
		MaxReorgDepth:        c.MaxForkDepth,
		HeightCacheTTL:       c.HeightCacheTTL,
		MaxTipTraversalSteps: c.MaxTipTraversalSteps,
		HealthCheckThreshold: c.HealthCheckThreshold,
		HealthCheckReset:     c.HealthCheckReset,
	}
}

// RewardParams converts to reward.Params.
func (c *Config) RewardParams() reward.Params {
	return reward.Params{
		HalvingInterval: c.HalvingInterval,
		InitialReward:   externalapi.NewAmountFromUint64(c.InitialReward),
		MinReward:       externalapi.NewAmountFromUint64(c.MinReward),
		MaxSupply:       externalapi.NewAmountFromUint64(c.MaxSupply),
	}
}
