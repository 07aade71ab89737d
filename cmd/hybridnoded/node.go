package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kaspanet/hybridchain/config"
	"github.com/kaspanet/hybridchain/domain/consensus/database/store"
	"github.com/kaspanet/hybridchain/domain/consensus/datastructures/utxoset"
	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockbuilder"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockvalidator"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/chainmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/hybridconsensus"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/powmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/transactionvalidator"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/votingmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/address"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/reward"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/syncutils"
	"github.com/kaspanet/hybridchain/domain/mempool"
	"github.com/kaspanet/hybridchain/util/locks"
)

// appendRetry bounds how hard the node retries a commit that fails on
// a transient store error (spec section 7's Retryable classification)
// before giving up on the candidate block.
var appendRetry = syncutils.RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// node wires every component C1-C10 plus config into one running
// process, the same wrapper-struct-with-start/stop shape as the
// teacher's top-level kaspad struct, minus the P2P/RPC surface this
// spec's Non-goals exclude.
type node struct {
	cfg *config.Config

	store     store.TxStore
	utxoSet   *utxoset.Set
	txValidator *transactionvalidator.Validator
	mempool   *mempool.Mempool
	blockValidator *blockvalidator.Validator
	pow       *powmanager.Manager
	registry  *validatorRegistry
	voting    *votingmanager.Manager
	consensus *hybridconsensus.Manager
	chain     *chainmanager.ChainManager

	minerKey     *signature.PrivateKey
	minerAddress string

	wg     *locks.WaitGroup
	cancel context.CancelFunc
}

// newNode constructs every component in dependency order and mines or
// loads the genesis block, but does not start any background loop.
func newNode(cfg *config.Config) (*node, error) {
	minerKey, err := signature.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate miner key")
	}
	minerAddress := address.FromPublicKey(minerKey.PublicKey())

	txStore := store.NewMemStore()
	utxoSet := utxoset.New()
	txValidator := transactionvalidator.New(cfg.TransactionValidatorParams(), utxoSet)
	nonceSource := &storeNonceSource{store: txStore}
	mp := mempool.New(cfg.MempoolPolicy(), txValidator, nonceSource)
	blockValidator := blockvalidator.New(cfg.BlockValidatorParams())
	pow := powmanager.New(cfg.PowManagerParams())

	registry := newValidatorRegistry()
	registry.seed(minerAddress, minerKey.PublicKey().SerializeCompressed(), externalapi.NewAmountFromUint64(1))
	voting := votingmanager.New(cfg.VotingManagerParams(), registry)

	// Two-phase wiring: ChainManager satisfies hybridconsensus.ChainReader
	// on its own, so it is constructed first (with consensus nil),
	// then the hybridconsensus.Manager is built against it, and
	// finally SetConsensus closes the cycle.
	chain := chainmanager.New(cfg.ChainManagerParams(), txStore, utxoSet, mp, blockValidator)
	cache := hybridconsensus.NewValidationCache(1024)
	consensus := hybridconsensus.New(cfg.HybridConsensusParams(), cache, pow, voting, chain)
	chain.SetConsensus(consensus)
	chain.SetOnBlockAddedHandler(func(block *externalapi.DomainBlock) {
		registry.observe(block)
	})

	n := &node{
		cfg:            cfg,
		store:          txStore,
		utxoSet:        utxoSet,
		txValidator:    txValidator,
		mempool:        mp,
		blockValidator: blockValidator,
		pow:            pow,
		registry:       registry,
		voting:         voting,
		consensus:      consensus,
		chain:          chain,
		minerKey:       minerKey,
		minerAddress:   minerAddress,
		wg:             locks.NewWaitGroup(),
	}

	if chain.GetHeight() == 0 {
		if _, ok := chain.GetBlockByHeight(0); !ok {
			genesis, err := buildGenesisBlock(pow, minerKey, cfg.InitialDifficulty, externalapi.NewAmountFromUint64(cfg.InitialReward))
			if err != nil {
				return nil, errors.Wrap(err, "failed to build genesis block")
			}
			appendErr := syncutils.Retry(context.Background(), appendRetry, func() error {
				return chain.AppendBlock(context.Background(), genesis, cfg.InitialDifficulty, nil)
			})
			if appendErr != nil {
				return nil, errors.Wrap(appendErr, "failed to append genesis block")
			}
		}
	}

	return n, nil
}

// start launches every background loop: mempool maintenance, mining,
// and the fork-voting ticker, each tracked by n.wg so stop can block
// until they have all actually returned.
func (n *node) start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add()
	spawn(func() {
		defer n.wg.Done()
		n.mempool.RunMaintenanceLoop(ctx)
	})

	n.wg.Add()
	spawn(func() {
		defer n.wg.Done()
		n.runMiningLoop(ctx)
	})

	n.wg.Add()
	spawn(func() {
		defer n.wg.Done()
		n.runVotingTicker(ctx)
	})

	log.Infof("node started, miner address %s", n.minerAddress)
}

// stop cancels every background loop and blocks until they exit.
func (n *node) stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	log.Infof("node stopped")
}

// runMiningLoop continuously builds a candidate block atop the
// current tip from whatever the mempool holds, mines it, and appends
// it, applying spec section 5's backpressure by shrinking the
// candidate block size as the mempool fills past its high watermark.
func (n *node) runMiningLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tipHeight := n.chain.GetHeight()
		tip, ok := n.chain.GetBlockByHeight(tipHeight)
		if !ok {
			log.Errorf("mining loop: no block at tip height %d", tipHeight)
			return
		}

		expectedDifficulty := n.expectedDifficulty(tipHeight, tip)

		effectiveMaxBlockSize := n.mempool.EffectiveMaxBlockSize(n.cfg.MaxBlockSize)
		params := n.cfg.BlockBuilderParams(effectiveMaxBlockSize)
		builder := blockbuilder.New(params, tip.Header.Hash, tipHeight+1, expectedDifficulty, tip.Header.TotalSupply)

		blockReward := reward.CalculateBlockReward(tipHeight+1, tip.Header.TotalSupply, n.cfg.RewardParams())
		coinbase, err := buildCoinbaseTransaction(n.minerAddress, blockReward)
		if err != nil {
			log.Errorf("mining loop: failed to build coinbase transaction: %s", err)
			continue
		}

		maxCandidates := params.MaxTransactions - 1
		candidates := n.mempool.GetTransactions()
		if maxCandidates < 0 {
			maxCandidates = 0
		}
		if len(candidates) > maxCandidates {
			candidates = candidates[:maxCandidates]
		}
		txs := append([]*externalapi.DomainTransaction{coinbase}, candidates...)
		if err := builder.SetTransactions(txs); err != nil {
			// Fall back to a coinbase-only block rather than stalling
			// the chain on a mempool that no longer fits the
			// builder's current limits.
			if err := builder.SetTransactions([]*externalapi.DomainTransaction{coinbase}); err != nil {
				log.Errorf("mining loop: failed to reset transaction set: %s", err)
				continue
			}
		}
		builder.SetValidators(n.registry.activeValidators())

		consensusData := externalapi.ConsensusData{
			PoWScore:    powmanager.PoWScore(expectedDifficulty, expectedDifficulty),
			VotingScore: 1,
		}
		unmined, err := builder.Build(n.minerKey, n.minerAddress, blockReward, consensusData)
		if err != nil {
			log.Errorf("mining loop: failed to build candidate block: %s", err)
			continue
		}

		target := powmanager.Target(unmined.Header.Difficulty)
		onExhausted := func() {
			unmined.Header.Timestamp = time.Now()
		}
		found, err := n.pow.Mine(ctx, unmined.Header, target, onExhausted)
		if err != nil || !found {
			continue
		}

		appendErr := syncutils.Retry(ctx, appendRetry, func() error {
			return n.chain.AppendBlock(ctx, unmined, unmined.Header.Difficulty, nil)
		})
		if appendErr != nil {
			log.Warnf("mining loop: mined block rejected: %s", appendErr)
			continue
		}
	}
}

// expectedDifficulty returns tip's own difficulty unless the next
// height lands on a retarget boundary, in which case it asks the PoW
// manager to recompute it from the actual timespan of the last
// DifficultyAdjustmentInterval blocks (spec section 4.6).
func (n *node) expectedDifficulty(tipHeight uint64, tip *externalapi.DomainBlock) uint64 {
	interval := n.cfg.DifficultyAdjustmentInterval
	nextHeight := tipHeight + 1
	if interval == 0 || nextHeight%interval != 0 || nextHeight < interval {
		return tip.Header.Difficulty
	}

	windowStart, ok := n.chain.GetBlockByHeight(nextHeight - interval)
	if !ok {
		return tip.Header.Difficulty
	}

	actualTimespan := tip.Header.Timestamp.Sub(windowStart.Header.Timestamp)
	return n.pow.RetargetDifficulty(tip.Header.Difficulty, actualTimespan)
}

// runVotingTicker watches for side branches deep enough to warrant a
// node-selection vote, resolves the vote through HandleChainFork and
// logs the outcome; it does not reorg the active chain itself, even
// when the fork wins. In a single-node deployment
// with no peers submitting competing blocks this rarely fires, but the
// machinery is wired the same way a multi-node deployment would use
// it.
func (n *node) runVotingTicker(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.TargetBlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tips := n.chain.GetChainTips()
		for _, tip := range tips {
			if tip.Status != externalapi.ChainTipStatusValidFork {
				continue
			}
			if tip.BranchLength < n.cfg.MaxForkDepth {
				continue
			}
			n.resolveFork(ctx, tip)
		}
	}
}

func (n *node) resolveFork(ctx context.Context, tip externalapi.ChainTip) {
	forkBlock, ok := n.chain.GetBlockByHash(tip.Hash)
	if !ok {
		return
	}
	ancestor, ok := n.chain.GetBlockByHash(tip.FirstBlockHash)
	if !ok {
		return
	}
	forkHeight := uint64(0)
	if ancestor.Header.Height > 0 {
		forkHeight = ancestor.Header.Height - 1
	}

	period, err := n.voting.InitializeChainVotingPeriod("active", tip.Hash.String(), n.chain.GetHeight(), forkHeight,
		time.Now(), n.cfg.TargetBlockTime*time.Duration(n.cfg.VotingPeriodBlocks))
	if err != nil {
		log.Warnf("voting ticker: failed to initialize voting period for fork %s: %s", tip.Hash.String(), err)
		return
	}

	winner, err := n.consensus.HandleChainFork(ctx, period, []*externalapi.DomainBlock{forkBlock})
	if err != nil {
		log.Warnf("voting ticker: fork resolution failed for %s: %s", tip.Hash.String(), err)
		return
	}
	if winner != period.CompetingChains.NewChainID {
		return
	}

	log.Infof("voting ticker: validators selected the fork at %s; reorg is left to a future block append", tip.Hash.String())
}
