// Package hybridconsensus implements C8: the block validation state
// machine that ties together the PoW engine (C6), the voting engine
// (C7), and the bounded validation cache, plus fork handling and
// post-mining state updates. The cache-then-circuit-breaker-then-
// structural-checks ordering mirrors the teacher's layered validator
// pipelines (blockvalidator's chained checks), generalized to this
// spec's linear-chain, dual PoW/vote model.
package hybridconsensus

import (
	"context"
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/powmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/votingmanager"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/merkle"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/syncutils"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
)

var log, _ = logger.Get(logger.SubsystemTags.CONS)

// ChainReader is the minimal read surface hybrid consensus needs from
// the chain manager (C9) to run the fork-point test: what block, if
// any, the chain already has at a given height.
type ChainReader interface {
	GetBlockByHeight(height uint64) (*externalapi.DomainBlock, bool)
}

// Params bundles the tunables spec section 6 lists for hybrid
// consensus.
type Params struct {
	EmergencyPoWThreshold float64
	MaxForkLength         uint64
	ForkResolutionTimeout time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration
	RejectionCacheTTL       time.Duration
}

// Outcome is the result of ValidateBlock's state machine.
type Outcome struct {
	Valid          bool
	IsFork         bool
	RequiresVoting bool
	Reason         string
}

// Manager implements the hybrid consensus engine.
type Manager struct {
	params  Params
	cache   *ValidationCache
	breaker *syncutils.CircuitBreaker
	forkLock sync.Mutex

	pow     *powmanager.Manager
	voting  *votingmanager.Manager
	chain   ChainReader
}

// New constructs a Manager.
func New(params Params, cache *ValidationCache, pow *powmanager.Manager, voting *votingmanager.Manager, chain ChainReader) *Manager {
	return &Manager{
		params:  params,
		cache:   cache,
		breaker: syncutils.NewCircuitBreaker(params.CircuitBreakerThreshold, params.CircuitBreakerReset),
		pow:     pow,
		voting:  voting,
		chain:   chain,
	}
}

// ValidateBlock runs the eight-step state machine of spec section
// 4.8. activeVotingPeriod is non-nil when a node_selection voting
// period for this height's fork is currently open.
func (m *Manager) ValidateBlock(ctx context.Context, block *externalapi.DomainBlock, expectedDifficulty uint64, activeVotingPeriod *externalapi.VotingPeriod) (Outcome, error) {
	if block == nil || block.Header == nil || block.Header.Hash == nil {
		return Outcome{}, errors.Wrap(ruleerrors.ErrInvalidBlock, "block, header, or hash is missing")
	}
	hash := *block.Header.Hash

	// 1. Fast path: bounded validation cache.
	if valid, reason, ok := m.cache.Get(hash); ok {
		if !valid {
			return Outcome{Reason: reason}, errors.Wrap(ruleerrors.ErrInvalidBlock, reason)
		}
		return Outcome{Valid: valid, Reason: reason}, nil
	}

	// 2. Circuit breaker.
	if !m.breaker.Allow() {
		return Outcome{}, errors.Wrap(ruleerrors.ErrCircuitOpen, "consensus circuit breaker is open")
	}

	outcome, err := m.validateUncached(ctx, block, expectedDifficulty, activeVotingPeriod)
	if err != nil {
		m.breaker.RecordFailure()
		m.cache.Put(hash, false, err.Error(), TierConsensus, m.params.RejectionCacheTTL)
		return Outcome{}, err
	}

	m.breaker.RecordSuccess()
	tier := TierPoW
	if outcome.RequiresVoting {
		tier = TierQuadraticVote
	}
	m.cache.Put(hash, outcome.Valid, outcome.Reason, tier, 0)
	return outcome, nil
}

func (m *Manager) validateUncached(_ context.Context, block *externalapi.DomainBlock, expectedDifficulty uint64, activeVotingPeriod *externalapi.VotingPeriod) (Outcome, error) {
	header := block.Header

	// 3. Merkle root.
	expectedRoot := merkle.CalculateTransactionMerkleRoot(block.Transactions, func(tx *externalapi.DomainTransaction) *externalapi.DomainHash {
		return tx.ID()
	})
	if !expectedRoot.Equal(&header.MerkleRoot) {
		return Outcome{}, errors.Wrap(ruleerrors.ErrInvalidMerkle, "computed merkle root does not match header")
	}

	// 4. PoW check.
	if err := m.pow.ValidateBlock(header, expectedDifficulty); err != nil {
		return Outcome{}, err
	}

	// 5. Fork-point test: fork iff a block already exists at this
	// height with a different hash (spec section 9's Open Question
	// resolution).
	existing, exists := m.chain.GetBlockByHeight(header.Height)
	isFork := exists && !existing.Header.Hash.Equal(header.Hash)

	if !isFork {
		return Outcome{Valid: true, Reason: "linear"}, nil
	}

	// 6. Fork and an active voting period: defer to voting.
	if activeVotingPeriod != nil && activeVotingPeriod.Status == externalapi.VotingPeriodStatusActive {
		return Outcome{Valid: true, IsFork: true, RequiresVoting: true, Reason: "fork pending vote"}, nil
	}

	// 7. Fork and no active period: require emergency PoW dominance.
	if header.ConsensusData.PoWScore < m.params.EmergencyPoWThreshold {
		return Outcome{}, errors.Wrapf(ruleerrors.ErrInsufficientPoWForFork,
			"pow score %f below EMERGENCY_POW_THRESHOLD %f with no active voting period",
			header.ConsensusData.PoWScore, m.params.EmergencyPoWThreshold)
	}

	return Outcome{Valid: true, IsFork: true, Reason: "emergency pow"}, nil
}

// HandleChainFork waits, up to ForkResolutionTimeout, for the voting
// period to end, then tallies it and decides the winning chain, holding the manager's global fork-resolution
// lock so only one fork resolves at a time (spec section 4.8). It
// validates the competing fork's length against MAX_FORK_LENGTH and
// enforces timestamp monotonicity across forkBlocks before tallying;
// on tally timeout or an exact tie, it defaults to the pre-fork
// (old) chain.
func (m *Manager) HandleChainFork(ctx context.Context, period *externalapi.VotingPeriod, forkBlocks []*externalapi.DomainBlock) (winningChainID string, err error) {
	m.forkLock.Lock()
	defer m.forkLock.Unlock()

	if uint64(len(forkBlocks)) > m.params.MaxForkLength {
		return "", errors.Wrapf(ruleerrors.ErrInvalidBlock,
			"fork length %d exceeds MAX_FORK_LENGTH %d", len(forkBlocks), m.params.MaxForkLength)
	}
	for i := 1; i < len(forkBlocks); i++ {
		if forkBlocks[i].Header.Timestamp.Before(forkBlocks[i-1].Header.Timestamp) {
			return "", errors.Wrap(ruleerrors.ErrInvalidBlock, "fork blocks are not monotonically timestamped")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.params.ForkResolutionTimeout)
	defer cancel()

	done := make(chan struct{})
	var tally votingmanager.TallyResult
	go func() {
		_ = m.voting.WaitForPeriodEnd(ctx, period)
		tally = m.voting.Tally(period)
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Warnf("fork resolution for period %s timed out, defaulting to the pre-fork chain", period.PeriodID)
		return period.CompetingChains.OldChainID, nil
	case <-done:
		if tally.Approved.Cmp(tally.Rejected) == 0 {
			log.Infof("fork resolution for period %s tied, defaulting to the pre-fork chain", period.PeriodID)
			return period.CompetingChains.OldChainID, nil
		}
		return m.voting.Decide(tally, period.CompetingChains), nil
	}
}
