// Package votingmanager implements C7: voting period scheduling, vote
// admission, and precise-rational tallying for the hybrid consensus's
// on-chain direct-voting fork resolution. The per-item TTL cache and
// rate-limited admission gate follow the same shapes C4's mempool
// uses for strike counters and token-bucket limiting, generalized
// here to per-voter vote verification.
package votingmanager

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var log, _ = logger.Get(logger.SubsystemTags.VOTE)

const voteVerificationTimeout = 5 * time.Second

// ValidatorRegistry resolves the current active validator set, which
// the voting engine needs both to authorize votes and to recover the
// public key a vote's signature verifies against.
type ValidatorRegistry interface {
	IsActive(voter string) bool
	PublicKeyFor(voter string) ([]byte, error)
	ActiveValidatorCount() int
}

// Params bundles the tunables spec section 6 lists for voting.
type Params struct {
	VotingPeriodBlocks     uint64
	MaxForkDepth           uint64
	MaxVoteAge             time.Duration
	NodeSelectionThreshold *big.Rat
	MinVotesForValidity    *big.Rat
	VoteCacheTTL           time.Duration
	VoteRateLimitPerSecond rate.Limit
	VoteRateLimitBurst     int
}

type cacheEntry struct {
	result    bool
	expiresAt time.Time
}

// Manager implements the voting engine.
type Manager struct {
	params     Params
	validators ValidatorRegistry

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Manager.
func New(params Params, validators ValidatorRegistry) *Manager {
	return &Manager{
		params:     params,
		validators: validators,
		cache:      make(map[string]cacheEntry),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// InvalidateCache clears the vote verification cache, called whenever
// the active validator set changes.
func (m *Manager) InvalidateCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

// IsSchedulingHeight reports whether a block at height begins a new
// governance voting period (spec section 4.7: height ≡ 0 mod
// VOTING_PERIOD_BLOCKS).
func (m *Manager) IsSchedulingHeight(height uint64) bool {
	if m.params.VotingPeriodBlocks == 0 {
		return false
	}
	return height%m.params.VotingPeriodBlocks == 0
}

// InitializeChainVotingPeriod opens an on-demand node_selection voting
// period for a fork event, failing with ruleerrors.ErrForkDepthExceeded
// if the fork is already too deep to resolve by vote.
func (m *Manager) InitializeChainVotingPeriod(oldChainID, newChainID string, currentHeight, forkHeight uint64, now time.Time, periodDuration time.Duration) (*externalapi.VotingPeriod, error) {
	if currentHeight-forkHeight > m.params.MaxForkDepth {
		return nil, errors.Wrapf(ruleerrors.ErrForkDepthExceeded,
			"fork at height %d is %d blocks behind tip %d, exceeding MAX_FORK_DEPTH %d",
			forkHeight, currentHeight-forkHeight, currentHeight, m.params.MaxForkDepth)
	}

	return &externalapi.VotingPeriod{
		PeriodID:    newChainID + ":" + oldChainID,
		StartHeight: currentHeight,
		StartTime:   now,
		EndTime:     now.Add(periodDuration),
		Status:      externalapi.VotingPeriodStatusActive,
		Type:        externalapi.VotingPeriodTypeNodeSelection,
		CompetingChains: &externalapi.CompetingChains{
			OldChainID:           oldChainID,
			NewChainID:           newChainID,
			CommonAncestorHeight: forkHeight,
		},
		Votes: make(map[string]*externalapi.Vote),
	}, nil
}

func (m *Manager) limiterFor(voter string) *rate.Limiter {
	m.limitersMu.Lock()
	defer m.limitersMu.Unlock()
	l, ok := m.limiters[voter]
	if !ok {
		l = rate.NewLimiter(m.params.VoteRateLimitPerSecond, m.params.VoteRateLimitBurst)
		m.limiters[voter] = l
	}
	return l
}

func cacheKey(vote *externalapi.Vote) string {
	return vote.Voter + "|" + vote.Timestamp.Format(time.RFC3339Nano) + "|" + string(vote.Signature)
}

// AdmitVote validates a single vote per spec section 4.7: signature
// verifies, voter is an active validator, age is within MAX_VOTE_AGE,
// and the voter is rate-limited. Verification results are cached for
// VOTE_CACHE_TTL keyed by (voter, timestamp, signature); verification
// itself times out after 5 seconds.
func (m *Manager) AdmitVote(ctx context.Context, vote *externalapi.Vote) error {
	ctx, cancel := context.WithTimeout(ctx, voteVerificationTimeout)
	defer cancel()

	if time.Since(vote.Timestamp) > m.params.MaxVoteAge {
		return errors.Wrapf(ruleerrors.ErrInvalidVote, "vote age exceeds MAX_VOTE_AGE %s", m.params.MaxVoteAge)
	}
	if !m.validators.IsActive(vote.Voter) {
		return errors.Wrapf(ruleerrors.ErrInvalidVote, "voter %s is not an active validator", vote.Voter)
	}
	if !m.limiterFor(vote.Voter).Allow() {
		return errors.Wrapf(ruleerrors.ErrRateLimited, "voter %s exceeded the vote submission rate limit", vote.Voter)
	}

	key := cacheKey(vote)
	m.cacheMu.Lock()
	if entry, ok := m.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		m.cacheMu.Unlock()
		if !entry.result {
			return errors.Wrap(ruleerrors.ErrInvalidSignature, "vote signature previously failed verification")
		}
		return nil
	}
	m.cacheMu.Unlock()

	ok, err := m.verifySignature(ctx, vote)
	if err != nil {
		return err
	}

	m.cacheMu.Lock()
	m.cache[key] = cacheEntry{result: ok, expiresAt: time.Now().Add(m.params.VoteCacheTTL)}
	m.cacheMu.Unlock()

	if !ok {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "vote signature does not verify")
	}
	return nil
}

func (m *Manager) verifySignature(ctx context.Context, vote *externalapi.Vote) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)

	go func() {
		pubKey, err := m.validators.PublicKeyFor(vote.Voter)
		if err != nil {
			done <- result{false, errors.Wrap(err, "failed to resolve voter public key")}
			return
		}
		payload := canonical.SerializeVoteForSigning(vote.TargetChainID, vote.Timestamp)
		digest := hashes.HashData(payload)
		ok, err := signature.Verify(pubKey, digest[:], vote.Signature)
		done <- result{ok, err}
	}()

	select {
	case <-ctx.Done():
		return false, errors.Wrap(ruleerrors.ErrTimeout, "vote verification timed out")
	case r := <-done:
		return r.ok, r.err
	}
}

// TallyResult is the outcome of tallying every valid vote in a
// period, carried as precise rationals throughout (spec section 4.7:
// "never integer-divided").
type TallyResult struct {
	Approved          *big.Rat
	Rejected          *big.Rat
	TotalValidVotes   int
	ParticipationRate *big.Rat
}

// Tally counts every vote with a non-nil Approve, ignoring the rest,
// and computes the precise participation rate approved /
// total_valid_votes.
func (m *Manager) Tally(period *externalapi.VotingPeriod) TallyResult {
	approved := big.NewInt(0)
	rejected := big.NewInt(0)
	total := 0

	for _, vote := range period.Votes {
		if vote.Approve == nil {
			continue
		}
		total++
		if *vote.Approve {
			approved.Add(approved, big.NewInt(1))
		} else {
			rejected.Add(rejected, big.NewInt(1))
		}
	}

	participation := new(big.Rat)
	if total > 0 {
		participation.SetFrac(approved, big.NewInt(int64(total)))
	}

	return TallyResult{
		Approved:          new(big.Rat).SetInt(approved),
		Rejected:          new(big.Rat).SetInt(rejected),
		TotalValidVotes:   total,
		ParticipationRate: participation,
	}
}

// Decide returns the new chain id if approved/(approved+rejected) ≥
// NODE_SELECTION_THRESHOLD, and the old chain id otherwise (spec
// section 4.7). A tally with no votes at all defaults to the old
// chain, since there is nothing to divide by. Before that ratio is
// even considered, turnout (total_valid_votes / active validators) is
// checked against MIN_VOTES_FOR_VALIDITY (spec section 6); a period
// that never reached quorum defaults to the old chain the same way a
// tie does.
func (m *Manager) Decide(tally TallyResult, competing *externalapi.CompetingChains) string {
	if m.params.MinVotesForValidity != nil {
		activeCount := m.validators.ActiveValidatorCount()
		if activeCount > 0 {
			turnout := big.NewRat(int64(tally.TotalValidVotes), int64(activeCount))
			if turnout.Cmp(m.params.MinVotesForValidity) < 0 {
				log.Infof("voting period turnout %s did not clear MIN_VOTES_FOR_VALIDITY %s, defaulting to the pre-fork chain",
					turnout.FloatString(4), m.params.MinVotesForValidity.FloatString(4))
				return competing.OldChainID
			}
		}
	}

	total := new(big.Rat).Add(tally.Approved, tally.Rejected)
	if total.Sign() == 0 {
		return competing.OldChainID
	}
	ratio := new(big.Rat).Quo(tally.Approved, total)
	if ratio.Cmp(m.params.NodeSelectionThreshold) >= 0 {
		return competing.NewChainID
	}
	return competing.OldChainID
}

// WaitForPeriodEnd blocks until period.EndTime or until ctx is
// canceled, whichever comes first, and returns at once when the end
// time has already passed. It waits on a single timer and does not
// wake periodically in between.
func (m *Manager) WaitForPeriodEnd(ctx context.Context, period *externalapi.VotingPeriod) error {
	remaining := time.Until(period.EndTime)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
