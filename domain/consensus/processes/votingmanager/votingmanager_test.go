package votingmanager

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type fakeRegistry struct {
	active     map[string]bool
	publicKeys map[string][]byte
}

func (r *fakeRegistry) IsActive(voter string) bool { return r.active[voter] }

func (r *fakeRegistry) PublicKeyFor(voter string) ([]byte, error) {
	key, ok := r.publicKeys[voter]
	if !ok {
		return nil, errors.Errorf("no key for %s", voter)
	}
	return key, nil
}

func (r *fakeRegistry) ActiveValidatorCount() int {
	count := 0
	for _, active := range r.active {
		if active {
			count++
		}
	}
	return count
}

func testParams() Params {
	return Params{
		VotingPeriodBlocks:     100,
		MaxForkDepth:           10,
		MaxVoteAge:             time.Hour,
		NodeSelectionThreshold: big.NewRat(2, 3),
		VoteCacheTTL:           time.Minute,
		VoteRateLimitPerSecond: rate.Limit(1000),
		VoteRateLimitBurst:     1000,
	}
}

func signedVote(t *testing.T, priv *signature.PrivateKey, voter, targetChainID string, approve *bool, timestamp time.Time) *externalapi.Vote {
	t.Helper()
	payload := canonical.SerializeVoteForSigning(targetChainID, timestamp)
	digest := hashes.HashData(payload)
	sig, err := signature.Sign(priv, digest[:])
	if err != nil {
		t.Fatalf("failed to sign vote: %s", err)
	}
	return &externalapi.Vote{
		Voter:         voter,
		TargetChainID: targetChainID,
		Timestamp:     timestamp,
		Approve:       approve,
		Signature:     sig,
	}
}

func newFixture(t *testing.T) (*Manager, *signature.PrivateKey, string) {
	t.Helper()
	priv, err := signature.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %s", err)
	}
	voter := "validator1"
	registry := &fakeRegistry{
		active:     map[string]bool{voter: true},
		publicKeys: map[string][]byte{voter: priv.PublicKey().SerializeCompressed()},
	}
	return New(testParams(), registry), priv, voter
}

func TestIsSchedulingHeight(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	if !m.IsSchedulingHeight(200) {
		t.Fatal("expected height 200 to be a scheduling height with VOTING_PERIOD_BLOCKS=100")
	}
	if m.IsSchedulingHeight(150) {
		t.Fatal("expected height 150 not to be a scheduling height")
	}
}

func TestInitializeChainVotingPeriodRejectsExcessiveForkDepth(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	_, err := m.InitializeChainVotingPeriod("old", "new", 100, 50, time.Now(), time.Hour)
	if !errors.Is(err, ruleerrors.ErrForkDepthExceeded) {
		t.Fatalf("expected ErrForkDepthExceeded, got %v", err)
	}
}

func TestInitializeChainVotingPeriodSucceedsWithinDepth(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	period, err := m.InitializeChainVotingPeriod("old", "new", 55, 50, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if period.CompetingChains.OldChainID != "old" || period.CompetingChains.NewChainID != "new" {
		t.Fatal("expected the competing chains to be recorded")
	}
	if period.Status != externalapi.VotingPeriodStatusActive {
		t.Fatal("expected a freshly initialized period to be active")
	}
}

func TestAdmitVoteAcceptsAWellSignedVote(t *testing.T) {
	m, priv, voter := newFixture(t)
	approve := true
	vote := signedVote(t, priv, voter, "new-chain", &approve, time.Now())
	if err := m.AdmitVote(context.Background(), vote); err != nil {
		t.Fatalf("expected a well-signed vote from an active validator to be admitted, got %s", err)
	}
}

func TestAdmitVoteRejectsInactiveVoter(t *testing.T) {
	m, priv, _ := newFixture(t)
	approve := true
	vote := signedVote(t, priv, "unregistered", "new-chain", &approve, time.Now())
	err := m.AdmitVote(context.Background(), vote)
	if !errors.Is(err, ruleerrors.ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote for an inactive voter, got %v", err)
	}
}

func TestAdmitVoteRejectsStaleVote(t *testing.T) {
	m, priv, voter := newFixture(t)
	approve := true
	vote := signedVote(t, priv, voter, "new-chain", &approve, time.Now().Add(-2*time.Hour))
	err := m.AdmitVote(context.Background(), vote)
	if !errors.Is(err, ruleerrors.ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote for a stale vote, got %v", err)
	}
}

func TestAdmitVoteRejectsBadSignature(t *testing.T) {
	m, priv, voter := newFixture(t)
	approve := true
	vote := signedVote(t, priv, voter, "new-chain", &approve, time.Now())
	vote.Signature[0] ^= 0xff
	err := m.AdmitVote(context.Background(), vote)
	if !errors.Is(err, ruleerrors.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a tampered vote, got %v", err)
	}
}

func TestAdmitVoteRejectsWhenRateLimited(t *testing.T) {
	m, priv, voter := newFixture(t)
	m.params.VoteRateLimitPerSecond = rate.Limit(0)
	m.params.VoteRateLimitBurst = 1
	approve := true

	first := signedVote(t, priv, voter, "new-chain", &approve, time.Now())
	if err := m.AdmitVote(context.Background(), first); err != nil {
		t.Fatalf("expected the burst allowance to admit the first vote, got %s", err)
	}
	second := signedVote(t, priv, voter, "new-chain", &approve, time.Now())
	err := m.AdmitVote(context.Background(), second)
	if !errors.Is(err, ruleerrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited once the burst allowance is exhausted, got %v", err)
	}
}

func TestTallyIgnoresNonBooleanVotes(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	approveTrue := true
	approveFalse := false
	period := &externalapi.VotingPeriod{
		Votes: map[string]*externalapi.Vote{
			"a": {Approve: &approveTrue},
			"b": {Approve: &approveFalse},
			"c": {Approve: nil},
		},
	}
	result := m.Tally(period)
	if result.TotalValidVotes != 2 {
		t.Fatalf("expected the nil-Approve vote to be ignored, got %d valid votes", result.TotalValidVotes)
	}
	if result.Approved.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected one approved vote, got %s", result.Approved)
	}
	if result.Rejected.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("expected one rejected vote, got %s", result.Rejected)
	}
}

func TestDecideReturnsNewChainAboveThreshold(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	competing := &externalapi.CompetingChains{OldChainID: "old", NewChainID: "new"}
	tally := TallyResult{Approved: big.NewRat(2, 1), Rejected: big.NewRat(1, 1)}
	if got := m.Decide(tally, competing); got != "new" {
		t.Fatalf("expected 2/3 approval to meet the 2/3 threshold and select the new chain, got %s", got)
	}
}

func TestDecideReturnsOldChainBelowThreshold(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	competing := &externalapi.CompetingChains{OldChainID: "old", NewChainID: "new"}
	tally := TallyResult{Approved: big.NewRat(1, 1), Rejected: big.NewRat(2, 1)}
	if got := m.Decide(tally, competing); got != "old" {
		t.Fatalf("expected 1/3 approval to fall short of threshold and keep the old chain, got %s", got)
	}
}

func TestDecideReturnsOldChainWhenNoVotesCast(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	competing := &externalapi.CompetingChains{OldChainID: "old", NewChainID: "new"}
	tally := TallyResult{Approved: big.NewRat(0, 1), Rejected: big.NewRat(0, 1)}
	if got := m.Decide(tally, competing); got != "old" {
		t.Fatalf("expected a voteless tally to default to the old chain, got %s", got)
	}
}

func TestDecideReturnsOldChainBelowQuorumDespiteApprovalAboveThreshold(t *testing.T) {
	params := testParams()
	params.MinVotesForValidity = big.NewRat(1, 2)
	registry := &fakeRegistry{active: map[string]bool{"v1": true, "v2": true, "v3": true, "v4": true}}
	m := New(params, registry)
	competing := &externalapi.CompetingChains{OldChainID: "old", NewChainID: "new"}
	tally := TallyResult{Approved: big.NewRat(1, 1), Rejected: big.NewRat(0, 1), TotalValidVotes: 1}
	if got := m.Decide(tally, competing); got != "old" {
		t.Fatalf("expected 1-of-4-validator turnout to fall short of a 1/2 MIN_VOTES_FOR_VALIDITY quorum and keep the old chain, got %s", got)
	}
}

func TestDecideReturnsNewChainAboveQuorumAndThreshold(t *testing.T) {
	params := testParams()
	params.MinVotesForValidity = big.NewRat(1, 2)
	registry := &fakeRegistry{active: map[string]bool{"v1": true, "v2": true}}
	m := New(params, registry)
	competing := &externalapi.CompetingChains{OldChainID: "old", NewChainID: "new"}
	tally := TallyResult{Approved: big.NewRat(2, 1), Rejected: big.NewRat(0, 1), TotalValidVotes: 2}
	if got := m.Decide(tally, competing); got != "new" {
		t.Fatalf("expected 2-of-2-validator turnout to clear quorum and unanimous approval to select the new chain, got %s", got)
	}
}

func TestWaitForPeriodEndReturnsImmediatelyForAPastEndTime(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	period := &externalapi.VotingPeriod{EndTime: time.Now().Add(-time.Minute)}
	if err := m.WaitForPeriodEnd(context.Background(), period); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestWaitForPeriodEndRespectsContextCancellation(t *testing.T) {
	m := New(testParams(), &fakeRegistry{})
	period := &externalapi.VotingPeriod{EndTime: time.Now().Add(time.Hour)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WaitForPeriodEnd(ctx, period); err == nil {
		t.Fatal("expected a canceled context to return an error")
	}
}
