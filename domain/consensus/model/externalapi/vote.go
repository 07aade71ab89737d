package externalapi

import "time"

// ChainVoteData carries any extra data a vote attaches describing the
// competing-chain it is cast for (spec section 3, Vote.chain_vote_data).
type ChainVoteData struct {
	CompetingChainID string
	CommonAncestor   *DomainHash
}

// Vote is a single validator's vote in a VotingPeriod (spec section 3).
type Vote struct {
	VoteID        DomainHash
	Voter         string
	BlockHash     DomainHash
	TargetChainID string
	Timestamp     time.Time
	Approve       *bool // nil means non-boolean/unset: ignored by tally per spec section 4.7
	Signature     []byte
	ChainVoteData ChainVoteData
}

// Clone returns a deep copy of the vote.
func (v *Vote) Clone() *Vote {
	if v == nil {
		return nil
	}
	clone := *v
	if v.Approve != nil {
		approve := *v.Approve
		clone.Approve = &approve
	}
	clone.Signature = append([]byte(nil), v.Signature...)
	return &clone
}

// VotingPeriodStatus is the lifecycle state of a VotingPeriod.
type VotingPeriodStatus string

// VotingPeriodStatus values, per spec section 3.
const (
	VotingPeriodStatusPending   VotingPeriodStatus = "pending"
	VotingPeriodStatusActive    VotingPeriodStatus = "active"
	VotingPeriodStatusCompleted VotingPeriodStatus = "completed"
	VotingPeriodStatusCancelled VotingPeriodStatus = "cancelled"
)

// VotingPeriodType distinguishes fork-resolution periods from
// governance periods (spec section 3; governance periods are a
// supplemented feature, see SPEC_FULL.md).
type VotingPeriodType string

// VotingPeriodType values.
const (
	VotingPeriodTypeNodeSelection VotingPeriodType = "node_selection"
	VotingPeriodTypeGovernance    VotingPeriodType = "governance"
)

// CompetingChains names the two chain ids contending in a
// node_selection VotingPeriod initialized from a fork event.
type CompetingChains struct {
	OldChainID            string
	NewChainID            string
	CommonAncestorHeight  uint64
}

// VotingPeriod is a bounded window in which validators may cast votes
// (spec section 3). Votes map is keyed by voter address; within it,
// each voter may only ever have one accepted vote (last write wins,
// per spec section 5's ordering guarantees).
type VotingPeriod struct {
	PeriodID        string
	StartHeight     uint64
	EndHeight       uint64
	StartTime       time.Time
	EndTime         time.Time
	Status          VotingPeriodStatus
	Type            VotingPeriodType
	CompetingChains *CompetingChains
	Votes           map[string]*Vote
}

// Clone returns a deep copy of the voting period.
func (p *VotingPeriod) Clone() *VotingPeriod {
	clone := *p
	if p.CompetingChains != nil {
		cc := *p.CompetingChains
		clone.CompetingChains = &cc
	}
	clone.Votes = make(map[string]*Vote, len(p.Votes))
	for voter, v := range p.Votes {
		clone.Votes[voter] = v.Clone()
	}
	return &clone
}

// ChainTipStatus classifies a chain tip (spec section 3).
type ChainTipStatus string

// ChainTipStatus values.
const (
	ChainTipStatusActive      ChainTipStatus = "active"
	ChainTipStatusValidFork   ChainTipStatus = "valid-fork"
	ChainTipStatusValidHeader ChainTipStatus = "valid-headers"
	ChainTipStatusInvalid     ChainTipStatus = "invalid"
)

// ChainTip describes one candidate tip of the chain.
type ChainTip struct {
	Height          uint64
	Hash            DomainHash
	BranchLength    uint64
	Status          ChainTipStatus
	FirstBlockHash  DomainHash
	LastValidatedAt time.Time
}
