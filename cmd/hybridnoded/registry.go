package main

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/kaspanet/hybridchain/domain/consensus/database/store"
	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/syncutils"
)

// storeNonceSource implements mempool.NonceSource by reading the
// nonce:{sender} key from the store, defaulting to 0 for a sender the
// store has no entry for. No component in this module writes that
// key, so every sender currently resolves to 0.
type storeNonceSource struct {
	store store.TxStore
}

func (s *storeNonceSource) NextNonce(sender string) (uint64, error) {
	raw, err := s.store.Get([]byte(store.KeyNoncePrefix + sender))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// validatorRegistry implements votingmanager.ValidatorRegistry over an
// in-memory map of the validator set last carried by an appended
// block, kept current by observe, which the chain manager's
// OnBlockAddedHandler calls after every commit (spec section 4.7's
// validator set is carried forward block by block, mirroring how
// DomainValidator rides along in DomainBlock.Validators).
type validatorRegistry struct {
	mu         sync.RWMutex
	validators map[string]*externalapi.DomainValidator
	publicKeys map[string][]byte
}

func newValidatorRegistry() *validatorRegistry {
	return &validatorRegistry{
		validators: make(map[string]*externalapi.DomainValidator),
		publicKeys: make(map[string][]byte),
	}
}

// seed registers a validator's address and public key before any
// block has been appended, for the genesis validator set.
func (r *validatorRegistry) seed(address string, publicKey []byte, votingPower externalapi.Amount) {
	_ = syncutils.WithLock(&r.mu, func() error {
		r.validators[address] = &externalapi.DomainValidator{Address: address, VotingPower: votingPower, Active: true}
		r.publicKeys[address] = publicKey
		return nil
	})
}

// activeValidators returns a snapshot of every currently-active
// validator, for the block builder to commit to via
// validator_merkle_root.
func (r *validatorRegistry) activeValidators() []*externalapi.DomainValidator {
	var active []*externalapi.DomainValidator
	_ = syncutils.WithRLock(&r.mu, func() error {
		active = make([]*externalapi.DomainValidator, 0, len(r.validators))
		for _, v := range r.validators {
			if v.Active {
				active = append(active, v)
			}
		}
		return nil
	})
	return active
}

func (r *validatorRegistry) observe(block *externalapi.DomainBlock) {
	_ = syncutils.WithLock(&r.mu, func() error {
		for _, v := range block.Validators {
			r.validators[v.Address] = v
		}
		return nil
	})
}

// ActiveValidatorCount returns the number of currently-active
// validators, used by the voting engine to judge whether a period's
// turnout cleared MIN_VOTES_FOR_VALIDITY.
func (r *validatorRegistry) ActiveValidatorCount() int {
	count := 0
	_ = syncutils.WithRLock(&r.mu, func() error {
		for _, v := range r.validators {
			if v.Active {
				count++
			}
		}
		return nil
	})
	return count
}

func (r *validatorRegistry) IsActive(voter string) bool {
	active := false
	_ = syncutils.WithRLock(&r.mu, func() error {
		v, ok := r.validators[voter]
		active = ok && v.Active
		return nil
	})
	return active
}

func (r *validatorRegistry) PublicKeyFor(voter string) ([]byte, error) {
	var key []byte
	err := syncutils.WithRLock(&r.mu, func() error {
		k, ok := r.publicKeys[voter]
		if !ok {
			return errors.Errorf("no known public key for voter %s", voter)
		}
		key = k
		return nil
	})
	return key, err
}
