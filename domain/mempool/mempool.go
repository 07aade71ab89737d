// Package mempool implements C4: the pending-transaction pool every
// would-be block is built from. The map-of-pool-plus-outpoint-index
// shape (pool, spentTracker) and the exclusive-lock-around-mutation
// discipline are adapted from the teacher's domain/mempool.TxPool;
// the nonce gate, strike counter, token-bucket rate limiting, and the
// above-high-watermark reject-unless-high-fee admission gate are this
// spec's own additions (section 4.4 and section 5's backpressure
// policy).
package mempool

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/syncutils"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var log, _ = logger.Get(logger.SubsystemTags.MEMP)

// Validator is the C3 entry point the mempool runs every incoming
// transaction through before admission.
type Validator interface {
	Validate(ctx context.Context, tx *externalapi.DomainTransaction) error
}

// NonceSource resolves the next expected nonce for a sender from
// confirmed chain state (store key nonce:{sender}), used to seed the
// mempool's in-memory nonce gate the first time a sender is seen.
type NonceSource interface {
	NextNonce(sender string) (uint64, error)
}

// Policy bundles the tunables spec section 6 lists for the mempool.
type Policy struct {
	MaxMempoolSize     int
	HighWatermarkRatio float64
	MempoolTTL         time.Duration
	CleanupInterval    time.Duration
	MaxStrikes         int
	RateLimitPerSecond rate.Limit
	RateLimitBurst     int
}

type entry struct {
	tx       *externalapi.DomainTransaction
	size     int
	addedAt  time.Time
	feeRate  *big.Rat
}

// Mempool is the node's pending-transaction pool (spec section 4.4).
type Mempool struct {
	mu            sync.RWMutex
	policy        Policy
	validator     Validator
	nonceSource   NonceSource
	accountLocks  *syncutils.AccountLocks

	pool         map[externalapi.DomainHash]*entry
	totalSize    int
	nextNonce    map[string]uint64
	spentTracker map[externalapi.DomainHash]map[uint32]bool

	strikesMu sync.Mutex
	strikes   map[string]int
	blacklist map[string]bool

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs an empty Mempool.
func New(policy Policy, validator Validator, nonceSource NonceSource) *Mempool {
	return &Mempool{
		policy:       policy,
		validator:    validator,
		nonceSource:  nonceSource,
		accountLocks: syncutils.NewAccountLocks(),
		pool:         make(map[externalapi.DomainHash]*entry),
		nextNonce:    make(map[string]uint64),
		spentTracker: make(map[externalapi.DomainHash]map[uint32]bool),
		strikes:      make(map[string]int),
		blacklist:    make(map[string]bool),
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (mp *Mempool) limiterFor(sender string) *rate.Limiter {
	mp.limitersMu.Lock()
	defer mp.limitersMu.Unlock()
	l, ok := mp.limiters[sender]
	if !ok {
		l = rate.NewLimiter(mp.policy.RateLimitPerSecond, mp.policy.RateLimitBurst)
		mp.limiters[sender] = l
	}
	return l
}

// Add admits tx into the pool under the sender's account lock, which
// serializes the (nonce-check, insert) pair for that sender (spec
// section 4.10, account_locks) so two concurrent transactions from the
// same sender cannot both pass the nonce gate.
func (mp *Mempool) Add(ctx context.Context, tx *externalapi.DomainTransaction) error {
	return mp.accountLocks.WithAccountLock(tx.Sender, func() error {
		return mp.addLocked(ctx, tx)
	})
}

func (mp *Mempool) addLocked(ctx context.Context, tx *externalapi.DomainTransaction) error {
	mp.strikesMu.Lock()
	blacklisted := mp.blacklist[tx.Sender]
	mp.strikesMu.Unlock()
	if blacklisted {
		return errors.Wrapf(ruleerrors.ErrSenderBlacklisted, "sender %s is blacklisted", tx.Sender)
	}

	if !mp.limiterFor(tx.Sender).Allow() {
		return errors.Wrapf(ruleerrors.ErrRateLimited, "sender %s exceeded the submission rate limit", tx.Sender)
	}

	if err := mp.validator.Validate(ctx, tx); err != nil {
		return err
	}

	id := tx.ID()
	if id == nil {
		return errors.Wrap(ruleerrors.ErrInvalidTransaction, "transaction has no computed id")
	}

	serialized, err := canonical.SerializeTransaction(tx, false)
	if err != nil {
		return errors.Wrap(err, "failed to serialize transaction for mempool admission")
	}
	size := len(serialized)

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.pool[*id]; exists {
		return errors.Wrapf(ruleerrors.ErrDuplicateTransaction, "transaction %s already in pool", id)
	}

	expected, ok := mp.nextNonce[tx.Sender]
	if !ok {
		expected, err = mp.nonceSource.NextNonce(tx.Sender)
		if err != nil {
			return errors.Wrap(err, "failed to resolve sender's expected nonce")
		}
	}
	if tx.Nonce != expected {
		return errors.Wrapf(ruleerrors.ErrInvalidNonce,
			"transaction nonce %d does not match expected nonce %d for sender %s", tx.Nonce, expected, tx.Sender)
	}

	for _, in := range tx.Inputs {
		spentIndices, exists := mp.spentTracker[in.PreviousOutpoint.TransactionID]
		if exists && spentIndices[in.PreviousOutpoint.Index] {
			return errors.Wrapf(ruleerrors.ErrDoubleSpend,
				"outpoint %s:%d already spent by a pending transaction",
				in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
		}
	}

	if mp.totalSize+size > mp.policy.MaxMempoolSize {
		return errors.Wrapf(ruleerrors.ErrMempoolFull,
			"admitting %d bytes would push the mempool past its %d byte cap", size, mp.policy.MaxMempoolSize)
	}

	fee, _ := tx.Fee()
	feeRate := new(big.Rat).SetInt(fee.BigInt())
	if size > 0 {
		feeRate.Quo(feeRate, new(big.Rat).SetInt64(int64(size)))
	}

	highWatermark := int(float64(mp.policy.MaxMempoolSize) * mp.policy.HighWatermarkRatio)
	if mp.totalSize > highWatermark {
		floor := mp.feeRatePercentileLocked(0.10)
		if floor != nil && feeRate.Cmp(floor) < 0 {
			return errors.Wrapf(ruleerrors.ErrMempoolFull,
				"mempool is above its high watermark and %s is rejecting all but the top 90%% of fee rates", tx.Sender)
		}
	}

	mp.pool[*id] = &entry{tx: tx, size: size, addedAt: time.Now(), feeRate: feeRate}
	mp.totalSize += size
	mp.nextNonce[tx.Sender] = tx.Nonce + 1
	for _, in := range tx.Inputs {
		if mp.spentTracker[in.PreviousOutpoint.TransactionID] == nil {
			mp.spentTracker[in.PreviousOutpoint.TransactionID] = make(map[uint32]bool)
		}
		mp.spentTracker[in.PreviousOutpoint.TransactionID][in.PreviousOutpoint.Index] = true
	}

	log.Debugf("admitted transaction %s from %s (%d bytes, pool now %d bytes)", id, tx.Sender, size, mp.totalSize)
	return nil
}

// Remove drops a transaction from the pool, called once it has been
// confirmed in an appended block.
func (mp *Mempool) Remove(id externalapi.DomainHash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.removeLocked(id)
}

// RemoveBatch drops every id in ids, used after a block is appended or
// reorg'd away.
func (mp *Mempool) RemoveBatch(ids []externalapi.DomainHash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, id := range ids {
		mp.removeLocked(id)
	}
}

func (mp *Mempool) removeLocked(id externalapi.DomainHash) {
	e, ok := mp.pool[id]
	if !ok {
		return
	}
	delete(mp.pool, id)
	mp.totalSize -= e.size
	for _, in := range e.tx.Inputs {
		if spentIndices, exists := mp.spentTracker[in.PreviousOutpoint.TransactionID]; exists {
			delete(spentIndices, in.PreviousOutpoint.Index)
			if len(spentIndices) == 0 {
				delete(mp.spentTracker, in.PreviousOutpoint.TransactionID)
			}
		}
	}
}

// GetTransactions returns a snapshot slice of every pending
// transaction, safe for the caller to range over without holding any
// mempool lock.
func (mp *Mempool) GetTransactions() []*externalapi.DomainTransaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	txs := make([]*externalapi.DomainTransaction, 0, len(mp.pool))
	for _, e := range mp.pool {
		txs = append(txs, e.tx)
	}
	return txs
}

// GetSize returns the pool's total serialized size in bytes.
func (mp *Mempool) GetSize() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.totalSize
}

// feeRatePercentileLocked returns the fee rate at the given percentile
// (0..1) of the current pool, or nil if the pool is empty. Called
// with mp.mu already held.
func (mp *Mempool) feeRatePercentileLocked(percentile float64) *big.Rat {
	if len(mp.pool) == 0 {
		return nil
	}
	rates := make([]*big.Rat, 0, len(mp.pool))
	for _, e := range mp.pool {
		rates = append(rates, e.feeRate)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Cmp(rates[j]) < 0 })
	idx := int(percentile * float64(len(rates)))
	if idx >= len(rates) {
		idx = len(rates) - 1
	}
	return rates[idx]
}

// FillRatio returns the pool's current size as a fraction of
// MaxMempoolSize, used by the block builder to scale down the
// accepted block size under pressure.
func (mp *Mempool) FillRatio() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if mp.policy.MaxMempoolSize <= 0 {
		return 0
	}
	return float64(mp.totalSize) / float64(mp.policy.MaxMempoolSize)
}

// EffectiveMaxBlockSize scales baseMaxBlockSize down by up to 50%,
// proportional to how far the mempool's fill ratio has progressed
// from HighWatermarkRatio to full (spec section 5's backpressure
// policy), so block producers build smaller blocks as pressure rises
// rather than rejecting transactions outright.
func (mp *Mempool) EffectiveMaxBlockSize(baseMaxBlockSize int) int {
	fill := mp.FillRatio()
	if fill <= mp.policy.HighWatermarkRatio || mp.policy.HighWatermarkRatio >= 1 {
		return baseMaxBlockSize
	}
	progress := (fill - mp.policy.HighWatermarkRatio) / (1 - mp.policy.HighWatermarkRatio)
	if progress > 1 {
		progress = 1
	}
	reduction := 0.5 * progress
	return int(float64(baseMaxBlockSize) * (1 - reduction))
}

// HandleValidationFailure increments source's strike counter,
// blacklisting it once its count reaches MaxStrikes (spec section 4.4).
func (mp *Mempool) HandleValidationFailure(source string) {
	mp.strikesMu.Lock()
	defer mp.strikesMu.Unlock()
	mp.strikes[source]++
	if mp.strikes[source] >= mp.policy.MaxStrikes {
		mp.blacklist[source] = true
		log.Warnf("source %s reached %d strikes, blacklisting", source, mp.policy.MaxStrikes)
	}
}

// Maintain runs the eviction policy once: transactions older than
// MempoolTTL are evicted first; if the pool is still above its cap,
// the lowest fee-rate (then oldest) entries are evicted until the
// pool falls below its high watermark.
func (mp *Mempool) Maintain() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := time.Now()
	var expired []externalapi.DomainHash
	for id, e := range mp.pool {
		if now.Sub(e.addedAt) > mp.policy.MempoolTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		mp.removeLocked(id)
	}
	if len(expired) > 0 {
		log.Debugf("evicted %d expired transactions", len(expired))
	}

	highWatermark := int(float64(mp.policy.MaxMempoolSize) * mp.policy.HighWatermarkRatio)
	if mp.totalSize <= mp.policy.MaxMempoolSize {
		return
	}

	type candidate struct {
		id externalapi.DomainHash
		e  *entry
	}
	candidates := make([]candidate, 0, len(mp.pool))
	for id, e := range mp.pool {
		candidates = append(candidates, candidate{id: id, e: e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		cmp := candidates[i].e.feeRate.Cmp(candidates[j].e.feeRate)
		if cmp != 0 {
			return cmp < 0
		}
		return candidates[i].e.addedAt.Before(candidates[j].e.addedAt)
	})

	evicted := 0
	for _, c := range candidates {
		if mp.totalSize <= highWatermark {
			break
		}
		mp.removeLocked(c.id)
		evicted++
	}
	if evicted > 0 {
		log.Debugf("evicted %d lowest fee-rate transactions, pool now %d bytes", evicted, mp.totalSize)
	}
}

// RunMaintenanceLoop runs Maintain every CleanupInterval until ctx is
// canceled, emitting pool-size metrics once per cycle (spec section
// 4.4's "metrics emission per cycle").
func (mp *Mempool) RunMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(mp.policy.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mp.Maintain()
			log.Infof("mempool maintenance cycle: %d transactions, %d bytes", len(mp.GetTransactions()), mp.GetSize())
		}
	}
}
