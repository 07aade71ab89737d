// Package chainmanager implements C9: the orchestrator that turns a
// validated block into durable chain state. append_block's
// validate-then-persist-then-swap-then-notify shape, and reorg's
// snapshot-then-revert-then-reapply-then-swap shape, are grounded on
// the teacher's domain/consensus.consensus type, which wires the same
// stages (block processor, consensus state manager) behind a single
// exclusive entry point and exposes state-change handlers as
// SetOn*Handler setters rather than a broadcaster interface.
package chainmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/database/store"
	"github.com/kaspanet/hybridchain/domain/consensus/datastructures/utxoset"
	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/blockvalidator"
	"github.com/kaspanet/hybridchain/domain/consensus/processes/hybridconsensus"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/syncutils"
	"github.com/kaspanet/hybridchain/domain/mempool"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
)

var log, _ = logger.Get(logger.SubsystemTags.CHMG)

// OnBlockAddedHandler is invoked after a block is durably committed to
// the active chain, standing in for the outward-facing notification
// and broadcast subsystems spec section 10 places out of this
// module's scope.
type OnBlockAddedHandler func(block *externalapi.DomainBlock)

// Params bundles the tunables spec section 6 lists for the chain
// manager.
type Params struct {
	MaxReorgDepth        uint64
	HeightCacheTTL       time.Duration
	MaxTipTraversalSteps int
	HealthCheckThreshold int
	HealthCheckReset     time.Duration
}

type heightCacheEntry struct {
	value    uint64
	cachedAt time.Time
}

// ChainManager holds the authoritative in-memory chain vector (a
// height/hash index over every block the node has accepted, active or
// side), durably backed by the transactional store, and orchestrates
// every state-mutating operation against it: append, reorganize, and
// chain-tip enumeration (spec section 4.9).
type ChainManager struct {
	mu sync.RWMutex

	params         Params
	store          store.TxStore
	utxoSet        *utxoset.Set
	mempool        *mempool.Mempool
	structureCheck *blockvalidator.Validator
	consensus      *hybridconsensus.Manager
	health         *syncutils.CircuitBreaker

	blocksByHeight map[uint64]*externalapi.DomainBlock
	blocksByHash   map[externalapi.DomainHash]*externalapi.DomainBlock
	sideBlocks     map[externalapi.DomainHash]*externalapi.DomainBlock
	tipHeight      uint64
	tipHash        externalapi.DomainHash

	heightCacheMu sync.Mutex
	heightCache   heightCacheEntry

	onBlockAdded OnBlockAddedHandler
}

// New constructs a ChainManager. The hybrid consensus manager is
// wired in afterward via SetConsensus, since hybridconsensus.New
// itself needs a ChainReader — this ChainManager — to exist first.
func New(params Params, txStore store.TxStore, utxoSet *utxoset.Set, mp *mempool.Mempool, structureCheck *blockvalidator.Validator) *ChainManager {
	return &ChainManager{
		params:         params,
		store:          txStore,
		utxoSet:        utxoSet,
		mempool:        mp,
		structureCheck: structureCheck,
		health:         syncutils.NewCircuitBreaker(params.HealthCheckThreshold, params.HealthCheckReset),
		blocksByHeight: make(map[uint64]*externalapi.DomainBlock),
		blocksByHash:   make(map[externalapi.DomainHash]*externalapi.DomainBlock),
		sideBlocks:     make(map[externalapi.DomainHash]*externalapi.DomainBlock),
	}
}

// SetConsensus wires in the hybrid consensus engine (C8), completing
// construction.
func (cm *ChainManager) SetConsensus(consensus *hybridconsensus.Manager) {
	cm.consensus = consensus
}

// SetOnBlockAddedHandler registers the handler invoked after each
// durably-committed block, following the teacher's SetOnBlockAddedToDAGHandler
// naming.
func (cm *ChainManager) SetOnBlockAddedHandler(handler OnBlockAddedHandler) {
	cm.onBlockAdded = handler
}

// HealthCheck reports whether the chain manager is fit to accept
// further mutations: its own circuit breaker is closed and the store
// answers a basic read.
func (cm *ChainManager) HealthCheck() error {
	if !cm.health.Allow() {
		return errors.Wrap(ruleerrors.ErrUnhealthyState, "chain manager circuit breaker is open")
	}
	if _, err := cm.store.Get([]byte(store.KeyChainState)); err != nil && !errors.Is(err, store.ErrNotFound) {
		cm.health.RecordFailure()
		return errors.Wrap(ruleerrors.ErrUnhealthyState, "chain state store probe failed")
	}
	return nil
}

func blockKey(hash externalapi.DomainHash) []byte {
	return []byte(store.KeyBlockPrefix + hash.String())
}

func heightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", store.KeyBlockByHeightPrefix, height))
}

// AppendBlock runs spec section 4.9's append_block: health check,
// full validation through hybrid consensus (C8), a transactional
// persist of the block/height-index/chain-state, a UTXO delta applied
// against the live set, commit, and only then the in-memory chain
// vector swap and post-commit mempool/notification hooks. Any failure
// before commit leaves both the store and the UTXO set untouched.
func (cm *ChainManager) AppendBlock(ctx context.Context, block *externalapi.DomainBlock, expectedDifficulty uint64, activeVotingPeriod *externalapi.VotingPeriod) error {
	if err := cm.HealthCheck(); err != nil {
		return err
	}
	if block == nil || block.Header == nil || block.Header.Hash == nil {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "block, header, or hash is missing")
	}
	if err := cm.structureCheck.ValidateStructure(block); err != nil {
		cm.health.RecordFailure()
		return err
	}

	outcome, err := cm.consensus.ValidateBlock(ctx, block, expectedDifficulty, activeVotingPeriod)
	if err != nil {
		cm.health.RecordFailure()
		return errors.Wrap(err, "block failed hybrid consensus validation")
	}
	if !outcome.Valid {
		cm.health.RecordFailure()
		return errors.Wrapf(ruleerrors.ErrInvalidBlock, "block rejected: %s", outcome.Reason)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if outcome.RequiresVoting {
		cm.sideBlocks[*block.Header.Hash] = block
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "block's fork requires a resolved vote before it may be appended")
	}

	if err := cm.appendLocked(ctx, block); err != nil {
		cm.health.RecordFailure()
		return err
	}

	cm.health.RecordSuccess()
	cm.postCommit(ctx, []*externalapi.DomainBlock{block})
	return nil
}

// appendLocked performs the transactional persist-then-commit-then-swap
// for a single block, assuming the caller already holds cm.mu and has
// validated the block. On any failure it restores the UTXO set to
// utxoSnapshot and leaves the in-memory chain vector untouched; the
// store transaction is always rolled back unless it was committed.
func (cm *ChainManager) appendLocked(_ context.Context, block *externalapi.DomainBlock) (err error) {
	utxoSnapshot := cm.utxoSet.Snapshot()

	storeTx, err := cm.store.Begin()
	if err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to begin store transaction")
	}
	committed := false
	defer func() {
		if !committed {
			storeTx.Rollback()
			cm.utxoSet.Restore(utxoSnapshot)
		}
	}()

	if _, err := cm.utxoSet.ApplyBlock(block.Header.Timestamp.Unix(), block.Transactions); err != nil {
		return errors.Wrap(ruleerrors.ErrAppendFailed, err.Error())
	}

	encoded, err := encodeBlock(block)
	if err != nil {
		return errors.Wrap(err, "failed to encode block for storage")
	}
	if err := storeTx.Put(blockKey(*block.Header.Hash), encoded); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist block")
	}
	if err := storeTx.Put(heightKey(block.Header.Height), block.Header.Hash[:]); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist height index")
	}
	stateBytes, err := encodeChainState(chainState{Height: block.Header.Height, TipHash: *block.Header.Hash, UpdatedAt: time.Now()})
	if err != nil {
		return errors.Wrap(err, "failed to encode chain state")
	}
	if err := storeTx.Put([]byte(store.KeyChainState), stateBytes); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist chain state")
	}

	if err := storeTx.Commit(); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to commit store transaction")
	}
	committed = true

	cm.blocksByHeight[block.Header.Height] = block
	cm.blocksByHash[*block.Header.Hash] = block
	delete(cm.sideBlocks, *block.Header.Hash)
	cm.tipHeight = block.Header.Height
	cm.tipHash = *block.Header.Hash
	cm.setHeightCache(cm.tipHeight)

	log.Infof("appended block %s at height %d (%d transactions)", block.Header.Hash, block.Header.Height, len(block.Transactions))
	return nil
}

func (cm *ChainManager) postCommit(ctx context.Context, appended []*externalapi.DomainBlock) {
	for _, block := range appended {
		ids := make([]externalapi.DomainHash, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			if id := tx.ID(); id != nil {
				ids = append(ids, *id)
			}
		}
		cm.mempool.RemoveBatch(ids)

		if cm.onBlockAdded != nil {
			cm.onBlockAdded(block)
		}
	}
	_ = ctx
}

// ReorgToChain implements spec section 4.9's reorganization procedure:
// given the height of the common ancestor and the already-decided
// winning chain's blocks (from commonAncestorHeight+1 through its new
// tip), it reverts every transaction the old chain applied above the
// ancestor, reapplies the new chain's blocks, and commits the whole
// operation as a single store transaction. Depth is capped at
// MAX_REORG_DEPTH; any failure restores the UTXO set from a pre-reorg
// snapshot and leaves the in-memory chain vector and store untouched.
func (cm *ChainManager) ReorgToChain(ctx context.Context, commonAncestorHeight uint64, newChainBlocks []*externalapi.DomainBlock, expectedDifficulties []uint64) (err error) {
	if len(newChainBlocks) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidBlock, "reorg requires at least one new-chain block")
	}
	if len(expectedDifficulties) != len(newChainBlocks) {
		return errors.New("chainmanager: expectedDifficulties must have one entry per new-chain block")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	depth := cm.tipHeight - commonAncestorHeight
	if depth > cm.params.MaxReorgDepth {
		return errors.Wrapf(ruleerrors.ErrForkDepthExceeded,
			"reorg depth %d exceeds MAX_REORG_DEPTH %d", depth, cm.params.MaxReorgDepth)
	}

	var oldBlocks []*externalapi.DomainBlock
	for h := cm.tipHeight; h > commonAncestorHeight; h-- {
		block, ok := cm.blocksByHeight[h]
		if !ok {
			return errors.Errorf("reorg: missing old-chain block at height %d", h)
		}
		oldBlocks = append(oldBlocks, block)
	}

	utxoSnapshot := cm.utxoSet.Snapshot()
	storeTx, beginErr := cm.store.Begin()
	if beginErr != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(beginErr), "failed to begin reorg store transaction")
	}
	committed := false
	defer func() {
		if !committed {
			storeTx.Rollback()
			cm.utxoSet.Restore(utxoSnapshot)
		}
	}()

	for _, block := range oldBlocks {
		if err := cm.revertBlockLocked(block); err != nil {
			return err
		}
	}

	for i, block := range newChainBlocks {
		if err := cm.structureCheck.ValidateStructure(block); err != nil {
			return errors.Wrap(err, "reorg: new-chain block failed structural validation")
		}
		outcome, err := cm.consensus.ValidateBlock(ctx, block, expectedDifficulties[i], nil)
		if err != nil {
			return errors.Wrap(err, "reorg: new-chain block failed hybrid consensus validation")
		}
		if !outcome.Valid {
			return errors.Wrapf(ruleerrors.ErrInvalidBlock, "reorg: new-chain block rejected: %s", outcome.Reason)
		}
		if _, err := cm.utxoSet.ApplyBlock(block.Header.Timestamp.Unix(), block.Transactions); err != nil {
			return errors.Wrap(ruleerrors.ErrAppendFailed, err.Error())
		}
		encoded, err := encodeBlock(block)
		if err != nil {
			return errors.Wrap(err, "failed to encode new-chain block for storage")
		}
		if err := storeTx.Put(blockKey(*block.Header.Hash), encoded); err != nil {
			return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist reorg block")
		}
		if err := storeTx.Put(heightKey(block.Header.Height), block.Header.Hash[:]); err != nil {
			return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist reorg height index")
		}
	}

	newTip := newChainBlocks[len(newChainBlocks)-1]
	stateBytes, err := encodeChainState(chainState{Height: newTip.Header.Height, TipHash: *newTip.Header.Hash, UpdatedAt: time.Now()})
	if err != nil {
		return errors.Wrap(err, "failed to encode chain state")
	}
	if err := storeTx.Put([]byte(store.KeyChainState), stateBytes); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to persist reorg chain state")
	}

	if err := storeTx.Commit(); err != nil {
		return errors.Wrap(ruleerrors.WrapTransientStoreError(err), "failed to commit reorg store transaction")
	}
	committed = true

	for _, block := range oldBlocks {
		delete(cm.blocksByHeight, block.Header.Height)
		delete(cm.blocksByHash, *block.Header.Hash)
		cm.sideBlocks[*block.Header.Hash] = block
		for _, tx := range block.Transactions {
			if tx.IsCoinbase() {
				continue
			}
			if addErr := cm.mempool.Add(ctx, tx); addErr != nil {
				log.Debugf("reorg: could not return reverted transaction %s to the mempool: %s", tx.ID(), addErr)
			}
		}
	}
	for _, block := range newChainBlocks {
		cm.blocksByHeight[block.Header.Height] = block
		cm.blocksByHash[*block.Header.Hash] = block
		delete(cm.sideBlocks, *block.Header.Hash)
	}
	cm.tipHeight = newTip.Header.Height
	cm.tipHash = *newTip.Header.Hash
	cm.setHeightCache(cm.tipHeight)

	log.Warnf("reorganized to a new chain: common ancestor height %d, %d blocks reverted, %d blocks applied, new tip height %d",
		commonAncestorHeight, len(oldBlocks), len(newChainBlocks), cm.tipHeight)

	cm.health.RecordSuccess()
	cm.postCommit(ctx, newChainBlocks)
	return nil
}

// revertBlockLocked undoes one block's effect on the UTXO set,
// transaction by transaction in reverse order, recovering each input's
// pre-spend state from the still-present (merely marked-spent) entry
// in the live set.
func (cm *ChainManager) revertBlockLocked(block *externalapi.DomainBlock) error {
	for i := len(block.Transactions) - 1; i >= 0; i-- {
		tx := block.Transactions[i]
		priorInputs := make(map[externalapi.DomainOutpoint]*externalapi.UTXOEntry, len(tx.Inputs))
		for _, in := range tx.Inputs {
			entry, ok := cm.utxoSet.GetIncludingSpent(in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
			if !ok {
				return errors.Wrapf(ruleerrors.ErrAppendFailed,
					"reorg: missing prior state for outpoint %s:%d", in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
			}
			priorInputs[in.PreviousOutpoint] = entry
		}
		if err := cm.utxoSet.RevertTransaction(tx, priorInputs); err != nil {
			return errors.Wrap(err, "reorg: failed to revert transaction")
		}
	}
	return nil
}

// RecordForkBlock registers a block the node has accepted as
// structurally valid but which sits on a side branch (spec section
// 4.8's IsFork outcome), so GetChainTips can enumerate it.
func (cm *ChainManager) RecordForkBlock(block *externalapi.DomainBlock) {
	if block == nil || block.Header == nil || block.Header.Hash == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sideBlocks[*block.Header.Hash] = block
}

// GetBlockByHeight implements hybridconsensus.ChainReader, falling
// back to the store when the height is not resident in the in-memory
// chain vector (e.g. just after a restart, before the vector is warm).
func (cm *ChainManager) GetBlockByHeight(height uint64) (*externalapi.DomainBlock, bool) {
	cm.mu.RLock()
	block, ok := cm.blocksByHeight[height]
	cm.mu.RUnlock()
	if ok {
		return block, true
	}
	return cm.loadBlockByHeightFromStore(height)
}

// GetBlockByHash returns a block by hash, whether it is on the active
// chain or a recorded side branch.
func (cm *ChainManager) GetBlockByHash(hash externalapi.DomainHash) (*externalapi.DomainBlock, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if block, ok := cm.blocksByHash[hash]; ok {
		return block, true
	}
	block, ok := cm.sideBlocks[hash]
	return block, ok
}

func (cm *ChainManager) loadBlockByHeightFromStore(height uint64) (*externalapi.DomainBlock, bool) {
	hashBytes, err := cm.store.Get(heightKey(height))
	if err != nil {
		return nil, false
	}
	hash, err := externalapi.NewDomainHashFromByteSlice(hashBytes)
	if err != nil {
		return nil, false
	}
	encoded, err := cm.store.Get(blockKey(*hash))
	if err != nil {
		return nil, false
	}
	block, err := decodeBlock(encoded)
	if err != nil {
		return nil, false
	}

	cm.mu.Lock()
	cm.blocksByHeight[height] = block
	cm.blocksByHash[*hash] = block
	cm.mu.Unlock()
	return block, true
}

func (cm *ChainManager) setHeightCache(height uint64) {
	cm.heightCacheMu.Lock()
	defer cm.heightCacheMu.Unlock()
	cm.heightCache = heightCacheEntry{value: height, cachedAt: time.Now()}
}

// GetHeight returns the active chain's tip height, serving a cached
// value for HeightCacheTTL before taking the chain lock to refresh it
// (spec section 4.9's height cache).
func (cm *ChainManager) GetHeight() uint64 {
	cm.heightCacheMu.Lock()
	entry := cm.heightCache
	cm.heightCacheMu.Unlock()
	if time.Since(entry.cachedAt) < cm.params.HeightCacheTTL {
		return entry.value
	}

	cm.mu.RLock()
	height := cm.tipHeight
	cm.mu.RUnlock()
	cm.setHeightCache(height)
	return height
}

// GetChainTips implements spec section 4.9's get_chain_tips: the
// active tip plus every recorded side block, each classified by an
// iterative walk back toward the active chain capped at
// MaxTipTraversalSteps.
func (cm *ChainManager) GetChainTips() []externalapi.ChainTip {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	tips := []externalapi.ChainTip{{
		Height:          cm.tipHeight,
		Hash:            cm.tipHash,
		BranchLength:    0,
		Status:          externalapi.ChainTipStatusActive,
		FirstBlockHash:  cm.tipHash,
		LastValidatedAt: time.Now(),
	}}

	for hash, block := range cm.sideBlocks {
		branchLength, firstBlockHash, reachedActiveChain := cm.walkToActiveChainLocked(block)
		status := externalapi.ChainTipStatusValidHeader
		if reachedActiveChain {
			status = externalapi.ChainTipStatusValidFork
		}
		tips = append(tips, externalapi.ChainTip{
			Height:          block.Header.Height,
			Hash:            hash,
			BranchLength:    branchLength,
			Status:          status,
			FirstBlockHash:  firstBlockHash,
			LastValidatedAt: time.Now(),
		})
	}
	return tips
}

func (cm *ChainManager) walkToActiveChainLocked(block *externalapi.DomainBlock) (branchLength uint64, firstBlockHash externalapi.DomainHash, reachedActiveChain bool) {
	maxSteps := cm.params.MaxTipTraversalSteps
	if maxSteps <= 0 {
		maxSteps = 100
	}

	firstBlockHash = *block.Header.Hash
	current := block
	for step := 0; step < maxSteps; step++ {
		if current.Header.PreviousHash == nil {
			return branchLength, firstBlockHash, false
		}
		if onChain, ok := cm.blocksByHeight[current.Header.Height-1]; ok && onChain.Header.Hash.Equal(current.Header.PreviousHash) {
			return branchLength, firstBlockHash, true
		}
		branchLength++
		firstBlockHash = *current.Header.PreviousHash
		parent, ok := cm.sideBlocks[*current.Header.PreviousHash]
		if !ok {
			return branchLength, firstBlockHash, false
		}
		current = parent
	}
	return branchLength, firstBlockHash, false
}
