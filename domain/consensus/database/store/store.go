// Package store defines the transactional key-value store abstraction
// spec section 1 treats as an external collaborator: the node core
// only ever talks to this interface, never to a concrete storage
// engine. Implementations (LevelDB, BadgerDB, etc.) live outside the
// core, matching the teacher's dbaccess/database split between
// abstract access and a concrete ffldb/leveldb backend.
package store

import "errors"

// Key namespaces, matching the abstract keys enumerated in spec
// section 6.
const (
	KeyBlockPrefix         = "block:"
	KeyBlockByHeightPrefix = "block_by_height:"
	KeyChainState          = "chain_state"
	KeyUTXOPrefix          = "utxo:"
	KeyUTXOsByAddrPrefix   = "utxos_by_address:"
	KeyTxPrefix            = "tx:"
	KeyNoncePrefix         = "nonce:"
	KeyVotePrefix          = "vote:"
	KeyVotingPeriodPrefix  = "voting_period:"
)

// TxStore is the transactional store abstraction every
// state-mutating consensus operation goes through: either the
// underlying commit and the in-memory swap both happen, or neither
// does (spec section 7's atomicity requirement).
type TxStore interface {
	// Begin opens a new store transaction.
	Begin() (Tx, error)

	// Get performs a standalone read outside of any transaction,
	// for the many read paths (validators, RPC-facing queries) that
	// don't need transactional isolation.
	Get(key []byte) ([]byte, error)
}

// Tx is a single atomic unit of work against the store.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Commit finalizes the transaction. After Commit returns nil,
	// every Put/Delete in it is durably visible to subsequent Begin
	// callers.
	Commit() error

	// Rollback discards every Put/Delete made in the transaction. It
	// is always safe to call, including after a successful Commit
	// (a no-op in that case) or from a deferred cleanup on an error
	// path, per spec section 7's error-boundary propagation policy.
	Rollback() error
}

// ErrNotFound is returned by Get/Tx.Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")
