// Package ruleerrors defines the tagged error taxonomy of spec section
// 7. Each sentinel is checked with errors.Is against the wrapped error
// returned by a component, rather than by string comparison, matching
// the coinbaseManager.ValidateCoinbaseTransactionInContext pattern of
// wrapping a ruleerrors sentinel with contextual detail via
// github.com/pkg/errors.
package ruleerrors

import stderrors "errors"

// Sentinel errors, one per tag in spec section 7. Components wrap
// these with github.com/pkg/errors.Wrap/Wrapf to attach detail; the
// caller recovers the tag with errors.Is(err, ruleerrors.ErrX).
var (
	ErrInvalidBlock       = stderrors.New("invalid block")
	ErrInvalidTransaction = stderrors.New("invalid transaction")
	ErrInvalidVote        = stderrors.New("invalid vote")
	ErrInvalidSignature   = stderrors.New("invalid signature")
	ErrInvalidMerkle      = stderrors.New("invalid merkle root")
	ErrInvalidAmount      = stderrors.New("invalid amount")
	ErrInvalidNonce       = stderrors.New("invalid nonce")
	ErrInvalidTimestamp   = stderrors.New("invalid timestamp")

	ErrDoubleSpend = stderrors.New("double spend")

	ErrForkDepthExceeded     = stderrors.New("fork depth exceeded")
	ErrForkResolutionTimeout = stderrors.New("fork resolution timed out")
	ErrInsufficientPoWForFork = stderrors.New("insufficient proof of work to accept fork outside voting")

	ErrCircuitOpen = stderrors.New("circuit breaker open")

	ErrRateLimited = stderrors.New("rate limited")

	ErrMempoolFull           = stderrors.New("mempool memory cap exceeded")
	ErrDuplicateTransaction  = stderrors.New("duplicate transaction id")
	ErrSenderBlacklisted     = stderrors.New("sender blacklisted")

	ErrStoreTransient = stderrors.New("transient store error")
	ErrStoreFatal     = stderrors.New("fatal store error")

	ErrTimeout = stderrors.New("operation timed out")

	ErrUnhealthyState = stderrors.New("node is unhealthy")

	ErrAppendFailed = stderrors.New("append failed")
)

// CodedError wraps one of the sentinels above with the retryability
// classification spec section 7 attaches to it: a transient failure
// (a busy store, a lock timeout) is worth retrying, a fatal one is
// not. syncutils.IsRetryable type-asserts for the Retryable method
// rather than inspecting the tag directly, so any future sentinel can
// opt into retry semantics the same way without syncutils knowing
// about ruleerrors.
type CodedError struct {
	tag       error
	cause     error
	retryable bool
}

// NewCodedError wraps cause with tag, classified retryable or not.
// Most callers want WrapTransientStoreError/WrapFatalStoreError
// instead; NewCodedError is exported for tags outside the store
// family that need the same treatment.
func NewCodedError(tag, cause error, retryable bool) *CodedError {
	return &CodedError{tag: tag, cause: cause, retryable: retryable}
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return e.tag.Error() + ": " + e.cause.Error()
	}
	return e.tag.Error()
}

// Unwrap exposes the tag so errors.Is(err, ruleerrors.ErrX) sees
// through the wrapper without needing to know about CodedError.
func (e *CodedError) Unwrap() error { return e.tag }

// Retryable implements syncutils.Retryable.
func (e *CodedError) Retryable() bool { return e.retryable }

// WrapTransientStoreError tags cause as ErrStoreTransient and marks it
// retryable: the store operation failed in a way that may succeed on
// a later attempt (a busy transaction, a lock timeout).
func WrapTransientStoreError(cause error) error {
	return NewCodedError(ErrStoreTransient, cause, true)
}

// WrapFatalStoreError tags cause as ErrStoreFatal and marks it
// non-retryable: retrying cannot help (corrupt encoding, a
// programmer error in the key being written).
func WrapFatalStoreError(cause error) error {
	return NewCodedError(ErrStoreFatal, cause, false)
}
