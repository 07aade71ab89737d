// Package transactionvalidator implements C3: the ordered checks spec
// section 4.3 requires of every transaction before it may enter the
// mempool or a block. The struct-of-tunables-plus-New(...) shape is
// adapted from the teacher's transactionValidator/New.
package transactionvalidator

import (
	"bytes"
	"context"
	"math/big"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
	"github.com/kaspanet/hybridchain/domain/consensus/ruleerrors"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/address"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/canonical"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/hashes"
	"github.com/kaspanet/hybridchain/domain/consensus/utils/signature"
	"github.com/kaspanet/hybridchain/logger"
	"github.com/pkg/errors"
)

var log, _ = logger.Get(logger.SubsystemTags.TXVL)

// UTXOReference is the minimal read surface the validator needs from
// the UTXO set (C2) to check input existence, age, and authorization.
type UTXOReference interface {
	Get(txID externalapi.DomainHash, index uint32) (*externalapi.UTXOEntry, bool)
}

// Params bundles the tunable limits spec section 6 enumerates for
// transaction validation.
type Params struct {
	MinTxVersion      int32
	MaxTxVersion      int32
	MaxTxSize         int
	MaxInputs         int
	MaxOutputs        int
	MaxSignatureSize  int
	MaxScriptSize     int
	MinInputAge       uint64
	MinFeePerByte     externalapi.Amount
	MaxTimeDrift      time.Duration
	ValidationTimeout time.Duration
}

// Validator implements the ordered checks of spec section 4.3.
type Validator struct {
	params Params
	utxo   UTXOReference
}

// New constructs a Validator.
func New(params Params, utxo UTXOReference) *Validator {
	return &Validator{params: params, utxo: utxo}
}

// Validate runs every check in spec section 4.3's listed order,
// returning the first violated rule wrapped with its ruleerrors tag.
// It honors ctx cancellation and fails with ruleerrors.ErrTimeout once
// params.ValidationTimeout elapses, per spec section 4.3's "Timeout"
// failure mode.
func (v *Validator) Validate(ctx context.Context, tx *externalapi.DomainTransaction) error {
	deadline := time.Now().Add(v.params.ValidationTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	checks := []func(context.Context, *externalapi.DomainTransaction) error{
		v.checkSizeAndCounts,
		v.checkVersionAndTimestamp,
		v.checkScriptAndSignatureSizes,
		v.checkInputs,
		v.checkAmountsAndFee,
		v.checkSignature,
		v.checkNoDuplicateOrSelfSpendInputs,
	}

	for _, check := range checks {
		select {
		case <-ctx.Done():
			return errors.Wrap(ruleerrors.ErrTimeout, "transaction validation deadline exceeded")
		default:
		}
		if err := check(ctx, tx); err != nil {
			return err
		}
	}

	log.Tracef("transaction from %s passed all validation checks", tx.Sender)
	return nil
}

// 1. Size <= MAX_TX_SIZE; input/output counts within bounds.
func (v *Validator) checkSizeAndCounts(_ context.Context, tx *externalapi.DomainTransaction) error {
	serialized, err := canonical.SerializeTransaction(tx, false)
	if err != nil {
		return errors.Wrap(err, "failed to serialize transaction for size check")
	}
	if len(serialized) > v.params.MaxTxSize {
		return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
			"transaction size %d exceeds MAX_TX_SIZE %d", len(serialized), v.params.MaxTxSize)
	}
	tx.SetID(hashes.HashData(serialized))
	if len(tx.Inputs) == 0 && !tx.IsCoinbase() {
		return errors.Wrap(ruleerrors.ErrInvalidTransaction, "non-coinbase transaction has no inputs")
	}
	if len(tx.Inputs) > v.params.MaxInputs {
		return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
			"transaction has %d inputs, exceeding the maximum of %d", len(tx.Inputs), v.params.MaxInputs)
	}
	if len(tx.Outputs) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidTransaction, "transaction has no outputs")
	}
	if len(tx.Outputs) > v.params.MaxOutputs {
		return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
			"transaction has %d outputs, exceeding the maximum of %d", len(tx.Outputs), v.params.MaxOutputs)
	}
	return nil
}

// 2. Version within [min, max]; timestamp within drift window.
func (v *Validator) checkVersionAndTimestamp(_ context.Context, tx *externalapi.DomainTransaction) error {
	if tx.Version < v.params.MinTxVersion || tx.Version > v.params.MaxTxVersion {
		return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
			"transaction version %d out of range [%d, %d]", tx.Version, v.params.MinTxVersion, v.params.MaxTxVersion)
	}
	drift := time.Since(tx.Timestamp)
	if drift > v.params.MaxTimeDrift || drift < -v.params.MaxTimeDrift {
		return errors.Wrapf(ruleerrors.ErrInvalidTimestamp,
			"transaction timestamp %s drifts %s from now, exceeding MAX_TIME_DRIFT", tx.Timestamp, drift)
	}
	return nil
}

// 3. Script sizes <= limits; signature size <= MAX_SIGNATURE_SIZE.
func (v *Validator) checkScriptAndSignatureSizes(_ context.Context, tx *externalapi.DomainTransaction) error {
	if len(tx.Signature) > v.params.MaxSignatureSize {
		return errors.Wrapf(ruleerrors.ErrInvalidSignature,
			"signature size %d exceeds MAX_SIGNATURE_SIZE %d", len(tx.Signature), v.params.MaxSignatureSize)
	}
	for i, in := range tx.Inputs {
		if len(in.SignatureScript) > v.params.MaxScriptSize {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"input %d script size %d exceeds limit %d", i, len(in.SignatureScript), v.params.MaxScriptSize)
		}
	}
	for i, out := range tx.Outputs {
		if len(out.ScriptPublicKey) > v.params.MaxScriptSize {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"output %d script size %d exceeds limit %d", i, len(out.ScriptPublicKey), v.params.MaxScriptSize)
		}
	}
	return nil
}

// 4. For each input: referenced UTXO exists, confirmations >=
// MIN_INPUT_AGE, script authorizes spend.
func (v *Validator) checkInputs(_ context.Context, tx *externalapi.DomainTransaction) error {
	if tx.IsCoinbase() {
		return nil
	}
	for i, in := range tx.Inputs {
		entry, ok := v.utxo.Get(in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
		if !ok {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"input %d references unknown or spent outpoint %s:%d",
				i, in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
		}
		if in.Confirmations < v.params.MinInputAge {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"input %d has %d confirmations, below MIN_INPUT_AGE %d", i, in.Confirmations, v.params.MinInputAge)
		}
		if len(in.SignatureScript) == 0 && len(entry.ScriptPublicKey) > 0 {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"input %d carries no spending script for a non-trivial output script", i)
		}
	}
	return nil
}

// 5. sum(inputs.value) >= sum(outputs.amount) + fee; fee >=
// min_fee_per_byte * size.
func (v *Validator) checkAmountsAndFee(_ context.Context, tx *externalapi.DomainTransaction) error {
	if tx.IsCoinbase() {
		return nil
	}

	inputTotal := externalapi.ZeroAmount()
	for i, in := range tx.Inputs {
		entry, ok := v.utxo.Get(in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
		if !ok {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction, "input %d references an unresolved outpoint", i)
		}
		inputTotal = inputTotal.Add(entry.Amount)
	}

	outputTotal := externalapi.ZeroAmount()
	for _, out := range tx.Outputs {
		outputTotal = outputTotal.Add(out.Value)
	}

	fee, ok := inputTotal.TrySub(outputTotal)
	if !ok {
		return errors.Wrapf(ruleerrors.ErrInvalidAmount,
			"inputs total %s is less than outputs total %s", inputTotal, outputTotal)
	}

	serialized, err := canonical.SerializeTransaction(tx, false)
	if err != nil {
		return errors.Wrap(err, "failed to serialize transaction for fee check")
	}
	minFee := v.params.MinFeePerByte.BigInt()
	minFee.Mul(minFee, big.NewInt(int64(len(serialized))))
	minFeeAmount := externalapi.NewAmountFromBigInt(minFee)
	if fee.Cmp(minFeeAmount) < 0 {
		return errors.Wrapf(ruleerrors.ErrInvalidAmount,
			"fee %s is below the required minimum %s for %d bytes", fee, minFeeAmount, len(serialized))
	}

	tx.SetFee(fee)
	return nil
}

// 6. Signature verifies over the canonical-serialized transaction
// sans signature field.
func (v *Validator) checkSignature(_ context.Context, tx *externalapi.DomainTransaction) error {
	if tx.IsCoinbase() {
		return nil
	}
	if len(tx.Signature) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "transaction has no signature")
	}

	unsigned, err := canonical.SerializeTransaction(tx, true)
	if err != nil {
		return errors.Wrap(err, "failed to serialize transaction for signature check")
	}
	digest := hashes.HashData(unsigned)

	if len(tx.SenderPublicKey) == 0 {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "transaction carries no sender public key")
	}
	expectedHash160, err := address.Decode(tx.Sender)
	if err != nil {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "sender is not a valid address")
	}
	if !bytes.Equal(address.Hash160(tx.SenderPublicKey), expectedHash160) {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "sender public key does not match sender address")
	}

	ok, err := signature.Verify(tx.SenderPublicKey, digest[:], tx.Signature)
	if err != nil {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, err.Error())
	}
	if !ok {
		return errors.Wrap(ruleerrors.ErrInvalidSignature, "signature does not verify over the transaction")
	}
	return nil
}

// 7. No duplicate inputs; no self-spend loop.
func (v *Validator) checkNoDuplicateOrSelfSpendInputs(_ context.Context, tx *externalapi.DomainTransaction) error {
	seen := make(map[externalapi.DomainOutpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PreviousOutpoint] {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction,
				"input %d duplicates outpoint %s:%d", i, in.PreviousOutpoint.TransactionID, in.PreviousOutpoint.Index)
		}
		seen[in.PreviousOutpoint] = true

		if id := tx.ID(); id != nil && in.PreviousOutpoint.TransactionID == *id {
			return errors.Wrapf(ruleerrors.ErrInvalidTransaction, "input %d spends its own transaction's output", i)
		}
	}
	return nil
}
