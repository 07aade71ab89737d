package externalapi

import "time"

// DomainOutpoint is the combination of a transaction id and an output
// index, the key into the UTXO set (spec section 3, "UTXO").
type DomainOutpoint struct {
	TransactionID DomainHash
	Index         uint32
}

// DomainTransactionInput is an ordered input of a DomainTransaction.
// Confirmations is filled in at validation time from the referenced
// UTXO; it is not part of the transaction's canonical serialization.
type DomainTransactionInput struct {
	PreviousOutpoint DomainOutpoint
	SignatureScript  []byte
	Confirmations    uint64
}

// Clone returns a deep copy of the input.
func (in *DomainTransactionInput) Clone() *DomainTransactionInput {
	if in == nil {
		return nil
	}
	sigScript := make([]byte, len(in.SignatureScript))
	copy(sigScript, in.SignatureScript)
	return &DomainTransactionInput{
		PreviousOutpoint: in.PreviousOutpoint,
		SignatureScript:  sigScript,
		Confirmations:    in.Confirmations,
	}
}

// DomainTransactionOutput is an ordered output of a DomainTransaction.
type DomainTransactionOutput struct {
	Value           Amount
	ScriptPublicKey []byte
	Address         string
}

// Clone returns a deep copy of the output.
func (out *DomainTransactionOutput) Clone() *DomainTransactionOutput {
	if out == nil {
		return nil
	}
	spk := make([]byte, len(out.ScriptPublicKey))
	copy(spk, out.ScriptPublicKey)
	return &DomainTransactionOutput{
		Value:           out.Value,
		ScriptPublicKey: spk,
		Address:         out.Address,
	}
}

// DomainTransaction is the node's in-memory representation of a
// transaction, matching spec section 3's Transaction data model.
type DomainTransaction struct {
	Version   int32
	Sender    string
	Inputs    []*DomainTransactionInput
	Outputs   []*DomainTransactionOutput
	LockTime  uint64
	Nonce     uint64
	Signature []byte
	Timestamp time.Time

	// SenderPublicKey is the compressed public key Sender was derived
	// from. It rides alongside the transaction (outside the canonical
	// serialization the signature covers) purely so the signature
	// itself can be verified without a recoverable scheme; the
	// transaction validator checks it hashes to Sender before trusting
	// it for anything.
	SenderPublicKey []byte

	// ID and Fee are derived fields, cached here once computed so
	// repeated validation passes don't recompute them. Both are nil
	// until populated by the transaction validator or the hashing
	// package.
	id  *DomainHash
	fee *Amount
}

// ID returns the cached transaction id, or nil if it has not yet been
// computed.
func (tx *DomainTransaction) ID() *DomainHash {
	return tx.id
}

// SetID caches the transaction's id. Called once by the hashing
// package after computing it from the canonical serialization.
func (tx *DomainTransaction) SetID(id *DomainHash) {
	tx.id = id
}

// Fee returns the cached fee, and whether it has been computed.
func (tx *DomainTransaction) Fee() (Amount, bool) {
	if tx.fee == nil {
		return Amount{}, false
	}
	return *tx.fee, true
}

// SetFee caches the transaction's fee.
func (tx *DomainTransaction) SetFee(fee Amount) {
	tx.fee = &fee
}

// Clone returns a deep copy of the transaction, excluding its cached
// id/fee (the clone must be re-validated to populate them, since
// callers that clone usually do so in order to mutate).
func (tx *DomainTransaction) Clone() *DomainTransaction {
	inputs := make([]*DomainTransactionInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = in.Clone()
	}
	outputs := make([]*DomainTransactionOutput, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputs[i] = out.Clone()
	}
	sig := make([]byte, len(tx.Signature))
	copy(sig, tx.Signature)
	pubKey := make([]byte, len(tx.SenderPublicKey))
	copy(pubKey, tx.SenderPublicKey)

	return &DomainTransaction{
		Version:         tx.Version,
		Sender:          tx.Sender,
		Inputs:          inputs,
		Outputs:         outputs,
		LockTime:        tx.LockTime,
		Nonce:           tx.Nonce,
		Signature:       sig,
		Timestamp:       tx.Timestamp,
		SenderPublicKey: pubKey,
	}
}

// IsCoinbase reports whether the transaction is a coinbase: the
// spec's convention that transactions[0] in a block is the coinbase
// iff it has no inputs.
func (tx *DomainTransaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}
