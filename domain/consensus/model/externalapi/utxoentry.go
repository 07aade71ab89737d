package externalapi

// UTXOEntry houses details about an individual transaction output in
// the UTXO set: its value, spending script, the timestamp of the
// block that created it, and whether it has been spent (spec section
// 3, "UTXO"). Once Spent is true, an entry is never resurrected
// except by a reorg rollback (domain/consensus/processes/chainmanager).
type UTXOEntry struct {
	Amount          Amount
	ScriptPublicKey []byte
	Address         string
	BlockTimestamp  int64
	IsCoinbase      bool
	Spent           bool
}

// Clone returns a deep copy of the entry.
func (entry *UTXOEntry) Clone() *UTXOEntry {
	if entry == nil {
		return nil
	}
	spk := make([]byte, len(entry.ScriptPublicKey))
	copy(spk, entry.ScriptPublicKey)
	return &UTXOEntry{
		Amount:          entry.Amount,
		ScriptPublicKey: spk,
		Address:         entry.Address,
		BlockTimestamp:  entry.BlockTimestamp,
		IsCoinbase:      entry.IsCoinbase,
		Spent:           entry.Spent,
	}
}

// NewUTXOEntry creates a new, unspent UTXOEntry.
func NewUTXOEntry(amount Amount, scriptPubKey []byte, address string, isCoinbase bool,
	blockTimestamp int64) *UTXOEntry {

	return &UTXOEntry{
		Amount:          amount,
		ScriptPublicKey: scriptPubKey,
		Address:         address,
		BlockTimestamp:  blockTimestamp,
		IsCoinbase:      isCoinbase,
	}
}
