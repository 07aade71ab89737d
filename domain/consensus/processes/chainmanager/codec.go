package chainmanager

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/kaspanet/hybridchain/domain/consensus/model/externalapi"
)

// chainState is the small record persisted under store.KeyChainState:
// the durable pointer to the active tip, read back on node restart
// before the in-memory chain vector has been rebuilt.
type chainState struct {
	Height    uint64
	TipHash   externalapi.DomainHash
	UpdatedAt time.Time
}

// encodeBlock/decodeBlock use encoding/gob rather than the canonical
// wire codec (domain/consensus/utils/canonical): canonical
// serialization exists to produce a stable signing/hashing digest,
// not to round-trip every field losslessly, and this store is an
// internal snapshot format that never crosses the wire (spec section
// 10's P2P layer is explicitly out of scope). gob is the standard
// library's own solution to exactly this internal-snapshot problem,
// so no third-party serialization library from the pack was dropped
// to make room for it.
func encodeBlock(block *externalapi.DomainBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(block); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlock(data []byte) (*externalapi.DomainBlock, error) {
	var block externalapi.DomainBlock
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&block); err != nil {
		return nil, err
	}
	return &block, nil
}

func encodeChainState(s chainState) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
