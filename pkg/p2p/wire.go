package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/pactbft/pactbft/pkg/types"
)

// One gossipsub topic per payload kind; the envelope carries the sender for
// diagnostics. Consensus messages and transactions are signed at the message
// level, so the envelope itself adds no authentication.
type txWire struct {
	From types.ValidatorID
	Tx   []byte // gob types.Transaction
}

type blockWire struct {
	From  types.ValidatorID
	Block []byte // gob types.Block, quorum certificate included
}

type consensusWire struct {
	From types.ValidatorID
	Msg  []byte // gob types.ConsensusMessage
}

// blockRequestWire asks peers to re-gossip a height range; it travels on the
// block topic alongside the blocks themselves.
type blockRequestWire struct {
	From       types.ValidatorID
	FromHeight uint64
	ToHeight   uint64
}

// blockEnvelope is the block-topic payload: a certified block or a request.
type blockEnvelope struct {
	Block   *blockWire
	Request *blockRequestWire
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
