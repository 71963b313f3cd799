package consensus

import (
	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

type voteSlot struct {
	kind types.MsgKind
	view uint64
}

// messageLog deduplicates the votes of one height. A sender gets one counted
// vote per (kind, view); a second vote with a different block hash is
// equivocation evidence and is never counted.
type messageLog struct {
	height uint64
	// first vote per (sender, kind, view)
	first map[voteSlot]map[types.ValidatorID]*types.ConsensusMessage
	// equivocation evidence: conflicting second votes, kept for diagnostics
	evidence []*types.ConsensusMessage
}

func newMessageLog(height uint64) *messageLog {
	return &messageLog{
		height: height,
		first:  make(map[voteSlot]map[types.ValidatorID]*types.ConsensusMessage),
	}
}

// add records msg and reports (counted, equivocated). Re-receipt of the same
// vote is idempotent: counted=false, equivocated=false.
func (l *messageLog) add(msg *types.ConsensusMessage) (bool, bool) {
	slot := voteSlot{kind: msg.Kind, view: msg.View}
	bySender := l.first[slot]
	if bySender == nil {
		bySender = make(map[types.ValidatorID]*types.ConsensusMessage)
		l.first[slot] = bySender
	}
	if prev, ok := bySender[msg.Sender]; ok {
		if prev.BlockHash != msg.BlockHash {
			l.evidence = append(l.evidence, msg)
			return false, true
		}
		return false, false
	}
	bySender[msg.Sender] = msg
	return true, false
}

// count returns the distinct-sender tally for (kind, view, hash).
func (l *messageLog) count(kind types.MsgKind, view uint64, hash crypto.Hash) int {
	n := 0
	for _, msg := range l.first[voteSlot{kind: kind, view: view}] {
		if msg.BlockHash == hash {
			n++
		}
	}
	return n
}

// certificate assembles the quorum certificate from the logged votes.
func (l *messageLog) certificate(kind types.MsgKind, view uint64, hash crypto.Hash) *types.Certificate {
	cert := &types.Certificate{Kind: kind, View: view, Height: l.height, BlockHash: hash}
	for id, msg := range l.first[voteSlot{kind: kind, view: view}] {
		if msg.BlockHash == hash {
			cert.Sigs = append(cert.Sigs, types.ValidatorSig{ID: id, Signature: msg.Signature})
		}
	}
	return cert
}

func (l *messageLog) equivocations() []*types.ConsensusMessage { return l.evidence }
