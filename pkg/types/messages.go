package types

import (
	"fmt"

	"github.com/pactbft/pactbft/pkg/crypto"
)

// MsgKind tags the consensus message variants.
type MsgKind uint8

const (
	MsgPropose MsgKind = iota + 1
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
)

func (k MsgKind) String() string {
	switch k {
	case MsgPropose:
		return "propose"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgViewChange:
		return "view-change"
	case MsgNewView:
		return "new-view"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ValidatorSig is one registry member's signature inside a certificate.
type ValidatorSig struct {
	ID        ValidatorID
	Signature []byte
}

// Certificate is a quorum of vote signatures for one (kind, view, height,
// block hash). Kind is MsgPrepare for prepared certificates and MsgCommit for
// commit (quorum) certificates.
type Certificate struct {
	Kind      MsgKind
	View      uint64
	Height    uint64
	BlockHash crypto.Hash
	Sigs      []ValidatorSig
}

// Verify checks the certificate holds 2f+1 distinct registry signatures, each
// valid over the vote bytes it claims.
func (c *Certificate) Verify(vs *ValidatorSet) error {
	if c.Kind != MsgPrepare && c.Kind != MsgCommit {
		return fmt.Errorf("certificate kind %s is not a vote kind", c.Kind)
	}
	seen := make(map[ValidatorID]bool, len(c.Sigs))
	for _, s := range c.Sigs {
		pub, ok := vs.PubKeyOf(s.ID)
		if !ok {
			return fmt.Errorf("certificate signer %q not in registry", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("certificate signer %q duplicated", s.ID)
		}
		seen[s.ID] = true
		msg := voteSigningBytes(c.Kind, c.View, c.Height, c.BlockHash, s.ID)
		if !crypto.Verify(pub, msg, s.Signature) {
			return fmt.Errorf("certificate signature from %q invalid", s.ID)
		}
	}
	if len(seen) < vs.Quorum() {
		return fmt.Errorf("certificate has %d signatures, quorum is %d", len(seen), vs.Quorum())
	}
	return nil
}

// PreparedProof is the locked-block evidence a replica carries into a view
// change: the block it prepared, and the prepare certificate justifying it.
// The block body travels with the proof so the new leader can re-propose it.
type PreparedProof struct {
	BlockHash crypto.Hash
	View      uint64
	Cert      *Certificate
	Block     *Block
}

// ConsensusMessage is the tagged union of protocol messages. Which fields are
// meaningful depends on Kind:
//
//	Propose:    View, Height, Block
//	Prepare:    View, Height, BlockHash
//	Commit:     View, Height, BlockHash
//	ViewChange: View (the new view), Height, LastPrepared (may be nil)
//	NewView:    View, Height, ViewChanges (the certificate), Proposal
//
// Every message carries the sender and a signature over the canonical
// encoding of its variant.
type ConsensusMessage struct {
	Kind         MsgKind
	View         uint64
	Height       uint64
	Block        *Block
	BlockHash    crypto.Hash
	LastPrepared *PreparedProof
	ViewChanges  []*ConsensusMessage
	Proposal     *ConsensusMessage
	Sender       ValidatorID
	Signature    []byte
}

func NewProposeMsg(view, height uint64, block *Block, sender ValidatorID) *ConsensusMessage {
	return &ConsensusMessage{Kind: MsgPropose, View: view, Height: height, Block: block, BlockHash: block.Hash(), Sender: sender}
}

func NewVoteMsg(kind MsgKind, view, height uint64, blockHash crypto.Hash, sender ValidatorID) *ConsensusMessage {
	return &ConsensusMessage{Kind: kind, View: view, Height: height, BlockHash: blockHash, Sender: sender}
}

func NewViewChangeMsg(newView, height uint64, lastPrepared *PreparedProof, sender ValidatorID) *ConsensusMessage {
	return &ConsensusMessage{Kind: MsgViewChange, View: newView, Height: height, LastPrepared: lastPrepared, Sender: sender}
}

func NewNewViewMsg(view, height uint64, viewChanges []*ConsensusMessage, proposal *ConsensusMessage, sender ValidatorID) *ConsensusMessage {
	return &ConsensusMessage{Kind: MsgNewView, View: view, Height: height, ViewChanges: viewChanges, Proposal: proposal, Sender: sender}
}

func voteSigningBytes(kind MsgKind, view, height uint64, blockHash crypto.Hash, sender ValidatorID) []byte {
	w := &canonicalWriter{}
	w.u8(uint8(kind))
	w.u64(view)
	w.u64(height)
	w.raw(blockHash[:])
	w.str(string(sender))
	return w.sum()
}

// SigningBytes is the canonical encoding of the variant, excluding Signature.
// Proposals and new-views commit to their block content by hash.
func (m *ConsensusMessage) SigningBytes() []byte {
	switch m.Kind {
	case MsgPropose, MsgPrepare, MsgCommit:
		h := m.BlockHash
		if m.Kind == MsgPropose && m.Block != nil {
			h = m.Block.Hash()
		}
		return voteSigningBytes(m.Kind, m.View, m.Height, h, m.Sender)
	case MsgViewChange:
		w := &canonicalWriter{}
		w.u8(uint8(m.Kind))
		w.u64(m.View)
		w.u64(m.Height)
		if m.LastPrepared != nil {
			w.u8(1)
			w.raw(m.LastPrepared.BlockHash[:])
			w.u64(m.LastPrepared.View)
		} else {
			w.u8(0)
		}
		w.str(string(m.Sender))
		return w.sum()
	case MsgNewView:
		w := &canonicalWriter{}
		w.u8(uint8(m.Kind))
		w.u64(m.View)
		w.u64(m.Height)
		if m.Proposal != nil && m.Proposal.Block != nil {
			h := m.Proposal.Block.Hash()
			w.raw(h[:])
		} else {
			w.raw(crypto.ZeroHash[:])
		}
		w.str(string(m.Sender))
		return w.sum()
	default:
		return nil
	}
}

// Sign sets Signature over the canonical bytes.
func (m *ConsensusMessage) Sign(key *crypto.PrivateKey) {
	m.Signature = key.Sign(m.SigningBytes())
}

// VerifySignature checks the message signature under the sender's registry key.
func (m *ConsensusMessage) VerifySignature(vs *ValidatorSet) bool {
	pub, ok := vs.PubKeyOf(m.Sender)
	if !ok {
		return false
	}
	return crypto.Verify(pub, m.SigningBytes(), m.Signature)
}

func (m *ConsensusMessage) String() string {
	return fmt.Sprintf("%s{v=%d h=%d from=%s}", m.Kind, m.View, m.Height, m.Sender)
}
