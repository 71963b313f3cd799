package types

import (
	"fmt"

	"github.com/pactbft/pactbft/pkg/crypto"
)

// BlockHeader carries the consensus-critical metadata of a block.
type BlockHeader struct {
	Height       uint64
	PreviousHash crypto.Hash
	StateRoot    crypto.Hash // digest of the account map after applying this block
	TxRoot       crypto.Hash // merkle root over transaction hashes, in listed order
	Timestamp    uint64      // unix ms
	Proposer     ValidatorID
}

// Block is a header plus its ordered transactions. QuorumCert holds the
// commit-phase certificate once the block is finalized; it is excluded from
// the block hash so the hash is stable from proposal through commit.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
	QuorumCert   *Certificate
}

func (h *BlockHeader) signingBytes() []byte {
	w := &canonicalWriter{}
	w.u64(h.Height)
	w.raw(h.PreviousHash[:])
	w.raw(h.StateRoot[:])
	w.raw(h.TxRoot[:])
	w.u64(h.Timestamp)
	w.str(string(h.Proposer))
	return w.sum()
}

// Hash is the sha256 of the canonical header encoding. The quorum certificate
// never contributes.
func (b *Block) Hash() crypto.Hash {
	return crypto.Sum(b.Header.signingBytes())
}

func (b *Block) Height() uint64 { return b.Header.Height }

// TxHashes returns the transaction hashes in block order.
func (b *Block) TxHashes() []crypto.Hash {
	out := make([]crypto.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		out[i] = tx.Hash()
	}
	return out
}

func (b *Block) String() string {
	return fmt.Sprintf("block{h=%d txs=%d hash=%s}", b.Header.Height, len(b.Transactions), b.Hash().Short())
}

// MerkleRoot folds the hashes pairwise with sha256, duplicating the odd tail
// node; a single hash is paired with itself. An empty list yields the zero
// hash.
func MerkleRoot(hashes []crypto.Hash) crypto.Hash {
	if len(hashes) == 0 {
		return crypto.ZeroHash
	}
	level := append([]crypto.Hash(nil), hashes...)
	for first := true; first || len(level) > 1; first = false {
		next := make([]crypto.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var buf [64]byte
			copy(buf[:32], level[i][:])
			if i+1 < len(level) {
				copy(buf[32:], level[i+1][:])
			} else {
				copy(buf[32:], level[i][:])
			}
			next = append(next, crypto.Sum(buf[:]))
		}
		level = next
	}
	return level[0]
}
