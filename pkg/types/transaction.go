package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pactbft/pactbft/pkg/crypto"
)

// Transaction is a signed balance transfer. Immutable once created; the
// signature covers the canonical encoding of every field except Signature.
type Transaction struct {
	ID        uuid.UUID
	From      common.Address
	To        common.Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Timestamp uint64 // unix ms
	Data      []byte
	PubKey    []byte // sender's ed25519 public key; From must derive from it
	Signature []byte
}

// NewTransaction builds an unsigned transfer stamped with the current time.
func NewTransaction(from, to common.Address, amount, fee, nonce uint64, data []byte) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Timestamp: uint64(time.Now().UnixMilli()),
		Data:      data,
	}
}

// SigningBytes is the canonical encoding excluding the signature field.
func (tx *Transaction) SigningBytes() []byte {
	w := &canonicalWriter{}
	w.raw(tx.ID[:])
	w.raw(tx.From[:])
	w.raw(tx.To[:])
	w.u64(tx.Amount)
	w.u64(tx.Fee)
	w.u64(tx.Nonce)
	w.u64(tx.Timestamp)
	w.bytes(tx.Data)
	w.bytes(tx.PubKey)
	return w.sum()
}

// Hash is the sha256 of the signing bytes. Two transactions that differ only
// in their signature share a hash.
func (tx *Transaction) Hash() crypto.Hash {
	return crypto.Sum(tx.SigningBytes())
}

// Sign fills PubKey and Signature from key. The key's address must match From.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	if key.Address() != tx.From {
		return fmt.Errorf("signing key address %s does not match sender %s", key.Address().Hex(), tx.From.Hex())
	}
	tx.PubKey = key.PublicKey()
	tx.Signature = key.Sign(tx.SigningBytes())
	return nil
}

// VerifySignature checks that the signature verifies under PubKey and that
// From is the address derived from PubKey.
func (tx *Transaction) VerifySignature() bool {
	if crypto.AddressFromPubKey(tx.PubKey) != tx.From {
		return false
	}
	return crypto.Verify(tx.PubKey, tx.SigningBytes(), tx.Signature)
}

// Size is the canonical encoded size in bytes, used for block byte limits.
func (tx *Transaction) Size() int {
	return len(tx.SigningBytes()) + len(tx.Signature)
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("tx{%s %s->%s amount=%d fee=%d nonce=%d}",
		tx.ID, tx.From.Hex(), tx.To.Hex(), tx.Amount, tx.Fee, tx.Nonce)
}
