package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

// Transaction rejection reasons. Surfaced to clients on the submit path;
// everywhere else they are counted and dropped.
var (
	ErrBadFormat           = errors.New("bad format")
	ErrBadSignature        = errors.New("bad signature")
	ErrBadNonce            = errors.New("bad nonce")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateID         = errors.New("duplicate transaction id")
	ErrFeeTooLow           = errors.New("fee too low")
	ErrExpired             = errors.New("transaction expired")
)

// Block and vote rejection reasons.
var (
	ErrBadHeight       = errors.New("bad block height")
	ErrBadPreviousHash = errors.New("bad previous hash")
	ErrBadTxRoot       = errors.New("bad transaction root")
	ErrBadStateRoot    = errors.New("bad state root")
	ErrBadProposer     = errors.New("bad proposer")
	ErrBadTimestamp    = errors.New("bad timestamp")
	ErrBlockTooLarge   = errors.New("block too large")
	ErrUnknownValidator = errors.New("sender not in validator registry")
)

// ChainView is the committed-state surface validation reads. Implementations
// must return a consistent snapshot per call.
type ChainView interface {
	GetAccount(addr common.Address) (types.AccountState, error)
	GetBlockByHeight(height uint64) (*types.Block, error)
	HasTransaction(id uuid.UUID) (bool, error)
	// SimulateApply runs the block against current state without committing
	// and returns the resulting state root.
	SimulateApply(block *types.Block) (crypto.Hash, error)
}

// Limits are the genesis-fixed validation parameters.
type Limits struct {
	MaxTxDataBytes   int
	MinFee           uint64
	TimestampSkew    time.Duration
	MaxTxAge         time.Duration
	MaxBlockTxs      int
	MaxBlockBytes    int
}

// Engine runs the structural, cryptographic and semantic checks, in that
// order, failing on the cheapest violated check first. No check mutates state.
type Engine struct {
	limits Limits
	vals   *types.ValidatorSet
	now    func() time.Time
}

func NewEngine(limits Limits, vals *types.ValidatorSet) *Engine {
	return &Engine{limits: limits, vals: vals, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ValidateTx checks a transaction for mempool admission. Nonce gaps ahead of
// the account nonce are accepted here; apply-time requires an exact match.
func (e *Engine) ValidateTx(tx *types.Transaction, chain ChainView) error {
	// structural
	if tx.From == (common.Address{}) || tx.To == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrBadFormat)
	}
	if tx.From == tx.To {
		return fmt.Errorf("%w: self transfer", ErrBadFormat)
	}
	if tx.Amount > math.MaxUint64-tx.Fee {
		return fmt.Errorf("%w: amount+fee overflows", ErrBadFormat)
	}
	if len(tx.Data) > e.limits.MaxTxDataBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrBadFormat, len(tx.Data), e.limits.MaxTxDataBytes)
	}
	if tx.Fee < e.limits.MinFee {
		return fmt.Errorf("%w: fee %d below minimum %d", ErrFeeTooLow, tx.Fee, e.limits.MinFee)
	}
	if err := e.checkTxTimestamp(tx.Timestamp); err != nil {
		return err
	}

	// cryptographic
	if !tx.VerifySignature() {
		return ErrBadSignature
	}

	// semantic
	if seen, err := chain.HasTransaction(tx.ID); err != nil {
		return fmt.Errorf("transaction lookup: %w", err)
	} else if seen {
		return ErrDuplicateID
	}
	acct, err := chain.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("account lookup: %w", err)
	}
	if tx.Nonce < acct.Nonce {
		return fmt.Errorf("%w: nonce %d below account nonce %d", ErrBadNonce, tx.Nonce, acct.Nonce)
	}
	if acct.Balance < tx.Amount+tx.Fee {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, acct.Balance, tx.Amount+tx.Fee)
	}
	return nil
}

func (e *Engine) checkTxTimestamp(ts uint64) error {
	now := uint64(e.now().UnixMilli())
	skew := uint64(e.limits.TimestampSkew.Milliseconds())
	if ts > now+skew {
		return fmt.Errorf("%w: timestamp in the future", ErrBadFormat)
	}
	maxAge := uint64(e.limits.MaxTxAge.Milliseconds())
	if maxAge > 0 && ts+maxAge < now {
		return ErrExpired
	}
	return nil
}

// ValidateBlock checks a proposed block against its committed parent.
// expectedProposer is the leader scheduled for the view the block was drafted
// under; the driver computes it, because a block re-proposed through a view
// change keeps its original proposer.
func (e *Engine) ValidateBlock(block *types.Block, parent *types.Block, expectedProposer types.ValidatorID, chain ChainView) error {
	h := block.Header
	if parent == nil {
		return fmt.Errorf("%w: missing parent", ErrBadHeight)
	}
	if h.Height != parent.Header.Height+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrBadHeight, parent.Header.Height+1, h.Height)
	}
	if h.PreviousHash != parent.Hash() {
		return ErrBadPreviousHash
	}
	if h.Proposer != expectedProposer {
		return fmt.Errorf("%w: expected %s, got %s", ErrBadProposer, expectedProposer, h.Proposer)
	}
	if len(block.Transactions) > e.limits.MaxBlockTxs {
		return fmt.Errorf("%w: %d transactions, limit %d", ErrBlockTooLarge, len(block.Transactions), e.limits.MaxBlockTxs)
	}
	total := 0
	for _, tx := range block.Transactions {
		total += tx.Size()
	}
	if total > e.limits.MaxBlockBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrBlockTooLarge, total, e.limits.MaxBlockBytes)
	}
	if h.Timestamp <= parent.Header.Timestamp && parent.Header.Height > 0 {
		return fmt.Errorf("%w: not monotone", ErrBadTimestamp)
	}
	now := uint64(e.now().UnixMilli())
	skew := uint64(e.limits.TimestampSkew.Milliseconds())
	if h.Timestamp > now+skew {
		return fmt.Errorf("%w: in the future", ErrBadTimestamp)
	}

	if types.MerkleRoot(block.TxHashes()) != h.TxRoot {
		return ErrBadTxRoot
	}

	// Per-transaction checks with in-block nonce/balance tracking. Apply-time
	// semantics: nonces must run contiguously from the account nonce.
	seen := make(map[uuid.UUID]bool, len(block.Transactions))
	nonces := make(map[common.Address]uint64)
	balances := make(map[common.Address]uint64)
	for _, tx := range block.Transactions {
		if seen[tx.ID] {
			return fmt.Errorf("%w: %s repeated in block", ErrDuplicateID, tx.ID)
		}
		seen[tx.ID] = true
		if !tx.VerifySignature() {
			return fmt.Errorf("tx %s: %w", tx.ID, ErrBadSignature)
		}
		acct, err := chain.GetAccount(tx.From)
		if err != nil {
			return fmt.Errorf("account lookup: %w", err)
		}
		nonce, ok := nonces[tx.From]
		if !ok {
			nonce = acct.Nonce
		}
		if tx.Nonce != nonce {
			return fmt.Errorf("tx %s: %w: expected %d, got %d", tx.ID, ErrBadNonce, nonce, tx.Nonce)
		}
		nonces[tx.From] = nonce + 1

		bal, ok := balances[tx.From]
		if !ok {
			bal = acct.Balance
		}
		if bal < tx.Amount+tx.Fee {
			return fmt.Errorf("tx %s: %w", tx.ID, ErrInsufficientBalance)
		}
		balances[tx.From] = bal - tx.Amount - tx.Fee
		if toBal, ok := balances[tx.To]; ok {
			balances[tx.To] = toBal + tx.Amount
		} else if toAcct, err := chain.GetAccount(tx.To); err == nil {
			balances[tx.To] = toAcct.Balance + tx.Amount
		}
	}

	root, err := chain.SimulateApply(block)
	if err != nil {
		return fmt.Errorf("simulate apply: %w", err)
	}
	if root != h.StateRoot {
		return fmt.Errorf("%w: computed %s, header %s", ErrBadStateRoot, root.Short(), h.StateRoot.Short())
	}
	return nil
}

// ValidateVote checks a vote or view-change message: registry membership and
// signature. View/height currency is the driver's concern.
func (e *Engine) ValidateVote(msg *types.ConsensusMessage) error {
	if !e.vals.Contains(msg.Sender) {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, msg.Sender)
	}
	if !msg.VerifySignature(e.vals) {
		return ErrBadSignature
	}
	return nil
}
