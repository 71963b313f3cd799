package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

// ErrSafetyViolation means a certified block failed apply-time checks. The
// consensus driver treats it as fatal.
var ErrSafetyViolation = errors.New("safety violation")

var ErrBlockNotFound = errors.New("block not found")

// FeeDisposition fixes, at genesis, where transaction fees go.
type FeeDisposition int

const (
	FeeBurn FeeDisposition = iota
	FeeToProposer
)

// ChainStore is the typed view over the KV engine: the append-only block log
// and the account map. Apart from the one-time WriteGenesis, ApplyBlock is
// the only mutator and writes one atomic batch. Reads serve a consistent
// committed snapshot.
type ChainStore struct {
	mu   sync.RWMutex
	kv   KVStore
	vals *types.ValidatorSet
	fees FeeDisposition
	log  *zap.SugaredLogger

	latest  uint64
	txCount uint64
}

func NewChainStore(kv KVStore, vals *types.ValidatorSet, fees FeeDisposition, log *zap.SugaredLogger) (*ChainStore, error) {
	cs := &ChainStore{kv: kv, vals: vals, fees: fees, log: log}
	if raw, err := kv.Get([]byte(keyLatest)); err == nil {
		cs.latest = binary.BigEndian.Uint64(raw)
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("read latest height: %w", err)
	}
	if raw, err := kv.Get([]byte(keyTxCount)); err == nil {
		cs.txCount = binary.BigEndian.Uint64(raw)
	} else if err != ErrNotFound {
		return nil, fmt.Errorf("read tx count: %w", err)
	}
	return cs, nil
}

// Bootstrapped reports whether a genesis block has been written.
func (cs *ChainStore) Bootstrapped() (bool, error) {
	return cs.kv.Has(blockKey(0))
}

// WriteGenesis seeds the store with the genesis block and initial accounts.
func (cs *ChainStore) WriteGenesis(block *types.Block, accounts []types.AccountState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pairs := make([]KVPair, 0, len(accounts)+4)
	state := make(map[common.Address]types.AccountState, len(accounts))
	for _, acct := range accounts {
		state[acct.Address] = acct
		pairs = append(pairs, KVPair{Key: acctKey(acct.Address), Value: encodeAccount(acct)})
	}
	root := stateRoot(state)
	block.Header.StateRoot = root

	blob, err := encodeGob(block)
	if err != nil {
		return fmt.Errorf("encode genesis block: %w", err)
	}
	hash := block.Hash()
	pairs = append(pairs,
		KVPair{Key: blockKey(0), Value: blob},
		KVPair{Key: blockHashKey(hash), Value: be8(0)},
		KVPair{Key: rootKey(0), Value: root[:]},
		KVPair{Key: []byte(keyLatest), Value: be8(0)},
	)
	if err := cs.kv.PutBatch(pairs); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	cs.latest = 0
	cs.log.Infow("genesis_written", "hash", hash.Short(), "accounts", len(accounts), "state_root", root.Short())
	return nil
}

// ApplyBlock appends a certified block and mutates account state in one
// atomic batch. Fees burn or credit the proposer per the genesis disposition.
// Any apply-time semantic failure returns ErrSafetyViolation: consensus must
// never have certified such a block.
func (cs *ChainStore) ApplyBlock(block *types.Block) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	height := block.Header.Height
	if height != cs.latest+1 {
		return fmt.Errorf("%w: apply height %d atop latest %d", ErrSafetyViolation, height, cs.latest)
	}
	parent, err := cs.getBlockByHeightLocked(cs.latest)
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}
	if block.Header.PreviousHash != parent.Hash() {
		return fmt.Errorf("%w: previous hash mismatch at height %d", ErrSafetyViolation, height)
	}

	touched, err := cs.runTransactions(block)
	if err != nil {
		return err
	}

	root, err := cs.stateRootWithOverlay(touched)
	if err != nil {
		return fmt.Errorf("compute state root: %w", err)
	}
	if root != block.Header.StateRoot {
		return fmt.Errorf("%w: state root mismatch at height %d: computed %s, header %s",
			ErrSafetyViolation, height, root.Short(), block.Header.StateRoot.Short())
	}

	blob, err := encodeGob(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	hash := block.Hash()
	pairs := make([]KVPair, 0, len(touched)+3*len(block.Transactions)+4)
	pairs = append(pairs,
		KVPair{Key: blockKey(height), Value: blob},
		KVPair{Key: blockHashKey(hash), Value: be8(height)},
		KVPair{Key: rootKey(height), Value: root[:]},
		KVPair{Key: []byte(keyLatest), Value: be8(height)},
		KVPair{Key: []byte(keyTxCount), Value: be8(cs.txCount + uint64(len(block.Transactions)))},
	)
	for addr, acct := range touched {
		pairs = append(pairs, KVPair{Key: acctKey(addr), Value: encodeAccount(acct)})
	}
	for i, tx := range block.Transactions {
		pairs = append(pairs,
			KVPair{Key: txKey(tx.ID), Value: be8(height)},
			KVPair{Key: histKey(tx.From, height, i), Value: tx.ID[:]},
			KVPair{Key: histKey(tx.To, height, i), Value: tx.ID[:]},
		)
	}

	if err := cs.kv.PutBatch(pairs); err != nil {
		return fmt.Errorf("apply batch at height %d: %w", height, err)
	}
	cs.latest = height
	cs.txCount += uint64(len(block.Transactions))
	return nil
}

// runTransactions replays the block's transfers over committed state and
// returns the touched accounts. Apply-time rules are strict: exact nonce,
// sufficient balance.
func (cs *ChainStore) runTransactions(block *types.Block) (map[common.Address]types.AccountState, error) {
	touched := make(map[common.Address]types.AccountState)
	load := func(addr common.Address) (types.AccountState, error) {
		if acct, ok := touched[addr]; ok {
			return acct, nil
		}
		return cs.getAccountLocked(addr)
	}

	var proposerAddr common.Address
	if cs.fees == FeeToProposer {
		val, ok := cs.vals.Get(block.Header.Proposer)
		if !ok {
			return nil, fmt.Errorf("%w: unknown proposer %s", ErrSafetyViolation, block.Header.Proposer)
		}
		proposerAddr = val.Address()
	}

	for _, tx := range block.Transactions {
		sender, err := load(tx.From)
		if err != nil {
			return nil, err
		}
		if tx.Nonce != sender.Nonce {
			return nil, fmt.Errorf("%w: tx %s nonce %d, account nonce %d", ErrSafetyViolation, tx.ID, tx.Nonce, sender.Nonce)
		}
		cost := tx.Amount + tx.Fee
		if sender.Balance < cost {
			return nil, fmt.Errorf("%w: tx %s balance underflow", ErrSafetyViolation, tx.ID)
		}
		sender.Balance -= cost
		sender.Nonce++
		sender.Address = tx.From
		touched[tx.From] = sender

		recipient, err := load(tx.To)
		if err != nil {
			return nil, err
		}
		recipient.Balance += tx.Amount
		recipient.Address = tx.To
		touched[tx.To] = recipient

		if cs.fees == FeeToProposer {
			prop, err := load(proposerAddr)
			if err != nil {
				return nil, err
			}
			prop.Balance += tx.Fee
			prop.Address = proposerAddr
			touched[proposerAddr] = prop
		}
	}
	return touched, nil
}

// SimulateApply computes the state root the block would leave behind, without
// writing anything.
func (cs *ChainStore) SimulateApply(block *types.Block) (crypto.Hash, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	touched, err := cs.runTransactions(block)
	if err != nil {
		return crypto.ZeroHash, err
	}
	return cs.stateRootWithOverlay(touched)
}

func (cs *ChainStore) LatestHeight() uint64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.latest
}

func (cs *ChainStore) LatestBlock() (*types.Block, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.getBlockByHeightLocked(cs.latest)
}

func (cs *ChainStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.getBlockByHeightLocked(height)
}

func (cs *ChainStore) getBlockByHeightLocked(height uint64) (*types.Block, error) {
	raw, err := cs.kv.Get(blockKey(height))
	if err == ErrNotFound {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	var block types.Block
	if err := decodeGob(raw, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &block, nil
}

func (cs *ChainStore) GetBlockByHash(h crypto.Hash) (*types.Block, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	raw, err := cs.kv.Get(blockHashKey(h))
	if err == ErrNotFound {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return cs.getBlockByHeightLocked(binary.BigEndian.Uint64(raw))
}

// GetAccount returns the committed state of addr; unknown addresses read as
// zero balance, zero nonce.
func (cs *ChainStore) GetAccount(addr common.Address) (types.AccountState, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.getAccountLocked(addr)
}

func (cs *ChainStore) getAccountLocked(addr common.Address) (types.AccountState, error) {
	raw, err := cs.kv.Get(acctKey(addr))
	if err == ErrNotFound {
		return types.AccountState{Address: addr}, nil
	}
	if err != nil {
		return types.AccountState{}, err
	}
	return decodeAccount(addr, raw)
}

func (cs *ChainStore) HasTransaction(id uuid.UUID) (bool, error) {
	return cs.kv.Has(txKey(id))
}

// GetTransaction resolves id via the transaction index to its block.
func (cs *ChainStore) GetTransaction(id uuid.UUID) (*types.Transaction, uint64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.getTransactionLocked(id)
}

// AccountHistory returns committed transactions touching addr, newest first,
// paged by limit and offset.
func (cs *ChainStore) AccountHistory(addr common.Address, limit, offset int) ([]*types.Transaction, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var ids []uuid.UUID
	err := cs.kv.Scan(histPrefix(addr), func(key, value []byte) error {
		id, err := uuid.FromBytes(value)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Scan order is oldest first; reverse for newest first.
	out := make([]*types.Transaction, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		tx, _, err := cs.getTransactionLocked(ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (cs *ChainStore) getTransactionLocked(id uuid.UUID) (*types.Transaction, uint64, error) {
	raw, err := cs.kv.Get(txKey(id))
	if err != nil {
		return nil, 0, err
	}
	height := binary.BigEndian.Uint64(raw)
	block, err := cs.getBlockByHeightLocked(height)
	if err != nil {
		return nil, 0, err
	}
	for _, tx := range block.Transactions {
		if tx.ID == id {
			return tx, height, nil
		}
	}
	return nil, 0, ErrNotFound
}

// StateRootAt returns the stored state root for a committed height.
func (cs *ChainStore) StateRootAt(height uint64) (crypto.Hash, error) {
	raw, err := cs.kv.Get(rootKey(height))
	if err != nil {
		return crypto.ZeroHash, err
	}
	return crypto.HashFromBytes(raw)
}

// Stats summarizes the committed chain.
type Stats struct {
	Height          uint64
	BlockCount      uint64
	TxCount         uint64
	LatestStateRoot crypto.Hash
}

func (cs *ChainStore) Stats() (Stats, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	root, err := cs.StateRootAt(cs.latest)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Height:          cs.latest,
		BlockCount:      cs.latest + 1,
		TxCount:         cs.txCount,
		LatestStateRoot: root,
	}, nil
}

// stateRootWithOverlay digests the full committed account map with touched
// entries overlaid.
func (cs *ChainStore) stateRootWithOverlay(touched map[common.Address]types.AccountState) (crypto.Hash, error) {
	state := make(map[common.Address]types.AccountState)
	err := cs.kv.Scan([]byte(prefixAcct), func(key, value []byte) error {
		addr := common.BytesToAddress(key[len(prefixAcct):])
		acct, err := decodeAccount(addr, value)
		if err != nil {
			return err
		}
		state[addr] = acct
		return nil
	})
	if err != nil {
		return crypto.ZeroHash, err
	}
	for addr, acct := range touched {
		state[addr] = acct
	}
	return stateRoot(state), nil
}

// stateRoot digests accounts in ascending address order so every replica
// computes the same bytes.
func stateRoot(state map[common.Address]types.AccountState) crypto.Hash {
	addrs := make([]common.Address, 0, len(state))
	for addr := range state {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})

	var buf bytes.Buffer
	for _, addr := range addrs {
		acct := state[addr]
		buf.Write(addr[:])
		buf.Write(be8(acct.Balance))
		buf.Write(be8(acct.Nonce))
	}
	return crypto.Sum(buf.Bytes())
}

func encodeAccount(acct types.AccountState) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], acct.Balance)
	binary.BigEndian.PutUint64(out[8:], acct.Nonce)
	return out
}

func decodeAccount(addr common.Address, raw []byte) (types.AccountState, error) {
	if len(raw) != 16 {
		return types.AccountState{}, fmt.Errorf("account record must be 16 bytes, got %d", len(raw))
	}
	return types.AccountState{
		Address: addr,
		Balance: binary.BigEndian.Uint64(raw[:8]),
		Nonce:   binary.BigEndian.Uint64(raw[8:]),
	}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
