package mempool

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pactbft/pactbft/pkg/types"
	"github.com/pactbft/pactbft/pkg/validation"
)

var (
	ErrMempoolFull            = errors.New("mempool full")
	ErrAlreadyKnown           = errors.New("transaction already in mempool")
	ErrReplacementUnderpriced = errors.New("replacement fee not higher")
)

// Config bounds the pool.
type Config struct {
	MaxSize      int
	MaxPerSender int
}

func DefaultConfig() Config {
	return Config{MaxSize: 10000, MaxPerSender: 100}
}

// Stats is a point-in-time summary, including a histogram of pending fees
// bucketed by powers of ten.
type Stats struct {
	Pending       int
	TotalAdded    uint64
	TotalRemoved  uint64
	TotalRejected uint64
	FeeHistogram  map[uint64]int
}

type poolTx struct {
	tx    *types.Transaction
	index int // heap index, -1 when popped
}

// Mempool holds validated pending transactions under three indices: a
// fee-descending heap (ties: older timestamp, then smaller id bytes), an id
// map, and a per-sender nonce map for gap and replacement detection.
//
// All mutation goes through one mutex; reads return the pooled transaction
// pointers, not copies.
type Mempool struct {
	mu     sync.Mutex
	cfg    Config
	engine *validation.Engine
	chain  validation.ChainView
	log    *zap.SugaredLogger

	byID     map[uuid.UUID]*poolTx
	bySender map[common.Address]map[uint64]*poolTx
	pq       priorityQueue

	added    uint64
	removed  uint64
	rejected uint64
}

func New(cfg Config, engine *validation.Engine, chain validation.ChainView, log *zap.SugaredLogger) *Mempool {
	return &Mempool{
		cfg:      cfg,
		engine:   engine,
		chain:    chain,
		log:      log,
		byID:     make(map[uuid.UUID]*poolTx),
		bySender: make(map[common.Address]map[uint64]*poolTx),
	}
}

// Insert validates and admits a transaction. A transaction for an occupied
// (sender, nonce) slot replaces the incumbent only with a strictly higher fee.
func (m *Mempool) Insert(tx *types.Transaction) error {
	if err := m.engine.ValidateTx(tx, m.chain); err != nil {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[tx.ID]; ok {
		m.rejected++
		return ErrAlreadyKnown
	}

	slots := m.bySender[tx.From]
	if incumbent, ok := slots[tx.Nonce]; ok {
		if tx.Fee <= incumbent.tx.Fee {
			m.rejected++
			return ErrReplacementUnderpriced
		}
		m.drop(incumbent)
	} else if len(slots) >= m.cfg.MaxPerSender {
		m.rejected++
		return fmt.Errorf("%w: sender %s at per-sender cap %d", ErrMempoolFull, tx.From.Hex(), m.cfg.MaxPerSender)
	}

	if len(m.byID) >= m.cfg.MaxSize {
		if !m.evictFor(tx) {
			m.rejected++
			return ErrMempoolFull
		}
	}

	entry := &poolTx{tx: tx}
	m.byID[tx.ID] = entry
	if m.bySender[tx.From] == nil {
		m.bySender[tx.From] = make(map[uint64]*poolTx)
	}
	m.bySender[tx.From][tx.Nonce] = entry
	heap.Push(&m.pq, entry)
	m.added++
	return nil
}

// evictFor frees one slot for newcomer. Preference order: the lowest-fee
// entry that is not its sender's gap-free earliest pending nonce (such
// entries cannot be drained soon anyway); failing that, the globally
// lowest-fee entry, but only if the newcomer pays strictly more.
func (m *Mempool) evictFor(newcomer *types.Transaction) bool {
	var victim *poolTx
	var fallback *poolTx
	for _, entry := range m.byID {
		if fallback == nil || less(entry, fallback) {
			fallback = entry
		}
		if m.isEarliest(entry) {
			continue
		}
		if victim == nil || less(entry, victim) {
			victim = entry
		}
	}
	if victim == nil {
		if fallback == nil || newcomer.Fee <= fallback.tx.Fee {
			return false
		}
		victim = fallback
	}
	m.drop(victim)
	return true
}

// less orders entries by ascending priority (the eviction order).
func less(a, b *poolTx) bool { return higherPriority(b.tx, a.tx) }

// isEarliest reports whether entry is the lowest pending nonce of its sender.
func (m *Mempool) isEarliest(entry *poolTx) bool {
	for nonce := range m.bySender[entry.tx.From] {
		if nonce < entry.tx.Nonce {
			return false
		}
	}
	return true
}

func (m *Mempool) drop(entry *poolTx) {
	delete(m.byID, entry.tx.ID)
	slots := m.bySender[entry.tx.From]
	delete(slots, entry.tx.Nonce)
	if len(slots) == 0 {
		delete(m.bySender, entry.tx.From)
	}
	if entry.index >= 0 {
		heap.Remove(&m.pq, entry.index)
	}
	m.removed++
}

// TakeForBlock drains up to maxCount transactions (and maxBytes canonical
// bytes) in fee order, admitting a transaction only when its nonce continues
// the sender's contiguous run from the committed account nonce. Transactions
// that would open a gap stay pooled. The returned order is the apply order.
func (m *Mempool) TakeForBlock(maxCount, maxBytes int) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[common.Address]uint64)
	var picked []*types.Transaction
	var skipped []*poolTx
	// Entries ahead of their sender's next nonce wait here; picking the
	// sender's next transaction puts them back in the running.
	waiting := make(map[common.Address][]*poolTx)
	bytesUsed := 0

	for m.pq.Len() > 0 && len(picked) < maxCount {
		entry := heap.Pop(&m.pq).(*poolTx)
		tx := entry.tx

		want, ok := next[tx.From]
		if !ok {
			acct, err := m.chain.GetAccount(tx.From)
			if err != nil {
				skipped = append(skipped, entry)
				continue
			}
			want = acct.Nonce
		}
		if tx.Nonce != want {
			waiting[tx.From] = append(waiting[tx.From], entry)
			continue
		}
		size := tx.Size()
		if maxBytes > 0 && bytesUsed+size > maxBytes {
			skipped = append(skipped, entry)
			break
		}
		next[tx.From] = want + 1
		bytesUsed += size
		picked = append(picked, tx)
		skipped = append(skipped, entry)
		for _, w := range waiting[tx.From] {
			heap.Push(&m.pq, w)
		}
		delete(waiting, tx.From)
	}

	// Selection does not remove; commit does. Restore every popped entry.
	for _, entry := range skipped {
		heap.Push(&m.pq, entry)
	}
	for _, entries := range waiting {
		for _, entry := range entries {
			heap.Push(&m.pq, entry)
		}
	}
	return picked
}

// RemoveCommitted drops the block's transactions and any entry made stale by
// the block's nonce advances.
func (m *Mempool) RemoveCommitted(block *types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range block.Transactions {
		if entry, ok := m.byID[tx.ID]; ok {
			m.drop(entry)
		}
		// An equivalent transfer may sit pooled under a different id.
		if entry, ok := m.bySender[tx.From][tx.Nonce]; ok {
			m.drop(entry)
		}
	}

	var stale []*poolTx
	for sender, slots := range m.bySender {
		acct, err := m.chain.GetAccount(sender)
		if err != nil {
			continue
		}
		for nonce, entry := range slots {
			if nonce < acct.Nonce {
				stale = append(stale, entry)
			}
		}
	}
	for _, entry := range stale {
		m.drop(entry)
	}
}

func (m *Mempool) Get(id uuid.UUID) (*types.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return entry.tx, true
}

func (m *Mempool) Contains(id uuid.UUID) bool {
	_, ok := m.Get(id)
	return ok
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Snapshot returns up to limit pending transactions in fee order without
// draining them.
func (m *Mempool) Snapshot(limit int) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Transaction, 0, min(limit, len(m.byID)))
	var popped []*poolTx
	for m.pq.Len() > 0 && len(out) < limit {
		entry := heap.Pop(&m.pq).(*poolTx)
		popped = append(popped, entry)
		out = append(out, entry.tx)
	}
	for _, entry := range popped {
		heap.Push(&m.pq, entry)
	}
	return out
}

func (m *Mempool) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := make(map[uint64]int)
	for _, entry := range m.byID {
		hist[feeBucket(entry.tx.Fee)]++
	}
	return Stats{
		Pending:       len(m.byID),
		TotalAdded:    m.added,
		TotalRemoved:  m.removed,
		TotalRejected: m.rejected,
		FeeHistogram:  hist,
	}
}

// feeBucket rounds a fee down to its power-of-ten bucket floor.
func feeBucket(fee uint64) uint64 {
	bucket := uint64(1)
	for bucket*10 <= fee {
		bucket *= 10
	}
	if fee == 0 {
		return 0
	}
	return bucket
}

// higherPriority orders a before b in the drain order: higher fee, then older
// timestamp, then smaller id bytes.
func higherPriority(a, b *types.Transaction) bool {
	if a.Fee != b.Fee {
		return a.Fee > b.Fee
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

type priorityQueue []*poolTx

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return higherPriority(pq[i].tx, pq[j].tx) }
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	entry := x.(*poolTx)
	entry.index = len(*pq)
	*pq = append(*pq, entry)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*pq = old[:n-1]
	return entry
}
