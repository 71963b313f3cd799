package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
	"github.com/pactbft/pactbft/pkg/validation"
)

type fakeChain struct {
	accounts map[common.Address]types.AccountState
}

func (f *fakeChain) GetAccount(addr common.Address) (types.AccountState, error) {
	if acct, ok := f.accounts[addr]; ok {
		return acct, nil
	}
	return types.AccountState{Address: addr}, nil
}

func (f *fakeChain) GetBlockByHeight(uint64) (*types.Block, error) { return nil, errors.New("no") }

func (f *fakeChain) HasTransaction(uuid.UUID) (bool, error) { return false, nil }

func (f *fakeChain) SimulateApply(*types.Block) (crypto.Hash, error) { return crypto.ZeroHash, nil }

type fixture struct {
	pool  *Mempool
	chain *fakeChain
	keyA  *crypto.PrivateKey
	keyB  *crypto.PrivateKey
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	val, _ := crypto.GenerateKey()
	vs, err := types.NewValidatorSet([]*types.Validator{{ID: "v", PubKey: val.PublicKey()}})
	if err != nil {
		t.Fatal(err)
	}
	chain := &fakeChain{accounts: map[common.Address]types.AccountState{
		keyA.Address(): {Address: keyA.Address(), Balance: 1_000_000, Nonce: 0},
		keyB.Address(): {Address: keyB.Address(), Balance: 1_000_000, Nonce: 0},
	}}
	engine := validation.NewEngine(validation.Limits{
		MaxTxDataBytes: 1024,
		MinFee:         1,
		TimestampSkew:  30 * time.Second,
		MaxTxAge:       time.Hour,
		MaxBlockTxs:    100,
		MaxBlockBytes:  1 << 20,
	}, vs)
	return &fixture{
		pool:  New(cfg, engine, chain, zap.NewNop().Sugar()),
		chain: chain,
		keyA:  keyA,
		keyB:  keyB,
	}
}

func (f *fixture) tx(t *testing.T, key *crypto.PrivateKey, nonce, fee uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(key.Address(), common.HexToAddress("0xdd"), 100, fee, nonce, nil)
	if err := tx.Sign(key); err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestInsertAndLookup(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tx := f.tx(t, f.keyA, 0, 10)

	if err := f.pool.Insert(tx); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if f.pool.Size() != 1 {
		t.Errorf("size = %d, want 1", f.pool.Size())
	}
	got, ok := f.pool.Get(tx.ID)
	if !ok || got.ID != tx.ID {
		t.Error("inserted transaction should be retrievable")
	}

	if err := f.pool.Insert(tx); !errors.Is(err, ErrAlreadyKnown) {
		t.Errorf("duplicate insert: want ErrAlreadyKnown, got %v", err)
	}
}

func TestInsertRejectsInvalid(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tx := f.tx(t, f.keyA, 0, 10)
	tx.Amount++ // break signature
	if err := f.pool.Insert(tx); err == nil {
		t.Error("invalid transaction should be rejected")
	}
	if f.pool.Stats().TotalRejected != 1 {
		t.Error("rejection should be counted")
	}
}

func TestReplaceByFee(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	low := f.tx(t, f.keyA, 0, 10)
	equal := f.tx(t, f.keyA, 0, 10)
	high := f.tx(t, f.keyA, 0, 20)

	if err := f.pool.Insert(low); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Insert(equal); !errors.Is(err, ErrReplacementUnderpriced) {
		t.Errorf("same-fee replacement: want ErrReplacementUnderpriced, got %v", err)
	}
	if err := f.pool.Insert(high); err != nil {
		t.Fatalf("higher-fee replacement should succeed: %v", err)
	}
	if f.pool.Size() != 1 {
		t.Errorf("size = %d, want 1 after replacement", f.pool.Size())
	}
	if _, ok := f.pool.Get(low.ID); ok {
		t.Error("replaced transaction should be gone")
	}
	if _, ok := f.pool.Get(high.ID); !ok {
		t.Error("replacement should be present")
	}
}

// Scenario: A has nonces 0 (fee 5) and 1 (fee 50); B has nonce 0 (fee 20).
// A two-slot block takes B's tx then A's nonce 0: A's nonce 1 cannot go in
// before its predecessor, whatever its fee.
func TestTakeForBlockContiguousNonceRule(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a0 := f.tx(t, f.keyA, 0, 5)
	a1 := f.tx(t, f.keyA, 1, 50)
	b0 := f.tx(t, f.keyB, 0, 20)
	for _, tx := range []*types.Transaction{a0, a1, b0} {
		if err := f.pool.Insert(tx); err != nil {
			t.Fatal(err)
		}
	}

	batch := f.pool.TakeForBlock(2, 1<<20)
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].ID != b0.ID {
		t.Errorf("first pick = %s, want B nonce 0", batch[0].ID)
	}
	if batch[1].ID != a0.ID {
		t.Errorf("second pick = %s, want A nonce 0", batch[1].ID)
	}

	// Selection must not drain the pool.
	if f.pool.Size() != 3 {
		t.Errorf("size = %d, want 3 after selection", f.pool.Size())
	}

	// With room for three, A's nonce 1 becomes eligible after A's nonce 0.
	batch = f.pool.TakeForBlock(3, 1<<20)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[2].ID != a1.ID {
		t.Errorf("third pick = %s, want A nonce 1", batch[2].ID)
	}
}

func TestTakeForBlockFeeOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cheap := f.tx(t, f.keyA, 0, 2)
	rich := f.tx(t, f.keyB, 0, 90)
	if err := f.pool.Insert(cheap); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Insert(rich); err != nil {
		t.Fatal(err)
	}

	batch := f.pool.TakeForBlock(10, 1<<20)
	if len(batch) != 2 || batch[0].ID != rich.ID {
		t.Error("highest fee should drain first")
	}
}

func TestTakeForBlockRespectsByteLimit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	tx := f.tx(t, f.keyA, 0, 10)
	if err := f.pool.Insert(tx); err != nil {
		t.Fatal(err)
	}
	if batch := f.pool.TakeForBlock(10, 1); len(batch) != 0 {
		t.Errorf("batch = %d txs, want 0 under a 1-byte limit", len(batch))
	}
}

func TestRemoveCommitted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a0 := f.tx(t, f.keyA, 0, 10)
	a1 := f.tx(t, f.keyA, 1, 10)
	b0 := f.tx(t, f.keyB, 0, 10)
	for _, tx := range []*types.Transaction{a0, a1, b0} {
		if err := f.pool.Insert(tx); err != nil {
			t.Fatal(err)
		}
	}

	// Block commits a0; A's account nonce advances to 1.
	block := &types.Block{Transactions: []*types.Transaction{a0}}
	f.chain.accounts[f.keyA.Address()] = types.AccountState{
		Address: f.keyA.Address(), Balance: 999_890, Nonce: 1,
	}
	f.pool.RemoveCommitted(block)

	if _, ok := f.pool.Get(a0.ID); ok {
		t.Error("committed tx should be removed")
	}
	if _, ok := f.pool.Get(a1.ID); !ok {
		t.Error("a1 is still pending and should remain")
	}
	if _, ok := f.pool.Get(b0.ID); !ok {
		t.Error("b0 is untouched and should remain")
	}

	// A block elsewhere advanced A to nonce 2: a1 is now stale.
	f.chain.accounts[f.keyA.Address()] = types.AccountState{
		Address: f.keyA.Address(), Balance: 999_780, Nonce: 2,
	}
	f.pool.RemoveCommitted(&types.Block{})
	if _, ok := f.pool.Get(a1.ID); ok {
		t.Error("stale-nonce tx should be removed")
	}
}

func TestCapacityEviction(t *testing.T) {
	f := newFixture(t, Config{MaxSize: 2, MaxPerSender: 10})
	a0 := f.tx(t, f.keyA, 0, 10)
	a1 := f.tx(t, f.keyA, 1, 5) // not gap-free earliest once a0 is in
	if err := f.pool.Insert(a0); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Insert(a1); err != nil {
		t.Fatal(err)
	}

	b0 := f.tx(t, f.keyB, 0, 50)
	if err := f.pool.Insert(b0); err != nil {
		t.Fatalf("insert at capacity should evict: %v", err)
	}
	if f.pool.Size() != 2 {
		t.Errorf("size = %d, want 2", f.pool.Size())
	}
	if _, ok := f.pool.Get(a1.ID); ok {
		t.Error("the non-earliest entry should have been evicted")
	}
	if _, ok := f.pool.Get(b0.ID); !ok {
		t.Error("newcomer should be present")
	}
}

func TestPerSenderCap(t *testing.T) {
	f := newFixture(t, Config{MaxSize: 100, MaxPerSender: 2})
	for nonce := uint64(0); nonce < 2; nonce++ {
		if err := f.pool.Insert(f.tx(t, f.keyA, nonce, 10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.pool.Insert(f.tx(t, f.keyA, 2, 10)); !errors.Is(err, ErrMempoolFull) {
		t.Errorf("want ErrMempoolFull at per-sender cap, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.pool.Insert(f.tx(t, f.keyA, 0, 7)); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Insert(f.tx(t, f.keyB, 0, 42)); err != nil {
		t.Fatal(err)
	}

	stats := f.pool.Stats()
	if stats.Pending != 2 || stats.TotalAdded != 2 {
		t.Errorf("stats = %+v, want 2 pending, 2 added", stats)
	}
	if stats.FeeHistogram[1] != 1 || stats.FeeHistogram[10] != 1 {
		t.Errorf("fee histogram = %v, want one tx in bucket 1 and one in bucket 10", stats.FeeHistogram)
	}
}

func TestSnapshotDoesNotDrain(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.pool.Insert(f.tx(t, f.keyA, 0, 7)); err != nil {
		t.Fatal(err)
	}
	snap := f.pool.Snapshot(10)
	if len(snap) != 1 {
		t.Fatalf("snapshot = %d, want 1", len(snap))
	}
	if f.pool.Size() != 1 {
		t.Error("snapshot must not remove entries")
	}
}
