package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

// fakeChain is a ChainView over fixed accounts.
type fakeChain struct {
	accounts map[common.Address]types.AccountState
	seen     map[uuid.UUID]bool
	root     crypto.Hash
}

func (f *fakeChain) GetAccount(addr common.Address) (types.AccountState, error) {
	if acct, ok := f.accounts[addr]; ok {
		return acct, nil
	}
	return types.AccountState{Address: addr}, nil
}

func (f *fakeChain) GetBlockByHeight(height uint64) (*types.Block, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChain) HasTransaction(id uuid.UUID) (bool, error) { return f.seen[id], nil }

func (f *fakeChain) SimulateApply(block *types.Block) (crypto.Hash, error) { return f.root, nil }

func testLimits() Limits {
	return Limits{
		MaxTxDataBytes: 64,
		MinFee:         1,
		TimestampSkew:  30 * time.Second,
		MaxTxAge:       time.Hour,
		MaxBlockTxs:    10,
		MaxBlockBytes:  1 << 16,
	}
}

func setup(t *testing.T) (*Engine, *fakeChain, []*crypto.PrivateKey, *types.ValidatorSet) {
	t.Helper()
	keys := make([]*crypto.PrivateKey, 4)
	vals := make([]*types.Validator, 4)
	for i := range keys {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys[i] = key
		vals[i] = &types.Validator{ID: types.ValidatorID([]byte{byte('a' + i)}), PubKey: key.PublicKey()}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	chain := &fakeChain{
		accounts: make(map[common.Address]types.AccountState),
		seen:     make(map[uuid.UUID]bool),
	}
	return NewEngine(testLimits(), vs), chain, keys, vs
}

func signedTx(t *testing.T, key *crypto.PrivateKey, amount, fee, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(key.Address(), common.HexToAddress("0xbb"), amount, fee, nonce, nil)
	if err := tx.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tx
}

func TestValidateTxRejections(t *testing.T) {
	engine, chain, keys, _ := setup(t)
	sender := keys[0]
	chain.accounts[sender.Address()] = types.AccountState{Address: sender.Address(), Balance: 1000, Nonce: 5}

	tests := []struct {
		name    string
		mutate  func(tx *types.Transaction)
		wantErr error
	}{
		{"valid", func(tx *types.Transaction) {}, nil},
		{"zero to-address", func(tx *types.Transaction) {
			tx.To = common.Address{}
			tx.Sign(sender)
		}, ErrBadFormat},
		{"self transfer", func(tx *types.Transaction) {
			tx.To = sender.Address()
			tx.Sign(sender)
		}, ErrBadFormat},
		{"amount+fee overflow", func(tx *types.Transaction) {
			tx.Amount = ^uint64(0)
			tx.Fee = 2
			tx.Sign(sender)
		}, ErrBadFormat},
		{"oversized payload", func(tx *types.Transaction) {
			tx.Data = make([]byte, 65)
			tx.Sign(sender)
		}, ErrBadFormat},
		{"fee too low", func(tx *types.Transaction) {
			tx.Fee = 0
			tx.Sign(sender)
		}, ErrFeeTooLow},
		{"future timestamp", func(tx *types.Transaction) {
			tx.Timestamp += 120_000
			tx.Sign(sender)
		}, ErrBadFormat},
		{"expired", func(tx *types.Transaction) {
			tx.Timestamp -= 7_200_000
			tx.Sign(sender)
		}, ErrExpired},
		{"tampered signature", func(tx *types.Transaction) {
			tx.Amount++
		}, ErrBadSignature},
		{"stale nonce", func(tx *types.Transaction) {
			tx.Nonce = 4
			tx.Sign(sender)
		}, ErrBadNonce},
		{"insufficient balance", func(tx *types.Transaction) {
			tx.Amount = 991
			tx.Sign(sender)
		}, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := signedTx(t, sender, 100, 10, 5)
			tt.mutate(tx)
			err := engine.ValidateTx(tx, chain)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("want ok, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateTxAcceptsNonceGap(t *testing.T) {
	engine, chain, keys, _ := setup(t)
	sender := keys[0]
	chain.accounts[sender.Address()] = types.AccountState{Address: sender.Address(), Balance: 1000, Nonce: 5}

	// Mempool admission allows nonce = account nonce + k for k >= 0.
	tx := signedTx(t, sender, 100, 10, 9)
	if err := engine.ValidateTx(tx, chain); err != nil {
		t.Errorf("gapped nonce should be accepted for the mempool: %v", err)
	}
}

func TestValidateTxDuplicateID(t *testing.T) {
	engine, chain, keys, _ := setup(t)
	sender := keys[0]
	chain.accounts[sender.Address()] = types.AccountState{Address: sender.Address(), Balance: 1000, Nonce: 0}

	tx := signedTx(t, sender, 100, 10, 0)
	chain.seen[tx.ID] = true
	if err := engine.ValidateTx(tx, chain); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("want ErrDuplicateID, got %v", err)
	}
}

func buildBlock(t *testing.T, parent *types.Block, proposer types.ValidatorID, txs []*types.Transaction, root crypto.Hash) *types.Block {
	t.Helper()
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       parent.Header.Height + 1,
			PreviousHash: parent.Hash(),
			StateRoot:    root,
			Timestamp:    uint64(time.Now().UnixMilli()),
			Proposer:     proposer,
		},
		Transactions: txs,
	}
	block.Header.TxRoot = types.MerkleRoot(block.TxHashes())
	return block
}

func TestValidateBlock(t *testing.T) {
	engine, chain, keys, vs := setup(t)
	sender := keys[0]
	chain.accounts[sender.Address()] = types.AccountState{Address: sender.Address(), Balance: 1000, Nonce: 0}
	chain.root = crypto.Sum([]byte("post-state"))

	parent := &types.Block{Header: types.BlockHeader{Height: 0, Timestamp: 1}}
	proposer := vs.Leader(0, 1)

	tx := signedTx(t, sender, 100, 10, 0)
	good := buildBlock(t, parent, proposer, []*types.Transaction{tx}, chain.root)
	if err := engine.ValidateBlock(good, parent, proposer, chain); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}

	t.Run("wrong height", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, nil, chain.root)
		b.Header.Height = 7
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadHeight) {
			t.Errorf("want ErrBadHeight, got %v", err)
		}
	})

	t.Run("wrong previous hash", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, nil, chain.root)
		b.Header.PreviousHash = crypto.Sum([]byte("elsewhere"))
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadPreviousHash) {
			t.Errorf("want ErrBadPreviousHash, got %v", err)
		}
	})

	t.Run("wrong proposer", func(t *testing.T) {
		b := buildBlock(t, parent, "z", nil, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadProposer) {
			t.Errorf("want ErrBadProposer, got %v", err)
		}
	})

	t.Run("wrong tx root", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, []*types.Transaction{tx}, chain.root)
		b.Header.TxRoot = crypto.ZeroHash
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadTxRoot) {
			t.Errorf("want ErrBadTxRoot, got %v", err)
		}
	})

	t.Run("wrong state root", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, []*types.Transaction{tx}, crypto.Sum([]byte("wrong")))
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadStateRoot) {
			t.Errorf("want ErrBadStateRoot, got %v", err)
		}
	})

	t.Run("duplicate tx in block", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, []*types.Transaction{tx, tx}, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("want ErrDuplicateID, got %v", err)
		}
	})

	t.Run("nonce gap inside block", func(t *testing.T) {
		gapped := signedTx(t, sender, 100, 10, 2)
		b := buildBlock(t, parent, proposer, []*types.Transaction{gapped}, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBadNonce) {
			t.Errorf("want ErrBadNonce, got %v", err)
		}
	})

	t.Run("balance exhausted across txs", func(t *testing.T) {
		tx0 := signedTx(t, sender, 900, 10, 0)
		tx1 := signedTx(t, sender, 900, 10, 1)
		b := buildBlock(t, parent, proposer, []*types.Transaction{tx0, tx1}, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrInsufficientBalance) {
			t.Errorf("want ErrInsufficientBalance, got %v", err)
		}
	})

	t.Run("too many transactions", func(t *testing.T) {
		var txs []*types.Transaction
		for i := uint64(0); i < 11; i++ {
			txs = append(txs, signedTx(t, sender, 1, 1, i))
		}
		b := buildBlock(t, parent, proposer, txs, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); !errors.Is(err, ErrBlockTooLarge) {
			t.Errorf("want ErrBlockTooLarge, got %v", err)
		}
	})

	t.Run("empty block is valid", func(t *testing.T) {
		b := buildBlock(t, parent, proposer, nil, chain.root)
		if err := engine.ValidateBlock(b, parent, proposer, chain); err != nil {
			t.Errorf("empty block should validate: %v", err)
		}
	})
}

func TestValidateVote(t *testing.T) {
	engine, _, keys, vs := setup(t)
	ids := vs.IDs()

	vote := types.NewVoteMsg(types.MsgPrepare, 0, 1, crypto.Sum([]byte("b")), ids[0])
	vote.Sign(keys[0])
	if err := engine.ValidateVote(vote); err != nil {
		t.Errorf("valid vote rejected: %v", err)
	}

	outsider, _ := crypto.GenerateKey()
	foreign := types.NewVoteMsg(types.MsgPrepare, 0, 1, crypto.Sum([]byte("b")), "stranger")
	foreign.Sign(outsider)
	if err := engine.ValidateVote(foreign); !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("want ErrUnknownValidator, got %v", err)
	}

	vote.View = 9
	if err := engine.ValidateVote(vote); !errors.Is(err, ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}
