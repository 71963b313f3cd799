package params

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/store"
	"github.com/pactbft/pactbft/pkg/types"
)

// Genesis is the chain bootstrap document. Everything here is fixed for the
// lifetime of the chain.
type Genesis struct {
	ChainID          string             `json:"chain_id"`
	Validators       []GenesisValidator `json:"validators"`
	Accounts         []GenesisAccount   `json:"accounts"`
	BlockTimeMs      uint64             `json:"block_time_ms"`
	MaxBlockBytes    int                `json:"max_block_bytes"`
	MaxBlockTxs      int                `json:"max_block_txs"`
	MaxTxDataBytes   int                `json:"max_tx_data_bytes"`
	MinFee           uint64             `json:"min_fee"`
	TimestampSkewMs  uint64             `json:"timestamp_skew_ms"`
	MaxTxAgeMs       uint64             `json:"max_tx_age_ms"`
	FeeToProposer    bool               `json:"fee_to_proposer"`
	GenesisTimestamp uint64             `json:"genesis_timestamp"`
}

type GenesisValidator struct {
	ID          string `json:"id"`
	PubKeyHex   string `json:"pub_key"`
	VotingPower uint64 `json:"voting_power"`
}

type GenesisAccount struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// DefaultGenesis is a devnet skeleton with default limits and no validators
// or accounts; callers append those.
func DefaultGenesis() Genesis {
	return Genesis{
		ChainID:         "pact-devnet",
		BlockTimeMs:     500,
		MaxBlockBytes:   1 << 20,
		MaxBlockTxs:     500,
		MaxTxDataBytes:  4096,
		MinFee:          1,
		TimestampSkewMs: 30_000,
		MaxTxAgeMs:      3_600_000,
	}
}

func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if g.ChainID == "" {
		return nil, fmt.Errorf("genesis missing chain_id")
	}
	if len(g.Validators) == 0 {
		return nil, fmt.Errorf("genesis has no validators")
	}
	return &g, nil
}

func (g *Genesis) Save(path string) error {
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// ValidatorSet builds the immutable registry from the genesis document.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	vals := make([]*types.Validator, 0, len(g.Validators))
	for _, gv := range g.Validators {
		pub, err := hex.DecodeString(gv.PubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("validator %q: bad pub key hex: %w", gv.ID, err)
		}
		power := gv.VotingPower
		if power == 0 {
			power = 1
		}
		vals = append(vals, &types.Validator{ID: types.ValidatorID(gv.ID), PubKey: pub, VotingPower: power})
	}
	return types.NewValidatorSet(vals)
}

// InitialAccounts decodes the genesis balances.
func (g *Genesis) InitialAccounts() ([]types.AccountState, error) {
	out := make([]types.AccountState, 0, len(g.Accounts))
	for _, ga := range g.Accounts {
		if !common.IsHexAddress(ga.Address) {
			return nil, fmt.Errorf("genesis account %q: not a hex address", ga.Address)
		}
		out = append(out, types.AccountState{
			Address: common.HexToAddress(ga.Address),
			Balance: ga.Balance,
			Nonce:   ga.Nonce,
		})
	}
	return out, nil
}

// GenesisBlock drafts the height-0 block. The state root is filled in by the
// store when the initial accounts are written.
func (g *Genesis) GenesisBlock() *types.Block {
	ts := g.GenesisTimestamp
	if ts == 0 {
		ts = uint64(time.Unix(0, 0).UnixMilli())
	}
	return &types.Block{
		Header: types.BlockHeader{
			Height:       0,
			PreviousHash: crypto.ZeroHash,
			Timestamp:    ts,
			Proposer:     types.ValidatorID(g.ChainID),
		},
	}
}

// FeeDisposition maps the genesis flag onto the store's enum.
func (g *Genesis) FeeDisposition() store.FeeDisposition {
	if g.FeeToProposer {
		return store.FeeToProposer
	}
	return store.FeeBurn
}
