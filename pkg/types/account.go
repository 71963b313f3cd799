package types

import "github.com/ethereum/go-ethereum/common"

// AccountState is the value-transfer state of a single address.
type AccountState struct {
	Address common.Address
	Balance uint64
	Nonce   uint64
}
