package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pactbft/pactbft/pkg/crypto"
)

// ValidatorID names a validator on the wire and in the leader schedule.
type ValidatorID string

// Validator is one entry of the genesis validator registry.
type Validator struct {
	ID          ValidatorID
	PubKey      []byte
	VotingPower uint64
}

func (v *Validator) Address() common.Address { return crypto.AddressFromPubKey(v.PubKey) }

// ValidatorSet is the ordered, genesis-fixed registry. It is immutable after
// construction and safe to share across tasks without synchronization.
type ValidatorSet struct {
	validators []*Validator
	byID       map[ValidatorID]*Validator
}

func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("validator set must not be empty")
	}
	byID := make(map[ValidatorID]*Validator, len(validators))
	for _, v := range validators {
		if _, dup := byID[v.ID]; dup {
			return nil, fmt.Errorf("duplicate validator id %q", v.ID)
		}
		if len(v.PubKey) != crypto.PublicKeySize {
			return nil, fmt.Errorf("validator %q: public key must be %d bytes", v.ID, crypto.PublicKeySize)
		}
		byID[v.ID] = v
	}
	return &ValidatorSet{validators: validators, byID: byID}, nil
}

func (vs *ValidatorSet) Size() int { return len(vs.validators) }

// F is the tolerated Byzantine count, (n-1)/3.
func (vs *ValidatorSet) F() int { return (len(vs.validators) - 1) / 3 }

// Quorum is 2f+1, the signature count certifying any phase.
func (vs *ValidatorSet) Quorum() int { return 2*vs.F() + 1 }

func (vs *ValidatorSet) Contains(id ValidatorID) bool {
	_, ok := vs.byID[id]
	return ok
}

func (vs *ValidatorSet) Get(id ValidatorID) (*Validator, bool) {
	v, ok := vs.byID[id]
	return v, ok
}

func (vs *ValidatorSet) PubKeyOf(id ValidatorID) ([]byte, bool) {
	v, ok := vs.byID[id]
	if !ok {
		return nil, false
	}
	return v.PubKey, true
}

// Leader is the deterministic schedule: validators[(height+view) mod n].
// Every replica computes the same leader for the same (view, height).
func (vs *ValidatorSet) Leader(view, height uint64) ValidatorID {
	idx := (height + view) % uint64(len(vs.validators))
	return vs.validators[idx].ID
}

// IDs returns the registry order, for status surfaces.
func (vs *ValidatorSet) IDs() []ValidatorID {
	out := make([]ValidatorID, len(vs.validators))
	for i, v := range vs.validators {
		out[i] = v.ID
	}
	return out
}
