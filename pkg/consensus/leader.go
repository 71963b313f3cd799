package consensus

import "github.com/pactbft/pactbft/pkg/types"

// LeaderSchedule is the deterministic rotation over the genesis registry:
// leader(view, height) = validators[(height+view) mod n]. Stateless; every
// replica computes the same answer.
type LeaderSchedule struct {
	vals *types.ValidatorSet
}

func NewLeaderSchedule(vals *types.ValidatorSet) *LeaderSchedule {
	return &LeaderSchedule{vals: vals}
}

func (s *LeaderSchedule) Leader(view, height uint64) types.ValidatorID {
	return s.vals.Leader(view, height)
}

func (s *LeaderSchedule) IsLeader(id types.ValidatorID, view, height uint64) bool {
	return s.vals.Leader(view, height) == id
}
