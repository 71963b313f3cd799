package consensus

import (
	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

// Step is the per-height consensus state, modeled as an explicit tagged value
// rather than implied by which fields happen to be set.
type Step int

const (
	StepIdle Step = iota
	StepPrepared
	StepCommitting
	StepCommitted
	StepViewChanging
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepPrepared:
		return "prepared"
	case StepCommitting:
		return "committing"
	case StepCommitted:
		return "committed"
	case StepViewChanging:
		return "view-changing"
	default:
		return "unknown"
	}
}

// lockedBlock is the block this replica prepared and must defend through view
// changes, with the certificate that justified the lock.
type lockedBlock struct {
	block *types.Block
	proof *types.PreparedProof
}

// roundState is all consensus bookkeeping for the current height. It is reset
// on commit; the lock and log survive view changes within the height.
type roundState struct {
	height uint64
	view   uint64
	step   Step

	// proposal accepted for the current view, if any
	proposal *types.Block

	locked *lockedBlock
	log    *messageLog

	// one Prepare and one Commit per (view, height)
	sentPrepare map[uint64]bool
	sentCommit  map[uint64]bool
	// one accepted proposal per view; repeats with a different block are
	// equivocation
	proposalHashes map[uint64]crypto.Hash

	// view-change messages collected per prospective new view
	viewChanges map[uint64]map[types.ValidatorID]*types.ConsensusMessage
	// new-view already processed for these views
	enteredViews map[uint64]bool
}

func newRoundState(height uint64) *roundState {
	return &roundState{
		height:         height,
		step:           StepIdle,
		log:            newMessageLog(height),
		sentPrepare:    make(map[uint64]bool),
		sentCommit:     make(map[uint64]bool),
		proposalHashes: make(map[uint64]crypto.Hash),
		viewChanges:    make(map[uint64]map[types.ValidatorID]*types.ConsensusMessage),
		enteredViews:   make(map[uint64]bool),
	}
}

// addViewChange records one view-change vote, first message per sender wins.
func (r *roundState) addViewChange(msg *types.ConsensusMessage) bool {
	bySender := r.viewChanges[msg.View]
	if bySender == nil {
		bySender = make(map[types.ValidatorID]*types.ConsensusMessage)
		r.viewChanges[msg.View] = bySender
	}
	if _, ok := bySender[msg.Sender]; ok {
		return false
	}
	bySender[msg.Sender] = msg
	return true
}

// highestPrepared returns the prepared proof with the highest view among the
// collected view-change messages for newView, or nil.
func (r *roundState) highestPrepared(newView uint64) *types.PreparedProof {
	var best *types.PreparedProof
	for _, msg := range r.viewChanges[newView] {
		p := msg.LastPrepared
		if p == nil {
			continue
		}
		if best == nil || p.View > best.View {
			best = p
		}
	}
	return best
}
