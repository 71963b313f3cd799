package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/mempool"
	"github.com/pactbft/pactbft/pkg/metrics"
	"github.com/pactbft/pactbft/pkg/store"
	"github.com/pactbft/pactbft/pkg/types"
	"github.com/pactbft/pactbft/pkg/util"
	"github.com/pactbft/pactbft/pkg/validation"
)

// Transport is the outbound surface the driver needs. Send failures are
// non-fatal: the next state transition re-broadcasts, and gossip delivers
// eventually.
type Transport interface {
	BroadcastConsensus(msg *types.ConsensusMessage) error
	BroadcastBlock(block *types.Block) error
	// RequestBlocks asks peers to re-gossip the certified blocks in
	// [fromHeight, toHeight]; used by lagging replicas to fill gaps.
	RequestBlocks(fromHeight, toHeight uint64) error
	PeerCount() int
}

// CommitEvent is the best-effort fanout emitted after a block lands.
type CommitEvent struct {
	Height    uint64
	Hash      crypto.Hash
	TxCount   int
	StateRoot crypto.Hash
}

// NodeStatus is the driver's health surface for the RPC layer.
type NodeStatus struct {
	Height      uint64
	View        uint64
	Step        string
	IsLeader    bool
	PeerCount   int
	MempoolSize int
	Syncing     bool
}

// Config fixes the driver's protocol parameters.
type Config struct {
	TimeoutBase   time.Duration // view timer at view 0
	TimeoutMax    time.Duration // cap on the exponential growth
	BlockInterval time.Duration // leader's pause before drafting a proposal
	FutureWindow  uint64        // heights of messages/blocks buffered ahead
	MaxBlockTxs   int
	MaxBlockBytes int
	QueueSize     int
}

func DefaultConfig() Config {
	return Config{
		TimeoutBase:   2 * time.Second,
		TimeoutMax:    2 * time.Minute,
		BlockInterval: 500 * time.Millisecond,
		FutureWindow:  8,
		MaxBlockTxs:   500,
		MaxBlockBytes: 1 << 20,
		QueueSize:     1024,
	}
}

type event struct {
	msg   *types.ConsensusMessage
	block *types.Block
}

// Driver owns all consensus state and processes one event at a time: inbound
// validated messages, its own votes, and timer expirations. State transitions
// are atomic by construction.
type Driver struct {
	cfg    Config
	self   types.ValidatorID
	key    *crypto.PrivateKey
	vals   *types.ValidatorSet
	sched  *LeaderSchedule
	engine *validation.Engine
	pool   *mempool.Mempool
	chain  *store.ChainStore
	net    Transport
	clock  util.Clock
	log    *zap.SugaredLogger
	meter  *metrics.Set

	peerCh     chan event
	internalCh chan event
	timers     timerQueue

	round       *roundState
	futureMsgs  map[uint64][]*types.ConsensusMessage
	futureBlock map[uint64]*types.Block

	commitSubs []chan CommitEvent
	statusCh   chan chan NodeStatus
}

func NewDriver(
	cfg Config,
	self types.ValidatorID,
	key *crypto.PrivateKey,
	vals *types.ValidatorSet,
	engine *validation.Engine,
	pool *mempool.Mempool,
	chain *store.ChainStore,
	net Transport,
	clock util.Clock,
	log *zap.SugaredLogger,
	meter *metrics.Set,
) *Driver {
	return &Driver{
		cfg:         cfg,
		self:        self,
		key:         key,
		vals:        vals,
		sched:       NewLeaderSchedule(vals),
		engine:      engine,
		pool:        pool,
		chain:       chain,
		net:         net,
		clock:       clock,
		log:         log,
		meter:       meter,
		peerCh:      make(chan event, cfg.QueueSize),
		internalCh:  make(chan event, cfg.QueueSize),
		futureMsgs:  make(map[uint64][]*types.ConsensusMessage),
		futureBlock: make(map[uint64]*types.Block),
		statusCh:    make(chan chan NodeStatus),
	}
}

// SubmitMessage enqueues a peer consensus message. Signature and registry
// checks run here, on the transport's goroutine, keeping the loop hot path
// free of crypto. A full queue drops the message; the protocol re-broadcasts.
func (d *Driver) SubmitMessage(msg *types.ConsensusMessage) error {
	if err := d.engine.ValidateVote(msg); err != nil {
		d.meter.MsgRejected.Inc(1)
		return err
	}
	select {
	case d.peerCh <- event{msg: msg}:
		return nil
	default:
		d.meter.MsgDropped.Inc(1)
		return fmt.Errorf("inbound queue full, dropped %s", msg)
	}
}

// SubmitBlock enqueues a gossiped certified block for catch-up.
func (d *Driver) SubmitBlock(block *types.Block) error {
	select {
	case d.peerCh <- event{block: block}:
		return nil
	default:
		d.meter.MsgDropped.Inc(1)
		return fmt.Errorf("inbound queue full, dropped block %d", block.Header.Height)
	}
}

// SubscribeCommits registers a best-effort commit feed. Slow consumers miss
// events rather than stall the driver.
func (d *Driver) SubscribeCommits(buffer int) <-chan CommitEvent {
	ch := make(chan CommitEvent, buffer)
	d.commitSubs = append(d.commitSubs, ch)
	return ch
}

// Status asks the loop for a consistent snapshot.
func (d *Driver) Status(ctx context.Context) (NodeStatus, error) {
	reply := make(chan NodeStatus, 1)
	select {
	case d.statusCh <- reply:
	case <-ctx.Done():
		return NodeStatus{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return NodeStatus{}, ctx.Err()
	}
}

// Run is the event loop. It returns on context cancellation, or with an
// error on a fatal safety fault.
func (d *Driver) Run(ctx context.Context) error {
	d.enterHeight(d.chain.LatestHeight() + 1)

	for {
		var timerC <-chan time.Time
		if next, ok := d.timers.peek(); ok {
			wait := next.at.Sub(d.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timerC = d.clock.After(wait)
		}

		// Internal events (own votes) drain ahead of peer traffic.
		select {
		case ev := <-d.internalCh:
			if err := d.dispatch(ev); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.internalCh:
			if err := d.dispatch(ev); err != nil {
				return err
			}
		case ev := <-d.peerCh:
			if err := d.dispatch(ev); err != nil {
				return err
			}
		case reply := <-d.statusCh:
			reply <- d.status()
		case <-timerC:
			entry, ok := d.timers.pop()
			if !ok {
				continue
			}
			if err := d.handleTimer(entry); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) status() NodeStatus {
	return NodeStatus{
		Height:      d.round.height,
		View:        d.round.view,
		Step:        d.round.step.String(),
		IsLeader:    d.sched.IsLeader(d.self, d.round.view, d.round.height),
		PeerCount:   d.net.PeerCount(),
		MempoolSize: d.pool.Size(),
		Syncing:     len(d.futureBlock) > 0,
	}
}

func (d *Driver) dispatch(ev event) error {
	if ev.block != nil {
		return d.handleCertifiedBlock(ev.block)
	}
	if ev.msg != nil {
		return d.handleMessage(ev.msg)
	}
	return nil
}

// ---- height lifecycle ----

func (d *Driver) enterHeight(height uint64) {
	d.round = newRoundState(height)
	d.scheduleViewTimer(0)
	if d.sched.IsLeader(d.self, 0, height) {
		d.timers.schedule(timerEntry{
			at: d.clock.Now().Add(d.cfg.BlockInterval), kind: timerPropose, height: height, view: 0,
		})
	}
	// Replay anything buffered for this height.
	if msgs := d.futureMsgs[height]; len(msgs) > 0 {
		delete(d.futureMsgs, height)
		for _, msg := range msgs {
			select {
			case d.internalCh <- event{msg: msg}:
			default:
			}
		}
	}
	if block, ok := d.futureBlock[height]; ok {
		delete(d.futureBlock, height)
		select {
		case d.internalCh <- event{block: block}:
		default:
		}
	}
	// Entries for committed heights are dead; drop them.
	for h := range d.futureMsgs {
		if h < height {
			delete(d.futureMsgs, h)
		}
	}
	for h := range d.futureBlock {
		if h < height {
			delete(d.futureBlock, h)
		}
	}
}

func (d *Driver) scheduleViewTimer(view uint64) {
	timeout := d.cfg.TimeoutBase
	for v := uint64(0); v < view; v++ {
		timeout *= 2
		if timeout >= d.cfg.TimeoutMax {
			timeout = d.cfg.TimeoutMax
			break
		}
	}
	d.timers.schedule(timerEntry{
		at: d.clock.Now().Add(timeout), kind: timerView, height: d.round.height, view: view,
	})
}

func (d *Driver) handleTimer(entry timerEntry) error {
	// Stale deadline: the height committed or the view moved on.
	if entry.height != d.round.height || entry.view != d.round.view {
		return nil
	}
	switch entry.kind {
	case timerPropose:
		return d.propose(entry.view)
	case timerView:
		d.startViewChange()
	}
	return nil
}

// ---- proposing ----

func (d *Driver) propose(view uint64) error {
	r := d.round
	if !d.sched.IsLeader(d.self, view, r.height) {
		return nil
	}
	if _, already := r.proposalHashes[view]; already {
		return nil
	}
	block, err := d.draftBlock()
	if err != nil {
		d.log.Errorw("draft_failed", "height", r.height, "err", err)
		return nil
	}
	msg := types.NewProposeMsg(view, r.height, block, d.self)
	msg.Sign(d.key)
	if err := d.net.BroadcastConsensus(msg); err != nil {
		d.log.Warnw("broadcast_propose_failed", "err", err)
	}
	d.log.Infow("proposed", "height", r.height, "view", view, "txs", len(block.Transactions), "hash", block.Hash().Short())
	return d.handlePropose(msg, d.self)
}

// draftBlock drains the mempool into a fresh proposal atop the latest commit.
// Empty blocks are legal; they keep the chain live.
func (d *Driver) draftBlock() (*types.Block, error) {
	parent, err := d.chain.LatestBlock()
	if err != nil {
		return nil, err
	}
	txs := d.pool.TakeForBlock(d.cfg.MaxBlockTxs, d.cfg.MaxBlockBytes)

	ts := uint64(d.clock.Now().UnixMilli())
	if ts <= parent.Header.Timestamp {
		ts = parent.Header.Timestamp + 1
	}
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       d.round.height,
			PreviousHash: parent.Hash(),
			Timestamp:    ts,
			Proposer:     d.self,
		},
		Transactions: txs,
	}
	block.Header.TxRoot = types.MerkleRoot(block.TxHashes())
	root, err := d.chain.SimulateApply(block)
	if err != nil {
		return nil, fmt.Errorf("simulate draft: %w", err)
	}
	block.Header.StateRoot = root
	return block, nil
}

// ---- message handling ----

func (d *Driver) handleMessage(msg *types.ConsensusMessage) error {
	r := d.round
	switch {
	case msg.Height < r.height:
		return nil // already committed; silently dropped
	case msg.Height > r.height:
		if msg.Height-r.height <= d.cfg.FutureWindow {
			d.futureMsgs[msg.Height] = append(d.futureMsgs[msg.Height], msg)
		}
		return nil
	}

	switch msg.Kind {
	case types.MsgPropose:
		if msg.View != r.view {
			return nil
		}
		expected := d.sched.Leader(r.view, r.height)
		if msg.Sender != expected {
			d.log.Warnw("propose_from_non_leader", "sender", msg.Sender, "expected", expected, "view", r.view)
			d.meter.MsgRejected.Inc(1)
			return nil
		}
		return d.handlePropose(msg, expected)
	case types.MsgPrepare, types.MsgCommit:
		return d.handleVote(msg)
	case types.MsgViewChange:
		return d.handleViewChange(msg)
	case types.MsgNewView:
		return d.handleNewView(msg)
	}
	return nil
}

// handlePropose runs the replica side of §propose: accept one proposal per
// view from the expected leader, validate, lock-check, vote Prepare.
// expectedProposer is the leader of the view the block was drafted in, which
// differs from the current leader for blocks re-proposed via NewView.
func (d *Driver) handlePropose(msg *types.ConsensusMessage, expectedProposer types.ValidatorID) error {
	r := d.round
	block := msg.Block
	if block == nil {
		return nil
	}
	hash := block.Hash()

	if prev, ok := r.proposalHashes[msg.View]; ok {
		if prev != hash {
			d.log.Warnw("proposal_equivocation", "sender", msg.Sender, "view", msg.View, "first", prev.Short(), "second", hash.Short())
			d.meter.Equivocations.Inc(1)
		}
		return nil
	}

	parent, err := d.chain.GetBlockByHeight(r.height - 1)
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}
	if err := d.engine.ValidateBlock(block, parent, expectedProposer, d.chain); err != nil {
		d.log.Warnw("proposal_invalid", "height", r.height, "view", msg.View, "sender", msg.Sender, "err", err)
		d.meter.MsgRejected.Inc(1)
		return nil
	}

	// Lock rule: a replica that prepared B' in an earlier view rejects any
	// other block unless a NewView justified it (the justified path clears
	// the lock before re-delivering the proposal).
	if r.locked != nil && r.locked.block.Hash() != hash {
		d.log.Warnw("proposal_conflicts_with_lock", "locked", r.locked.block.Hash().Short(), "proposed", hash.Short())
		return nil
	}

	r.proposalHashes[msg.View] = hash
	r.proposal = block
	return d.sendVote(types.MsgPrepare, msg.View, hash)
}

func (d *Driver) sendVote(kind types.MsgKind, view uint64, hash crypto.Hash) error {
	r := d.round
	sent := r.sentPrepare
	if kind == types.MsgCommit {
		sent = r.sentCommit
	}
	if sent[view] {
		return nil
	}
	sent[view] = true

	vote := types.NewVoteMsg(kind, view, r.height, hash, d.self)
	vote.Sign(d.key)
	if err := d.net.BroadcastConsensus(vote); err != nil {
		d.log.Warnw("broadcast_vote_failed", "kind", kind.String(), "err", err)
	}
	// Self-deliver: a replica counts its own vote toward the quorum.
	return d.handleVote(vote)
}

func (d *Driver) handleVote(msg *types.ConsensusMessage) error {
	r := d.round
	counted, equivocated := r.log.add(msg)
	if equivocated {
		d.log.Warnw("vote_equivocation", "sender", msg.Sender, "kind", msg.Kind.String(), "view", msg.View, "height", msg.Height)
		d.meter.Equivocations.Inc(1)
		return nil
	}
	if !counted {
		return nil
	}

	q := d.vals.Quorum()
	switch msg.Kind {
	case types.MsgPrepare:
		if r.log.count(types.MsgPrepare, msg.View, msg.BlockHash) < q {
			return nil
		}
		if r.proposal == nil || r.proposal.Hash() != msg.BlockHash {
			return nil
		}
		if r.sentCommit[msg.View] {
			return nil
		}
		cert := r.log.certificate(types.MsgPrepare, msg.View, msg.BlockHash)
		if r.locked == nil || msg.View >= r.locked.proof.View {
			r.locked = &lockedBlock{
				block: r.proposal,
				proof: &types.PreparedProof{
					BlockHash: msg.BlockHash,
					View:      msg.View,
					Cert:      cert,
					Block:     r.proposal,
				},
			}
		}
		r.step = StepCommitting
		d.log.Infow("prepared", "height", r.height, "view", msg.View, "hash", msg.BlockHash.Short())
		return d.sendVote(types.MsgCommit, msg.View, msg.BlockHash)

	case types.MsgCommit:
		if r.log.count(types.MsgCommit, msg.View, msg.BlockHash) < q {
			return nil
		}
		if r.proposal == nil || r.proposal.Hash() != msg.BlockHash {
			return nil
		}
		if r.step == StepCommitted {
			return nil
		}
		block := r.proposal
		block.QuorumCert = r.log.certificate(types.MsgCommit, msg.View, msg.BlockHash)
		return d.commitBlock(block, "consensus")
	}
	return nil
}

// commitBlock applies a certified block, prunes the mempool, notifies
// observers, gossips the block for laggards, and opens the next height.
// A store failure here threatens safety and halts the node.
func (d *Driver) commitBlock(block *types.Block, source string) error {
	if err := d.chain.ApplyBlock(block); err != nil {
		d.log.Errorw("apply_failed", "height", block.Header.Height, "err", err)
		return fmt.Errorf("fatal: apply block %d: %w", block.Header.Height, err)
	}
	d.round.step = StepCommitted
	d.pool.RemoveCommitted(block)
	d.meter.BlocksCommitted.Inc(1)
	d.meter.TxsCommitted.Inc(int64(len(block.Transactions)))

	ev := CommitEvent{
		Height:    block.Header.Height,
		Hash:      block.Hash(),
		TxCount:   len(block.Transactions),
		StateRoot: block.Header.StateRoot,
	}
	for _, sub := range d.commitSubs {
		select {
		case sub <- ev:
		default:
		}
	}
	if err := d.net.BroadcastBlock(block); err != nil {
		d.log.Debugw("broadcast_block_failed", "err", err)
	}
	d.log.Infow("commit", "height", block.Header.Height, "txs", len(block.Transactions),
		"hash", block.Hash().Short(), "state_root", block.Header.StateRoot.Short(), "source", source)

	d.enterHeight(block.Header.Height + 1)
	return nil
}

// ---- view change ----

func (d *Driver) startViewChange() {
	r := d.round
	if r.step == StepCommitted {
		return
	}
	newView := r.view + 1
	r.step = StepViewChanging
	r.view = newView
	r.proposal = nil
	d.meter.ViewChanges.Inc(1)

	var proof *types.PreparedProof
	if r.locked != nil {
		proof = r.locked.proof
	}
	msg := types.NewViewChangeMsg(newView, r.height, proof, d.self)
	msg.Sign(d.key)
	if err := d.net.BroadcastConsensus(msg); err != nil {
		d.log.Warnw("broadcast_viewchange_failed", "err", err)
	}
	d.log.Infow("view_change", "height", r.height, "new_view", newView, "locked", proof != nil)

	d.scheduleViewTimer(newView)
	if err := d.handleViewChange(msg); err != nil {
		d.log.Errorw("own_viewchange_failed", "err", err)
	}
}

func (d *Driver) handleViewChange(msg *types.ConsensusMessage) error {
	r := d.round
	if msg.View < r.view {
		return nil // stale view-change
	}
	if msg.LastPrepared != nil {
		if err := d.verifyPreparedProof(msg.LastPrepared); err != nil {
			d.log.Warnw("viewchange_bad_proof", "sender", msg.Sender, "err", err)
			d.meter.MsgRejected.Inc(1)
			return nil
		}
	}
	if !r.addViewChange(msg) {
		return nil
	}
	return d.maybeBuildNewView(msg.View)
}

func (d *Driver) verifyPreparedProof(p *types.PreparedProof) error {
	if p.Cert == nil || p.Block == nil {
		return fmt.Errorf("prepared proof missing certificate or block")
	}
	if p.Block.Hash() != p.BlockHash {
		return fmt.Errorf("prepared proof block does not match claimed hash")
	}
	c := p.Cert
	if c.Kind != types.MsgPrepare || c.View != p.View || c.Height != d.round.height || c.BlockHash != p.BlockHash {
		return fmt.Errorf("prepared certificate fields do not match proof")
	}
	return c.Verify(d.vals)
}

func (d *Driver) maybeBuildNewView(newView uint64) error {
	r := d.round
	collected := r.viewChanges[newView]
	if len(collected) < d.vals.Quorum() {
		return nil
	}
	if !d.sched.IsLeader(d.self, newView, r.height) {
		return nil
	}
	if r.enteredViews[newView] {
		return nil
	}

	vcs := make([]*types.ConsensusMessage, 0, len(collected))
	for _, vc := range collected {
		vcs = append(vcs, vc)
	}

	// Safe-value rule: re-propose the highest-view prepared block if any
	// view-change carries one; otherwise draft fresh.
	var proposal *types.ConsensusMessage
	if best := r.highestPrepared(newView); best != nil {
		proposal = types.NewProposeMsg(newView, r.height, best.Block, d.self)
	} else {
		block, err := d.draftBlock()
		if err != nil {
			d.log.Errorw("newview_draft_failed", "err", err)
			return nil
		}
		proposal = types.NewProposeMsg(newView, r.height, block, d.self)
	}
	proposal.Sign(d.key)

	nv := types.NewNewViewMsg(newView, r.height, vcs, proposal, d.self)
	nv.Sign(d.key)
	if err := d.net.BroadcastConsensus(nv); err != nil {
		d.log.Warnw("broadcast_newview_failed", "err", err)
	}
	d.log.Infow("new_view_built", "height", r.height, "view", newView, "reproposed", r.highestPrepared(newView) != nil)
	return d.handleNewView(nv)
}

func (d *Driver) handleNewView(msg *types.ConsensusMessage) error {
	r := d.round
	if msg.View < r.view {
		return nil
	}
	if r.enteredViews[msg.View] {
		return nil
	}
	if msg.Sender != d.sched.Leader(msg.View, r.height) {
		d.log.Warnw("newview_from_non_leader", "sender", msg.Sender, "view", msg.View)
		d.meter.MsgRejected.Inc(1)
		return nil
	}
	if msg.Proposal == nil || msg.Proposal.Block == nil {
		return nil
	}

	// Verify the view-change certificate: 2f+1 distinct signed messages all
	// naming this view and height.
	seen := make(map[types.ValidatorID]bool)
	var best *types.PreparedProof
	for _, vc := range msg.ViewChanges {
		if vc.Kind != types.MsgViewChange || vc.View != msg.View || vc.Height != r.height {
			d.log.Warnw("newview_bad_viewchange", "sender", msg.Sender)
			return nil
		}
		if err := d.engine.ValidateVote(vc); err != nil {
			d.log.Warnw("newview_unsigned_viewchange", "err", err)
			return nil
		}
		if seen[vc.Sender] {
			continue
		}
		seen[vc.Sender] = true
		if vc.LastPrepared != nil {
			if err := d.verifyPreparedProof(vc.LastPrepared); err != nil {
				d.log.Warnw("newview_bad_proof", "err", err)
				return nil
			}
			if best == nil || vc.LastPrepared.View > best.View {
				best = vc.LastPrepared
			}
		}
	}
	if len(seen) < d.vals.Quorum() {
		d.log.Warnw("newview_insufficient_certificate", "have", len(seen), "need", d.vals.Quorum())
		d.meter.MsgRejected.Inc(1)
		return nil
	}

	proposedHash := msg.Proposal.Block.Hash()
	expectedProposer := d.sched.Leader(msg.View, r.height)
	if best != nil {
		if proposedHash != best.BlockHash {
			d.log.Warnw("newview_violates_safe_value", "proposed", proposedHash.Short(), "required", best.BlockHash.Short())
			d.meter.MsgRejected.Inc(1)
			return nil
		}
		// A re-proposed block keeps the header its original leader drafted.
		expectedProposer = best.Block.Header.Proposer
	}

	// Enter the new view and process the proposal. The justified proposal
	// supersedes any lock on a different block from an earlier view.
	r.enteredViews[msg.View] = true
	r.view = msg.View
	r.step = StepIdle
	r.proposal = nil
	if r.locked != nil && best != nil && r.locked.block.Hash() != best.BlockHash {
		r.locked = nil
	}
	d.scheduleViewTimer(msg.View)
	d.log.Infow("entered_view", "height", r.height, "view", msg.View, "leader", msg.Sender)

	return d.handlePropose(msg.Proposal, expectedProposer)
}

// ---- catch-up ----

// handleCertifiedBlock applies a gossiped block that already carries a commit
// certificate, letting a lagging replica catch up without running consensus
// for the height.
func (d *Driver) handleCertifiedBlock(block *types.Block) error {
	height := block.Header.Height
	latest := d.chain.LatestHeight()
	if height <= latest {
		return nil
	}
	if height > latest+1 {
		if height-latest-1 <= d.cfg.FutureWindow {
			d.futureBlock[height] = block
			if err := d.net.RequestBlocks(latest+1, height-1); err != nil {
				d.log.Debugw("block_request_failed", "err", err)
			}
		}
		return nil
	}

	cert := block.QuorumCert
	if cert == nil || cert.Kind != types.MsgCommit || cert.Height != height || cert.BlockHash != block.Hash() {
		d.log.Warnw("gossiped_block_bad_certificate", "height", height)
		d.meter.MsgRejected.Inc(1)
		return nil
	}
	if err := cert.Verify(d.vals); err != nil {
		d.log.Warnw("gossiped_block_certificate_invalid", "height", height, "err", err)
		d.meter.MsgRejected.Inc(1)
		return nil
	}
	if types.MerkleRoot(block.TxHashes()) != block.Header.TxRoot {
		d.log.Warnw("gossiped_block_bad_txroot", "height", height)
		d.meter.MsgRejected.Inc(1)
		return nil
	}
	return d.commitBlock(block, "catch-up")
}
