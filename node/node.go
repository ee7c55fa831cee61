// Package node runs one participant of the chain: it turns slot ticks into
// proposals, candidates into votes and vote quorums into sealed blocks, and
// feeds everything it receives from gossip into the consensus engine.
//
// Received blocks are checked by a pool of validation workers. Commits are
// serialized inside the engine, so workers never coordinate beyond the
// per-height vote record that keeps this node from signing two candidates
// for the same height.
package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oib/aitbc-chain/consensus/engine"
	"github.com/oib/aitbc-chain/consensus/modectl"
	"github.com/oib/aitbc-chain/consensus/proposer"
	"github.com/oib/aitbc-chain/consensus/sortition"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/gossip"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/metrics"
)

// Config tunes a node.
type Config struct {
	// Validator is the local validator id. Zero runs an observer that
	// neither proposes nor votes.
	Validator idx.ValidatorID
	Key       *ecdsa.PrivateKey

	// Workers is the number of block validation workers.
	Workers int
	// QueueSize bounds blocks waiting for a worker.
	QueueSize int
	// FilterSize is how many message ids are remembered for dedup.
	FilterSize int
	// OrphanLimit bounds blocks buffered until their parent arrives.
	OrphanLimit int
	// TxPoolSize bounds pending transactions.
	TxPoolSize int
	// FutureSlots is how far ahead of the local clock a block may be.
	FutureSlots inter.Slot
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		FilterSize:  16384,
		OrphanLimit: 256,
		TxPoolSize:  65536,
		FutureSlots: 1,
	}
}

// Node drives one engine over a gossip network.
type Node struct {
	cfg     Config
	engine  *engine.Engine
	net     gossip.Network
	ctrl    *modectl.Controller
	clock   *Clock
	pool    *TxPool
	filter  *gossip.Filter
	orphans *orphans
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	blocks chan *inter.Block

	mu        sync.Mutex
	voted     map[idx.Block]hash.Hash
	candidate *inter.Block

	// sealMu serializes sealing of the local candidate
	sealMu sync.Mutex

	sampleMu sync.Mutex
	sample   modectl.Sample
}

// New wires a node. m may be nil.
func New(cfg Config, e *engine.Engine, net gossip.Network, m *metrics.Metrics, log logrus.FieldLogger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Validator != 0 && cfg.Key == nil {
		return nil, fmt.Errorf("validator %d has no key", cfg.Validator)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	filter, err := gossip.NewFilter(cfg.FilterSize)
	if err != nil {
		return nil, err
	}
	orph, err := newOrphans(cfg.OrphanLimit)
	if err != nil {
		return nil, err
	}
	rules := e.Rules()
	st := e.Snapshot()
	n := &Node{
		cfg:     cfg,
		engine:  e,
		net:     net,
		ctrl:    modectl.New(rules.Controller, st.Mode, log),
		clock:   NewClock(st.GenesisTime, rules.Slots.Duration()),
		pool:    NewTxPool(cfg.TxPoolSize),
		filter:  filter,
		orphans: orph,
		metrics: m,
		log:     log.WithFields(logrus.Fields{"module": "node", "validator": cfg.Validator}),
		blocks:  make(chan *inter.Block, cfg.QueueSize),
		voted:   make(map[idx.Block]hash.Hash),
	}
	return n, nil
}

func (n *Node) Engine() *engine.Engine {
	return n.engine
}

func (n *Node) TxPool() *TxPool {
	return n.pool
}

func (n *Node) Controller() *modectl.Controller {
	return n.ctrl
}

// Run blocks until ctx is done, which is a clean stop, or the network closes
// its message channel.
func (n *Node) Run(ctx context.Context) error {
	events := make(chan inter.Committed, 256)
	sub := n.engine.SubscribeCommitted(events)
	defer sub.Unsubscribe()

	head := n.engine.Head()
	n.log.WithFields(logrus.Fields{"height": head.Height, "slot": n.clock.CurrentSlot(), "workers": n.cfg.Workers}).Info("Node started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.cfg.Workers; i++ {
		g.Go(func() error { return n.validateLoop(ctx) })
	}
	g.Go(func() error { return n.receiveLoop(ctx) })
	g.Go(func() error { return n.slotLoop(ctx) })
	g.Go(func() error { return n.eventLoop(ctx, events, sub.Err()) })
	err := g.Wait()
	n.log.Info("Node stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (n *Node) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-n.net.Messages():
			if !ok {
				return gossip.ErrClosed
			}
			if n.filter.Seen(msg.ID) {
				continue
			}
			n.metrics.Gossip(msg.Kind.String())
			n.handle(ctx, msg)
		}
	}
}

func (n *Node) handle(ctx context.Context, msg *gossip.Message) {
	log := n.log.WithFields(logrus.Fields{"kind": msg.Kind, "from": msg.From})
	switch msg.Kind {
	case gossip.KindProposal:
		select {
		case n.blocks <- msg.Proposal.Block:
		case <-ctx.Done():
		}
	case gossip.KindVote:
		n.onVote(ctx, *msg.Vote)
	case gossip.KindStakeOp:
		if err := n.engine.SubmitStakeOp(*msg.StakeOp); err != nil && !errors.Is(err, staking.ErrAlreadyKnown) {
			log.WithError(err).Debug("Stake operation rejected")
		}
	case gossip.KindTxs:
		n.pool.Add(msg.Txs)
	case gossip.KindAnnounce:
		// informational only: the controller follows committed announces
		log.WithFields(logrus.Fields{"from": msg.Announce.From, "target": msg.Announce.Target, "at": msg.Announce.StartHeight}).Debug("Transition announced")
	}
}

func (n *Node) validateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-n.blocks:
			n.onBlock(ctx, b)
		}
	}
}

// onBlock commits a sealed block or votes on a candidate.
func (n *Node) onBlock(ctx context.Context, b *inter.Block) {
	log := n.log.WithFields(logrus.Fields{"height": b.Height, "slot": b.Slot, "proposer": b.Proposer})
	if cur := n.clock.CurrentSlot(); b.Slot > cur+n.cfg.FutureSlots {
		log.WithField("current", cur).Debug("Block from a future slot dropped")
		return
	}
	if b.Sealed() {
		start := time.Now()
		evs, err := n.engine.Commit(b)
		n.metrics.Validation(time.Since(start))
		switch {
		case err == nil:
			n.afterCommit(ctx, evs)
		case errors.Is(err, engine.ErrUnknownParent):
			n.orphans.add(b)
			log.WithField("orphans", n.orphans.len()).Debug("Block buffered until its parent arrives")
		case errors.Is(err, engine.ErrKnownBlock):
		default:
			log.WithError(err).Debug("Sealed block rejected")
		}
		return
	}
	if n.cfg.Validator == 0 {
		return
	}
	start := time.Now()
	_, err := n.engine.Check(b, true)
	n.metrics.Validation(time.Since(start))
	if errors.Is(err, engine.ErrUnknownParent) {
		n.orphans.add(b)
		return
	}
	if err != nil {
		log.WithError(err).Debug("Candidate rejected")
		return
	}
	n.vote(ctx, b)
}

// vote signs b unless another candidate at its height already got this
// node's vote. A second vote at a height would be an equivocation, even for
// a fallback proposer.
func (n *Node) vote(ctx context.Context, b *inter.Block) {
	st, ok := n.engine.StateOf(b.Parent)
	if !ok {
		return
	}
	if v, ok := st.Validator(n.cfg.Validator); !ok || !v.Active {
		return
	}
	hh := b.Header.Hash()
	n.mu.Lock()
	if prev, ok := n.voted[b.Height]; ok {
		n.mu.Unlock()
		if prev != hh {
			n.log.WithFields(logrus.Fields{"height": b.Height, "slot": b.Slot, "voted": prev, "other": hh}).Debug("Second candidate for a voted height ignored")
		}
		return
	}
	n.voted[b.Height] = hh
	n.mu.Unlock()

	v, err := proposer.SignVote(n.cfg.Key, n.cfg.Validator, b)
	if err != nil {
		n.log.WithError(err).Error("Failed to sign vote")
		return
	}
	if _, err := n.engine.AddVote(v); err != nil {
		n.log.WithError(err).Warn("Own vote rejected")
		return
	}
	n.publish(ctx, gossip.NewVote(v))
}

func (n *Node) onVote(ctx context.Context, v inter.Vote) {
	status, err := n.engine.AddVote(v)
	if err != nil {
		n.log.WithFields(logrus.Fields{"voter": v.Validator, "height": v.Height}).WithError(err).Debug("Vote rejected")
		return
	}
	switch status {
	case engine.VoteAdded:
		n.trySeal(ctx)
	case engine.VoteConflict:
		n.log.WithFields(logrus.Fields{"voter": v.Validator, "height": v.Height, "slot": v.Slot}).Warn("Conflicting vote, evidence queued")
	}
}

// trySeal seals and commits the local candidate once its votes reach quorum.
func (n *Node) trySeal(ctx context.Context) {
	n.sealMu.Lock()
	defer n.sealMu.Unlock()

	n.mu.Lock()
	c := n.candidate
	n.mu.Unlock()
	if c == nil {
		return
	}
	if c.Parent != n.engine.Head().ID {
		n.dropCandidate(c)
		return
	}
	col, err := n.engine.Collect(c)
	if err != nil || !col.Reached {
		return
	}
	parent, ok := n.engine.StateOf(c.Parent)
	if !ok {
		return
	}
	sealed, err := proposer.Seal(c, n.cfg.Key, parent, col.Votes)
	if err != nil {
		n.log.WithError(err).Error("Failed to seal block")
		return
	}
	evs, err := n.engine.Commit(sealed)
	if err != nil {
		n.log.WithFields(logrus.Fields{"height": c.Height, "votes": len(col.Votes)}).WithError(err).Warn("Sealed block rejected")
		return
	}
	n.dropCandidate(c)
	n.publish(ctx, gossip.NewProposal(sealed))
	n.afterCommit(ctx, evs)
}

func (n *Node) dropCandidate(c *inter.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.candidate == c {
		n.candidate = nil
	}
}

// afterCommit runs on the path that committed, outside the engine lock.
func (n *Node) afterCommit(ctx context.Context, evs []inter.Committed) {
	if len(evs) == 0 {
		return
	}
	if evs[0].Reorg {
		n.metrics.Reorg()
	}
	last := evs[len(evs)-1].Height
	if depth := n.engine.Rules().Blocks.MaxReorgDepth; last > depth {
		n.mu.Lock()
		for h := range n.voted {
			if h+depth < last {
				delete(n.voted, h)
			}
		}
		n.mu.Unlock()
	}
	for _, ev := range evs {
		for _, b := range n.orphans.children(ev.Block.ID()) {
			n.onBlock(ctx, b)
		}
	}
}

func (n *Node) slotLoop(ctx context.Context) error {
	var prev inter.Slot
	for slot := range n.clock.SlotTicker(ctx) {
		if prev != 0 {
			if _, missed := n.engine.MissSlot(prev); missed {
				n.metrics.SlotMissed()
			}
		}
		prev = slot
		n.engine.BeginSlot(slot)
		n.metrics.Slot(slot)

		// a candidate on top of the head may still collect late votes
		n.mu.Lock()
		if c := n.candidate; c != nil && c.Parent != n.engine.Head().ID {
			n.candidate = nil
		}
		n.mu.Unlock()

		n.ctrl.Observe(n.currentSample())
		n.ctrl.Decide(n.engine.Snapshot().HasStakers())

		if n.cfg.Validator != 0 {
			n.propose(ctx, slot)
		}
	}
	return ctx.Err()
}

// propose builds, self-votes and publishes the candidate for slot when the
// slot belongs to this node on top of the head. A candidate already built at
// this height is published again instead, and nothing is built once this
// node voted for another proposer's candidate at the height.
func (n *Node) propose(ctx context.Context, slot inter.Slot) {
	st := n.engine.Snapshot()
	rules := n.engine.Rules()
	exp := n.engine.Expect()
	want, ok := sortition.NewSchedule(st, exp.Mode, rules.Sortition.BalancedAuthorityBps).Proposer(slot)
	if !ok || want != n.cfg.Validator {
		return
	}
	n.mu.Lock()
	c := n.candidate
	_, voted := n.voted[st.Head.Height+1]
	n.mu.Unlock()
	if c != nil && c.Parent == st.Head.ID {
		n.log.WithFields(logrus.Fields{"slot": slot, "height": c.Height, "built": c.Slot}).Debug("Republishing candidate")
		n.publish(ctx, gossip.NewProposal(c))
		n.trySeal(ctx)
		return
	}
	if voted {
		// a competing candidate could not collect this node's vote
		n.log.WithFields(logrus.Fields{"slot": slot, "height": st.Head.Height + 1}).Debug("Already voted at height, not proposing")
		return
	}
	draft := proposer.Draft{
		Txs:      n.pool.Pending(rules.Blocks.MaxTxs, rules.Blocks.MaxTxBytes),
		Evidence: n.engine.PendingEvidence(int(rules.Blocks.MaxEvidence)),
		StakeOps: n.engine.PendingStakeOps(int(rules.Blocks.MaxStakeOps)),
	}
	if target := n.ctrl.Target(); target != st.Mode && st.Transition == nil {
		draft.Target = target
	}
	b, err := proposer.Build(st, rules, n.cfg.Validator, n.cfg.Key, slot, draft)
	if err != nil {
		n.log.WithField("slot", slot).WithError(err).Error("Failed to build candidate")
		return
	}
	if _, err := n.engine.Check(b, true); err != nil {
		n.log.WithFields(logrus.Fields{"slot": slot, "height": b.Height}).WithError(err).Error("Own candidate invalid")
		return
	}
	n.mu.Lock()
	n.candidate = b
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{"slot": slot, "height": b.Height, "mode": b.Mode, "txs": len(b.Txs)}).Debug("Proposing block")
	n.publish(ctx, gossip.NewProposal(b))
	if b.Announce != nil {
		n.publish(ctx, gossip.NewAnnounce(b.Announce))
	}
	n.vote(ctx, b)
	n.trySeal(ctx)
}

func (n *Node) eventLoop(ctx context.Context, events <-chan inter.Committed, errc <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case ev := <-events:
			n.metrics.Committed(ev)
			n.pool.Remove(ev.Block.Txs)
			n.observe(ev)
			if a := ev.Block.Announce; a != nil {
				n.ctrl.Reset(a.Target)
			}
			if p, ok := n.net.(interface{ Peers() int }); ok {
				n.metrics.Peers(p.Peers())
			}
		case ch := <-n.ctrl.Changes():
			n.log.WithFields(logrus.Fields{"from": ch.From, "to": ch.To}).Debug("Mode target will be announced")
		}
	}
}

// observe derives participation from the signatures of a committed block,
// measured against the head registry. It must not take the engine lock: it
// runs while the commit path may still be sending events.
func (n *Node) observe(ev inter.Committed) {
	st := n.engine.Snapshot()
	var s modectl.Sample
	if auth := st.Active(inter.Authority); len(auth) > 0 {
		s.AuthorityOnline = float64(len(ev.Block.AuthoritySigs)) / float64(len(auth))
	}
	if total := st.ClassStake(inter.Staker); total > 0 {
		var signed uint64
		for _, sig := range ev.Block.StakerSigs {
			if v, ok := st.Validator(sig.Validator); ok {
				signed += v.Stake
			}
		}
		s.StakerParticipation = float64(signed) / float64(total)
	}
	n.sampleMu.Lock()
	n.sample.AuthorityOnline, n.sample.StakerParticipation = s.AuthorityOnline, s.StakerParticipation
	n.sampleMu.Unlock()
}

func (n *Node) currentSample() modectl.Sample {
	n.sampleMu.Lock()
	s := n.sample
	n.sampleMu.Unlock()
	if limit := n.engine.Rules().Blocks.MaxTxs; limit > 0 {
		s.Load = float64(n.pool.Len()) / float64(limit)
		if s.Load > 1 {
			s.Load = 1
		}
	}
	return s
}

func (n *Node) publish(ctx context.Context, m *gossip.Message) {
	if err := n.net.Publish(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		n.log.WithField("kind", m.Kind).WithError(err).Warn("Failed to publish")
	}
}

// SubmitTxs queues txs locally and gossips them.
func (n *Node) SubmitTxs(ctx context.Context, txs []inter.Tx) int {
	added := n.pool.Add(txs)
	if added > 0 {
		n.publish(ctx, gossip.NewTxs(txs))
	}
	return added
}

// SubmitStakeOp pools op locally and gossips it.
func (n *Node) SubmitStakeOp(ctx context.Context, op inter.StakeOp) error {
	if err := n.engine.SubmitStakeOp(op); err != nil {
		return err
	}
	n.publish(ctx, gossip.NewStakeOp(op))
	return nil
}
