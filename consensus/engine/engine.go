// Package engine is the consensus engine: it owns the canonical chain and
// the validator registry and is their single writer.
//
// Every mutation goes through Commit, serialized on one mutex. Readers get
// the state of the head block through Snapshot, an immutable value that is
// swapped atomically after each commit and never changed in place. Blocks
// and votes may arrive duplicated or out of order; committing a block twice
// or adding a vote twice has no effect.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/blockcheck"
	"github.com/oib/aitbc-chain/consensus/quorum"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/consensus/transition"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

var (
	ErrKnownBlock    = errors.New("block already known")
	ErrUnknownParent = errors.New("unknown parent block")
	ErrStaleBlock    = errors.New("block is below the retained fork depth")
	ErrBadCheckpoint = errors.New("state does not match checkpoint")
	ErrUnknownVoter  = errors.New("vote by unknown validator")
	ErrBadVote       = errors.New("invalid vote signature")
	ErrStaleVote     = errors.New("vote is below the retained fork depth")
)

// Persister stores canonical blocks with their post-states. A reorg
// persists the new branch over the old one.
type Persister interface {
	Commit(b *inter.Block, st *iblockproc.State, cp *inter.Checkpoint) error
}

// Config wires an engine.
type Config struct {
	Rules aitbc.Rules
	Log   logrus.FieldLogger
	// Persister is optional.
	Persister Persister
}

type entry struct {
	block *inter.Block
	state *iblockproc.State
	event inter.Committed
	cp    *inter.Checkpoint
}

// Engine is the consensus engine of one node.
type Engine struct {
	rules   aitbc.Rules
	trans   *transition.Manager
	log     logrus.FieldLogger
	persist Persister

	snap atomic.Pointer[iblockproc.State]

	mu     sync.Mutex
	chain  map[hash.Hash]*entry
	canon  map[idx.Block]hash.Hash
	base   idx.Block
	cps    []inter.Checkpoint
	cpSt   map[idx.Block]*iblockproc.State
	ops    []inter.StakeOp
	feed   event.Feed

	votesMu  sync.Mutex
	index    *blockcheck.VoteIndex
	pool     map[hash.Hash]*voteSet
	evidence map[inter.EvidenceKey]inter.EquivocationProof

	round round
}

type voteSet struct {
	height idx.Block
	votes  []inter.Vote
	by     map[idx.ValidatorID]bool
}

// New starts an engine at st, usually a genesis state.
func New(cfg Config, st *iblockproc.State) (*Engine, error) {
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		rules:    cfg.Rules,
		trans:    transition.NewManager(cfg.Rules),
		log:      log.WithField("module", "engine"),
		persist:  cfg.Persister,
		chain:    make(map[hash.Hash]*entry),
		canon:    make(map[idx.Block]hash.Hash),
		cpSt:     make(map[idx.Block]*iblockproc.State),
		index:    blockcheck.NewVoteIndex(),
		pool:     make(map[hash.Hash]*voteSet),
		evidence: make(map[inter.EvidenceKey]inter.EquivocationProof),
	}
	anchor := st.Copy()
	e.chain[anchor.Head.ID] = &entry{state: anchor}
	e.canon[anchor.Head.Height] = anchor.Head.ID
	e.base = anchor.Head.Height
	e.snap.Store(anchor)
	e.round.phase = Phase{Kind: Committed, Slot: anchor.Head.Slot, Height: anchor.Head.Height, Mode: anchor.Mode}
	return e, nil
}

// NewFromCheckpoint starts an engine from a state obtained out of band,
// after checking it against a trusted checkpoint.
func NewFromCheckpoint(cfg Config, cp inter.Checkpoint, st *iblockproc.State) (*Engine, error) {
	if got := st.Checkpoint(); got != cp {
		return nil, fmt.Errorf("%w: got %+v, want %+v", ErrBadCheckpoint, got, cp)
	}
	return New(cfg, st)
}

// Rules returns the network rules.
func (e *Engine) Rules() aitbc.Rules {
	return e.rules
}

// Snapshot returns the state after the head block. It must not be
// modified.
func (e *Engine) Snapshot() *iblockproc.State {
	return e.snap.Load()
}

// Head returns the head block summary.
func (e *Engine) Head() iblockproc.Head {
	return e.Snapshot().Head
}

// Expect returns the mode tag, step and thresholds of the next block.
func (e *Engine) Expect() transition.Expectation {
	st := e.Snapshot()
	return e.trans.Expect(st, st.Head.Height+1)
}

// StateOf returns the retained post-state of a block.
func (e *Engine) StateOf(id hash.Hash) (*iblockproc.State, bool) {
	if st := e.Snapshot(); st.Head.ID == id {
		return st, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.chain[id]
	if !ok {
		return nil, false
	}
	return en.state, true
}

func (e *Engine) parentOf(b *inter.Block) (*iblockproc.State, error) {
	if st, ok := e.StateOf(b.Parent); ok {
		return st, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.Height <= e.base {
		return nil, fmt.Errorf("%w: height %d, oldest retained %d", ErrStaleBlock, b.Height, e.base)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownParent, b.Parent)
}

// Check validates b against its parent without committing it. It is safe
// for concurrent use and is what validation workers run. A valid candidate
// moves the round to AwaitingQuorum.
func (e *Engine) Check(b *inter.Block, candidate bool) (*blockcheck.Result, error) {
	parent, err := e.parentOf(b)
	if err != nil {
		return nil, err
	}
	res, err := blockcheck.Validate(b, parent, e.rules, blockcheck.Options{Candidate: candidate})
	if err == nil && candidate && parent.Head.ID == e.Head().ID {
		e.round.candidate(b)
	}
	return res, err
}

// SubscribeCommitted delivers a Committed event for every block that
// becomes canonical, in height order. Events are sent on the commit path,
// so subscribers must keep the channel drained.
func (e *Engine) SubscribeCommitted(ch chan<- inter.Committed) event.Subscription {
	return e.feed.Subscribe(ch)
}

// Commit validates b and applies it. It returns the blocks that became
// canonical: b alone when it extends the head, the whole new branch after
// a reorg, and nothing when b only extends a side branch.
func (e *Engine) Commit(b *inter.Block) ([]inter.Committed, error) {
	id := b.ID()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.chain[id]; ok {
		return nil, ErrKnownBlock
	}
	parentEntry, ok := e.chain[b.Parent]
	if !ok {
		if b.Height <= e.base {
			return nil, fmt.Errorf("%w: height %d, oldest retained %d", ErrStaleBlock, b.Height, e.base)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, b.Parent)
	}
	parent := parentEntry.state

	e.votesMu.Lock()
	res, err := blockcheck.Validate(b, parent, e.rules, blockcheck.Options{Votes: e.index})
	if errors.Is(err, blockcheck.ErrEquivocation) {
		for _, p := range res.Equivocations {
			e.queueEvidence(p)
		}
	}
	e.votesMu.Unlock()
	if err != nil {
		e.log.WithFields(logrus.Fields{"height": b.Height, "slot": b.Slot, "proposer": b.Proposer}).WithError(err).Debug("Block rejected")
		return nil, err
	}

	out, err := Process(parent, e.rules, b, res)
	if err != nil {
		return nil, err
	}
	en := &entry{
		block: b,
		state: out.State,
		event: inter.Committed{Height: b.Height, Block: b, Mode: b.Mode, Rewards: out.Rewards, Slashes: out.Slashes},
		cp:    out.Checkpoint,
	}
	e.chain[id] = en
	e.recordSignatures(b, res.HeaderHash)

	head := e.snap.Load()
	if out.State.Head.Height <= head.Head.Height {
		e.log.WithFields(logrus.Fields{"height": b.Height, "id": id}).Info("Side branch block stored")
		return nil, nil
	}

	var branch []*entry
	for cur := en; cur.block != nil && e.canon[cur.block.Height] != cur.block.ID(); cur = e.chain[cur.block.Parent] {
		branch = append(branch, cur)
		if e.chain[cur.block.Parent] == nil {
			return nil, fmt.Errorf("%w: branch forks below height %d", ErrStaleBlock, e.base)
		}
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	reorg := b.Parent != head.Head.ID
	if reorg {
		fork := branch[0].block.Height - 1
		for h := range e.canon {
			if h > fork {
				delete(e.canon, h)
			}
		}
		kept := e.cps[:0]
		for _, cp := range e.cps {
			if cp.Height <= fork {
				kept = append(kept, cp)
			}
		}
		e.cps = kept
		e.log.WithFields(logrus.Fields{"fork": fork, "old": head.Head.Height, "new": b.Height}).Warn("Chain reorganised")
	}

	events := make([]inter.Committed, 0, len(branch))
	for _, c := range branch {
		cid := c.block.ID()
		e.canon[c.block.Height] = cid
		if c.cp != nil {
			e.cps = append(e.cps, *c.cp)
			e.cpSt[c.cp.Height] = c.state
		}
		if e.persist != nil {
			if err := e.persist.Commit(c.block, c.state, c.cp); err != nil {
				e.log.WithError(err).WithField("height", c.block.Height).Error("Failed to persist block")
			}
		}
		ev := c.event
		ev.Reorg = reorg
		events = append(events, ev)
	}
	e.snap.Store(out.State)
	e.afterHeadChange(out)
	e.round.commit(b)

	for _, ev := range events {
		e.logCommit(ev, out)
		e.feed.Send(ev)
	}
	return events, nil
}

func (e *Engine) logCommit(ev inter.Committed, out *Outcome) {
	fields := logrus.Fields{
		"height":   ev.Height,
		"slot":     ev.Block.Slot,
		"mode":     ev.Mode,
		"proposer": ev.Block.Proposer,
		"txs":      len(ev.Block.Txs),
		"sigs":     len(ev.Block.AuthoritySigs) + len(ev.Block.StakerSigs),
	}
	if ev.Block.Step != 0 {
		fields["step"] = ev.Block.Step
	}
	e.log.WithFields(fields).Info("New block")
	for _, s := range ev.Slashes {
		e.log.WithFields(logrus.Fields{"validator": s.Validator, "reason": s.Reason, "amount": s.Amount}).Warn("Validator slashed")
	}
	if a := ev.Block.Announce; a != nil {
		e.log.WithFields(logrus.Fields{"from": a.From, "to": a.Target, "start": a.StartHeight, "window": a.Window()}).Info("Mode transition announced")
	}
	if out.Aborted && ev.Block.ID() == out.State.Head.ID {
		e.log.WithField("mode", out.State.Mode).Warn("No active stakers, falling back")
	}
}

// afterHeadChange prunes retained data and pending pools. Called with mu held.
func (e *Engine) afterHeadChange(out *Outcome) {
	head := out.State.Head.Height
	depth := e.rules.Blocks.MaxReorgDepth
	if head > depth {
		base := head - depth
		for id, en := range e.chain {
			if en.state.Head.Height < base {
				delete(e.chain, id)
			}
		}
		for h := range e.canon {
			if h < base {
				delete(e.canon, h)
			}
		}
		e.base = base
		e.votesMu.Lock()
		e.index.Prune(base)
		for hh, set := range e.pool {
			if set.height < base {
				delete(e.pool, hh)
			}
		}
		e.votesMu.Unlock()
	}
	for h := range e.cpSt {
		if len(e.cps) == 0 || h < e.cps[len(e.cps)-1].Height {
			delete(e.cpSt, h)
		}
	}

	st := out.State
	e.votesMu.Lock()
	for k, p := range e.evidence {
		if st.IsPunished(k) || blockcheck.CheckEvidence(st, e.rules, &p, head+1) != nil {
			delete(e.evidence, k)
		}
	}
	e.votesMu.Unlock()

	kept := e.ops[:0]
	for _, op := range e.ops {
		if opViable(st, &op) {
			kept = append(kept, op)
		}
	}
	e.ops = kept
}

// opViable reports whether op may still apply on top of st, now or once the
// validator's earlier ops are in.
func opViable(st *iblockproc.State, op *inter.StakeOp) bool {
	err := staking.Verify(st, op)
	if op.Kind == inter.OpRegister {
		_, known := st.ByPubKey(op.PubKey.Raw)
		return err == nil && !known
	}
	return err == nil || errors.Is(err, staking.ErrBadNonce) && futureNonce(st, op)
}

func futureNonce(st *iblockproc.State, op *inter.StakeOp) bool {
	v, ok := st.Validator(op.Validator)
	return ok && op.Nonce > v.Nonce
}

// recordSignatures feeds the votes embedded in a block to the equivocation
// index. Called with mu held.
func (e *Engine) recordSignatures(b *inter.Block, hh hash.Hash) {
	e.votesMu.Lock()
	defer e.votesMu.Unlock()
	for _, set := range [][]inter.Sig{b.AuthoritySigs, b.StakerSigs} {
		for _, s := range set {
			if p, _ := e.index.Add(inter.Vote{Height: b.Height, Slot: b.Slot, Header: hh, Validator: s.Validator, Signature: s.Signature}); p != nil {
				e.queueEvidence(*p)
			}
		}
	}
}

// queueEvidence keeps a proof for inclusion by a later proposer. Called
// with votesMu held.
func (e *Engine) queueEvidence(p inter.EquivocationProof) {
	k := p.Key()
	if _, ok := e.evidence[k]; ok {
		return
	}
	if st := e.snap.Load(); st.IsPunished(k) {
		return
	}
	e.evidence[k] = p
	e.log.WithFields(logrus.Fields{"validator": k.Validator, "height": k.Height}).Warn("Equivocation detected")
}

// PendingEvidence returns queued proofs that the next block may include,
// at most max, ordered by offence.
func (e *Engine) PendingEvidence(max int) []inter.EquivocationProof {
	st := e.Snapshot()
	e.votesMu.Lock()
	res := make([]inter.EquivocationProof, 0, len(e.evidence))
	for _, p := range e.evidence {
		p := p
		if blockcheck.CheckEvidence(st, e.rules, &p, st.Head.Height+1) == nil {
			res = append(res, p)
		}
	}
	e.votesMu.Unlock()
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].Key(), res[j].Key()
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.Validator < b.Validator
	})
	if len(res) > max {
		res = res[:max]
	}
	return res
}

// VoteStatus is the outcome of AddVote.
type VoteStatus uint8

const (
	VoteAdded VoteStatus = iota
	VoteKnown
	VoteConflict
)

// AddVote verifies and pools a vote. A vote conflicting with an earlier one
// of the same validator at the same height queues evidence and is not
// pooled.
func (e *Engine) AddVote(v inter.Vote) (VoteStatus, error) {
	st := e.Snapshot()
	val, ok := st.Validator(v.Validator)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownVoter, v.Validator)
	}
	if depth := e.rules.Blocks.MaxReorgDepth; st.Head.Height > depth && v.Height < st.Head.Height-depth {
		return 0, fmt.Errorf("%w: height %d", ErrStaleVote, v.Height)
	}
	if !v.Verify(val.PubKey) {
		return 0, ErrBadVote
	}

	e.votesMu.Lock()
	defer e.votesMu.Unlock()
	proof, known := e.index.Add(v)
	if known {
		if set := e.pool[v.Header]; set != nil && set.by[v.Validator] {
			return VoteKnown, nil
		}
	}
	if proof != nil {
		e.queueEvidence(*proof)
		return VoteConflict, nil
	}
	set := e.pool[v.Header]
	if set == nil {
		set = &voteSet{height: v.Height, by: make(map[idx.ValidatorID]bool)}
		e.pool[v.Header] = set
	}
	if set.by[v.Validator] {
		return VoteKnown, nil
	}
	set.by[v.Validator] = true
	set.votes = append(set.votes, v)
	return VoteAdded, nil
}

// Votes returns the pooled votes for a header.
func (e *Engine) Votes(header hash.Hash) []inter.Vote {
	e.votesMu.Lock()
	defer e.votesMu.Unlock()
	set := e.pool[header]
	if set == nil {
		return nil
	}
	return append([]inter.Vote(nil), set.votes...)
}

// Collection is the vote tally of a candidate.
type Collection struct {
	Votes       []inter.Vote
	Requirement quorum.Requirement
	Reached     bool
}

// Collect tallies the pooled votes of a candidate against its parent state.
func (e *Engine) Collect(candidate *inter.Block) (*Collection, error) {
	parent, err := e.parentOf(candidate)
	if err != nil {
		return nil, err
	}
	authorities, stakers := parent.Authorities(), parent.Stakers()
	req := quorum.Require(e.trans.Expect(parent, candidate.Height).Thresholds, authorities, stakers)
	tally := quorum.NewTally(req, authorities, stakers)

	res := &Collection{Requirement: req}
	for _, v := range e.Votes(candidate.Header.Hash()) {
		val, ok := parent.Validator(v.Validator)
		if !ok || tally.Add(v.Validator, val.Class) != nil {
			continue
		}
		res.Votes = append(res.Votes, v)
	}
	res.Reached = tally.Reached()
	return res, nil
}

// SubmitStakeOp pools a stake operation for inclusion by a proposer. Ops
// whose nonce is ahead of the registry are kept until their turn.
func (e *Engine) SubmitStakeOp(op inter.StakeOp) error {
	st := e.Snapshot()
	if !opViable(st, &op) {
		if err := staking.Verify(st, &op); err != nil {
			return err
		}
		return staking.ErrAlreadyKnown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := op.Hash()
	for _, known := range e.ops {
		if known.Hash() == h {
			return nil
		}
	}
	e.ops = append(e.ops, op)
	return nil
}

// PendingStakeOps returns pooled ops that apply cleanly, in order, on top
// of the head, at most max.
func (e *Engine) PendingStakeOps(max int) []inter.StakeOp {
	st := e.Snapshot()
	e.mu.Lock()
	pool := append([]inter.StakeOp(nil), e.ops...)
	e.mu.Unlock()

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Validator != pool[j].Validator {
			return pool[i].Validator < pool[j].Validator
		}
		return pool[i].Nonce < pool[j].Nonce
	})
	scratch := st.Copy()
	var res []inter.StakeOp
	for i := range pool {
		if len(res) >= max {
			break
		}
		if staking.Apply(scratch, e.rules, &pool[i], st.Head.Height+1) == nil {
			res = append(res, pool[i])
		}
	}
	return res
}

// Checkpoint returns the latest canonical checkpoint.
func (e *Engine) Checkpoint() (inter.Checkpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cps) == 0 {
		return inter.Checkpoint{}, false
	}
	return e.cps[len(e.cps)-1], true
}

// ExportCheckpoint returns the latest checkpoint with the state it anchors,
// for bootstrapping another node with NewFromCheckpoint.
func (e *Engine) ExportCheckpoint() (inter.Checkpoint, *iblockproc.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cps) == 0 {
		return inter.Checkpoint{}, nil, false
	}
	cp := e.cps[len(e.cps)-1]
	st, ok := e.cpSt[cp.Height]
	return cp, st, ok
}

// Checkpoints lists the canonical checkpoints produced since start.
func (e *Engine) Checkpoints() []inter.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]inter.Checkpoint(nil), e.cps...)
}

// BlockAt returns the canonical block at height if it is still retained.
func (e *Engine) BlockAt(height idx.Block) (*inter.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.canon[height]
	if !ok {
		return nil, false
	}
	en := e.chain[id]
	return en.block, en.block != nil
}

// Phase returns the current round phase.
func (e *Engine) Phase() Phase {
	return e.round.get()
}

// BeginSlot moves the round to AwaitingProposal(slot).
func (e *Engine) BeginSlot(slot inter.Slot) Phase {
	st := e.Snapshot()
	return e.round.begin(slot, st.Head.Height+1, e.trans.Expect(st, st.Head.Height+1).Mode)
}

// MissSlot closes slot without a commit. It reports false when the slot
// committed after all.
func (e *Engine) MissSlot(slot inter.Slot) (Phase, bool) {
	p, missed := e.round.miss(slot)
	if missed {
		e.log.WithFields(logrus.Fields{"slot": slot, "height": p.Height}).Warn("Slot missed")
	}
	return p, missed
}

// MissedSlots counts slots closed without a commit since start.
func (e *Engine) MissedSlots() uint64 {
	e.round.mu.Lock()
	defer e.round.mu.Unlock()
	return e.round.missed
}
