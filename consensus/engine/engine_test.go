package engine

import (
	"sync"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/aitbc/genesis"
	"github.com/oib/aitbc-chain/consensus/blockcheck"
	"github.com/oib/aitbc-chain/consensus/chaintest"
	"github.com/oib/aitbc-chain/consensus/proposer"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
	"github.com/oib/aitbc-chain/inter/validatorpk"
)

type harness struct {
	t    *testing.T
	n    *chaintest.Network
	e    *Engine
	hook *test.Hook
}

func newHarness(t *testing.T, n *chaintest.Network, p Persister) *harness {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	e, err := New(Config{Rules: n.Rules, Log: log, Persister: p}, n.Genesis)
	require.NoError(t, err)
	return &harness{t: t, n: n, e: e, hook: hook}
}

func active(st *iblockproc.State) []idx.ValidatorID {
	var ids []idx.ValidatorID
	for _, v := range st.Validators {
		if v.Active {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// extend commits a block at the slot after the head, signed by signers or
// by every active validator when none are given.
func (h *harness) extend(d proposer.Draft, signers ...idx.ValidatorID) inter.Committed {
	h.t.Helper()
	st := h.e.Snapshot()
	if len(signers) == 0 {
		signers = active(st)
	}
	b := h.n.Block(h.t, st, st.Head.Slot+1, d, signers...)
	evs, err := h.e.Commit(b)
	require.NoError(h.t, err)
	require.Len(h.t, evs, 1)
	return evs[0]
}

func (h *harness) extendTo(height idx.Block) {
	for h.e.Head().Height < height {
		h.extend(proposer.Draft{})
	}
}

// others returns the first k of 1..4 different from id.
func others(id idx.ValidatorID, k int) []idx.ValidatorID {
	var res []idx.ValidatorID
	for v := idx.ValidatorID(1); v <= 4 && len(res) < k; v++ {
		if v != id {
			res = append(res, v)
		}
	}
	return res
}

type recorder struct {
	mu      sync.Mutex
	heights []idx.Block
}

func (r *recorder) Commit(b *inter.Block, _ *iblockproc.State, _ *inter.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heights = append(r.heights, b.Height)
	return nil
}

func TestQuorumAndFallback(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	h.extendTo(100)

	// block 101 signed by the proposer and two others commits
	st := h.e.Snapshot()
	slot := st.Head.Slot + 1
	p := n.Proposer(t, st, slot)
	signers := append([]idx.ValidatorID{p}, others(p, 2)...)
	evs, err := h.e.Commit(n.Block(t, st, slot, proposer.Draft{}, signers...))
	require.NoError(err)
	require.Len(evs, 1)
	require.Equal(idx.Block(101), evs[0].Height)
	require.Equal(inter.ModeFast, evs[0].Mode)

	rewards := map[idx.ValidatorID]uint64{}
	var total uint64
	for _, r := range evs[0].Rewards {
		rewards[r.Validator] = r.Amount
		total += r.Amount
	}
	require.Len(rewards, 3)
	require.Equal(uint64(1000), total)
	require.Equal(uint64(334), rewards[p])
	for _, id := range signers[1:] {
		require.Equal(uint64(333), rewards[id])
	}

	// block 102 with two signatures is rejected and the slot times out
	st = h.e.Snapshot()
	slot = st.Head.Slot + 1
	p = n.Proposer(t, st, slot)
	require.Equal(AwaitingProposal, h.e.BeginSlot(slot).Kind)
	_, err = h.e.Commit(n.Block(t, st, slot, proposer.Draft{}, append([]idx.ValidatorID{p}, others(p, 1)...)...))
	require.ErrorIs(err, blockcheck.ErrQuorum)
	require.Equal(idx.Block(101), h.e.Head().Height)

	phase, missed := h.e.MissSlot(slot)
	require.True(missed)
	require.Equal(SlotMissed, phase.Kind)
	require.Equal(uint64(1), h.e.MissedSlots())

	// the next proposer in the ranking takes the following slot
	fallback := n.Proposer(t, st, slot+1)
	require.NotEqual(p, fallback)
	b := n.Block(t, st, slot+1, proposer.Draft{}, n.All()...)
	require.Equal(fallback, b.Proposer)
	evs, err = h.e.Commit(b)
	require.NoError(err)
	require.Len(evs, 1)
	require.Equal(idx.Block(102), evs[0].Height)
	require.Equal(uint32(1), h.e.Snapshot().Duties[p-1].Missed)
	require.Equal(Committed, h.e.Phase().Kind)
}

func TestCommitIsIdempotent(t *testing.T) {
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	b := n.Block(t, n.Genesis, 1, proposer.Draft{}, n.All()...)

	_, err := h.e.Commit(b)
	require.NoError(t, err)
	before := h.e.Snapshot().Hash()

	_, err = h.e.Commit(b)
	require.ErrorIs(t, err, ErrKnownBlock)
	require.Equal(t, before, h.e.Snapshot().Hash())
}

func TestUnknownParent(t *testing.T) {
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	// a block on top of a parent this engine never saw
	b1 := n.Block(t, n.Genesis, 1, proposer.Draft{}, n.All()...)
	other := newHarness(t, n, nil)
	_, err := other.e.Commit(b1)
	require.NoError(t, err)
	b2 := n.Block(t, other.e.Snapshot(), 2, proposer.Draft{}, n.All()...)

	_, err = h.e.Commit(b2)
	require.ErrorIs(t, err, ErrUnknownParent)

	// out of order delivery resolves once the parent arrives
	_, err = h.e.Commit(b1)
	require.NoError(t, err)
	_, err = h.e.Commit(b2)
	require.NoError(t, err)
	require.Equal(t, b2.ID(), h.e.Head().ID)
	require.Equal(t, other.e.Head().ID, h.e.Head().ID)
}

func TestForkChoice(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	rec := &recorder{}
	h := newHarness(t, n, rec)

	ch := make(chan inter.Committed, 8)
	sub := h.e.SubscribeCommitted(ch)
	defer sub.Unsubscribe()

	// honest validators never sign two headers at a height, but one
	// candidate sealed with two signer sets yields two blocks
	c := n.Candidate(t, n.Genesis, 1, proposer.Draft{})
	a1 := n.Seal(t, n.Genesis, c, n.All()...)
	b1 := n.Seal(t, n.Genesis, c, append([]idx.ValidatorID{c.Proposer}, others(c.Proposer, 2)...)...)
	require.NotEqual(a1.ID(), b1.ID())
	_, err := h.e.Commit(a1)
	require.NoError(err)

	// an equally long branch keeps the local head
	evs, err := h.e.Commit(b1)
	require.NoError(err)
	require.Empty(evs)
	require.Equal(a1.ID(), h.e.Head().ID)

	// a longer branch wins
	stB1, ok := h.e.StateOf(b1.ID())
	require.True(ok)
	b2 := n.Block(t, stB1, 2, proposer.Draft{}, n.All()...)
	evs, err = h.e.Commit(b2)
	require.NoError(err)
	require.Len(evs, 2)
	require.Equal(b1.ID(), evs[0].Block.ID())
	require.Equal(b2.ID(), evs[1].Block.ID())
	require.True(evs[0].Reorg)
	require.Equal(b2.ID(), h.e.Head().ID)

	got, ok := h.e.BlockAt(1)
	require.True(ok)
	require.Equal(b1.ID(), got.ID())
	require.Equal([]idx.Block{1, 1, 2}, rec.heights)

	var fed []inter.Committed
	for len(fed) < 3 {
		fed = append(fed, <-ch)
	}
	require.False(fed[0].Reorg)
	require.Equal(a1.ID(), fed[0].Block.ID())
	require.True(fed[2].Reorg)
	require.Equal(b2.ID(), fed[2].Block.ID())
}

// A fallback proposer cannot finalize a second block at a height that
// already has a quorum: every signer of both blocks equivocates.
func TestConflictingBlocksAtHeight(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)

	first := n.Block(t, n.Genesis, 1, proposer.Draft{}, n.All()...)
	second := n.Block(t, n.Genesis, 2, proposer.Draft{}, n.All()...)
	require.Equal(first.Height, second.Height)
	require.NotEqual(first.Header.Hash(), second.Header.Hash())

	_, err := h.e.Commit(first)
	require.NoError(err)
	_, err = h.e.Commit(second)
	require.ErrorIs(err, blockcheck.ErrEquivocation)
	require.Equal(first.ID(), h.e.Head().ID)

	evidence := h.e.PendingEvidence(16)
	require.Len(evidence, 4)
	for i, p := range evidence {
		require.Equal(inter.EvidenceKey{Validator: idx.ValidatorID(i + 1), Height: 1}, p.Key())
	}

	// two quorums at one height would need an overlap of signers
	votes := n.Votes(t, second, n.All()...)
	for _, v := range votes {
		status, err := h.e.AddVote(v)
		require.NoError(err)
		require.Equal(VoteConflict, status)
	}
	coll, err := h.e.Collect(second)
	require.NoError(err)
	require.False(coll.Reached)
}

func TestEquivocationSlashedOnce(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	h.extend(proposer.Draft{})

	st := h.e.Snapshot()
	slot := st.Head.Slot + 1
	x := n.Candidate(t, st, slot, proposer.Draft{})
	y := n.Candidate(t, st, slot, proposer.Draft{Txs: []inter.Tx{{Payload: []byte("other"), Size: 5}}})
	offender := others(x.Proposer, 1)[0]
	var honest []idx.ValidatorID
	for _, id := range n.All() {
		if id != offender {
			honest = append(honest, id)
		}
	}

	status, err := h.e.AddVote(n.Votes(t, y, offender)[0])
	require.NoError(err)
	require.Equal(VoteAdded, status)

	// a block carrying the offender's other signature is refused
	_, err = h.e.Commit(n.Seal(t, st, x, n.All()...))
	require.ErrorIs(err, blockcheck.ErrEquivocation)
	evidence := h.e.PendingEvidence(16)
	require.Len(evidence, 1)
	require.Equal(offender, evidence[0].Key().Validator)

	_, err = h.e.Commit(n.Seal(t, st, x, honest...))
	require.NoError(err)

	ev := h.extend(proposer.Draft{Evidence: evidence})
	require.Len(ev.Slashes, 1)
	require.Equal(inter.SlashEquivocation, ev.Slashes[0].Reason)
	require.Equal(uint64(1000), ev.Slashes[0].Amount)

	after := h.e.Snapshot()
	for _, v := range after.Validators {
		if v.ID == offender {
			require.Equal(uint64(9000), v.Stake)
		} else {
			require.Equal(uint64(10000), v.Stake)
		}
	}
	require.Equal(uint64(1000), after.Treasury)
	require.Empty(h.e.PendingEvidence(16))

	// the same offence cannot be punished twice
	b := n.Block(t, after, after.Head.Slot+1, proposer.Draft{Evidence: evidence}, n.All()...)
	_, err = h.e.Commit(b)
	require.ErrorIs(err, blockcheck.ErrStructural)
}

func TestAddVote(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	c := n.Candidate(t, n.Genesis, 1, proposer.Draft{})
	votes := n.Votes(t, c, 1, 2, 3, 4)

	status, err := h.e.AddVote(votes[0])
	require.NoError(err)
	require.Equal(VoteAdded, status)
	status, err = h.e.AddVote(votes[0])
	require.NoError(err)
	require.Equal(VoteKnown, status)

	bad := votes[1]
	bad.Signature[5] ^= 1
	_, err = h.e.AddVote(bad)
	require.ErrorIs(err, ErrBadVote)

	unknown := votes[1]
	unknown.Validator = 99
	_, err = h.e.AddVote(unknown)
	require.ErrorIs(err, ErrUnknownVoter)

	other := n.Candidate(t, n.Genesis, 1, proposer.Draft{Txs: []inter.Tx{{Payload: []byte{7}, Size: 1}}})
	status, err = h.e.AddVote(n.Votes(t, other, 1)[0])
	require.NoError(err)
	require.Equal(VoteConflict, status)
	require.Len(h.e.PendingEvidence(16), 1)
	require.Len(h.e.Votes(c.Header.Hash()), 1)
	require.Empty(h.e.Votes(other.Header.Hash()))
}

func TestCollectAndSeal(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	c := n.Candidate(t, n.Genesis, 1, proposer.Draft{})

	require.Equal(AwaitingProposal, h.e.BeginSlot(1).Kind)
	_, err := h.e.Check(c, true)
	require.NoError(err)
	phase := h.e.Phase()
	require.Equal(AwaitingQuorum, phase.Kind)
	require.Equal(c.Header.Hash(), phase.Candidate)

	votes := n.Votes(t, c, 1, 2, 3)
	for _, v := range votes[:2] {
		_, err := h.e.AddVote(v)
		require.NoError(err)
	}
	coll, err := h.e.Collect(c)
	require.NoError(err)
	require.False(coll.Reached)
	require.Equal(uint64(3), coll.Requirement.Authorities)

	_, err = h.e.AddVote(votes[2])
	require.NoError(err)
	coll, err = h.e.Collect(c)
	require.NoError(err)
	require.True(coll.Reached)
	require.Len(coll.Votes, 3)

	b, err := proposer.Seal(c, n.Keys[c.Proposer], n.Genesis, coll.Votes)
	require.NoError(err)
	_, err = h.e.Commit(b)
	require.NoError(err)
	require.Equal(Committed, h.e.Phase().Kind)

	_, missed := h.e.MissSlot(1)
	require.False(missed)
	require.Equal(AwaitingProposal, h.e.BeginSlot(2).Kind)
	require.Equal(idx.Block(2), h.e.Phase().Height)
}

func TestCheckpointBootstrap(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	h.extendTo(n.Rules.Epochs.CheckpointInterval)

	cp, st, ok := h.e.ExportCheckpoint()
	require.True(ok)
	require.Equal(n.Rules.Epochs.CheckpointInterval, cp.Height)
	require.Equal(h.e.Head().ID, cp.BlockID)
	latest, ok := h.e.Checkpoint()
	require.True(ok)
	require.Equal(cp, latest)

	tampered := st.Copy()
	tampered.Treasury++
	_, err := NewFromCheckpoint(Config{Rules: n.Rules}, cp, tampered)
	require.ErrorIs(err, ErrBadCheckpoint)

	log, _ := test.NewNullLogger()
	joined, err := NewFromCheckpoint(Config{Rules: n.Rules, Log: log}, cp, st)
	require.NoError(err)

	b := n.Block(t, st, st.Head.Slot+1, proposer.Draft{}, n.All()...)
	_, err = h.e.Commit(b)
	require.NoError(err)
	_, err = joined.Commit(b)
	require.NoError(err)
	require.Equal(h.e.Snapshot().Hash(), joined.Snapshot().Hash())
}

func TestStakeOpLifecycle(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)

	key := genesis.FakeKey(50)
	op := inter.StakeOp{
		Kind:   inter.OpRegister,
		Class:  inter.Staker,
		Amount: 1000,
		PubKey: validatorpk.FromECDSA(&key.PublicKey),
		VRFKey: vrf.PublicKey(key),
	}
	require.NoError(op.Sign(key))
	require.NoError(h.e.SubmitStakeOp(op))
	require.NoError(h.e.SubmitStakeOp(op))
	require.Len(h.e.PendingStakeOps(8), 1)

	h.extend(proposer.Draft{StakeOps: h.e.PendingStakeOps(8)})
	require.Empty(h.e.PendingStakeOps(8))
	require.ErrorIs(h.e.SubmitStakeOp(op), staking.ErrAlreadyKnown)

	v, ok := h.e.Snapshot().Validator(5)
	require.True(ok)
	require.False(v.Active)
	require.False(h.e.Snapshot().HasStakers())

	h.extendTo(n.Rules.Epochs.Length)
	v, _ = h.e.Snapshot().Validator(5)
	require.True(v.Active)
	require.True(h.e.Snapshot().HasStakers())
	require.Equal(idx.Epoch(2), h.e.Snapshot().Epoch)
}

func TestModeTransition(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 3, 2000)
	h := newHarness(t, n, nil)
	authorities := []idx.ValidatorID{1, 2, 3, 4}

	ev := h.extend(proposer.Draft{Target: inter.ModeBalanced})
	require.NotNil(ev.Block.Announce)
	require.Equal(idx.Block(2), ev.Block.Announce.StartHeight)
	require.Equal(inter.ModeFast, h.e.Snapshot().Mode)

	// window blocks need a growing share of staker stake
	st := h.e.Snapshot()
	weak := n.Block(t, st, st.Head.Slot+1, proposer.Draft{}, authorities...)
	require.Equal(inter.ModeBalanced, weak.Mode)
	require.Equal(uint32(1), weak.Step)
	_, err := h.e.Commit(weak)
	require.ErrorIs(err, blockcheck.ErrQuorum)

	for step := uint32(1); step <= n.Rules.Transition.Window; step++ {
		ev := h.extend(proposer.Draft{})
		require.Equal(inter.ModeBalanced, ev.Mode)
		require.Equal(step, ev.Block.Step)
		if step < n.Rules.Transition.Window {
			require.Equal(inter.ModeFast, h.e.Snapshot().Mode)
		}
	}
	after := h.e.Snapshot()
	require.Equal(inter.ModeBalanced, after.Mode)
	require.Nil(after.Transition)

	exp := h.e.Expect()
	require.Equal(inter.ModeBalanced, exp.Mode)
	require.Zero(exp.Step)
	require.Equal(n.Rules.Modes.Balanced.Thresholds(), exp.Thresholds)
}

func TestAbortWithoutStakers(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 1, 1000)
	n.Genesis.Mode = inter.ModeBalanced
	h := newHarness(t, n, nil)

	v, ok := n.Genesis.Validator(5)
	require.True(ok)
	op := inter.StakeOp{Kind: inter.OpRequestUnbond, Validator: 5, Nonce: v.Nonce}
	require.NoError(op.Sign(n.Keys[5]))
	h.extend(proposer.Draft{StakeOps: []inter.StakeOp{op}})

	complete := 1 + n.Rules.Staking.UnbondingPeriod
	h.extendTo(complete - 1)
	require.Equal(inter.ModeBalanced, h.e.Snapshot().Mode)

	h.extend(proposer.Draft{})
	st := h.e.Snapshot()
	require.Equal(complete, st.Head.Height)
	require.False(st.HasStakers())
	require.Equal(inter.ModeFast, st.Mode)
	require.Nil(st.Transition)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "No active stakers, falling back" {
			warned = true
		}
	}
	require.True(warned)

	ev := h.extend(proposer.Draft{}, 1, 2, 3, 4)
	require.Equal(inter.ModeFast, ev.Mode)
}

func TestLivenessWithSilentAuthority(t *testing.T) {
	require := require.New(t)
	n := chaintest.New(t, 4, 0, 0)
	h := newHarness(t, n, nil)
	const silent = idx.ValidatorID(4)
	honest := []idx.ValidatorID{1, 2, 3}

	var misses, missesFirstEpoch uint64
	slot := inter.Slot(1)
	for ; h.e.Head().Height < 30; slot++ {
		st := h.e.Snapshot()
		h.e.BeginSlot(slot)
		if n.Proposer(t, st, slot) == silent {
			_, missed := h.e.MissSlot(slot)
			require.True(missed)
			misses++
			if st.Head.Height < n.Rules.Epochs.Length {
				missesFirstEpoch++
			}
			continue
		}
		_, err := h.e.Commit(n.Block(t, st, slot, proposer.Draft{}, honest...))
		require.NoError(err)
	}
	// a ranking is a permutation, so one silent validator costs at most one slot per height
	require.LessOrEqual(uint64(slot-1), uint64(60))
	require.Equal(misses, h.e.MissedSlots())

	st := h.e.Snapshot()
	v, _ := st.Validator(silent)
	if missesFirstEpoch > 0 {
		require.Less(v.Stake, uint64(10000))
		require.False(v.Active)
	} else {
		require.Equal(uint64(10000), v.Stake)
	}
}
