package engine

import (
	"fmt"
	"math"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/blockcheck"
	"github.com/oib/aitbc-chain/consensus/economy"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/consensus/transition"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// Outcome is the effect of committing one block.
type Outcome struct {
	State      *iblockproc.State
	Rewards    []inter.Reward
	Slashes    []inter.SlashEvent
	Activated  []idx.ValidatorID
	EpochEnded bool
	// Aborted is set when an open transition or a staker mode was dropped
	// because no stakers are active.
	Aborted    bool
	Checkpoint *inter.Checkpoint
}

func addSat(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// Process applies a validated block to a copy of its parent state. The
// order is fixed: proposer duties, stake operations, equivocation evidence,
// rewards, the mode schedule, bond maturity, then epoch and checkpoint
// boundaries.
func Process(parent *iblockproc.State, rules aitbc.Rules, b *inter.Block, res *blockcheck.Result) (*Outcome, error) {
	st := parent.Copy()
	out := &Outcome{State: st}
	height := b.Height

	for id, n := range res.Schedule.Missed(b.Slot) {
		if d := st.MutDuty(id); d != nil {
			d.Expected = addSat(d.Expected, n)
			d.Missed = addSat(d.Missed, n)
		}
	}
	if d := st.MutDuty(b.Proposer); d != nil {
		d.Expected = addSat(d.Expected, 1)
	}

	for i := range b.StakeOps {
		if err := staking.Apply(st, rules, &b.StakeOps[i], height); err != nil {
			return nil, fmt.Errorf("%w: stake op %d: %v", blockcheck.ErrStructural, i, err)
		}
	}
	for _, p := range b.Evidence {
		out.Slashes = append(out.Slashes, economy.SlashEquivocation(st, rules, p, height))
	}

	// signer weights are taken from the parent, the registry they signed under
	stakers := parent.Stakers()
	authorities := make([]economy.Signer, 0, len(res.AuthoritySigners))
	for _, id := range res.AuthoritySigners {
		authorities = append(authorities, economy.Signer{ID: id})
	}
	stakerSigners := make([]economy.Signer, 0, len(res.StakerSigners))
	for _, id := range res.StakerSigners {
		stakerSigners = append(stakerSigners, economy.Signer{ID: id, Stake: uint64(stakers.Get(id))})
	}
	proposer, _ := parent.Validator(b.Proposer)
	out.Rewards = economy.Distribute(rules, b.Mode, b.Proposer, proposer.Class, authorities, stakerSigners)
	economy.Credit(st, out.Rewards)

	tm := transition.NewManager(rules)
	tm.Advance(st, &b.Header)
	staking.Refresh(st, height)

	st.Head = iblockproc.Head{
		ID:     b.ID(),
		Height: height,
		Slot:   b.Slot,
		Time:   b.Time,
		VRF:    b.VRF.Output,
	}

	if height+1-st.EpochStart >= rules.Epochs.Length {
		out.EpochEnded = true
		out.Slashes = append(out.Slashes, economy.CloseEpoch(st, rules, height)...)
		out.Activated = staking.EpochBoundary(st, rules)
		if height+1 > rules.Epochs.Length {
			st.PrunePunished(height + 1 - rules.Epochs.Length)
		}
		st.Epoch++
		st.EpochStart = height + 1
	}

	if !st.HasStakers() && (rules.Modes.RequiresStakers(st.Mode) || st.Transition != nil) {
		tm.Abort(st, inter.ModeFast)
		out.Aborted = true
	}

	if rules.Epochs.CheckpointInterval != 0 && height%rules.Epochs.CheckpointInterval == 0 {
		cp := st.Checkpoint()
		out.Checkpoint = &cp
	}
	return out, nil
}
