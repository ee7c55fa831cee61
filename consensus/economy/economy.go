// Package economy computes block reward distributions and applies slashing
// penalties.
package economy

import (
	"fmt"
	mbits "math/bits"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// Signer is a block co-signer with its stake at signing time.
type Signer struct {
	ID    idx.ValidatorID
	Stake uint64
}

// Split holds the two shares of a block reward.
type Split struct {
	Authority uint64
	Staker    uint64
}

// SplitReward divides base by the mode's authority percentage. With no
// staker co-signers the staker share goes to the authorities.
func SplitReward(rules aitbc.Rules, mode inter.Mode, base uint64, hasStakers bool) Split {
	pct := uint64(rules.Modes.Get(mode).AuthorityRewardPct)
	hi, lo := mbits.Mul64(base, pct)
	auth, _ := mbits.Div64(hi, lo, 100)
	if !hasStakers {
		auth = base
	}
	return Split{Authority: auth, Staker: base - auth}
}

// Distribute computes the reward entries of a block. The authority share is
// divided equally among authority co-signers, the staker share in proportion
// to stake among staker co-signers, and every rounding remainder goes to the
// proposer. The entries sum to exactly the base reward and are sorted by
// validator ID.
func Distribute(rules aitbc.Rules, mode inter.Mode, proposer idx.ValidatorID, proposerClass inter.Class, authorities, stakers []Signer) []inter.Reward {
	base := rules.Economy.BaseReward
	var stakeTotal uint64
	for _, s := range stakers {
		stakeTotal += s.Stake
	}
	split := SplitReward(rules, mode, base, len(stakers) > 0 && stakeTotal > 0)

	amounts := make(map[idx.ValidatorID]uint64)
	classes := make(map[idx.ValidatorID]inter.Class)
	var paid uint64

	if n := uint64(len(authorities)); n > 0 {
		each := split.Authority / n
		for _, a := range authorities {
			amounts[a.ID] += each
			classes[a.ID] = inter.Authority
			paid += each
		}
	}
	if stakeTotal > 0 {
		for _, s := range stakers {
			hi, lo := mbits.Mul64(split.Staker, s.Stake)
			share, _ := mbits.Div64(hi, lo, stakeTotal)
			amounts[s.ID] += share
			classes[s.ID] = inter.Staker
			paid += share
		}
	}
	if rest := base - paid; rest > 0 {
		amounts[proposer] += rest
		if _, ok := classes[proposer]; !ok {
			classes[proposer] = proposerClass
		}
	}

	res := make([]inter.Reward, 0, len(amounts))
	for id, amount := range amounts {
		if amount == 0 {
			continue
		}
		res = append(res, inter.Reward{Validator: id, Class: classes[id], Amount: amount})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Validator < res[j].Validator })
	return res
}

// Credit adds rewards to validator balances. Rewards never touch stake.
func Credit(st *iblockproc.State, rewards []inter.Reward) {
	for _, r := range rewards {
		if v := st.MutValidator(r.Validator); v != nil {
			v.Rewards += r.Amount
			st.Minted += r.Amount
		}
	}
}

// route sends slashed funds to the treasury or burns them.
func route(st *iblockproc.State, rules aitbc.Rules, amount uint64) {
	switch rules.Economy.SlashPolicy {
	case aitbc.SlashTreasury:
		st.Treasury += amount
	case aitbc.SlashBurn:
		st.Burned += amount
	default:
		panic(fmt.Sprintf("economy: unknown slash policy %d", rules.Economy.SlashPolicy))
	}
}

// SlashEquivocation applies the equivocation penalty for proof at height and
// records the event. The offence must not have been punished before.
func SlashEquivocation(st *iblockproc.State, rules aitbc.Rules, proof inter.EquivocationProof, height idx.Block) inter.SlashEvent {
	key := proof.Key()
	bps := rules.Economy.EquivocationPenaltyBps
	amount := staking.Slash(st, key.Validator, bps, height)
	route(st, rules, amount)
	st.MarkPunished(key)

	p := proof
	ev := inter.SlashEvent{
		Validator:    key.Validator,
		Reason:       inter.SlashEquivocation,
		Equivocation: &p,
		PenaltyBps:   bps,
		Amount:       amount,
		AppliedAt:    height,
	}
	st.Slashes = append(st.Slashes, ev)
	return ev
}

// Unavailable reports whether a duty record crosses the missed-slot
// threshold: missed/expected > threshold.
func Unavailable(rules aitbc.Rules, d iblockproc.Duty) bool {
	if d.Expected == 0 {
		return false
	}
	return uint64(d.Missed)*10000 > uint64(rules.Economy.MissedSlotThresholdBps)*uint64(d.Expected)
}

// Availability is the share of fulfilled duties in basis points. A
// validator without duties is fully available.
func Availability(d iblockproc.Duty) uint32 {
	if d.Expected == 0 {
		return 10000
	}
	return uint32(uint64(d.Expected-d.Missed) * 10000 / uint64(d.Expected))
}

// CloseEpoch settles the epoch's duty counters: availability scores are
// updated, unavailable validators are slashed, and the counters reset.
func CloseEpoch(st *iblockproc.State, rules aitbc.Rules, height idx.Block) []inter.SlashEvent {
	var events []inter.SlashEvent
	bps := rules.Economy.UnavailabilityPenaltyBps
	for i := range st.Validators {
		v := &st.Validators[i]
		d := st.Duties[i]
		v.Availability = Availability(d)
		if !Unavailable(rules, d) {
			continue
		}
		id := v.ID
		amount := staking.Slash(st, id, bps, height)
		route(st, rules, amount)
		ev := inter.SlashEvent{
			Validator:  id,
			Reason:     inter.SlashUnavailability,
			Missed:     &inter.MissedSlots{Epoch: st.Epoch, Expected: d.Expected, Missed: d.Missed},
			PenaltyBps: bps,
			Amount:     amount,
			AppliedAt:  height,
		}
		st.Slashes = append(st.Slashes, ev)
		events = append(events, ev)
	}
	for i := range st.Duties {
		st.Duties[i] = iblockproc.Duty{}
	}
	return events
}
