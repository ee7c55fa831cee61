// Package blockcheck validates blocks against the consensus state of their
// parent. Validation is a pure function of the block, the parent state and
// the rules; it never mutates the state it is given.
package blockcheck

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/quorum"
	"github.com/oib/aitbc-chain/consensus/sortition"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/consensus/transition"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

var (
	ErrStructural         = errors.New("structurally invalid block")
	ErrQuorum             = errors.New("insufficient quorum")
	ErrDuplicateSignature = errors.New("duplicate signature")
	ErrEquivocation       = errors.New("block carries an equivocating signature")
	// ErrModeSchedule is transition.ErrModeSchedule, re-exported so callers
	// can classify every rejection through this package.
	ErrModeSchedule = transition.ErrModeSchedule
)

// VoteView answers whether a vote conflicts with one already seen.
type VoteView interface {
	Conflicting(v *inter.Vote) (inter.Vote, bool)
}

// Options tune a validation pass.
type Options struct {
	// Candidate validates an unsealed block: no signature sets, quorum is
	// not checked.
	Candidate bool
	// Votes, when set, is consulted for equivocation.
	Votes VoteView
}

// Result describes an accepted block, or the evidence found while
// rejecting one for equivocation.
type Result struct {
	Expected    transition.Expectation
	Requirement quorum.Requirement
	Schedule    sortition.Schedule
	HeaderHash  hash.Hash

	AuthoritySigners []idx.ValidatorID
	StakerSigners    []idx.ValidatorID

	Equivocations []inter.EquivocationProof
}

func structural(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStructural, fmt.Sprintf(format, args...))
}

// Validate checks b on top of st. Checks run in order: structure (including
// the mode schedule), authority quorum, staker quorum, duplicate signatures
// and finally equivocation.
func Validate(b *inter.Block, st *iblockproc.State, rules aitbc.Rules, opts Options) (*Result, error) {
	if b == nil {
		return nil, structural("nil block")
	}
	res := &Result{HeaderHash: b.Header.Hash()}
	if err := checkHeader(b, st, rules, res); err != nil {
		return nil, err
	}
	if err := checkBody(b, st, rules); err != nil {
		return nil, err
	}

	if opts.Candidate {
		if b.Sealed() {
			return nil, structural("candidate carries signatures")
		}
		return res, nil
	}
	if err := checkSignatures(b, st, res); err != nil {
		return res, err
	}
	if opts.Votes != nil {
		for _, set := range [][]inter.Sig{b.AuthoritySigs, b.StakerSigs} {
			for _, s := range set {
				v := inter.Vote{Height: b.Height, Slot: b.Slot, Header: res.HeaderHash, Validator: s.Validator, Signature: s.Signature}
				if other, ok := opts.Votes.Conflicting(&v); ok {
					res.Equivocations = append(res.Equivocations, inter.NewEquivocationProof(v, other))
				}
			}
		}
		if len(res.Equivocations) != 0 {
			return res, fmt.Errorf("%w: %d conflicting signers", ErrEquivocation, len(res.Equivocations))
		}
	}
	return res, nil
}

func checkHeader(b *inter.Block, st *iblockproc.State, rules aitbc.Rules, res *Result) error {
	h := &b.Header
	if h.Parent != st.Head.ID {
		return structural("parent %s, want %s", h.Parent, st.Head.ID)
	}
	if h.Height != st.Head.Height+1 {
		return structural("height %d on parent %d", h.Height, st.Head.Height)
	}
	if h.Slot <= st.Head.Slot {
		return structural("slot %d not after parent slot %d", h.Slot, st.Head.Slot)
	}
	if want := inter.SlotStart(st.GenesisTime, rules.Slots.Duration(), h.Slot); h.Time != want {
		return structural("time %d, slot %d starts at %d", h.Time, h.Slot, want)
	}
	if !h.Mode.Valid() {
		return structural("unknown mode %d", uint8(h.Mode))
	}
	if err := transition.NewManager(rules).Check(st, h); err != nil {
		return err
	}
	res.Expected = transition.NewManager(rules).Expect(st, h.Height)

	res.Schedule = sortition.NewSchedule(st, h.Mode, rules.Sortition.BalancedAuthorityBps)
	want, ok := res.Schedule.Proposer(h.Slot)
	if !ok {
		return structural("no eligible proposer for slot %d", h.Slot)
	}
	if h.Proposer != want {
		return structural("proposer %d, slot %d belongs to %d", h.Proposer, h.Slot, want)
	}
	proposer, ok := st.Validator(h.Proposer)
	if !ok {
		return structural("unknown proposer %d", h.Proposer)
	}
	if b.Seal.Empty() {
		return structural("missing proposer seal")
	}
	if !b.Seal.Verify(proposer.PubKey, inter.SealDigest(res.HeaderHash, b.SigsRoot())) {
		return structural("bad proposer seal")
	}
	if err := vrf.Verify(proposer.VRFKey, inter.VRFInput(h.Slot, st.Head.VRF), h.VRF); err != nil {
		return structural("%v", err)
	}
	return nil
}

func checkBody(b *inter.Block, st *iblockproc.State, rules aitbc.Rules) error {
	lim := rules.Blocks
	if len(b.Txs) > int(lim.MaxTxs) {
		return structural("%d txs over limit %d", len(b.Txs), lim.MaxTxs)
	}
	for i, tx := range b.Txs {
		if uint64(len(tx.Payload)) > uint64(tx.Size) {
			return structural("tx %d declares %d bytes for a %d byte payload", i, tx.Size, len(tx.Payload))
		}
	}
	if b.TxBytes != inter.TxBytes(b.Txs) || b.TxRoot != inter.TxRoot(b.Txs) {
		return structural("tx root mismatch")
	}
	if b.TxBytes > lim.MaxTxBytes {
		return structural("%d tx bytes over limit %d", b.TxBytes, lim.MaxTxBytes)
	}
	if len(b.Evidence) > int(lim.MaxEvidence) || len(b.StakeOps) > int(lim.MaxStakeOps) {
		return structural("body over capacity")
	}
	if b.BodyRoot != inter.BodyRoot(b.Evidence, b.StakeOps) {
		return structural("body root mismatch")
	}

	seen := make(map[inter.EvidenceKey]struct{}, len(b.Evidence))
	for i := range b.Evidence {
		p := &b.Evidence[i]
		key := p.Key()
		if _, dup := seen[key]; dup {
			return structural("evidence for %d@%d included twice", key.Validator, key.Height)
		}
		seen[key] = struct{}{}
		if err := CheckEvidence(st, rules, p, b.Height); err != nil {
			return err
		}
	}

	// stake ops must apply cleanly in order; commit applies them first
	scratch := st.Copy()
	for i := range b.StakeOps {
		if err := staking.Apply(scratch, rules, &b.StakeOps[i], b.Height); err != nil {
			return structural("stake op %d: %v", i, err)
		}
	}
	return nil
}

// CheckEvidence reports whether an equivocation proof may be included in a
// block at height on top of st.
func CheckEvidence(st *iblockproc.State, rules aitbc.Rules, p *inter.EquivocationProof, height idx.Block) error {
	key := p.Key()
	v, ok := st.Validator(key.Validator)
	if !ok {
		return structural("evidence against unknown validator %d", key.Validator)
	}
	if err := p.Verify(v.PubKey); err != nil {
		return structural("evidence: %v", err)
	}
	if key.Height > height || height-key.Height > rules.Epochs.Length {
		return structural("evidence at height %d outside the window of block %d", key.Height, height)
	}
	if st.IsPunished(key) {
		return structural("evidence for %d@%d already punished", key.Validator, key.Height)
	}
	return nil
}

func checkSignatures(b *inter.Block, st *iblockproc.State, res *Result) error {
	authorities, stakers := st.Authorities(), st.Stakers()
	res.Requirement = quorum.Require(res.Expected.Thresholds, authorities, stakers)
	tally := quorum.NewTally(res.Requirement, authorities, stakers)

	var dups int
	digest := inter.VoteDigest(b.Height, b.Slot, res.HeaderHash)
	for _, set := range []struct {
		class inter.Class
		sigs  []inter.Sig
		into  *[]idx.ValidatorID
	}{
		{inter.Authority, b.AuthoritySigs, &res.AuthoritySigners},
		{inter.Staker, b.StakerSigs, &res.StakerSigners},
	} {
		for _, s := range set.sigs {
			v, ok := st.Validator(s.Validator)
			if !ok {
				return structural("signature by unknown validator %d", s.Validator)
			}
			if !s.Signature.Verify(v.PubKey, digest) {
				return structural("invalid %s signature by %d", set.class, s.Validator)
			}
			err := tally.Add(s.Validator, set.class)
			switch {
			case errors.Is(err, quorum.ErrDuplicate):
				dups++
				continue
			case err != nil:
				return structural("%v", err)
			}
			*set.into = append(*set.into, s.Validator)
		}
	}

	if !tally.AuthoritiesMet() {
		return fmt.Errorf("%w: %d authority signatures, need %d", ErrQuorum, tally.AuthorityCount(), res.Requirement.Authorities)
	}
	if !tally.StakersMet() {
		return fmt.Errorf("%w: %d staker stake signed, need %d", ErrQuorum, tally.StakerStake(), res.Requirement.StakerStake)
	}
	if dups != 0 {
		return fmt.Errorf("%w: %d repeated signers", ErrDuplicateSignature, dups)
	}
	return nil
}
