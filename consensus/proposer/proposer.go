// Package proposer assembles candidate blocks, signs votes and seals blocks
// with collected signatures.
package proposer

import (
	"crypto/ecdsa"
	"fmt"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/transition"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// Draft is the body a proposer wants to include.
type Draft struct {
	Txs      []inter.Tx
	Evidence []inter.EquivocationProof
	StakeOps []inter.StakeOp
	// Target, when valid, opens a transition toward it.
	Target inter.Mode
}

// Build creates the candidate for slot on top of st. The mode tag and step
// come from the published schedule; the caller is responsible for checking
// the draft fits the block limits.
func Build(st *iblockproc.State, rules aitbc.Rules, id idx.ValidatorID, key *ecdsa.PrivateKey, slot inter.Slot, d Draft) (*inter.Block, error) {
	if slot <= st.Head.Slot {
		return nil, fmt.Errorf("slot %d is not after head slot %d", slot, st.Head.Slot)
	}
	height := st.Head.Height + 1
	tm := transition.NewManager(rules)
	exp := tm.Expect(st, height)

	proof, err := vrf.Prove(key, inter.VRFInput(slot, st.Head.VRF))
	if err != nil {
		return nil, err
	}
	b := &inter.Block{
		Header: inter.Header{
			Height:   height,
			Slot:     slot,
			Parent:   st.Head.ID,
			Proposer: id,
			Mode:     exp.Mode,
			Step:     exp.Step,
			Time:     inter.SlotStart(st.GenesisTime, rules.Slots.Duration(), slot),
			VRF:      proof,
		},
		Txs:      d.Txs,
		Evidence: d.Evidence,
		StakeOps: d.StakeOps,
	}
	if d.Target.Valid() && tm.CanAnnounce(st, height, d.Target) == nil {
		b.Announce = tm.Announce(st.Mode, d.Target, height+1)
	}
	b.FillRoots()
	if err := reseal(b, key); err != nil {
		return nil, err
	}
	return b, nil
}

func reseal(b *inter.Block, key *ecdsa.PrivateKey) error {
	seal, err := inter.SignDigest(key, inter.SealDigest(b.Header.Hash(), b.SigsRoot()))
	if err != nil {
		return err
	}
	b.Seal = seal
	return nil
}

// SignVote signs the header of b as validator id.
func SignVote(key *ecdsa.PrivateKey, id idx.ValidatorID, b *inter.Block) (inter.Vote, error) {
	v := inter.Vote{Height: b.Height, Slot: b.Slot, Header: b.Header.Hash(), Validator: id}
	sig, err := inter.SignDigest(key, v.Digest())
	if err != nil {
		return inter.Vote{}, err
	}
	v.Signature = sig
	return v, nil
}

// Seal attaches votes to a copy of the candidate and re-seals it. Votes are
// sorted into the authority or staker set by the signer's class in st;
// votes by unknown or inactive validators, and for other headers, are
// skipped.
func Seal(candidate *inter.Block, key *ecdsa.PrivateKey, st *iblockproc.State, votes []inter.Vote) (*inter.Block, error) {
	b := candidate.Candidate()
	hh := b.Header.Hash()
	seen := make(map[idx.ValidatorID]bool, len(votes))
	for _, v := range votes {
		if v.Header != hh || seen[v.Validator] {
			continue
		}
		val, ok := st.Validator(v.Validator)
		if !ok || !val.Active {
			continue
		}
		seen[v.Validator] = true
		switch val.Class {
		case inter.Authority:
			b.AuthoritySigs = append(b.AuthoritySigs, v.Sig())
		case inter.Staker:
			b.StakerSigs = append(b.StakerSigs, v.Sig())
		default:
			panic(fmt.Sprintf("proposer: unknown class %d", uint8(val.Class)))
		}
	}
	sortSigs(b.AuthoritySigs)
	sortSigs(b.StakerSigs)
	if err := reseal(b, key); err != nil {
		return nil, err
	}
	return b, nil
}

func sortSigs(ss []inter.Sig) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].Validator < ss[j].Validator })
}
