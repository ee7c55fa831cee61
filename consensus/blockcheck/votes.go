package blockcheck

import (
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter"
)

type voteKey struct {
	validator idx.ValidatorID
	height    idx.Block
}

// VoteIndex remembers the first vote of every validator per height.
// It is not safe for concurrent use.
type VoteIndex struct {
	first map[voteKey]inter.Vote
}

func NewVoteIndex() *VoteIndex {
	return &VoteIndex{first: make(map[voteKey]inter.Vote)}
}

func keyOf(v *inter.Vote) voteKey {
	return voteKey{validator: v.Validator, height: v.Height}
}

// Conflicting returns a remembered vote that conflicts with v.
func (x *VoteIndex) Conflicting(v *inter.Vote) (inter.Vote, bool) {
	prev, ok := x.first[keyOf(v)]
	if !ok || !prev.Conflicts(v) {
		return inter.Vote{}, false
	}
	return prev, true
}

// Add records v. It returns a proof when v conflicts with a remembered
// vote, and known when the same vote was already seen. The caller must have
// verified the vote signature.
func (x *VoteIndex) Add(v inter.Vote) (proof *inter.EquivocationProof, known bool) {
	k := keyOf(&v)
	prev, ok := x.first[k]
	if !ok {
		x.first[k] = v
		return nil, false
	}
	if prev.Header == v.Header {
		return nil, true
	}
	p := inter.NewEquivocationProof(prev, v)
	return &p, false
}

// Prune forgets votes below height.
func (x *VoteIndex) Prune(below idx.Block) {
	for k := range x.first {
		if k.height < below {
			delete(x.first, k)
		}
	}
}

// Len is the number of remembered votes.
func (x *VoteIndex) Len() int {
	return len(x.first)
}
