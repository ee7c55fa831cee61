// Package chaintest builds fake networks and blocks for tests.
package chaintest

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/aitbc/genesis"
	"github.com/oib/aitbc-chain/consensus/proposer"
	"github.com/oib/aitbc-chain/consensus/sortition"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// Network is a fake genesis with known keys.
type Network struct {
	Rules   aitbc.Rules
	Genesis *iblockproc.State
	Keys    map[idx.ValidatorID]*ecdsa.PrivateKey
}

// New creates a fake network of authorities and stakers, each staker
// bonding stakerStake, on FakeNetRules.
func New(t testing.TB, authorities, stakers int, stakerStake uint64) *Network {
	return NewWithRules(t, aitbc.FakeNetRules(), authorities, stakers, stakerStake)
}

func NewWithRules(t testing.TB, rules aitbc.Rules, authorities, stakers int, stakerStake uint64) *Network {
	g := genesis.FakeGenesis(rules, authorities, stakers, stakerStake, time.Unix(1700000000, 0))
	st, err := g.State(rules)
	require.NoError(t, err)
	return &Network{Rules: rules, Genesis: st, Keys: genesis.FakeKeys(authorities + stakers)}
}

// Proposer returns the proposer scheduled for slot on top of st.
func (n *Network) Proposer(t testing.TB, st *iblockproc.State, slot inter.Slot) idx.ValidatorID {
	h := n.Expect(st)
	id, ok := sortition.NewSchedule(st, h, n.Rules.Sortition.BalancedAuthorityBps).Proposer(slot)
	require.True(t, ok, "no proposer for slot %d", slot)
	return id
}

// Expect is the mode tag of the next block on top of st.
func (n *Network) Expect(st *iblockproc.State) inter.Mode {
	if tr := st.Transition; tr != nil && tr.Contains(st.Head.Height+1) {
		return tr.Target
	}
	return st.Mode
}

// Candidate builds the scheduled proposer's candidate for slot.
func (n *Network) Candidate(t testing.TB, st *iblockproc.State, slot inter.Slot, d proposer.Draft) *inter.Block {
	id := n.Proposer(t, st, slot)
	b, err := proposer.Build(st, n.Rules, id, n.Keys[id], slot, d)
	require.NoError(t, err)
	return b
}

// Votes signs b by every listed validator.
func (n *Network) Votes(t testing.TB, b *inter.Block, signers ...idx.ValidatorID) []inter.Vote {
	votes := make([]inter.Vote, 0, len(signers))
	for _, id := range signers {
		v, err := proposer.SignVote(n.Keys[id], id, b)
		require.NoError(t, err)
		votes = append(votes, v)
	}
	return votes
}

// Seal attaches the signers' votes to candidate.
func (n *Network) Seal(t testing.TB, st *iblockproc.State, candidate *inter.Block, signers ...idx.ValidatorID) *inter.Block {
	b, err := proposer.Seal(candidate, n.Keys[candidate.Proposer], st, n.Votes(t, candidate, signers...))
	require.NoError(t, err)
	return b
}

// Block builds and seals a block for slot signed by signers.
func (n *Network) Block(t testing.TB, st *iblockproc.State, slot inter.Slot, d proposer.Draft, signers ...idx.ValidatorID) *inter.Block {
	return n.Seal(t, st, n.Candidate(t, st, slot, d), signers...)
}

// All lists every genesis validator ID.
func (n *Network) All() []idx.ValidatorID {
	ids := make([]idx.ValidatorID, 0, len(n.Genesis.Validators))
	for _, v := range n.Genesis.Validators {
		ids = append(ids, v.ID)
	}
	return ids
}
