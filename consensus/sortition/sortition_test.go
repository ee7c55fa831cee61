package sortition

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/inter"
)

// scripted replays fixed words, keyed by lane.
type scripted map[uint8][]uint64

func (s scripted) Word(i uint32, lane uint8) uint64 {
	words := s[lane]
	if int(i) < len(words) {
		return words[i]
	}
	return 0
}

func authorities(n int) []Candidate {
	cc := make([]Candidate, n)
	for i := range cc {
		cc[i] = Candidate{ID: idx.ValidatorID(i + 1), Weight: 10000}
	}
	return cc
}

func stakers(weights ...uint64) []Candidate {
	cc := make([]Candidate, len(weights))
	for i, w := range weights {
		cc[i] = Candidate{ID: idx.ValidatorID(100 + i), Weight: w}
	}
	return cc
}

func seed(i int) HashSource {
	return HashSource(hash.Of(bigendian.Uint64ToBytes(uint64(i))))
}

func sorted(ids []idx.ValidatorID) []idx.ValidatorID {
	cp := append([]idx.ValidatorID(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp
}

func TestRankIsPermutation(t *testing.T) {
	auth, stak := authorities(4), stakers(1000, 2000, 3000)
	for _, tc := range []struct {
		mode inter.Mode
		want []idx.ValidatorID
	}{
		{inter.ModeFast, []idx.ValidatorID{1, 2, 3, 4}},
		{inter.ModeBalanced, []idx.ValidatorID{1, 2, 3, 4, 100, 101, 102}},
		{inter.ModeSecure, []idx.ValidatorID{100, 101, 102}},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				got := Rank(seed(i), Params{Mode: tc.mode, AuthorityBps: 7000}, auth, stak)
				require.Equal(t, tc.want, sorted(got))
			}
		})
	}
}

func TestDrawReturnsDrawnCandidate(t *testing.T) {
	for j := 0; j < 4; j++ {
		// scale(j<<62, 4) == j
		id, rest := drawUniform(authorities(4), uint64(j)<<62)
		require.Equal(t, idx.ValidatorID(j+1), id)
		require.Len(t, rest, 3)
		require.NotContains(t, rest, Candidate{ID: id, Weight: 10000})
	}
}

func TestRankHasNoDuplicates(t *testing.T) {
	for i := 0; i < 200; i++ {
		got := Rank(seed(i), Params{Mode: inter.ModeFast}, authorities(4), nil)
		require.Equal(t, []idx.ValidatorID{1, 2, 3, 4}, sorted(got), "seed %d ranking %v", i, got)

		sched := Schedule{ParentSlot: 10, Ranking: got}
		missed := sched.Missed(15)
		require.Len(t, missed, 4, "every ranked validator owns one of the skipped slots")
	}
}

func TestRankDeterministic(t *testing.T) {
	auth, stak := authorities(5), stakers(1000, 5000)
	p := Params{Mode: inter.ModeBalanced, AuthorityBps: 7000}
	require.Equal(t, Rank(seed(3), p, auth, stak), Rank(seed(3), p, auth, stak))
	// inputs are not modified
	require.Equal(t, authorities(5), auth)
	require.Equal(t, stakers(1000, 5000), stak)
}

func TestSecureWithoutStakersFallsBack(t *testing.T) {
	got := Rank(seed(1), Params{Mode: inter.ModeSecure}, authorities(3), nil)
	require.Equal(t, []idx.ValidatorID{1, 2, 3}, sorted(got))
}

func TestScriptedDraws(t *testing.T) {
	// word 0 maps to index 0, max word maps to the last index
	src := scripted{1: {0, ^uint64(0), 0}}
	got := Rank(src, Params{Mode: inter.ModeFast}, authorities(3), nil)
	require.Equal(t, []idx.ValidatorID{1, 3, 2}, got)

	// balanced: lane 0 below 7000 picks an authority
	src = scripted{0: {9999, 0}, 1: {0, 0}}
	got = Rank(src, Params{Mode: inter.ModeBalanced, AuthorityBps: 7000}, authorities(1), stakers(10))
	require.Equal(t, []idx.ValidatorID{100, 1}, got)
}

func TestFastIsUniform(t *testing.T) {
	const rounds = 20000
	counts := map[idx.ValidatorID]int{}
	for i := 0; i < rounds; i++ {
		counts[Rank(seed(i), Params{Mode: inter.ModeFast}, authorities(4), nil)[0]]++
	}
	for id := idx.ValidatorID(1); id <= 4; id++ {
		assert.InDelta(t, 0.25, float64(counts[id])/rounds, 0.02, "validator %d", id)
	}
}

func TestBalancedAuthorityShare(t *testing.T) {
	const rounds = 20000
	var authFirst int
	for i := 0; i < rounds; i++ {
		first := Rank(seed(i), Params{Mode: inter.ModeBalanced, AuthorityBps: 7000}, authorities(4), stakers(1000, 1000))[0]
		if first < 100 {
			authFirst++
		}
	}
	assert.InDelta(t, 0.7, float64(authFirst)/rounds, 0.02)
}

func TestSecureIsStakeWeighted(t *testing.T) {
	const rounds = 20000
	counts := map[idx.ValidatorID]int{}
	for i := 0; i < rounds; i++ {
		counts[Rank(seed(i), Params{Mode: inter.ModeSecure}, authorities(4), stakers(1000, 3000, 6000))[0]]++
	}
	assert.InDelta(t, 0.1, float64(counts[100])/rounds, 0.02)
	assert.InDelta(t, 0.3, float64(counts[101])/rounds, 0.02)
	assert.InDelta(t, 0.6, float64(counts[102])/rounds, 0.02)
}

func TestScheduleProposerAndMissed(t *testing.T) {
	s := Schedule{ParentSlot: 100, Ranking: []idx.ValidatorID{7, 8, 9}}

	_, ok := s.Proposer(100)
	require.False(t, ok)

	for slot, want := range map[inter.Slot]idx.ValidatorID{101: 7, 102: 8, 103: 9, 104: 7} {
		got, ok := s.Proposer(slot)
		require.True(t, ok)
		require.Equal(t, want, got, "slot %d", slot)
	}

	require.Empty(t, s.Missed(101))
	require.Equal(t, map[idx.ValidatorID]uint32{7: 1}, s.Missed(102))
	// 5 skipped slots over 3 candidates: 2, 2, 1
	require.Equal(t, map[idx.ValidatorID]uint32{7: 2, 8: 2, 9: 1}, s.Missed(106))
}

func TestMissedMatchesSlotWalk(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		n := 1 + r.Intn(7)
		ranking := make([]idx.ValidatorID, n)
		for j := range ranking {
			ranking[j] = idx.ValidatorID(j + 1)
		}
		s := Schedule{ParentSlot: inter.Slot(r.Intn(1000)), Ranking: ranking}
		land := s.ParentSlot + 1 + inter.Slot(r.Intn(30))

		want := map[idx.ValidatorID]uint32{}
		for slot := s.ParentSlot + 1; slot < land; slot++ {
			id, _ := s.Proposer(slot)
			want[id]++
		}
		require.Equal(t, want, s.Missed(land))
	}
}
