// Package sortition ranks proposer candidates for the slots following a
// block. Ranking is a pure function of a random source, the registry view and
// the mode, so every node derives the same fallback order.
package sortition

import (
	"encoding/binary"
	"math"
	mbits "math/bits"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// Source yields the random words consumed by the i-th draw. Lane 0 picks the
// class, lane 1 picks the candidate.
type Source interface {
	Word(i uint32, lane uint8) uint64
}

// HashSource derives words from a seed: H(seed || i || lane).
type HashSource hash.Hash

func (s HashSource) Word(i uint32, lane uint8) uint64 {
	h := hash.Of(s[:], bigendian.Uint32ToBytes(i), []byte{lane})
	return binary.BigEndian.Uint64(h[:8])
}

// Candidate is a proposer candidate. Weight is ignored for uniform draws.
type Candidate struct {
	ID     idx.ValidatorID
	Weight uint64
}

// Params configures a ranking.
type Params struct {
	Mode inter.Mode
	// AuthorityBps is the Balanced mode chance to draw an authority.
	AuthorityBps uint32
}

// Rank orders every eligible candidate for the given mode by drawing
// without replacement:
//   - Fast: uniformly from authorities.
//   - Balanced: an authority with AuthorityBps chance, else a staker by
//     stake; when one class is exhausted the other is used.
//   - Secure: stakers by stake. Authorities are ranked only if no staker is
//     eligible, so the chain keeps a proposer.
func Rank(src Source, p Params, authorities, stakers []Candidate) []idx.ValidatorID {
	auth := append([]Candidate(nil), authorities...)
	stak := append([]Candidate(nil), stakers...)
	order := make([]idx.ValidatorID, 0, len(auth)+len(stak))

	var i uint32
	next := func() uint32 { i++; return i - 1 }

	switch p.Mode {
	case inter.ModeFast:
		for len(auth) > 0 {
			var id idx.ValidatorID
			id, auth = drawUniform(auth, src.Word(next(), 1))
			order = append(order, id)
		}
	case inter.ModeBalanced:
		for len(auth)+len(stak) > 0 {
			n := next()
			pickAuth := len(stak) == 0 ||
				(len(auth) > 0 && src.Word(n, 0)%10000 < uint64(p.AuthorityBps))
			var id idx.ValidatorID
			if pickAuth {
				id, auth = drawUniform(auth, src.Word(n, 1))
			} else {
				id, stak = drawWeighted(stak, src.Word(n, 1))
			}
			order = append(order, id)
		}
	case inter.ModeSecure:
		if len(stak) == 0 {
			return Rank(src, Params{Mode: inter.ModeFast}, authorities, nil)
		}
		for len(stak) > 0 {
			var id idx.ValidatorID
			id, stak = drawWeighted(stak, src.Word(next(), 1))
			order = append(order, id)
		}
	default:
		panic("sortition: unknown mode " + p.Mode.String())
	}
	return order
}

// scale maps a uniform word onto [0, n).
func scale(word, n uint64) uint64 {
	hi, _ := mbits.Mul64(word, n)
	return hi
}

func drawUniform(cc []Candidate, word uint64) (idx.ValidatorID, []Candidate) {
	j := int(scale(word, uint64(len(cc))))
	id := cc[j].ID
	return id, remove(cc, j)
}

func drawWeighted(cc []Candidate, word uint64) (idx.ValidatorID, []Candidate) {
	var total uint64
	for _, c := range cc {
		total += c.Weight
	}
	if total == 0 {
		return drawUniform(cc, word)
	}
	target := scale(word, total)
	for j, c := range cc {
		if target < c.Weight {
			return c.ID, remove(cc, j)
		}
		target -= c.Weight
	}
	// unreachable: target < total
	return cc[len(cc)-1].ID, cc[:len(cc)-1]
}

func remove(cc []Candidate, j int) []Candidate {
	return append(cc[:j], cc[j+1:]...)
}

// Candidates extracts the active authorities and stakers of a state, in ID
// order.
func Candidates(s *iblockproc.State) (authorities, stakers []Candidate) {
	for _, v := range s.Validators {
		if !v.Active {
			continue
		}
		switch v.Class {
		case inter.Authority:
			authorities = append(authorities, Candidate{ID: v.ID, Weight: v.Stake})
		case inter.Staker:
			if v.Stake > 0 {
				stakers = append(stakers, Candidate{ID: v.ID, Weight: v.Stake})
			}
		}
	}
	return authorities, stakers
}

// Schedule is the proposer fallback order after a given parent.
type Schedule struct {
	ParentSlot inter.Slot
	Ranking    []idx.ValidatorID
}

// NewSchedule ranks the successors of the state's head block under mode.
func NewSchedule(s *iblockproc.State, mode inter.Mode, authorityBps uint32) Schedule {
	auth, stak := Candidates(s)
	return Schedule{
		ParentSlot: s.Head.Slot,
		Ranking:    Rank(HashSource(s.Head.VRF), Params{Mode: mode, AuthorityBps: authorityBps}, auth, stak),
	}
}

// Proposer returns the validator eligible in slot, which must be after the
// parent's slot.
func (s Schedule) Proposer(slot inter.Slot) (idx.ValidatorID, bool) {
	if slot <= s.ParentSlot || len(s.Ranking) == 0 {
		return 0, false
	}
	return s.Ranking[s.Position(slot)], true
}

// Position is the ranking index owning slot.
func (s Schedule) Position(slot inter.Slot) int {
	return int(uint64(slot-s.ParentSlot-1) % uint64(len(s.Ranking)))
}

// Missed returns how many slots each ranked validator missed when the next
// block lands in slot: every slot strictly between the parent and slot.
func (s Schedule) Missed(slot inter.Slot) map[idx.ValidatorID]uint32 {
	res := make(map[idx.ValidatorID]uint32)
	if slot <= s.ParentSlot+1 || len(s.Ranking) == 0 {
		return res
	}
	gap := uint64(slot - s.ParentSlot - 1)
	n := uint64(len(s.Ranking))
	for i, id := range s.Ranking {
		c := gap / n
		if uint64(i) < gap%n {
			c++
		}
		if c > math.MaxUint32 {
			c = math.MaxUint32
		}
		if c > 0 {
			res[id] = uint32(c)
		}
	}
	return res
}
