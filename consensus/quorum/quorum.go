// Package quorum turns threshold fractions into concrete requirements over a
// registry view and tallies signatures against them.
package quorum

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/Fantom-foundation/lachesis-base/inter/pos"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/oib/aitbc-chain/inter"
)

var (
	ErrDuplicate = errors.New("duplicate signature")
	ErrNotMember = errors.New("signer is not an active member of the class")
)

// Requirement is the absolute number of authority signatures and the staker
// weight a block needs.
type Requirement struct {
	Authorities uint64
	StakerStake uint64
}

// Require computes a requirement: floor(n*q)+1 of the n active authorities
// and ceil(S*q) of the total active staker stake S. A zero fraction requires
// nothing; a non-zero staker fraction requires at least one unit of stake.
func Require(t inter.Thresholds, authorities, stakers *pos.Validators) Requirement {
	req := Requirement{
		Authorities: t.Authority.Exceeding(uint64(authorities.Len())),
		StakerStake: t.Staker.Ceil(uint64(stakers.TotalWeight())),
	}
	if !t.Staker.IsZero() && req.StakerStake == 0 {
		req.StakerStake = 1
	}
	return req
}

func (r Requirement) String() string {
	return fmt.Sprintf("authorities>=%d stake>=%d", r.Authorities, r.StakerStake)
}

// Tally accumulates distinct signers.
type Tally struct {
	req         Requirement
	authorities *pos.Validators
	stakers     *pos.Validators

	signed      mapset.Set[idx.ValidatorID]
	authCount   uint64
	stakerStake uint64
}

// NewTally starts an empty tally.
func NewTally(req Requirement, authorities, stakers *pos.Validators) *Tally {
	return &Tally{
		req:         req,
		authorities: authorities,
		stakers:     stakers,
		signed:      mapset.NewThreadUnsafeSet[idx.ValidatorID](),
	}
}

// Add counts a signer of class. A validator is counted once across both
// classes.
func (t *Tally) Add(id idx.ValidatorID, class inter.Class) error {
	if t.signed.Contains(id) {
		return fmt.Errorf("%w: validator %d", ErrDuplicate, id)
	}
	switch class {
	case inter.Authority:
		if !t.authorities.Exists(id) {
			return fmt.Errorf("%w: %d is not an active authority", ErrNotMember, id)
		}
		t.authCount++
	case inter.Staker:
		if !t.stakers.Exists(id) {
			return fmt.Errorf("%w: %d is not an active staker", ErrNotMember, id)
		}
		t.stakerStake += uint64(t.stakers.Get(id))
	default:
		panic(fmt.Sprintf("quorum: unknown class %d", uint8(class)))
	}
	t.signed.Add(id)
	return nil
}

// Has reports whether id was counted.
func (t *Tally) Has(id idx.ValidatorID) bool {
	return t.signed.Contains(id)
}

func (t *Tally) AuthorityCount() uint64 { return t.authCount }

func (t *Tally) StakerStake() uint64 { return t.stakerStake }

// AuthoritiesMet reports whether the authority requirement is met.
func (t *Tally) AuthoritiesMet() bool {
	return t.authCount >= t.req.Authorities
}

// StakersMet reports whether the staker requirement is met.
func (t *Tally) StakersMet() bool {
	return t.stakerStake >= t.req.StakerStake
}

// Reached reports whether both requirements are met.
func (t *Tally) Reached() bool {
	return t.AuthoritiesMet() && t.StakersMet()
}

// Requirement returns what the tally is measured against.
func (t *Tally) Requirement() Requirement {
	return t.req
}
