package inter

import (
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// Validator is a registry entry. Registry entries are owned by the consensus
// engine and only change through its commit path.
type Validator struct {
	ID     idx.ValidatorID
	PubKey validatorpk.PubKey
	// VRFKey is the compressed BLS public key proposer VRF proofs verify
	// against.
	VRFKey []byte
	Class  Class

	// Stake is the bonded amount, the sum of the validator's StakeRecords.
	// Amounts waiting on an unbonding period are still included.
	Stake uint64

	// Active validators count toward registry size, quorum and sortition.
	// Activation changes only at epoch boundaries.
	Active bool

	// PendingClass, when non-zero, replaces Class at the next epoch boundary.
	PendingClass Class

	// Availability is the share of proposer duties fulfilled over the last
	// completed epoch, in basis points.
	Availability uint32

	// Rewards accumulates block rewards. Rewards are never added to Stake.
	Rewards uint64

	// Nonce is the number of stake operations applied for this validator.
	Nonce uint64

	// Slashes counts applied SlashEvents.
	Slashes uint32
}

// Copy returns a deep copy.
func (v Validator) Copy() Validator {
	cp := v
	cp.PubKey = v.PubKey.Copy()
	cp.VRFKey = append([]byte(nil), v.VRFKey...)
	return cp
}

func (v Validator) String() string {
	return fmt.Sprintf("%s#%d{stake=%d active=%t}", v.Class, v.ID, v.Stake, v.Active)
}

// StakeRecord is a single bond. UnbondRequestedAt is zero while the bond is
// live; once requested, UnbondCompleteAt is the first height at which the
// bond may be withdrawn.
type StakeRecord struct {
	Validator         idx.ValidatorID
	Amount            uint64
	BondedAt          idx.Block
	UnbondRequestedAt idx.Block
	UnbondCompleteAt  idx.Block
}

// Unbonding reports whether an unbond was requested for the record.
func (r StakeRecord) Unbonding() bool {
	return r.UnbondRequestedAt != 0
}

// Withdrawable reports whether the record's unbonding period elapsed by height.
func (r StakeRecord) Withdrawable(height idx.Block) bool {
	return r.Unbonding() && height >= r.UnbondCompleteAt
}

// SlashReason distinguishes the two punishable offences.
type SlashReason uint8

const (
	SlashEquivocation SlashReason = iota + 1
	SlashUnavailability
)

func (r SlashReason) String() string {
	switch r {
	case SlashEquivocation:
		return "equivocation"
	case SlashUnavailability:
		return "unavailability"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// MissedSlots is the evidence for an unavailability slash: the epoch
// counters that crossed the configured threshold.
type MissedSlots struct {
	Epoch    idx.Epoch
	Expected uint32
	Missed   uint32
}

// SlashEvent is an immutable audit record of an applied penalty. Exactly one
// of Equivocation or Missed is set, matching Reason.
type SlashEvent struct {
	Validator    idx.ValidatorID
	Reason       SlashReason
	Equivocation *EquivocationProof `rlp:"nil"`
	Missed       *MissedSlots       `rlp:"nil"`
	PenaltyBps   uint32
	Amount       uint64
	AppliedAt    idx.Block
}

// Reward is one entry of a block's reward distribution.
type Reward struct {
	Validator idx.ValidatorID
	Class     Class
	Amount    uint64
}
