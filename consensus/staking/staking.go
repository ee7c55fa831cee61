// Package staking applies stake operations and slashing penalties to the
// validator registry, and runs the registry side of epoch boundaries.
//
// Every function here mutates the state it is given and is only called by
// the commit path on a private copy.
package staking

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// MaxClassStake bounds the active stake of one class so that stake weights
// fit pos.Weight.
const MaxClassStake = math.MaxUint32 / 2

var (
	ErrUnknownValidator  = errors.New("unknown validator")
	ErrBadNonce          = errors.New("bad stake op nonce")
	ErrBadOpSignature    = errors.New("bad stake op signature")
	ErrBondTooLow        = errors.New("bond below class minimum")
	ErrStakeOverflow     = errors.New("class stake limit exceeded")
	ErrAlreadyKnown      = errors.New("public key already registered")
	ErrNotPermitted      = errors.New("address may not hold the authority class")
	ErrRegistryFull      = errors.New("registry is full")
	ErrNothingToUnbond   = errors.New("no live bonds")
	ErrNothingToWithdraw = errors.New("no withdrawable bonds")
	ErrBadClass          = errors.New("bad class change")
	ErrBadOp             = errors.New("malformed stake op")
)

// Verify checks an op's signature and nonce against st without applying it.
func Verify(st *iblockproc.State, op *inter.StakeOp) error {
	if op.Kind == inter.OpRegister {
		if op.Nonce != 0 || op.Validator != 0 || op.PubKey.Type != validatorpk.Types.Secp256k1 {
			return fmt.Errorf("%w: register must carry nonce 0, no validator id and a secp256k1 key", ErrBadOp)
		}
		if _, err := op.PubKey.ECDSA(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadOp, err)
		}
		if err := vrf.ValidateKey(op.VRFKey); err != nil {
			return fmt.Errorf("%w: %v", ErrBadOp, err)
		}
		if !op.Signature.Verify(op.PubKey, op.Digest()) {
			return ErrBadOpSignature
		}
		return nil
	}
	v, ok := st.Validator(op.Validator)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, op.Validator)
	}
	if op.Nonce != v.Nonce {
		return fmt.Errorf("%w: got %d, want %d", ErrBadNonce, op.Nonce, v.Nonce)
	}
	if !op.PubKey.Empty() || len(op.VRFKey) != 0 {
		return fmt.Errorf("%w: only register carries keys", ErrBadOp)
	}
	if !op.Signature.Verify(v.PubKey, op.Digest()) {
		return ErrBadOpSignature
	}
	return nil
}

// Apply verifies op against st and applies it at height.
func Apply(st *iblockproc.State, rules aitbc.Rules, op *inter.StakeOp, height idx.Block) error {
	if err := Verify(st, op); err != nil {
		return err
	}
	switch op.Kind {
	case inter.OpRegister:
		return register(st, rules, op, height)
	case inter.OpBond:
		return bond(st, op.Validator, op.Amount, height)
	case inter.OpRequestUnbond:
		return requestUnbond(st, rules, op.Validator, height)
	case inter.OpCompleteUnbond:
		return completeUnbond(st, op.Validator, height)
	case inter.OpChangeClass:
		return changeClass(st, rules, op.Validator, op.Class)
	}
	return fmt.Errorf("%w: kind %s", ErrBadOp, op.Kind)
}

func bumpNonce(st *iblockproc.State, id idx.ValidatorID) {
	st.MutValidator(id).Nonce++
}

func register(st *iblockproc.State, rules aitbc.Rules, op *inter.StakeOp, height idx.Block) error {
	if !op.Class.Valid() {
		return fmt.Errorf("%w: class %d", ErrBadOp, op.Class)
	}
	if uint32(len(st.Validators)) >= rules.Staking.MaxValidators {
		return ErrRegistryFull
	}
	if _, ok := st.ByPubKey(op.PubKey.Raw); ok {
		return ErrAlreadyKnown
	}
	if _, ok := st.ByVRFKey(op.VRFKey); ok {
		return ErrAlreadyKnown
	}
	if op.Class == inter.Authority && !st.IsPermitted(op.PubKey.Address()) {
		return ErrNotPermitted
	}
	if op.Amount < rules.Staking.MinBond(op.Class) {
		return fmt.Errorf("%w: %d < %d", ErrBondTooLow, op.Amount, rules.Staking.MinBond(op.Class))
	}
	if op.Amount > MaxClassStake {
		return ErrStakeOverflow
	}
	id := st.LastValidatorID + 1
	// inactive until the next epoch boundary
	st.Insert(inter.Validator{
		ID:     id,
		PubKey: op.PubKey.Copy(),
		VRFKey: append([]byte(nil), op.VRFKey...),
		Class:  op.Class,
		Nonce:  1,
	})
	addRecord(st, inter.StakeRecord{Validator: id, Amount: op.Amount, BondedAt: height})
	Refresh(st, height)
	return nil
}

func bond(st *iblockproc.State, id idx.ValidatorID, amount uint64, height idx.Block) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero bond", ErrBadOp)
	}
	v := st.MutValidator(id)
	if v.Stake+amount > MaxClassStake || (v.Active && st.ClassStake(v.Class)+amount > MaxClassStake) {
		return ErrStakeOverflow
	}
	addRecord(st, inter.StakeRecord{Validator: id, Amount: amount, BondedAt: height})
	bumpNonce(st, id)
	Refresh(st, height)
	return nil
}

func requestUnbond(st *iblockproc.State, rules aitbc.Rules, id idx.ValidatorID, height idx.Block) error {
	var n int
	for i := range st.Stakes {
		r := &st.Stakes[i]
		if r.Validator == id && !r.Unbonding() {
			r.UnbondRequestedAt = height
			r.UnbondCompleteAt = height + rules.Staking.UnbondingPeriod
			n++
		}
	}
	if n == 0 {
		return ErrNothingToUnbond
	}
	bumpNonce(st, id)
	Refresh(st, height)
	return nil
}

func completeUnbond(st *iblockproc.State, id idx.ValidatorID, height idx.Block) error {
	kept := st.Stakes[:0]
	var n int
	for _, r := range st.Stakes {
		if r.Validator == id && r.Withdrawable(height) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	st.Stakes = kept
	if n == 0 {
		return ErrNothingToWithdraw
	}
	bumpNonce(st, id)
	Refresh(st, height)
	return nil
}

func changeClass(st *iblockproc.State, rules aitbc.Rules, id idx.ValidatorID, class inter.Class) error {
	v := st.MutValidator(id)
	if !class.Valid() || class == v.Class {
		return fmt.Errorf("%w: %s to %s", ErrBadClass, v.Class, class)
	}
	if class == inter.Authority && !st.IsPermitted(v.PubKey.Address()) {
		return ErrNotPermitted
	}
	v.PendingClass = class
	v.Nonce++
	return nil
}

func addRecord(st *iblockproc.State, r inter.StakeRecord) {
	i := sort.Search(len(st.Stakes), func(i int) bool {
		s := st.Stakes[i]
		return s.Validator > r.Validator || (s.Validator == r.Validator && s.BondedAt > r.BondedAt)
	})
	st.Stakes = append(st.Stakes, inter.StakeRecord{})
	copy(st.Stakes[i+1:], st.Stakes[i:])
	st.Stakes[i] = r
}

// Refresh recomputes every validator's countable stake at height: the sum of
// its records, leaving out records whose unbonding completed.
func Refresh(st *iblockproc.State, height idx.Block) {
	sums := make(map[idx.ValidatorID]uint64, len(st.Validators))
	for _, r := range st.Stakes {
		if !r.Withdrawable(height) {
			sums[r.Validator] += r.Amount
		}
	}
	for i := range st.Validators {
		st.Validators[i].Stake = sums[st.Validators[i].ID]
	}
}

// Slash removes bps of the validator's countable stake, newest bond first,
// and returns the amount removed.
func Slash(st *iblockproc.State, id idx.ValidatorID, bps uint32, height idx.Block) uint64 {
	v := st.MutValidator(id)
	if v == nil {
		return 0
	}
	penalty := Penalty(v.Stake, bps)
	left := penalty
	for i := len(st.Stakes) - 1; i >= 0 && left > 0; i-- {
		r := &st.Stakes[i]
		if r.Validator != id || r.Withdrawable(height) {
			continue
		}
		cut := r.Amount
		if cut > left {
			cut = left
		}
		r.Amount -= cut
		left -= cut
	}
	// drop emptied records
	kept := st.Stakes[:0]
	for _, r := range st.Stakes {
		if r.Amount > 0 {
			kept = append(kept, r)
		}
	}
	st.Stakes = kept
	v.Slashes++
	Refresh(st, height)
	return penalty - left
}

// Penalty is floor(stake * bps / 10000).
func Penalty(stake uint64, bps uint32) uint64 {
	return stake/10000*uint64(bps) + stake%10000*uint64(bps)/10000
}

// EpochBoundary applies pending class changes and recomputes activation.
// A validator is active when its countable stake meets its class minimum.
// It returns the validators whose activation or class changed.
func EpochBoundary(st *iblockproc.State, rules aitbc.Rules) []idx.ValidatorID {
	var changed []idx.ValidatorID
	classStake := map[inter.Class]uint64{}
	for i := range st.Validators {
		v := &st.Validators[i]
		class, active := v.Class, v.Active
		if v.PendingClass != 0 {
			if v.Stake >= rules.Staking.MinBond(v.PendingClass) {
				v.Class = v.PendingClass
			}
			v.PendingClass = 0
		}
		v.Active = v.Stake >= rules.Staking.MinBond(v.Class)
		if v.Active && !active && classStake[v.Class]+v.Stake > MaxClassStake {
			v.Active = false
		}
		if v.Active {
			classStake[v.Class] += v.Stake
		}
		if v.Class != class || v.Active != active {
			changed = append(changed, v.ID)
		}
	}
	return changed
}
