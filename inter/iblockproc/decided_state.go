// Package iblockproc defines the consensus state that every committed block
// transitions. State holds the validator registry, the stake table, the
// active mode and any open transition window, the per-epoch duty counters
// and the slashing audit trail.
//
// A State is never mutated once published. The commit path copies the
// parent state, applies a block to the copy and publishes the result.
package iblockproc

import (
	"crypto/sha256"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/Fantom-foundation/lachesis-base/inter/pos"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/oib/aitbc-chain/inter"
)

// Duty counts a validator's proposer duties in the current epoch.
type Duty struct {
	// Expected is the number of slots the validator was the scheduled proposer.
	Expected uint32
	// Missed is the number of those slots that passed without its block.
	Missed uint32
}

// Head is the last committed block as seen by the state.
type Head struct {
	ID     hash.Hash
	Height idx.Block
	Slot   inter.Slot
	Time   inter.Timestamp
	// VRF is the head's VRF output, the seed of the next proposer ranking.
	VRF hash.Hash
}

// State is the consensus state after a block.
type State struct {
	Head Head

	// GenesisTime anchors slot timing: slot s starts at GenesisTime + s*slot.
	GenesisTime inter.Timestamp

	// Mode is the active mode. During a transition window it is still the
	// mode the window started from.
	Mode       inter.Mode
	Transition *inter.ModeTransitionState `rlp:"nil"`

	Epoch      idx.Epoch
	EpochStart idx.Block

	// Validators is sorted by ID. Duties is parallel to Validators.
	Validators []inter.Validator
	Duties     []Duty
	// Stakes is sorted by validator ID, then bond height.
	Stakes []inter.StakeRecord

	// Permitted lists the addresses allowed to hold the authority class.
	Permitted []common.Address

	// Punished is the set of offences already slashed, sorted.
	Punished []inter.EvidenceKey
	// Slashes is the append-only slashing audit trail.
	Slashes []inter.SlashEvent

	LastValidatorID idx.ValidatorID

	Treasury uint64
	Burned   uint64
	Minted   uint64
}

// Copy returns a deep copy that shares nothing mutable with s.
func (s *State) Copy() *State {
	cp := *s
	cp.Transition = s.Transition.Copy()
	cp.Validators = make([]inter.Validator, len(s.Validators))
	for i, v := range s.Validators {
		cp.Validators[i] = v.Copy()
	}
	cp.Duties = append([]Duty(nil), s.Duties...)
	cp.Stakes = append([]inter.StakeRecord(nil), s.Stakes...)
	cp.Permitted = append([]common.Address(nil), s.Permitted...)
	cp.Punished = append([]inter.EvidenceKey(nil), s.Punished...)
	// events and the proofs they point to are immutable
	cp.Slashes = append([]inter.SlashEvent(nil), s.Slashes...)
	return &cp
}

// Hash calculates the SHA256 hash of the RLP-encoded state. It is the state
// root committed to by checkpoints.
func (s *State) Hash() hash.Hash {
	hasher := sha256.New()
	err := rlp.Encode(hasher, s)
	if err != nil {
		panic("can't hash: " + err.Error())
	}
	return hash.BytesToHash(hasher.Sum(nil))
}

// registrySnapshot is the hashed view of the registry.
type registrySnapshot struct {
	Validators []inter.Validator
	Stakes     []inter.StakeRecord
	Permitted  []common.Address
}

// RegistryHash fingerprints the validator registry and stake table.
func (s *State) RegistryHash() hash.Hash {
	hasher := sha256.New()
	err := rlp.Encode(hasher, &registrySnapshot{s.Validators, s.Stakes, s.Permitted})
	if err != nil {
		panic("can't hash: " + err.Error())
	}
	return hash.BytesToHash(hasher.Sum(nil))
}

// Encode serializes the state for storage.
func (s *State) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeState is the inverse of Encode.
func DecodeState(raw []byte) (*State, error) {
	s := new(State)
	if err := rlp.DecodeBytes(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) index(id idx.ValidatorID) int {
	i := sort.Search(len(s.Validators), func(i int) bool { return s.Validators[i].ID >= id })
	if i < len(s.Validators) && s.Validators[i].ID == id {
		return i
	}
	return -1
}

// Validator returns the registry entry of id.
func (s *State) Validator(id idx.ValidatorID) (inter.Validator, bool) {
	i := s.index(id)
	if i < 0 {
		return inter.Validator{}, false
	}
	return s.Validators[i], true
}

// MutValidator returns a pointer into the registry for the commit path.
func (s *State) MutValidator(id idx.ValidatorID) *inter.Validator {
	i := s.index(id)
	if i < 0 {
		return nil
	}
	return &s.Validators[i]
}

// MutDuty returns a pointer to the duty counters of id.
func (s *State) MutDuty(id idx.ValidatorID) *Duty {
	i := s.index(id)
	if i < 0 {
		return nil
	}
	return &s.Duties[i]
}

// Insert adds a new registry entry keeping the sort order.
func (s *State) Insert(v inter.Validator) {
	i := sort.Search(len(s.Validators), func(i int) bool { return s.Validators[i].ID >= v.ID })
	s.Validators = append(s.Validators, inter.Validator{})
	copy(s.Validators[i+1:], s.Validators[i:])
	s.Validators[i] = v
	s.Duties = append(s.Duties, Duty{})
	copy(s.Duties[i+1:], s.Duties[i:])
	s.Duties[i] = Duty{}
	if v.ID > s.LastValidatorID {
		s.LastValidatorID = v.ID
	}
}

// ByPubKey finds a validator by key.
func (s *State) ByPubKey(pk []byte) (inter.Validator, bool) {
	for _, v := range s.Validators {
		if string(v.PubKey.Raw) == string(pk) {
			return v, true
		}
	}
	return inter.Validator{}, false
}

// ByVRFKey finds a validator by its VRF key.
func (s *State) ByVRFKey(key []byte) (inter.Validator, bool) {
	for _, v := range s.Validators {
		if len(key) != 0 && string(v.VRFKey) == string(key) {
			return v, true
		}
	}
	return inter.Validator{}, false
}

// ByAddress finds a validator by the address of its key.
func (s *State) ByAddress(addr common.Address) (inter.Validator, bool) {
	for _, v := range s.Validators {
		if v.PubKey.Address() == addr {
			return v, true
		}
	}
	return inter.Validator{}, false
}

// IsPermitted reports whether addr may hold the authority class.
func (s *State) IsPermitted(addr common.Address) bool {
	for _, a := range s.Permitted {
		if a == addr {
			return true
		}
	}
	return false
}

// Active returns the active validators of class, sorted by ID.
func (s *State) Active(class inter.Class) []inter.Validator {
	var res []inter.Validator
	for _, v := range s.Validators {
		if v.Active && v.Class == class {
			res = append(res, v)
		}
	}
	return res
}

// Authorities returns the active authorities, each with weight 1.
func (s *State) Authorities() *pos.Validators {
	b := pos.NewBuilder()
	for _, v := range s.Validators {
		if v.Active && v.Class == inter.Authority {
			b.Set(v.ID, 1)
		}
	}
	return b.Build()
}

// Stakers returns the active stakers weighted by stake. Stakers without
// countable stake are left out.
func (s *State) Stakers() *pos.Validators {
	b := pos.NewBuilder()
	for _, v := range s.Validators {
		if v.Active && v.Class == inter.Staker && v.Stake > 0 {
			b.Set(v.ID, pos.Weight(v.Stake))
		}
	}
	return b.Build()
}

// HasStakers reports whether any staker is active with countable stake.
func (s *State) HasStakers() bool {
	for _, v := range s.Validators {
		if v.Active && v.Class == inter.Staker && v.Stake > 0 {
			return true
		}
	}
	return false
}

// ClassStake sums the stake of the active validators of class.
func (s *State) ClassStake(class inter.Class) uint64 {
	var total uint64
	for _, v := range s.Validators {
		if v.Active && v.Class == class {
			total += v.Stake
		}
	}
	return total
}

// IsPunished reports whether the offence was already slashed.
func (s *State) IsPunished(k inter.EvidenceKey) bool {
	i := sort.Search(len(s.Punished), func(i int) bool { return !keyLess(s.Punished[i], k) })
	return i < len(s.Punished) && s.Punished[i] == k
}

// MarkPunished records k.
func (s *State) MarkPunished(k inter.EvidenceKey) {
	i := sort.Search(len(s.Punished), func(i int) bool { return !keyLess(s.Punished[i], k) })
	if i < len(s.Punished) && s.Punished[i] == k {
		return
	}
	s.Punished = append(s.Punished, inter.EvidenceKey{})
	copy(s.Punished[i+1:], s.Punished[i:])
	s.Punished[i] = k
}

// PrunePunished forgets offences below height. Evidence that old is no
// longer admissible, so the keys are not needed.
func (s *State) PrunePunished(below idx.Block) {
	kept := s.Punished[:0]
	for _, k := range s.Punished {
		if k.Height >= below {
			kept = append(kept, k)
		}
	}
	s.Punished = kept
}

func keyLess(a, b inter.EvidenceKey) bool {
	if a.Validator != b.Validator {
		return a.Validator < b.Validator
	}
	return a.Height < b.Height
}

// BondsOf returns the stake records of id.
func (s *State) BondsOf(id idx.ValidatorID) []inter.StakeRecord {
	var res []inter.StakeRecord
	for _, r := range s.Stakes {
		if r.Validator == id {
			res = append(res, r)
		}
	}
	return res
}

// Checkpoint returns the checkpoint anchored at the state.
func (s *State) Checkpoint() inter.Checkpoint {
	return inter.Checkpoint{
		Height:       s.Head.Height,
		BlockID:      s.Head.ID,
		StateRoot:    s.Hash(),
		RegistryHash: s.RegistryHash(),
	}
}
