package iblockproc

import (
	"testing"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/validatorpk"
)

func testState(t *testing.T) *State {
	t.Helper()
	s := &State{
		Head:        Head{ID: hash.Hash{1}, Height: 12, Slot: 15, Time: inter.FromUnix(100), VRF: hash.Hash{2}},
		GenesisTime: inter.FromUnix(10),
		Mode:        inter.ModeFast,
		Transition: &inter.ModeTransitionState{ModeTransitionAnnounce: inter.ModeTransitionAnnounce{
			StartHeight: 11,
			From:        inter.ModeFast,
			Target:      inter.ModeBalanced,
			Schedule:    []inter.Thresholds{{Authority: inter.NewRatio(2, 3), Staker: inter.NewRatio(1, 10)}},
		}},
		Epoch:      1,
		EpochStart: 1,
	}
	for _, id := range []idx.ValidatorID{3, 1, 2} {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		class := inter.Authority
		if id == 3 {
			class = inter.Staker
		}
		s.Insert(inter.Validator{
			ID:     id,
			PubKey: validatorpk.FromECDSA(&key.PublicKey),
			VRFKey: []byte{byte(id), 0xb1},
			Class:  class,
			Stake:  1000 * uint64(id),
			Active: true,
		})
		s.Stakes = append(s.Stakes, inter.StakeRecord{Validator: id, Amount: 1000 * uint64(id), BondedAt: 0})
		if class == inter.Authority {
			s.Permitted = append(s.Permitted, crypto.PubkeyToAddress(key.PublicKey))
		}
	}
	return s
}

func TestInsertKeepsOrder(t *testing.T) {
	require := require.New(t)

	s := testState(t)
	require.Len(s.Validators, 3)
	require.Len(s.Duties, 3)
	for i, v := range s.Validators {
		require.EqualValues(i+1, v.ID)
	}
	require.EqualValues(3, s.LastValidatorID)

	s.MutDuty(2).Expected = 4
	s.Insert(inter.Validator{ID: 0, Class: inter.Staker})
	require.EqualValues(0, s.Validators[0].ID)
	require.EqualValues(4, s.MutDuty(2).Expected)
	require.EqualValues(3, s.LastValidatorID)

	_, ok := s.Validator(9)
	require.False(ok)
	require.Nil(s.MutValidator(9))

	v, ok := s.ByPubKey(s.Validators[2].PubKey.Raw)
	require.True(ok)
	require.EqualValues(2, v.ID)
	v, ok = s.ByAddress(s.Validators[3].PubKey.Address())
	require.True(ok)
	require.EqualValues(3, v.ID)
	v, ok = s.ByVRFKey([]byte{1, 0xb1})
	require.True(ok)
	require.EqualValues(1, v.ID)
	_, ok = s.ByVRFKey(nil)
	require.False(ok)
	require.True(s.IsPermitted(s.Validators[1].PubKey.Address()))
	require.False(s.IsPermitted(s.Validators[3].PubKey.Address()))
}

func TestValidatorSets(t *testing.T) {
	require := require.New(t)

	s := testState(t)
	require.Len(s.Active(inter.Authority), 2)
	require.EqualValues(2, s.Authorities().Len())
	require.EqualValues(2, s.Authorities().TotalWeight())
	require.EqualValues(3000, s.Stakers().TotalWeight())
	require.True(s.HasStakers())
	require.EqualValues(3000, s.ClassStake(inter.Authority))

	s.MutValidator(3).Active = false
	require.False(s.HasStakers())
	require.EqualValues(0, s.Stakers().Len())
	require.Len(s.BondsOf(3), 1)
}

func TestStateEncoding(t *testing.T) {
	require := require.New(t)

	s := testState(t)
	proof := inter.NewEquivocationProof(
		inter.Vote{Height: 5, Slot: 6, Header: hash.Hash{1}, Validator: 2},
		inter.Vote{Height: 5, Slot: 6, Header: hash.Hash{2}, Validator: 2},
	)
	s.Slashes = append(s.Slashes,
		inter.SlashEvent{Validator: 2, Reason: inter.SlashEquivocation, Equivocation: &proof, PenaltyBps: 1000, Amount: 200, AppliedAt: 7},
		inter.SlashEvent{Validator: 1, Reason: inter.SlashUnavailability, Missed: &inter.MissedSlots{Epoch: 1, Expected: 10, Missed: 6}, PenaltyBps: 100, Amount: 10, AppliedAt: 8},
	)
	s.MarkPunished(proof.Key())

	raw, err := s.Encode()
	require.NoError(err)
	got, err := DecodeState(raw)
	require.NoError(err)
	require.Equal(s.Hash(), got.Hash())
	require.Equal(s.RegistryHash(), got.RegistryHash())
	require.Equal(s.Head, got.Head)
	require.Equal(s.Transition, got.Transition)
	require.Equal(s.Validators, got.Validators)
	require.Equal(s.Slashes[0].Equivocation.Hash(), got.Slashes[0].Equivocation.Hash())
	require.Nil(got.Slashes[0].Missed)
	require.Equal(*s.Slashes[1].Missed, *got.Slashes[1].Missed)
	require.True(got.IsPunished(proof.Key()))

	// no transition survives as nil
	s.Transition = nil
	raw, err = s.Encode()
	require.NoError(err)
	got, err = DecodeState(raw)
	require.NoError(err)
	require.Nil(got.Transition)

	_, err = DecodeState(raw[:len(raw)-1])
	require.Error(err)

	cp := got.Checkpoint()
	require.Equal(got.Head.Height, cp.Height)
	require.Equal(got.Head.ID, cp.BlockID)
	require.Equal(got.Hash(), cp.StateRoot)
}

func TestCopyIsIndependent(t *testing.T) {
	require := require.New(t)

	s := testState(t)
	before := s.Hash()
	reg := s.RegistryHash()
	cp := s.Copy()
	require.Equal(before, cp.Hash())

	cp.MutValidator(1).Stake = 1
	cp.MutValidator(1).PubKey.Raw[1] ^= 0xff
	cp.MutValidator(2).VRFKey[0] ^= 0xff
	cp.MutDuty(2).Missed = 9
	cp.Stakes[0].Amount = 5
	cp.Transition.Schedule[0].Staker = inter.NewRatio(1, 1)
	cp.MarkPunished(inter.EvidenceKey{Validator: 1, Height: 3})
	cp.Permitted[0][0] ^= 0xff

	require.Equal(before, s.Hash())
	require.Equal(reg, s.RegistryHash())
	require.NotEqual(before, cp.Hash())
	require.NotEqual(reg, cp.RegistryHash())
}

func TestPunishedSet(t *testing.T) {
	require := require.New(t)

	s := &State{}
	keys := []inter.EvidenceKey{
		{Validator: 2, Height: 9},
		{Validator: 1, Height: 20},
		{Validator: 1, Height: 8},
		{Validator: 1, Height: 4},
	}
	for _, k := range keys {
		s.MarkPunished(k)
		s.MarkPunished(k)
	}
	require.Equal([]inter.EvidenceKey{
		{Validator: 1, Height: 4},
		{Validator: 1, Height: 8},
		{Validator: 1, Height: 20},
		{Validator: 2, Height: 9},
	}, s.Punished)
	for _, k := range keys {
		require.True(s.IsPunished(k))
	}
	require.False(s.IsPunished(inter.EvidenceKey{Validator: 1, Height: 5}))

	s.PrunePunished(9)
	require.Equal([]inter.EvidenceKey{
		{Validator: 1, Height: 20},
		{Validator: 2, Height: 9},
	}, s.Punished)
}
