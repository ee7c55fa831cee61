package inter

import (
	"bytes"
	"crypto/ecdsa"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/inter/validatorpk"
)

func vote(t *testing.T, key *ecdsa.PrivateKey, header hash.Hash) Vote {
	t.Helper()
	v := Vote{Height: 7, Slot: 9, Header: header, Validator: 3}
	sig, err := SignDigest(key, v.Digest())
	require.NoError(t, err)
	v.Signature = sig
	return v
}

func fullBlock(t *testing.T) *Block {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := hash.BytesToHash(bytes.Repeat([]byte{0xff}, 32))
	op := StakeOp{
		Kind:      OpRegister,
		Validator: 12,
		Nonce:     1,
		Amount:    2000,
		Class:     Staker,
		PubKey:    validatorpk.FromECDSA(&key.PublicKey),
		VRFKey:    bytes.Repeat([]byte{0xb1}, VRFKeySize),
	}
	require.NoError(t, op.Sign(key))

	b := &Block{
		Header: Header{
			Height:   1 << 40,
			Slot:     1 << 50,
			Parent:   h,
			Proposer: 5,
			Mode:     ModeBalanced,
			Step:     3,
			Time:     FromUnix(1700000000),
			VRF:      VRF{Output: h, Proof: VRFProof{1, 2, 3}},
			Announce: &ModeTransitionAnnounce{
				StartHeight: 101,
				From:        ModeFast,
				Target:      ModeSecure,
				Schedule: []Thresholds{
					{Authority: NewRatio(2, 3), Staker: NewRatio(1, 20)},
					{Authority: NewRatio(2, 3), Staker: NewRatio(1, 10)},
				},
			},
		},
		Txs: []Tx{
			{Payload: []byte("first"), Size: 5},
			{Payload: bytes.Repeat([]byte{0xaa}, 300), Size: 400},
		},
		Evidence: []EquivocationProof{
			NewEquivocationProof(vote(t, key, hash.Hash{1}), vote(t, key, hash.Hash{2})),
		},
		StakeOps:      []StakeOp{op},
		AuthoritySigs: []Sig{{Validator: 1, Signature: Signature{9}}, {Validator: 2, Signature: Signature{8}}},
		StakerSigs:    []Sig{{Validator: 12, Signature: Signature{7}}},
		Seal:          Signature{0xee},
	}
	b.FillRoots()
	return b
}

func TestBlockSerialization(t *testing.T) {
	require := require.New(t)

	b := fullBlock(t)
	raw, err := b.MarshalBinary()
	require.NoError(err)

	var got Block
	require.NoError(got.UnmarshalBinary(raw))
	require.Equal(*b, got)
	require.Equal(b.ID(), got.ID())
	require.Equal(b.Header.Hash(), got.Header.Hash())

	t.Run("proposal", func(t *testing.T) {
		p := NewProposal(b)
		raw, err := p.MarshalBinary()
		require.NoError(err)
		var got Proposal
		require.NoError(got.UnmarshalBinary(raw))
		require.Equal(p.Height, got.Height)
		require.Equal(p.Mode, got.Mode)
		require.Equal(b.ID(), got.Block.ID())

		_, err = (&Proposal{}).MarshalBinary()
		require.ErrorIs(err, ErrSerMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 1} {
			var got Block
			assert.Error(t, got.UnmarshalBinary(raw[:n]), "prefix of %d bytes", n)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		h := b.Header
		h.Mode = 0
		_, err := h.MarshalBinary()
		require.ErrorIs(err, ErrSerMalformed)
	})
}

func TestBlockIdentity(t *testing.T) {
	require := require.New(t)

	b := fullBlock(t)
	require.True(b.Sealed())

	c := b.Candidate()
	require.False(c.Sealed())
	require.Equal(b.Header.Hash(), c.Header.Hash())
	require.NotEqual(b.ID(), c.ID())
	// the candidate is a copy
	require.True(b.Sealed())

	other := *b
	other.AuthoritySigs = b.AuthoritySigs[:1]
	require.NotEqual(b.ID(), other.ID())

	root := b.BodyRoot
	b.StakeOps = nil
	b.FillRoots()
	require.NotEqual(root, b.BodyRoot)
	require.EqualValues(405, b.TxBytes)
}

func TestSmallMessagesSerialization(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Run("vote", func(t *testing.T) {
		v := vote(t, key, hash.Hash{4})
		raw, err := v.MarshalBinary()
		require.NoError(t, err)
		var got Vote
		require.NoError(t, got.UnmarshalBinary(raw))
		require.Equal(t, v, got)
		require.True(t, got.Verify(validatorpk.FromECDSA(&key.PublicKey)))
	})

	t.Run("checkpoint", func(t *testing.T) {
		cp := Checkpoint{Height: 50, BlockID: hash.Hash{1}, StateRoot: hash.Hash{2}, RegistryHash: hash.Hash{3}}
		raw, err := cp.MarshalBinary()
		require.NoError(t, err)
		var got Checkpoint
		require.NoError(t, got.UnmarshalBinary(raw))
		require.Equal(t, cp, got)
	})

	t.Run("stake op", func(t *testing.T) {
		op := StakeOp{Kind: OpBond, Validator: 4, Nonce: 3, Amount: 10, PubKey: validatorpk.FromECDSA(&key.PublicKey)}
		require.NoError(t, op.Sign(key))
		raw, err := op.MarshalBinary()
		require.NoError(t, err)
		var got StakeOp
		require.NoError(t, got.UnmarshalBinary(raw))
		require.Equal(t, op, got)
		require.Equal(t, op.Digest(), got.Digest())
		require.True(t, got.Signature.Verify(op.PubKey, got.Digest()))

		got.Amount++
		require.False(t, got.Signature.Verify(op.PubKey, got.Digest()))
	})
}

func TestEquivocationProof(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)
	other, err := crypto.GenerateKey()
	require.NoError(err)
	pk := validatorpk.FromECDSA(&key.PublicKey)

	a, b := vote(t, key, hash.Hash{2}), vote(t, key, hash.Hash{1})
	require.True(a.Conflicts(&b))

	p := NewEquivocationProof(a, b)
	require.Equal(NewEquivocationProof(b, a), p)
	require.Equal(hash.Hash{1}, p.Pair[0].Header)
	require.Equal(EvidenceKey{Validator: 3, Height: 7}, p.Key())
	require.NoError(p.Verify(pk))
	require.ErrorIs(p.Verify(validatorpk.FromECDSA(&other.PublicKey)), ErrProofSignature)

	raw, err := p.MarshalBinary()
	require.NoError(err)
	var got EquivocationProof
	require.NoError(got.UnmarshalBinary(raw))
	require.Equal(p.Hash(), got.Hash())
	require.NoError(got.Verify(pk))

	t.Run("same header", func(t *testing.T) {
		p := EquivocationProof{Pair: [2]Vote{a, a}}
		require.ErrorIs(p.Verify(pk), ErrNotConflicting)
	})

	t.Run("fallback slot", func(t *testing.T) {
		// a vote for another proposer of the same height is still a conflict
		later := b
		later.Slot++
		require.True(a.Conflicts(&later))
		p := NewEquivocationProof(a, later)
		require.Equal(EvidenceKey{Validator: 3, Height: 7}, p.Key())
	})

	t.Run("other height", func(t *testing.T) {
		next := b
		next.Height++
		require.False(a.Conflicts(&next))
	})

	t.Run("wrong order", func(t *testing.T) {
		swapped := EquivocationProof{Pair: [2]Vote{p.Pair[1], p.Pair[0]}}
		require.ErrorIs(swapped.Verify(pk), ErrNotConflicting)
	})
}

func TestTimestampSlots(t *testing.T) {
	require := require.New(t)

	genesis := FromUnix(1000)
	d := Timestamp(2e9)
	require.Equal(genesis+3*d, SlotStart(genesis, 2e9, 3))
	require.EqualValues(3, SlotAt(genesis, 2e9, genesis+3*d))
	require.EqualValues(3, SlotAt(genesis, 2e9, genesis+4*d-1))
	require.EqualValues(0, SlotAt(genesis, 2e9, genesis-1))
	require.EqualValues(1000, genesis.Unix())
}
