package inter

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// Vote is a validator's signature over a header at a given height and slot.
type Vote struct {
	Height    idx.Block
	Slot      Slot
	Header    hash.Hash
	Validator idx.ValidatorID
	Signature Signature
}

// Digest is the signed message.
func (v *Vote) Digest() hash.Hash {
	return VoteDigest(v.Height, v.Slot, v.Header)
}

// Verify checks the vote signature against pk.
func (v *Vote) Verify(pk validatorpk.PubKey) bool {
	return v.Signature.Verify(pk, v.Digest())
}

// Sig returns the vote as a block signature entry.
func (v *Vote) Sig() Sig {
	return Sig{Validator: v.Validator, Signature: v.Signature}
}

// Conflicts reports whether v and o are equivocating: same signer, same
// height, different headers. The slot is part of the header, so votes for
// two proposers of one height conflict as well.
func (v *Vote) Conflicts(o *Vote) bool {
	return v.Validator == o.Validator &&
		v.Height == o.Height &&
		v.Header != o.Header
}

// EvidenceKey identifies one offence. A given key may be punished once.
type EvidenceKey struct {
	Validator idx.ValidatorID
	Height    idx.Block
}

var (
	ErrNotConflicting = errors.New("votes do not conflict")
	ErrProofSignature = errors.New("equivocation proof carries an invalid signature")
)

// EquivocationProof proves that a validator signed two different headers at
// the same height. Honest validators vote at most once per height.
type EquivocationProof struct {
	Pair [2]Vote
}

// NewEquivocationProof orders the pair canonically so that the same offence
// always produces the same proof.
func NewEquivocationProof(a, b Vote) EquivocationProof {
	if hashLess(b.Header, a.Header) {
		a, b = b, a
	}
	return EquivocationProof{Pair: [2]Vote{a, b}}
}

func hashLess(a, b hash.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Key is the offence the proof is about.
func (p *EquivocationProof) Key() EvidenceKey {
	return EvidenceKey{Validator: p.Pair[0].Validator, Height: p.Pair[0].Height}
}

// Verify checks the proof is internally consistent and signed by pk.
func (p *EquivocationProof) Verify(pk validatorpk.PubKey) error {
	if !p.Pair[0].Conflicts(&p.Pair[1]) {
		return ErrNotConflicting
	}
	if !hashLess(p.Pair[0].Header, p.Pair[1].Header) {
		return fmt.Errorf("%w: pair not in canonical order", ErrNotConflicting)
	}
	for i := range p.Pair {
		if !p.Pair[i].Verify(pk) {
			return ErrProofSignature
		}
	}
	return nil
}

// Hash commits to the proof contents.
func (p *EquivocationProof) Hash() hash.Hash {
	raw, err := p.MarshalBinary()
	if err != nil {
		panic("can't hash proof: " + err.Error())
	}
	return hash.Of(raw)
}
