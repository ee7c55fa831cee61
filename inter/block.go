// Package inter defines the consensus data model shared by every component of
// the chain: blocks and their headers, validator registry entries, stake
// records, slashing evidence, mode transition schedules, checkpoints and the
// gossip wire messages.
//
// A block moves through two shapes on the wire. A candidate carries a header,
// the body and the proposer's seal over an empty signature set; validators
// vote on the header hash. Once the proposer has collected enough votes it
// attaches them as AuthoritySigs/StakerSigs and re-seals. The sealed block's
// ID commits to the header and to the exact signature sets, and is the value
// children reference as their parent.
package inter

import (
	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
)

// Slot is the fixed time unit during which exactly one proposer is eligible.
type Slot uint64

// Tx is an opaque, already validated transaction payload. Size is the size
// declared by the submitter and is what counts against block capacity.
type Tx struct {
	Payload []byte
	Size    uint32
}

// Sig is a validator's vote signature embedded in a sealed block.
type Sig struct {
	Validator idx.ValidatorID
	Signature Signature
}

// VRF key and proof sizes: a compressed BLS12-381 G1 and G2 point.
const (
	VRFKeySize   = 48
	VRFProofSize = 96
)

// VRFProof is a compressed BLS signature over the VRF input.
type VRFProof [VRFProofSize]byte

// VRF holds the proposer's verifiable random output for the block and the
// proof binding it to the proposer's registered VRF key.
type VRF struct {
	Output hash.Hash
	Proof  VRFProof
}

// Header is the signed part of a block. Votes sign VoteDigest(Height, Slot,
// Header.Hash()).
type Header struct {
	Height   idx.Block
	Slot     Slot
	Parent   hash.Hash
	Proposer idx.ValidatorID

	// Mode is the mode tag. Inside a transition window it is the target
	// mode and Step is the 1-based position in the published schedule;
	// outside a window Step is zero.
	Mode Mode
	Step uint32

	Time Timestamp
	VRF  VRF

	TxRoot   hash.Hash
	TxBytes  uint64
	BodyRoot hash.Hash

	// Announce, when set, opens a transition window starting at Height+1.
	Announce *ModeTransitionAnnounce
}

// Hash is the content hash of the header.
func (h *Header) Hash() hash.Hash {
	raw, err := h.MarshalBinary()
	if err != nil {
		panic("can't hash header: " + err.Error())
	}
	return hash.Of(raw)
}

// Block is a header plus its body and seal.
type Block struct {
	Header

	Txs      []Tx
	Evidence []EquivocationProof
	StakeOps []StakeOp

	AuthoritySigs []Sig
	StakerSigs    []Sig

	// Seal is the proposer's signature over SealDigest(header, signatures).
	Seal Signature
}

// Sealed reports whether the block carries collected votes.
func (b *Block) Sealed() bool {
	return len(b.AuthoritySigs) != 0 || len(b.StakerSigs) != 0
}

// SigsRoot commits to both signature sets in order.
func (b *Block) SigsRoot() hash.Hash {
	return SigsRoot(b.AuthoritySigs, b.StakerSigs)
}

// ID is the block identity: header, signature sets and seal.
func (b *Block) ID() hash.Hash {
	hh := b.Header.Hash()
	sr := b.SigsRoot()
	return hash.Of(hh.Bytes(), sr.Bytes(), b.Seal[:])
}

// Candidate returns a copy of b stripped of its signature sets. The seal
// must be recomputed by the caller.
func (b *Block) Candidate() *Block {
	cp := *b
	cp.AuthoritySigs = nil
	cp.StakerSigs = nil
	cp.Seal = Signature{}
	return &cp
}

// SigsRoot commits to the ordered authority and staker signature sets.
func SigsRoot(authority, staker []Sig) hash.Hash {
	parts := make([][]byte, 0, 2*(len(authority)+len(staker))+2)
	for _, set := range [][]Sig{authority, staker} {
		parts = append(parts, bigendian.Uint32ToBytes(uint32(len(set))))
		for _, s := range set {
			parts = append(parts, bigendian.Uint32ToBytes(uint32(s.Validator)), s.Signature[:])
		}
	}
	return hash.Of(parts...)
}

// TxRoot commits to the ordered transaction list and declared sizes.
func TxRoot(txs []Tx) hash.Hash {
	parts := make([][]byte, 0, 2*len(txs))
	for _, tx := range txs {
		h := hash.Of(tx.Payload)
		parts = append(parts, h.Bytes(), bigendian.Uint32ToBytes(tx.Size))
	}
	return hash.Of(parts...)
}

// TxBytes sums the declared sizes of txs.
func TxBytes(txs []Tx) uint64 {
	var n uint64
	for _, tx := range txs {
		n += uint64(tx.Size)
	}
	return n
}

// BodyRoot commits to the evidence list and stake operations.
func BodyRoot(evidence []EquivocationProof, ops []StakeOp) hash.Hash {
	parts := make([][]byte, 0, len(evidence)+len(ops)+2)
	parts = append(parts, bigendian.Uint32ToBytes(uint32(len(evidence))))
	for i := range evidence {
		h := evidence[i].Hash()
		parts = append(parts, h.Bytes())
	}
	parts = append(parts, bigendian.Uint32ToBytes(uint32(len(ops))))
	for i := range ops {
		h := ops[i].Hash()
		parts = append(parts, h.Bytes())
	}
	return hash.Of(parts...)
}

// FillRoots sets TxRoot, TxBytes and BodyRoot from the body.
func (b *Block) FillRoots() {
	b.TxRoot = TxRoot(b.Txs)
	b.TxBytes = TxBytes(b.Txs)
	b.BodyRoot = BodyRoot(b.Evidence, b.StakeOps)
}

// EstimateSize approximates the encoded size of the block.
func (b *Block) EstimateSize() int {
	size := 256
	for _, tx := range b.Txs {
		size += len(tx.Payload) + 8
	}
	size += len(b.Evidence) * 2 * (SignatureSize + 64)
	size += len(b.StakeOps) * (SignatureSize + 96)
	size += (len(b.AuthoritySigs) + len(b.StakerSigs)) * (SignatureSize + 4)
	return size
}
