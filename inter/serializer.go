package inter

import (
	"errors"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter/validatorpk"
	"github.com/oib/aitbc-chain/utils/cser"
)

// Decoding limits. Rules may tighten these further.
const (
	MaxTxsPerBlock      = 1 << 16
	MaxTxPayload        = 1 << 20
	MaxSigsPerSet       = 1 << 12
	MaxEvidencePerBlock = 64
	MaxOpsPerBlock      = 256
	MaxScheduleLen      = 1024
	maxPubKeyLen        = 128
)

var ErrSerMalformed = errors.New("serialization of malformed value")

func writeHash(w *cser.Writer, h hash.Hash) {
	w.FixedBytes(h[:])
}

func readHash(r *cser.Reader) (h hash.Hash) {
	r.FixedBytes(h[:])
	return h
}

func writeSig(w *cser.Writer, s Signature) {
	w.FixedBytes(s[:])
}

func readSig(r *cser.Reader) (s Signature) {
	r.FixedBytes(s[:])
	return s
}

func writeRatio(w *cser.Writer, q Ratio) {
	w.U64(q.Num)
	w.U64(q.Den)
}

func readRatio(r *cser.Reader) Ratio {
	q := Ratio{Num: r.U64(), Den: r.U64()}
	if q.Validate() != nil {
		panic(cser.ErrMalformedEncoding)
	}
	return q
}

func writeMode(w *cser.Writer, m Mode) error {
	if !m.Valid() {
		return ErrSerMalformed
	}
	w.U8(uint8(m))
	return nil
}

func readMode(r *cser.Reader) Mode {
	m := Mode(r.U8())
	if !m.Valid() {
		panic(cser.ErrMalformedEncoding)
	}
	return m
}

func writePubKey(w *cser.Writer, pk validatorpk.PubKey) {
	w.U8(pk.Type)
	w.SliceBytes(pk.Raw)
}

func readPubKey(r *cser.Reader) validatorpk.PubKey {
	t := r.U8()
	return validatorpk.PubKey{Type: t, Raw: r.SliceBytes(maxPubKeyLen)}
}

// MarshalCSER writes the announce.
func (a *ModeTransitionAnnounce) MarshalCSER(w *cser.Writer) error {
	w.U64(uint64(a.StartHeight))
	if err := writeMode(w, a.From); err != nil {
		return err
	}
	if err := writeMode(w, a.Target); err != nil {
		return err
	}
	w.U56(uint64(len(a.Schedule)))
	for _, t := range a.Schedule {
		writeRatio(w, t.Authority)
		writeRatio(w, t.Staker)
	}
	return nil
}

func (a *ModeTransitionAnnounce) UnmarshalCSER(r *cser.Reader) error {
	a.StartHeight = idx.Block(r.U64())
	a.From = readMode(r)
	a.Target = readMode(r)
	n := r.SliceLen(MaxScheduleLen)
	a.Schedule = make([]Thresholds, n)
	for i := range a.Schedule {
		a.Schedule[i].Authority = readRatio(r)
		a.Schedule[i].Staker = readRatio(r)
	}
	return nil
}

func (a *ModeTransitionAnnounce) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(a.MarshalCSER)
}

func (a *ModeTransitionAnnounce) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, a.UnmarshalCSER)
}

// MarshalCSER writes the header fields in declaration order.
func (h *Header) MarshalCSER(w *cser.Writer) error {
	w.U64(uint64(h.Height))
	w.U64(uint64(h.Slot))
	writeHash(w, h.Parent)
	w.U32(uint32(h.Proposer))
	if err := writeMode(w, h.Mode); err != nil {
		return err
	}
	w.U32(h.Step)
	w.U64(uint64(h.Time))
	writeHash(w, h.VRF.Output)
	w.FixedBytes(h.VRF.Proof[:])
	writeHash(w, h.TxRoot)
	w.U64(h.TxBytes)
	writeHash(w, h.BodyRoot)
	w.Bool(h.Announce != nil)
	if h.Announce != nil {
		return h.Announce.MarshalCSER(w)
	}
	return nil
}

func (h *Header) UnmarshalCSER(r *cser.Reader) error {
	h.Height = idx.Block(r.U64())
	h.Slot = Slot(r.U64())
	h.Parent = readHash(r)
	h.Proposer = idx.ValidatorID(r.U32())
	h.Mode = readMode(r)
	h.Step = r.U32()
	h.Time = Timestamp(r.U64())
	h.VRF.Output = readHash(r)
	r.FixedBytes(h.VRF.Proof[:])
	h.TxRoot = readHash(r)
	h.TxBytes = r.U64()
	h.BodyRoot = readHash(r)
	h.Announce = nil
	if r.Bool() {
		h.Announce = new(ModeTransitionAnnounce)
		return h.Announce.UnmarshalCSER(r)
	}
	return nil
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(h.MarshalCSER)
}

func (h *Header) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, h.UnmarshalCSER)
}

// MarshalCSER writes a vote.
func (v *Vote) MarshalCSER(w *cser.Writer) error {
	w.U64(uint64(v.Height))
	w.U64(uint64(v.Slot))
	writeHash(w, v.Header)
	w.U32(uint32(v.Validator))
	writeSig(w, v.Signature)
	return nil
}

func (v *Vote) UnmarshalCSER(r *cser.Reader) error {
	v.Height = idx.Block(r.U64())
	v.Slot = Slot(r.U64())
	v.Header = readHash(r)
	v.Validator = idx.ValidatorID(r.U32())
	v.Signature = readSig(r)
	return nil
}

func (v *Vote) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(v.MarshalCSER)
}

func (v *Vote) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, v.UnmarshalCSER)
}

func (p *EquivocationProof) MarshalCSER(w *cser.Writer) error {
	for i := range p.Pair {
		if err := p.Pair[i].MarshalCSER(w); err != nil {
			return err
		}
	}
	return nil
}

func (p *EquivocationProof) UnmarshalCSER(r *cser.Reader) error {
	for i := range p.Pair {
		if err := p.Pair[i].UnmarshalCSER(r); err != nil {
			return err
		}
	}
	return nil
}

func (p *EquivocationProof) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(p.MarshalCSER)
}

func (p *EquivocationProof) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, p.UnmarshalCSER)
}

func (op *StakeOp) MarshalCSER(w *cser.Writer) error {
	w.U8(uint8(op.Kind))
	w.U32(uint32(op.Validator))
	w.U64(op.Nonce)
	w.U64(op.Amount)
	w.U8(uint8(op.Class))
	writePubKey(w, op.PubKey)
	w.SliceBytes(op.VRFKey)
	writeSig(w, op.Signature)
	return nil
}

func (op *StakeOp) UnmarshalCSER(r *cser.Reader) error {
	op.Kind = OpKind(r.U8())
	op.Validator = idx.ValidatorID(r.U32())
	op.Nonce = r.U64()
	op.Amount = r.U64()
	op.Class = Class(r.U8())
	op.PubKey = readPubKey(r)
	op.VRFKey = r.SliceBytes(VRFKeySize)
	if len(op.VRFKey) == 0 {
		op.VRFKey = nil
	}
	op.Signature = readSig(r)
	return nil
}

func (op *StakeOp) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(op.MarshalCSER)
}

func (op *StakeOp) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, op.UnmarshalCSER)
}

func writeSigs(w *cser.Writer, set []Sig) {
	w.U56(uint64(len(set)))
	for _, s := range set {
		w.U32(uint32(s.Validator))
		writeSig(w, s.Signature)
	}
}

func readSigs(r *cser.Reader) []Sig {
	n := r.SliceLen(MaxSigsPerSet)
	if n == 0 {
		return nil
	}
	set := make([]Sig, n)
	for i := range set {
		set[i].Validator = idx.ValidatorID(r.U32())
		set[i].Signature = readSig(r)
	}
	return set
}

// MarshalCSER writes header, body, signature sets and seal.
func (b *Block) MarshalCSER(w *cser.Writer) error {
	if err := b.Header.MarshalCSER(w); err != nil {
		return err
	}
	w.U56(uint64(len(b.Txs)))
	for _, tx := range b.Txs {
		w.SliceBytes(tx.Payload)
		w.U32(tx.Size)
	}
	w.U56(uint64(len(b.Evidence)))
	for i := range b.Evidence {
		if err := b.Evidence[i].MarshalCSER(w); err != nil {
			return err
		}
	}
	w.U56(uint64(len(b.StakeOps)))
	for i := range b.StakeOps {
		if err := b.StakeOps[i].MarshalCSER(w); err != nil {
			return err
		}
	}
	writeSigs(w, b.AuthoritySigs)
	writeSigs(w, b.StakerSigs)
	writeSig(w, b.Seal)
	return nil
}

func (b *Block) UnmarshalCSER(r *cser.Reader) error {
	if err := b.Header.UnmarshalCSER(r); err != nil {
		return err
	}
	b.Txs = nil
	if n := r.SliceLen(MaxTxsPerBlock); n > 0 {
		b.Txs = make([]Tx, n)
		for i := range b.Txs {
			b.Txs[i].Payload = r.SliceBytes(MaxTxPayload)
			b.Txs[i].Size = r.U32()
		}
	}
	b.Evidence = nil
	if n := r.SliceLen(MaxEvidencePerBlock); n > 0 {
		b.Evidence = make([]EquivocationProof, n)
		for i := range b.Evidence {
			if err := b.Evidence[i].UnmarshalCSER(r); err != nil {
				return err
			}
		}
	}
	b.StakeOps = nil
	if n := r.SliceLen(MaxOpsPerBlock); n > 0 {
		b.StakeOps = make([]StakeOp, n)
		for i := range b.StakeOps {
			if err := b.StakeOps[i].UnmarshalCSER(r); err != nil {
				return err
			}
		}
	}
	b.AuthoritySigs = readSigs(r)
	b.StakerSigs = readSigs(r)
	b.Seal = readSig(r)
	return nil
}

func (b *Block) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(b.MarshalCSER)
}

func (b *Block) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, b.UnmarshalCSER)
}

func (p *Proposal) MarshalCSER(w *cser.Writer) error {
	if p.Block == nil {
		return ErrSerMalformed
	}
	w.U64(uint64(p.Height))
	if err := writeMode(w, p.Mode); err != nil {
		return err
	}
	return p.Block.MarshalCSER(w)
}

func (p *Proposal) UnmarshalCSER(r *cser.Reader) error {
	p.Height = idx.Block(r.U64())
	p.Mode = readMode(r)
	p.Block = new(Block)
	return p.Block.UnmarshalCSER(r)
}

func (p *Proposal) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(p.MarshalCSER)
}

func (p *Proposal) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, p.UnmarshalCSER)
}

func (c *Checkpoint) MarshalCSER(w *cser.Writer) error {
	w.U64(uint64(c.Height))
	writeHash(w, c.BlockID)
	writeHash(w, c.StateRoot)
	writeHash(w, c.RegistryHash)
	return nil
}

func (c *Checkpoint) UnmarshalCSER(r *cser.Reader) error {
	c.Height = idx.Block(r.U64())
	c.BlockID = readHash(r)
	c.StateRoot = readHash(r)
	c.RegistryHash = readHash(r)
	return nil
}

func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	return cser.MarshalBinaryAdapter(c.MarshalCSER)
}

func (c *Checkpoint) UnmarshalBinary(raw []byte) error {
	return cser.UnmarshalBinaryAdapter(raw, c.UnmarshalCSER)
}
