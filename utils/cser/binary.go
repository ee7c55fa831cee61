package cser

import (
	"github.com/oib/aitbc-chain/utils/bits"
	"github.com/oib/aitbc-chain/utils/fast"
)

// Wire layout:
//
//	body bytes | bit stream bytes | reversed stop-bit varint of len(bit stream)
//
// The varint suffix lets a decoder locate the bit stream by scanning from the
// end of the buffer.

// MarshalBinaryAdapter runs marshalCser against a fresh Writer and frames the
// two streams into one slice.
func MarshalBinaryAdapter(marshalCser func(*Writer) error) ([]byte, error) {
	w := NewWriter()
	if err := marshalCser(w); err != nil {
		return nil, err
	}
	return frame(w.BitsW.Array, w.BytesW.Bytes()), nil
}

// UnmarshalBinaryAdapter splits raw into its two streams and runs
// unmarshalCser. Decoder panics and unconsumed input are reported as errors.
func UnmarshalBinaryAdapter(raw []byte, unmarshalCser func(*Reader) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch r {
			case ErrNonCanonicalEncoding, ErrTooLargeAlloc:
				err = r.(error)
			default:
				err = ErrMalformedEncoding
			}
		}
	}()

	bbits, body, err := unframe(raw)
	if err != nil {
		return err
	}
	r := &Reader{
		BitsR:  bits.NewReader(bbits),
		BytesR: fast.NewReader(body),
	}
	if err := unmarshalCser(r); err != nil {
		return err
	}

	// only the padding of the last bit stream byte may remain, and it must be zero
	if r.BitsR.NonReadBits() >= 8 {
		return ErrNonCanonicalEncoding
	}
	if r.BitsR.Read(r.BitsR.NonReadBits()) != 0 {
		return ErrNonCanonicalEncoding
	}
	if !r.BytesR.Empty() {
		return ErrNonCanonicalEncoding
	}
	return nil
}

func frame(bbits *bits.Array, body []byte) []byte {
	out := fast.NewWriter(body)
	out.Write(bbits.Bytes)

	var suffix []byte
	n := uint64(len(bbits.Bytes))
	for {
		chunk := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			suffix = append(suffix, chunk|0x80)
			break
		}
		suffix = append(suffix, chunk)
	}
	for i := len(suffix) - 1; i >= 0; i-- {
		out.WriteByte(suffix[i])
	}
	return out.Bytes()
}

func unframe(raw []byte) (*bits.Array, []byte, error) {
	var (
		size     uint64
		consumed int
	)
	for {
		if consumed >= len(raw) || consumed >= 9 {
			return nil, nil, ErrMalformedEncoding
		}
		chunk := raw[len(raw)-1-consumed]
		word := uint64(chunk & 0x7f)
		stop := chunk&0x80 != 0
		if consumed > 0 && stop && word == 0 {
			return nil, nil, ErrNonCanonicalEncoding
		}
		size |= word << (7 * uint(consumed))
		consumed++
		if stop {
			break
		}
	}
	rest := raw[:len(raw)-consumed]
	if uint64(len(rest)) < size {
		return nil, nil, ErrMalformedEncoding
	}
	split := uint64(len(rest)) - size
	return &bits.Array{Bytes: rest[split:]}, rest[:split], nil
}
