package cser

import (
	"errors"

	"github.com/oib/aitbc-chain/utils/bits"
	"github.com/oib/aitbc-chain/utils/fast"
)

var (
	ErrNonCanonicalEncoding = errors.New("non canonical encoding")
	ErrMalformedEncoding    = errors.New("malformed encoding")
	ErrTooLargeAlloc        = errors.New("too large allocation")
)

// MaxAlloc bounds any single length-prefixed field on decode.
const MaxAlloc = 1 << 20

// Writer splits a value into a bit stream (sizes, flags) and a byte stream
// (integer bodies, raw bytes).
type Writer struct {
	BitsW  *bits.Writer
	BytesW *fast.Writer
}

// Reader is the decoding counterpart of Writer. Its methods panic on
// malformed or non-canonical input; UnmarshalBinaryAdapter converts those
// panics into errors.
type Reader struct {
	BitsR  *bits.Reader
	BytesR *fast.Reader
}

func NewWriter() *Writer {
	return &Writer{
		BitsW:  bits.NewWriter(&bits.Array{Bytes: make([]byte, 0, 32)}),
		BytesW: fast.NewWriter(make([]byte, 0, 256)),
	}
}

// writeMinimalLE writes v little-endian using the fewest bytes, never fewer
// than atLeast.
func writeMinimalLE(w *fast.Writer, v uint64, atLeast int) (n int) {
	for n < atLeast || v != 0 {
		w.WriteByte(byte(v))
		v >>= 8
		n++
	}
	return n
}

func readMinimalLE(r *fast.Reader, n int) uint64 {
	buf := r.Read(n)
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	if n > 1 && buf[n-1] == 0 {
		panic(ErrNonCanonicalEncoding)
	}
	return v
}

// sized integers: the byte count minus atLeast is stored in sizeBits bits.
func (w *Writer) sized(atLeast, sizeBits int, v uint64) {
	n := writeMinimalLE(w.BytesW, v, atLeast)
	w.BitsW.Write(sizeBits, uint(n-atLeast))
}

func (r *Reader) sized(atLeast, sizeBits int) uint64 {
	n := int(r.BitsR.Read(sizeBits)) + atLeast
	if n > 8 {
		panic(ErrMalformedEncoding)
	}
	return readMinimalLE(r.BytesR, n)
}

func (w *Writer) U8(v uint8) { w.BytesW.WriteByte(v) }

func (r *Reader) U8() uint8 { return r.BytesR.ReadByte() }

func (w *Writer) U16(v uint16) { w.sized(1, 1, uint64(v)) }

func (r *Reader) U16() uint16 { return uint16(r.sized(1, 1)) }

func (w *Writer) U32(v uint32) { w.sized(1, 2, uint64(v)) }

func (r *Reader) U32() uint32 { return uint32(r.sized(1, 2)) }

func (w *Writer) U64(v uint64) { w.sized(1, 3, v) }

func (r *Reader) U64() uint64 { return r.sized(1, 3) }

// U56 is used for lengths. Zero costs no body bytes.
func (w *Writer) U56(v uint64) {
	if v >= 1<<56 {
		panic("cser: U56 overflow")
	}
	w.sized(0, 3, v)
}

func (r *Reader) U56() uint64 { return r.sized(0, 3) }

func (w *Writer) I64(v int64) {
	w.Bool(v < 0)
	if v < 0 {
		w.U64(uint64(-v))
		return
	}
	w.U64(uint64(v))
}

func (r *Reader) I64() int64 {
	neg := r.Bool()
	abs := r.U64()
	if neg && abs == 0 {
		panic(ErrNonCanonicalEncoding)
	}
	if neg {
		return -int64(abs)
	}
	return int64(abs)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.BitsW.Write(1, 1)
		return
	}
	w.BitsW.Write(1, 0)
}

func (r *Reader) Bool() bool { return r.BitsR.Read(1) != 0 }

// FixedBytes writes v with no length prefix.
func (w *Writer) FixedBytes(v []byte) { w.BytesW.Write(v) }

// FixedBytes fills v from the byte stream.
func (r *Reader) FixedBytes(v []byte) { copy(v, r.BytesR.Read(len(v))) }

// SliceBytes writes a U56 length prefix followed by v.
func (w *Writer) SliceBytes(v []byte) {
	w.U56(uint64(len(v)))
	w.FixedBytes(v)
}

// SliceBytes reads a length-prefixed slice of at most maxLen bytes.
func (r *Reader) SliceBytes(maxLen int) []byte {
	size := r.U56()
	if size > uint64(maxLen) {
		panic(ErrTooLargeAlloc)
	}
	buf := make([]byte, size)
	r.FixedBytes(buf)
	return buf
}

// SliceLen reads a U56 collection length and checks it against maxLen.
func (r *Reader) SliceLen(maxLen int) int {
	size := r.U56()
	if size > uint64(maxLen) {
		panic(ErrTooLargeAlloc)
	}
	return int(size)
}
