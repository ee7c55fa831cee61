// Package fast is a minimal append/cursor byte buffer used by the cser codec.
//
// Neither Reader nor Writer is safe for concurrent use. Reader panics with
// ErrShortBuffer when asked for more bytes than remain; callers that decode
// untrusted input are expected to recover (cser.UnmarshalBinaryAdapter does).
package fast

import "errors"

// ErrShortBuffer is the panic value raised by Reader on underflow.
var ErrShortBuffer = errors.New("fast: read past end of buffer")

// Reader consumes a byte slice front to back.
type Reader struct {
	buf    []byte
	offset int
}

// Writer accumulates bytes into a growing slice.
type Writer struct {
	buf []byte
}

// NewReader returns a Reader positioned at the start of bb.
func NewReader(bb []byte) *Reader {
	return &Reader{buf: bb}
}

// NewWriter returns a Writer appending to bb. Pass a zero-length slice with
// spare capacity to avoid early reallocations.
func NewWriter(bb []byte) *Writer {
	return &Writer{buf: bb}
}

// WriteByte appends a single byte.
func (b *Writer) WriteByte(v byte) {
	b.buf = append(b.buf, v)
}

// Write appends v.
func (b *Writer) Write(v []byte) {
	b.buf = append(b.buf, v...)
}

// Len is the number of bytes written so far.
func (b *Writer) Len() int {
	return len(b.buf)
}

// Bytes returns the written bytes. The slice aliases the Writer's storage.
func (b *Writer) Bytes() []byte {
	return b.buf
}

// Read returns the next n bytes. The result aliases the underlying buffer.
func (b *Reader) Read(n int) []byte {
	if n < 0 || n > b.Remaining() {
		panic(ErrShortBuffer)
	}
	res := b.buf[b.offset : b.offset+n]
	b.offset += n
	return res
}

// ReadByte returns the next byte.
func (b *Reader) ReadByte() byte {
	if b.offset >= len(b.buf) {
		panic(ErrShortBuffer)
	}
	res := b.buf[b.offset]
	b.offset++
	return res
}

// Position is the number of bytes consumed.
func (b *Reader) Position() int {
	return b.offset
}

// Remaining is the number of bytes left to consume.
func (b *Reader) Remaining() int {
	return len(b.buf) - b.offset
}

// Bytes returns the whole underlying buffer, consumed part included.
func (b *Reader) Bytes() []byte {
	return b.buf
}

// Empty reports whether all bytes were consumed.
func (b *Reader) Empty() bool {
	return b.offset == len(b.buf)
}
