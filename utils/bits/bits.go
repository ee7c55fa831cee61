// Package bits packs small unsigned values into a byte slice without byte
// alignment. Values are stored least significant bit first; the unused high
// bits of the final byte are always zero.
package bits

import "errors"

// ErrShortStream is the panic value raised when reading past the last bit.
var ErrShortStream = errors.New("bits: read past end of stream")

type (
	// Array holds the packed bytes shared by a Writer and its Readers.
	Array struct {
		Bytes []byte
	}

	// Writer appends bit fields to an Array.
	Writer struct {
		*Array
		bitOffset int
	}

	// Reader consumes bit fields from an Array.
	Reader struct {
		*Array
		byteOffset int
		bitOffset  int
	}
)

func NewWriter(arr *Array) *Writer {
	return &Writer{Array: arr}
}

func NewReader(arr *Array) *Reader {
	return &Reader{Array: arr}
}

func lowMask(n int) uint {
	return (uint(1) << uint(n)) - 1
}

// Write stores the low n bits of v.
func (a *Writer) Write(n int, v uint) {
	for n > 0 {
		if a.bitOffset == 0 {
			a.Bytes = append(a.Bytes, 0)
		}
		take := 8 - a.bitOffset
		if take > n {
			take = n
		}
		a.Bytes[len(a.Bytes)-1] |= byte((v & lowMask(take)) << uint(a.bitOffset))
		v >>= uint(take)
		n -= take
		a.bitOffset = (a.bitOffset + take) % 8
	}
}

// Read returns the next n bits and advances the cursor.
func (a *Reader) Read(n int) (v uint) {
	if n > a.NonReadBits() {
		panic(ErrShortStream)
	}
	shift := 0
	for n > 0 {
		take := 8 - a.bitOffset
		if take > n {
			take = n
		}
		chunk := (uint(a.Bytes[a.byteOffset]) >> uint(a.bitOffset)) & lowMask(take)
		v |= chunk << uint(shift)
		shift += take
		n -= take
		a.bitOffset += take
		if a.bitOffset == 8 {
			a.bitOffset = 0
			a.byteOffset++
		}
	}
	return v
}

// View returns the next n bits without consuming them.
func (a *Reader) View(n int) uint {
	cp := *a
	return cp.Read(n)
}

// NonReadBytes counts bytes not fully consumed, the partially read one included.
func (a *Reader) NonReadBytes() int {
	return len(a.Bytes) - a.byteOffset
}

// NonReadBits counts the bits left, trailing padding included.
func (a *Reader) NonReadBits() int {
	return a.NonReadBytes()*8 - a.bitOffset
}
