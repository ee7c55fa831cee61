package bits

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type field struct {
	width int
	v     uint
}

func bytesFor(nbits int) int {
	return (nbits + 7) / 8
}

func randomFields(r *rand.Rand, maxCount, maxWidth int) []field {
	ff := make([]field, r.Intn(maxCount))
	for i := range ff {
		ff[i].width = 1 + r.Intn(maxWidth)
		ff[i].v = uint(r.Int63n(int64(1) << uint(ff[i].width)))
	}
	return ff
}

func roundTrip(t *testing.T, name string, ff []field) {
	arr := &Array{Bytes: make([]byte, 0, 16)}
	w := NewWriter(arr)

	total := 0
	for _, f := range ff {
		w.Write(f.width, f.v)
		total += f.width
	}
	assert.Equalf(t, bytesFor(total), len(arr.Bytes), "%s: packed length", name)

	r := NewReader(arr)
	consumed := 0
	for i, f := range ff {
		assert.Equalf(t, bytesFor(total)*8-consumed, r.NonReadBits(), "%s: bits left before #%d", name, i)
		if f.width <= r.NonReadBits() {
			assert.Equalf(t, f.v, r.View(f.width), "%s: view #%d", name, i)
		}
		assert.Equalf(t, f.v, r.Read(f.width), "%s: value #%d", name, i)
		consumed += f.width
	}

	assert.Panicsf(t, func() { r.Read(r.NonReadBits() + 1) }, "%s: overrun", name)
	assert.Equalf(t, uint(0), r.Read(r.NonReadBits()), "%s: padding must be zero", name)
	assert.Equalf(t, 0, r.NonReadBytes(), "%s: drained", name)
}

func TestFixedPatterns(t *testing.T) {
	for name, ff := range map[string][]field{
		"empty":       {},
		"zero bit":    {{1, 0}},
		"one bit":     {{1, 1}},
		"byte cross":  {{9, 0b101010101}},
		"three bytes": {{17, 0b10101010101010101}},
		"mixed":       {{3, 5}, {8, 0xff}, {1, 0}, {13, 4097}},
	} {
		t.Run(name, func(t *testing.T) {
			roundTrip(t, name, ff)
		})
	}
}

func TestRandomFields(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for _, width := range []int{1, 8, 17, 32} {
		for i := 0; i < 40; i++ {
			roundTrip(t, fmt.Sprintf("w%d#%d", width, i), randomFields(r, 60, width))
		}
	}
}

func TestLayoutIsLSBFirst(t *testing.T) {
	arr := &Array{}
	w := NewWriter(arr)
	w.Write(1, 1)
	w.Write(2, 0b10)
	w.Write(6, 0b111111)
	require.Equal(t, []byte{0b11111101, 0b00000001}, arr.Bytes)
}
