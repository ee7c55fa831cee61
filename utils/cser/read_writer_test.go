package cser

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegersRoundTrip(t *testing.T) {
	require := require.New(t)

	u16 := []uint16{0, 1, 0xff, 0x100, math.MaxUint16}
	u32 := []uint32{0, 1, 0xffff, 0x10000, math.MaxUint32}
	u64 := []uint64{0, 1, 1 << 40, math.MaxUint64}
	i64 := []int64{0, 1, -1, math.MinInt64 + 1, math.MaxInt64}
	u56 := []uint64{0, 1, 1<<56 - 1}

	raw, err := MarshalBinaryAdapter(func(w *Writer) error {
		w.U8(0xab)
		for _, v := range u16 {
			w.U16(v)
		}
		for _, v := range u32 {
			w.U32(v)
		}
		for _, v := range u64 {
			w.U64(v)
		}
		for _, v := range i64 {
			w.I64(v)
		}
		for _, v := range u56 {
			w.U56(v)
		}
		w.Bool(true)
		w.Bool(false)
		return nil
	})
	require.NoError(err)

	err = UnmarshalBinaryAdapter(raw, func(r *Reader) error {
		require.Equal(uint8(0xab), r.U8())
		for _, v := range u16 {
			require.Equal(v, r.U16())
		}
		for _, v := range u32 {
			require.Equal(v, r.U32())
		}
		for _, v := range u64 {
			require.Equal(v, r.U64())
		}
		for _, v := range i64 {
			require.Equal(v, r.I64())
		}
		for _, v := range u56 {
			require.Equal(v, r.U56())
		}
		require.True(r.Bool())
		require.False(r.Bool())
		return nil
	})
	require.NoError(err)
}

func TestSlicesRoundTrip(t *testing.T) {
	require := require.New(t)

	payloads := [][]byte{{}, {1}, make([]byte, 300)}
	raw, err := MarshalBinaryAdapter(func(w *Writer) error {
		for _, p := range payloads {
			w.SliceBytes(p)
		}
		w.FixedBytes([]byte{9, 8, 7})
		return nil
	})
	require.NoError(err)

	err = UnmarshalBinaryAdapter(raw, func(r *Reader) error {
		for _, p := range payloads {
			require.Equal(p, r.SliceBytes(MaxAlloc))
		}
		fixed := make([]byte, 3)
		r.FixedBytes(fixed)
		require.Equal([]byte{9, 8, 7}, fixed)
		return nil
	})
	require.NoError(err)
}

func TestDecodeRejects(t *testing.T) {
	raw, err := MarshalBinaryAdapter(func(w *Writer) error {
		w.SliceBytes(make([]byte, 10))
		w.U32(7)
		return nil
	})
	require.NoError(t, err)

	t.Run("too large", func(t *testing.T) {
		err := UnmarshalBinaryAdapter(raw, func(r *Reader) error {
			r.SliceBytes(5)
			return nil
		})
		require.Equal(t, ErrTooLargeAlloc, err)
	})

	t.Run("unconsumed body", func(t *testing.T) {
		err := UnmarshalBinaryAdapter(raw, func(r *Reader) error {
			r.SliceBytes(MaxAlloc)
			return nil
		})
		require.Equal(t, ErrNonCanonicalEncoding, err)
	})

	t.Run("truncated", func(t *testing.T) {
		err := UnmarshalBinaryAdapter(raw[:4], func(r *Reader) error {
			r.SliceBytes(MaxAlloc)
			r.U32()
			return nil
		})
		require.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		err := UnmarshalBinaryAdapter(nil, func(r *Reader) error { return nil })
		require.Equal(t, ErrMalformedEncoding, err)
	})
}

func TestPaddedIntegerIsNonCanonical(t *testing.T) {
	// 0x0001 encoded as two bytes with a zero high byte
	raw, err := MarshalBinaryAdapter(func(w *Writer) error {
		w.BytesW.Write([]byte{1, 0})
		w.BitsW.Write(1, 1)
		return nil
	})
	require.NoError(t, err)

	err = UnmarshalBinaryAdapter(raw, func(r *Reader) error {
		r.U16()
		return nil
	})
	require.Equal(t, ErrNonCanonicalEncoding, err)
}
