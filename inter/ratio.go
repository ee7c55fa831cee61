package inter

import (
	"errors"
	"fmt"
	"math/big"
	mbits "math/bits"
	"strconv"
	"strings"
)

// MaxRatioDen bounds ratio denominators so that interpolated schedules stay
// exactly representable in uint64.
const MaxRatioDen = 1 << 20

var ErrBadRatio = errors.New("ratio must be num/den with 0 <= num <= den, 0 < den <= 2^20")

// Ratio is an exact fraction in [0, 1]. Quorum thresholds are ratios rather
// than absolute counts so that they track registry size changes.
type Ratio struct {
	Num uint64
	Den uint64
}

// NewRatio returns num/den reduced to lowest terms.
func NewRatio(num, den uint64) Ratio {
	if den == 0 {
		panic(ErrBadRatio)
	}
	g := gcd(num, den)
	return Ratio{Num: num / g, Den: den / g}
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// Validate checks the ratio is well formed.
func (r Ratio) Validate() error {
	if r.Den == 0 || r.Den > MaxRatioDen || r.Num > r.Den {
		return fmt.Errorf("%w: got %d/%d", ErrBadRatio, r.Num, r.Den)
	}
	return nil
}

func (r Ratio) IsZero() bool {
	return r.Num == 0
}

// Cmp compares r and o like big.Rat.Cmp.
func (r Ratio) Cmp(o Ratio) int {
	lh, ll := mbits.Mul64(r.Num, o.Den)
	rh, rl := mbits.Mul64(o.Num, r.Den)
	switch {
	case lh < rh || (lh == rh && ll < rl):
		return -1
	case lh > rh || (lh == rh && ll > rl):
		return 1
	}
	return 0
}

// Exceeding returns the smallest amount strictly greater than r*total, i.e.
// floor(total*r)+1. A zero ratio requires nothing and yields 0.
func (r Ratio) Exceeding(total uint64) uint64 {
	if r.Num == 0 {
		return 0
	}
	hi, lo := mbits.Mul64(total, r.Num)
	q, _ := mbits.Div64(hi, lo, r.Den)
	return q + 1
}

// Ceil returns ceil(total*r).
func (r Ratio) Ceil(total uint64) uint64 {
	hi, lo := mbits.Mul64(total, r.Num)
	q, rem := mbits.Div64(hi, lo, r.Den)
	if rem != 0 {
		q++
	}
	return q
}

// Lerp returns from + (to-from)*k/w as an exact ratio, for 0 <= k <= w.
func Lerp(from, to Ratio, k, w uint64) Ratio {
	if w == 0 || k > w {
		panic("inter: bad interpolation step")
	}
	// (a*d*(w-k) + c*b*k) / (b*d*w)
	a, b := new(big.Int).SetUint64(from.Num), new(big.Int).SetUint64(from.Den)
	c, d := new(big.Int).SetUint64(to.Num), new(big.Int).SetUint64(to.Den)
	bw := new(big.Int).SetUint64(w)

	num := new(big.Int).Mul(a, d)
	num.Mul(num, new(big.Int).SetUint64(w-k))
	tmp := new(big.Int).Mul(c, b)
	tmp.Mul(tmp, new(big.Int).SetUint64(k))
	num.Add(num, tmp)
	den := new(big.Int).Mul(b, d)
	den.Mul(den, bw)

	rat := new(big.Rat).SetFrac(num, den)
	return Ratio{Num: rat.Num().Uint64(), Den: rat.Denom().Uint64()}
}

func (r Ratio) String() string {
	return strconv.FormatUint(r.Num, 10) + "/" + strconv.FormatUint(r.Den, 10)
}

// ParseRatio accepts "num/den".
func ParseRatio(s string) (Ratio, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return Ratio{}, fmt.Errorf("%w: %q", ErrBadRatio, s)
	}
	num, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("%w: %q", ErrBadRatio, s)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("%w: %q", ErrBadRatio, s)
	}
	r := Ratio{Num: num, Den: den}
	if err := r.Validate(); err != nil {
		return Ratio{}, err
	}
	return NewRatio(num, den), nil
}

func (r Ratio) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Ratio) UnmarshalText(b []byte) error {
	v, err := ParseRatio(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
