package inter

import (
	"fmt"
	"strings"
)

// Mode is the operating security mode a block was produced under. It is a
// closed set: every switch over Mode must handle all three variants, and any
// other value is a programming error.
//
// Each mode carries its own threshold table (see aitbc.ModeRules):
//   - ModeFast: authority quorum only, authorities propose.
//   - ModeBalanced: authority and staker quorums, either class may propose.
//   - ModeSecure: authority and staker quorums, only stakers propose.
type Mode uint8

const (
	ModeFast Mode = iota + 1
	ModeBalanced
	ModeSecure
)

// Modes lists every valid mode in ascending security order.
var Modes = []Mode{ModeFast, ModeBalanced, ModeSecure}

// Valid reports whether m is one of the defined variants.
func (m Mode) Valid() bool {
	return m >= ModeFast && m <= ModeSecure
}

func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeBalanced:
		return "balanced"
	case ModeSecure:
		return "secure"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String, case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return ModeFast, nil
	case "balanced":
		return ModeBalanced, nil
	case "secure":
		return ModeSecure, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Class is the validator class. A validator's class is fixed for the
// duration of an epoch.
type Class uint8

const (
	// Authority validators are permissioned and carry a fixed minimum bond.
	Authority Class = iota + 1
	// Staker validators are permissionless and weighted by stake.
	Staker
)

func (c Class) Valid() bool {
	return c == Authority || c == Staker
}

func (c Class) String() string {
	switch c {
	case Authority:
		return "authority"
	case Staker:
		return "staker"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "authority":
		return Authority, nil
	case "staker":
		return Staker, nil
	}
	return 0, fmt.Errorf("unknown validator class %q", s)
}

func (c Class) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid class %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	v, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
