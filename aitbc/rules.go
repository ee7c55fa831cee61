// Package aitbc defines the network rules of the AITBC chain: the per-mode
// threshold tables, reward splits, bonding and slashing parameters, epoch and
// checkpoint intervals, and slot timing.
//
// Rules are consensus critical. Every node of a network must run with the
// same Rules, which is why they are fixed at genesis and never read from
// local configuration.
package aitbc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter"
)

// Network identification constants
const (
	MainNetworkID uint64 = 0xa17b
	TestNetworkID uint64 = 0xa17c
	FakeNetworkID uint64 = 0xa17d
)

// DefaultTransitionWindow is the number of blocks a mode transition spans.
const DefaultTransitionWindow = 10

var ErrInvalidRules = errors.New("invalid rules")

// Rules describes the complete configuration of an AITBC network.
type Rules struct {
	Name      string
	NetworkID uint64

	// Modes holds the threshold table of every consensus mode.
	Modes ModesRules

	Transition TransitionRules
	Staking    StakingRules
	Economy    EconomyRules
	Epochs     EpochsRules
	Blocks     BlocksRules
	Sortition  SortitionRules
	Controller ControllerRules
	Slots      SlotRules
}

// ModeRules is the threshold table of one mode.
type ModeRules struct {
	// AuthorityQuorum is the fraction of active authorities that must sign.
	AuthorityQuorum inter.Ratio
	// StakerQuorum is the fraction of active staker stake that must sign.
	// Zero means the mode does not require staker co-signatures.
	StakerQuorum inter.Ratio
	// AuthorityRewardPct is the authority share of the block reward. The
	// rest goes to staker co-signers.
	AuthorityRewardPct uint32
	// TargetFinality is the expected latency from proposal to commit.
	TargetFinality time.Duration
}

// Thresholds returns the quorum fractions of the mode.
func (m ModeRules) Thresholds() inter.Thresholds {
	return inter.Thresholds{Authority: m.AuthorityQuorum, Staker: m.StakerQuorum}
}

// ModesRules carries one table per mode variant.
type ModesRules struct {
	Fast     ModeRules
	Balanced ModeRules
	Secure   ModeRules
}

// Get returns the table of mode. It panics on an unknown tag.
func (m ModesRules) Get(mode inter.Mode) ModeRules {
	switch mode {
	case inter.ModeFast:
		return m.Fast
	case inter.ModeBalanced:
		return m.Balanced
	case inter.ModeSecure:
		return m.Secure
	}
	panic(fmt.Sprintf("aitbc: unknown mode %d", uint8(mode)))
}

// RequiresStakers reports whether blocks of mode need staker co-signatures.
func (m ModesRules) RequiresStakers(mode inter.Mode) bool {
	return !m.Get(mode).StakerQuorum.IsZero()
}

// TransitionRules controls smoothed mode switching.
type TransitionRules struct {
	// Window is the number of blocks over which thresholds are interpolated.
	Window uint32
}

// StakingRules controls bonding.
type StakingRules struct {
	MinAuthorityBond uint64
	MinStakerBond    uint64
	// UnbondingPeriod is the number of blocks between an unbond request and
	// the height at which the bond may be withdrawn.
	UnbondingPeriod idx.Block
	// MaxValidators caps the registry size, active or not.
	MaxValidators uint32
}

// MinBond returns the minimum bond of class.
func (s StakingRules) MinBond(c inter.Class) uint64 {
	switch c {
	case inter.Authority:
		return s.MinAuthorityBond
	case inter.Staker:
		return s.MinStakerBond
	}
	panic(fmt.Sprintf("aitbc: unknown class %d", uint8(c)))
}

// SlashPolicy decides where slashed funds go.
type SlashPolicy uint8

const (
	SlashBurn SlashPolicy = iota
	SlashTreasury
)

func (p SlashPolicy) String() string {
	switch p {
	case SlashBurn:
		return "burn"
	case SlashTreasury:
		return "treasury"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParseSlashPolicy(s string) (SlashPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "burn":
		return SlashBurn, nil
	case "treasury":
		return SlashTreasury, nil
	}
	return 0, fmt.Errorf("unknown slash policy %q", s)
}

func (p SlashPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *SlashPolicy) UnmarshalText(b []byte) error {
	v, err := ParseSlashPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// EconomyRules contains reward and slashing parameters.
type EconomyRules struct {
	// BaseReward is distributed in full for every committed block.
	BaseReward uint64
	// EquivocationPenaltyBps is applied to the bonded stake of an
	// equivocating validator, in basis points.
	EquivocationPenaltyBps uint32
	// UnavailabilityPenaltyBps is applied at an epoch boundary to validators
	// whose missed-slot rate over the epoch exceeds MissedSlotThresholdBps.
	UnavailabilityPenaltyBps uint32
	MissedSlotThresholdBps   uint32
	SlashPolicy              SlashPolicy
}

// EpochsRules controls epoch boundaries and weak subjectivity checkpoints.
type EpochsRules struct {
	// Length is the number of blocks per epoch.
	Length idx.Block
	// CheckpointInterval is the number of blocks between checkpoints.
	CheckpointInterval idx.Block
}

// BlocksRules bounds block contents.
type BlocksRules struct {
	MaxTxs      uint32
	MaxTxBytes  uint64
	MaxEvidence uint32
	MaxStakeOps uint32
	// MaxReorgDepth is how many recent states are retained for fork choice.
	MaxReorgDepth idx.Block
}

// SortitionRules controls proposer selection.
type SortitionRules struct {
	// BalancedAuthorityBps is the chance, in basis points, that a Balanced
	// mode draw picks from the authority set.
	BalancedAuthorityBps uint32
}

// ControllerRules are the Mode Controller constants. They only affect which
// transitions a node announces, never the validity of a block.
type ControllerRules struct {
	// Window is the number of samples averaged.
	Window int

	FastMaxLoad            float64
	FastMinOnline          float64
	SecureMinLoad          float64
	SecureMinParticipation float64

	// HysteresisSlots is how many consecutive evaluations must agree before
	// the proposed target changes.
	HysteresisSlots int
}

// SlotRules controls slot timing.
type SlotRules struct {
	// NetworkDelay is the assumed network delay bound.
	NetworkDelay time.Duration
	// SafetyFactor multiplies NetworkDelay into the slot timeout.
	SafetyFactor uint32
}

// Duration is the slot timeout.
func (s SlotRules) Duration() time.Duration {
	return s.NetworkDelay * time.Duration(s.SafetyFactor)
}

// MainNetRules returns the configuration rules for the main network.
func MainNetRules() Rules {
	return Rules{
		Name:       "main",
		NetworkID:  MainNetworkID,
		Modes:      DefaultModesRules(),
		Transition: TransitionRules{Window: DefaultTransitionWindow},
		Staking:    DefaultStakingRules(),
		Economy:    DefaultEconomyRules(),
		Epochs: EpochsRules{
			Length:             10000,
			CheckpointInterval: 100000,
		},
		Blocks:     DefaultBlocksRules(),
		Sortition:  SortitionRules{BalancedAuthorityBps: 7000},
		Controller: DefaultControllerRules(),
		Slots:      DefaultSlotRules(),
	}
}

// TestNetRules returns the configuration rules for the test network. It
// matches mainnet apart from shorter epochs.
func TestNetRules() Rules {
	r := MainNetRules()
	r.Name = "test"
	r.NetworkID = TestNetworkID
	r.Epochs.Length = 1000
	r.Epochs.CheckpointInterval = 10000
	return r
}

// FakeNetRules returns the configuration rules for local networks: short
// epochs, a short unbonding period and a treasury slash policy so that
// every code path is reachable within a few hundred blocks.
func FakeNetRules() Rules {
	r := MainNetRules()
	r.Name = "fake"
	r.NetworkID = FakeNetworkID
	r.Staking.UnbondingPeriod = 20
	r.Economy.SlashPolicy = SlashTreasury
	r.Epochs.Length = 20
	r.Epochs.CheckpointInterval = 50
	r.Controller.Window = 8
	return r
}

// DefaultModesRules returns the mode table: Fast needs authorities only,
// Balanced and Secure also need stakers; the reward split moves toward
// stakers as security grows.
func DefaultModesRules() ModesRules {
	twoThirds := inter.NewRatio(2, 3)
	return ModesRules{
		Fast: ModeRules{
			AuthorityQuorum:    twoThirds,
			StakerQuorum:       inter.Ratio{Num: 0, Den: 1},
			AuthorityRewardPct: 80,
			TargetFinality:     1 * time.Second,
		},
		Balanced: ModeRules{
			AuthorityQuorum:    twoThirds,
			StakerQuorum:       twoThirds,
			AuthorityRewardPct: 60,
			TargetFinality:     3 * time.Second,
		},
		Secure: ModeRules{
			AuthorityQuorum:    twoThirds,
			StakerQuorum:       twoThirds,
			AuthorityRewardPct: 40,
			TargetFinality:     6 * time.Second,
		},
	}
}

// DefaultStakingRules returns mainnet bonding parameters. The unbonding
// period is 21 days of one-second slots.
func DefaultStakingRules() StakingRules {
	return StakingRules{
		MinAuthorityBond: 10000,
		MinStakerBond:    1000,
		UnbondingPeriod:  21 * 24 * 60 * 60,
		MaxValidators:    1024,
	}
}

func DefaultEconomyRules() EconomyRules {
	return EconomyRules{
		BaseReward:               1000,
		EquivocationPenaltyBps:   1000,
		UnavailabilityPenaltyBps: 500,
		MissedSlotThresholdBps:   5000,
		SlashPolicy:              SlashBurn,
	}
}

func DefaultBlocksRules() BlocksRules {
	return BlocksRules{
		MaxTxs:        4096,
		MaxTxBytes:    4 << 20,
		MaxEvidence:   16,
		MaxStakeOps:   64,
		MaxReorgDepth: 64,
	}
}

// DefaultControllerRules returns the illustrative 30/70/90/80 thresholds.
func DefaultControllerRules() ControllerRules {
	return ControllerRules{
		Window:                 32,
		FastMaxLoad:            0.30,
		FastMinOnline:          0.90,
		SecureMinLoad:          0.70,
		SecureMinParticipation: 0.80,
		HysteresisSlots:        3,
	}
}

// DefaultSlotRules assumes a 100ms network delay bound with a safety factor of 10.
func DefaultSlotRules() SlotRules {
	return SlotRules{
		NetworkDelay: 100 * time.Millisecond,
		SafetyFactor: 10,
	}
}

// Validate checks the rules are internally consistent.
func (r Rules) Validate() error {
	twoThirds := inter.NewRatio(2, 3)
	for _, mode := range inter.Modes {
		m := r.Modes.Get(mode)
		if err := m.AuthorityQuorum.Validate(); err != nil {
			return fmt.Errorf("%w: %s authority quorum: %v", ErrInvalidRules, mode, err)
		}
		if err := m.StakerQuorum.Validate(); err != nil {
			return fmt.Errorf("%w: %s staker quorum: %v", ErrInvalidRules, mode, err)
		}
		if m.AuthorityQuorum.Cmp(twoThirds) < 0 {
			return fmt.Errorf("%w: %s authority quorum %s below 2/3", ErrInvalidRules, mode, m.AuthorityQuorum)
		}
		if !m.StakerQuorum.IsZero() && m.StakerQuorum.Cmp(twoThirds) < 0 {
			return fmt.Errorf("%w: %s staker quorum %s below 2/3", ErrInvalidRules, mode, m.StakerQuorum)
		}
		if m.AuthorityRewardPct > 100 {
			return fmt.Errorf("%w: %s authority reward %d%% above 100%%", ErrInvalidRules, mode, m.AuthorityRewardPct)
		}
	}
	if r.Modes.RequiresStakers(inter.ModeFast) {
		return fmt.Errorf("%w: fast mode must not require stakers", ErrInvalidRules)
	}
	if r.Transition.Window == 0 {
		return fmt.Errorf("%w: zero transition window", ErrInvalidRules)
	}
	if r.Staking.MinAuthorityBond == 0 || r.Staking.MinStakerBond == 0 {
		return fmt.Errorf("%w: zero minimum bond", ErrInvalidRules)
	}
	if r.Economy.EquivocationPenaltyBps > 10000 || r.Economy.UnavailabilityPenaltyBps > 10000 || r.Economy.MissedSlotThresholdBps > 10000 {
		return fmt.Errorf("%w: basis points above 10000", ErrInvalidRules)
	}
	if r.Epochs.Length == 0 || r.Epochs.CheckpointInterval == 0 {
		return fmt.Errorf("%w: zero epoch length or checkpoint interval", ErrInvalidRules)
	}
	if r.Sortition.BalancedAuthorityBps > 10000 {
		return fmt.Errorf("%w: balanced authority share above 10000 bps", ErrInvalidRules)
	}
	if r.Slots.Duration() <= 0 {
		return fmt.Errorf("%w: zero slot duration", ErrInvalidRules)
	}
	if r.Controller.Window <= 0 || r.Controller.HysteresisSlots <= 0 {
		return fmt.Errorf("%w: controller window and hysteresis must be positive", ErrInvalidRules)
	}
	return nil
}

// Copy returns a deep copy of Rules.
func (r Rules) Copy() Rules {
	return r
}

// String returns a JSON representation of the rules.
func (r Rules) String() string {
	b, _ := json.Marshal(&r)
	return string(b)
}

// RulesByName returns the built-in rules of a network.
func RulesByName(name string) (Rules, error) {
	switch strings.ToLower(name) {
	case "main", "mainnet":
		return MainNetRules(), nil
	case "test", "testnet":
		return TestNetRules(), nil
	case "fake", "fakenet", "devnet":
		return FakeNetRules(), nil
	}
	return Rules{}, fmt.Errorf("unknown network %q", name)
}
