// Package genesis defines the initial consensus state of a network: the
// rules it runs, the genesis time anchoring the slot clock, the first
// validator registry and the authority allowlist.
//
// A genesis is usually loaded from a YAML file:
//
//	network: fake
//	time: 1700000000
//	mode: fast
//	seed: "aitbc devnet"
//	validators:
//	  - pubkey: "0xc004..."
//	    vrfkey: "0xa1b2..."
//	    class: authority
//	    stake: 10000
//	permitted:
//	  - "0x1234..."
package genesis

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/staking"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
	"github.com/oib/aitbc-chain/inter/validatorpk"
)

var ErrInvalidGenesis = errors.New("invalid genesis")

// Validator is an initial registry entry.
type Validator struct {
	PubKey string `yaml:"pubkey"`
	// VRFKey is the hex compressed BLS key the validator proves sortition
	// with, see vrf.PublicKey.
	VRFKey string `yaml:"vrfkey"`
	Class  string `yaml:"class"`
	Stake  uint64 `yaml:"stake"`
}

// Genesis is the YAML form of the initial state.
type Genesis struct {
	// Network names the built-in rules (see aitbc.RulesByName).
	Network string `yaml:"network"`
	// Time is the genesis time in UNIX seconds; slot s starts s slot
	// durations later.
	Time int64  `yaml:"time"`
	Mode string `yaml:"mode"`
	// Seed is mixed into the first proposer ranking.
	Seed       string      `yaml:"seed"`
	Validators []Validator `yaml:"validators"`
	// Permitted lists extra addresses allowed to register as authorities.
	// Genesis authorities are always permitted.
	Permitted []string `yaml:"permitted,omitempty"`
}

// Load reads and parses a genesis YAML file.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	return &g, nil
}

// Save writes g as YAML.
func (g *Genesis) Save(path string) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Rules resolves the named network rules.
func (g *Genesis) Rules() (aitbc.Rules, error) {
	return aitbc.RulesByName(g.Network)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidGenesis, fmt.Sprintf(format, args...))
}

// State builds the consensus state at height 0. Validators get IDs in file
// order starting at 1 and are active from the first block.
func (g *Genesis) State(rules aitbc.Rules) (*iblockproc.State, error) {
	mode := inter.ModeFast
	if g.Mode != "" {
		m, err := inter.ParseMode(g.Mode)
		if err != nil {
			return nil, invalid("%v", err)
		}
		mode = m
	}
	if len(g.Validators) == 0 {
		return nil, invalid("no validators")
	}
	if uint32(len(g.Validators)) > rules.Staking.MaxValidators {
		return nil, invalid("%d validators over limit %d", len(g.Validators), rules.Staking.MaxValidators)
	}

	st := &iblockproc.State{
		GenesisTime: inter.FromUnix(g.Time),
		Mode:        mode,
		Epoch:       1,
		EpochStart:  1,
	}
	seen := make(map[common.Address]bool)
	var authStake, stakerStake uint64
	for i, gv := range g.Validators {
		pk, err := validatorpk.FromString(gv.PubKey)
		if err != nil {
			return nil, invalid("validator %d: %v", i, err)
		}
		if _, err := pk.ECDSA(); err != nil {
			return nil, invalid("validator %d: %v", i, err)
		}
		vrfKey := common.FromHex(gv.VRFKey)
		if err := vrf.ValidateKey(vrfKey); err != nil {
			return nil, invalid("validator %d: %v", i, err)
		}
		class, err := inter.ParseClass(gv.Class)
		if err != nil {
			return nil, invalid("validator %d: %v", i, err)
		}
		if gv.Stake < rules.Staking.MinBond(class) {
			return nil, invalid("validator %d: %s bond %d below %d", i, class, gv.Stake, rules.Staking.MinBond(class))
		}
		addr := pk.Address()
		if seen[addr] {
			return nil, invalid("validator %d: duplicate key %s", i, addr)
		}
		if _, dup := st.ByVRFKey(vrfKey); dup {
			return nil, invalid("validator %d: duplicate vrf key", i)
		}
		seen[addr] = true

		id := idx.ValidatorID(i + 1)
		st.Insert(inter.Validator{ID: id, PubKey: pk, VRFKey: vrfKey, Class: class, Stake: gv.Stake, Active: true, Availability: 10000})
		st.Stakes = append(st.Stakes, inter.StakeRecord{Validator: id, Amount: gv.Stake})
		if class == inter.Authority {
			authStake += gv.Stake
			st.Permitted = append(st.Permitted, addr)
		} else {
			stakerStake += gv.Stake
		}
	}
	for _, s := range g.Permitted {
		if !common.IsHexAddress(s) {
			return nil, invalid("bad permitted address %q", s)
		}
		if addr := common.HexToAddress(s); !st.IsPermitted(addr) {
			st.Permitted = append(st.Permitted, addr)
		}
	}
	if len(st.Active(inter.Authority)) == 0 {
		return nil, invalid("no authorities")
	}
	if authStake > staking.MaxClassStake || stakerStake > staking.MaxClassStake {
		return nil, invalid("class stake over %d", staking.MaxClassStake)
	}
	if rules.Modes.RequiresStakers(mode) && stakerStake == 0 {
		return nil, invalid("%s mode needs stakers", mode)
	}

	seed := hash.Of([]byte(strings.TrimSpace(g.Seed)))
	st.Head = iblockproc.Head{
		ID:   hash.Of([]byte(rules.Name), st.GenesisTime.Bytes(), seed.Bytes(), st.RegistryHash().Bytes()),
		Time: st.GenesisTime,
		VRF:  seed,
	}
	return st, nil
}
