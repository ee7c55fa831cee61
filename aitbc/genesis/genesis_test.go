package genesis

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter"
)

func TestFakeKeyDeterministic(t *testing.T) {
	require.Equal(t, crypto.FromECDSA(FakeKey(1)), crypto.FromECDSA(FakeKey(1)))
	require.NotEqual(t, crypto.FromECDSA(FakeKey(1)), crypto.FromECDSA(FakeKey(2)))
	require.Len(t, FakeKeys(4), 4)
}

func TestFakeGenesisState(t *testing.T) {
	require := require.New(t)
	rules := aitbc.FakeNetRules()
	start := time.Unix(1700000000, 0)
	g := FakeGenesis(rules, 4, 2, 3000, start)

	st, err := g.State(rules)
	require.NoError(err)
	require.Len(st.Validators, 6)
	require.Len(st.Duties, 6)
	require.Equal(idx.ValidatorID(6), st.LastValidatorID)
	require.Equal(inter.ModeFast, st.Mode)
	require.Equal(inter.FromUnix(1700000000), st.GenesisTime)
	require.Equal(idx.Block(0), st.Head.Height)
	require.EqualValues(4, st.Authorities().Len())
	require.Equal(uint64(6000), uint64(st.Stakers().TotalWeight()))
	require.Len(st.Permitted, 4)

	for id, key := range FakeKeys(6) {
		v, ok := st.Validator(id)
		require.True(ok)
		require.Equal(crypto.PubkeyToAddress(key.PublicKey), v.PubKey.Address())
		require.Equal(vrf.PublicKey(key), v.VRFKey)
	}

	again, err := g.State(rules)
	require.NoError(err)
	require.Equal(st.Hash(), again.Hash())
}

func TestSaveLoad(t *testing.T) {
	rules := aitbc.FakeNetRules()
	g := FakeGenesis(rules, 2, 1, 1000, time.Unix(10, 0))
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, g.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, g, loaded)

	r, err := loaded.Rules()
	require.NoError(t, err)
	require.Equal(t, rules.NetworkID, r.NetworkID)
}

func TestInvalidGenesis(t *testing.T) {
	rules := aitbc.FakeNetRules()
	base := func() *Genesis { return FakeGenesis(rules, 2, 1, 1000, time.Unix(10, 0)) }

	for name, mutate := range map[string]func(g *Genesis){
		"no validators":  func(g *Genesis) { g.Validators = nil },
		"low bond":       func(g *Genesis) { g.Validators[2].Stake = 999 },
		"bad class":      func(g *Genesis) { g.Validators[0].Class = "king" },
		"bad key":        func(g *Genesis) { g.Validators[0].PubKey = "0xc0ffee" },
		"duplicate key":  func(g *Genesis) { g.Validators[1].PubKey = g.Validators[0].PubKey },
		"bad vrf key":    func(g *Genesis) { g.Validators[0].VRFKey = "0x01" },
		"duplicate vrf":  func(g *Genesis) { g.Validators[1].VRFKey = g.Validators[0].VRFKey },
		"bad mode":       func(g *Genesis) { g.Mode = "turbo" },
		"no authorities": func(g *Genesis) { g.Validators = g.Validators[2:] },
		"secure without stakers": func(g *Genesis) {
			g.Validators = g.Validators[:2]
			g.Mode = "secure"
		},
		"bad permitted": func(g *Genesis) { g.Permitted = []string{"nope"} },
	} {
		t.Run(name, func(t *testing.T) {
			g := base()
			mutate(g)
			_, err := g.State(rules)
			require.ErrorIs(t, err, ErrInvalidGenesis)
		})
	}
}
