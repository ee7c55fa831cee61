package genesis

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/consensus/vrf"
	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// FakeKey is the deterministic private key of fake validator n (1-based).
// It is only meant for local networks.
func FakeKey(n idx.ValidatorID) *ecdsa.PrivateKey {
	seed := crypto.Keccak256([]byte("aitbc fake key"), bigendian.Uint32ToBytes(uint32(n)))
	// reduce into [1, N-1]
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, new(big.Int).Sub(crypto.S256().Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))
	key, err := crypto.ToECDSA(d.FillBytes(make([]byte, 32)))
	if err != nil {
		panic(err)
	}
	return key
}

// FakeGenesis describes a local network of `authorities` authorities with
// the minimum bond followed by `stakers` stakers bonding stakerStake each.
// Validator i uses FakeKey(i).
func FakeGenesis(rules aitbc.Rules, authorities, stakers int, stakerStake uint64, start time.Time) *Genesis {
	g := &Genesis{
		Network: rules.Name,
		Time:    start.Unix(),
		Mode:    "fast",
		Seed:    "aitbc fakenet",
	}
	for i := 0; i < authorities+stakers; i++ {
		key := FakeKey(idx.ValidatorID(i + 1))
		v := Validator{
			PubKey: validatorpk.FromECDSA(&key.PublicKey).String(),
			VRFKey: hexutil.Encode(vrf.PublicKey(key)),
		}
		if i < authorities {
			v.Class, v.Stake = "authority", rules.Staking.MinAuthorityBond
		} else {
			v.Class, v.Stake = "staker", stakerStake
		}
		g.Validators = append(g.Validators, v)
	}
	return g
}

// FakeKeys returns the keys of a FakeGenesis with n validators, indexed by
// validator ID.
func FakeKeys(n int) map[idx.ValidatorID]*ecdsa.PrivateKey {
	keys := make(map[idx.ValidatorID]*ecdsa.PrivateKey, n)
	for i := 1; i <= n; i++ {
		keys[idx.ValidatorID(i)] = FakeKey(idx.ValidatorID(i))
	}
	return keys
}
