package validatorpk

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const vector = "c0045b86101f804f3f4f2012ef31fff807e87de579a3faa7947d1b487a810e35dc2c3b6071ac465046634b5f4a8e09bf8e1f2e7eccb699356b9e6fd496ca4b1677d1"

func TestFromString(t *testing.T) {
	exp := PubKey{
		Type: Types.Secp256k1,
		Raw:  common.FromHex(vector[2:]),
	}

	for name, tc := range map[string]struct {
		in  string
		err bool
	}{
		"bare":      {in: vector},
		"prefixed":  {in: "0x" + vector},
		"empty":     {in: "", err: true},
		"only 0x":   {in: "0x", err: true},
		"bad chars": {in: "-", err: true},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := FromString(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, exp, got)
			require.Equal(t, "0x"+vector, got.String())
		})
	}
}

func TestBytesAndCopy(t *testing.T) {
	require := require.New(t)

	pk := PubKey{Type: 0x01, Raw: []byte{0x02, 0x03}}
	require.Equal([]byte{0x01, 0x02, 0x03}, pk.Bytes())
	require.False(pk.Empty())
	require.True(PubKey{}.Empty())

	cp := pk.Copy()
	require.True(pk.Equal(cp))
	cp.Raw[0] = 0xff
	require.Equal(byte(0x02), pk.Raw[0])
	require.False(pk.Equal(cp))

	src := []byte{0xc0, 1, 2}
	parsed, err := FromBytes(src)
	require.NoError(err)
	src[1] = 9
	require.Equal([]byte{1, 2}, parsed.Raw)
}

func TestJSON(t *testing.T) {
	require := require.New(t)

	pk := PubKey{Type: Types.Secp256k1, Raw: []byte{0xaa, 0xbb, 0xcc}}
	data, err := json.Marshal(pk)
	require.NoError(err)
	require.Equal(`"`+pk.String()+`"`, string(data))

	var decoded PubKey
	require.NoError(json.Unmarshal(data, &decoded))
	require.Equal(pk, decoded)
}

func TestECDSARoundTrip(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)

	pk := FromECDSA(&key.PublicKey)
	require.Equal(Types.Secp256k1, pk.Type)
	require.Len(pk.Raw, 65)

	pub, err := pk.ECDSA()
	require.NoError(err)
	require.Equal(crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))
	require.Equal(crypto.PubkeyToAddress(key.PublicKey), pk.Address())

	_, err = PubKey{Type: 0x01, Raw: pk.Raw}.ECDSA()
	require.ErrorIs(err, ErrUnsupported)
}
