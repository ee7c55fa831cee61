// Package validatorpk holds validator public keys tagged with their scheme.
// Only secp256k1 keys are produced today; the type byte keeps the encoding
// open for other schemes.
package validatorpk

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakePassword unlocks the deterministic devnet keys.
const FakePassword = "fakepassword"

var (
	ErrEmpty       = errors.New("empty pubkey")
	ErrUnsupported = errors.New("unsupported pubkey type")
)

// PubKey is a scheme tag plus the raw key. For secp256k1, Raw is the 65-byte
// uncompressed point.
type PubKey struct {
	Type uint8
	Raw  []byte
}

// Types enumerates the known scheme tags.
var Types = struct {
	Secp256k1 uint8
}{
	Secp256k1: 0xc0,
}

// FromECDSA wraps a secp256k1 public key.
func FromECDSA(pub *ecdsa.PublicKey) PubKey {
	return PubKey{Type: Types.Secp256k1, Raw: crypto.FromECDSAPub(pub)}
}

// ECDSA decodes a secp256k1 key.
func (pk PubKey) ECDSA() (*ecdsa.PublicKey, error) {
	if pk.Type != Types.Secp256k1 {
		return nil, ErrUnsupported
	}
	return crypto.UnmarshalPubkey(pk.Raw)
}

// Address is the Ethereum-style address of a secp256k1 key, or the zero
// address if the key does not decode.
func (pk PubKey) Address() common.Address {
	pub, err := pk.ECDSA()
	if err != nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*pub)
}

func (pk PubKey) Empty() bool {
	return pk.Type == 0 && len(pk.Raw) == 0
}

// Bytes is the type byte followed by Raw.
func (pk PubKey) Bytes() []byte {
	return append([]byte{pk.Type}, pk.Raw...)
}

func (pk PubKey) String() string {
	return "0x" + common.Bytes2Hex(pk.Bytes())
}

func (pk PubKey) Copy() PubKey {
	return PubKey{Type: pk.Type, Raw: common.CopyBytes(pk.Raw)}
}

// Equal compares type and key bytes.
func (pk PubKey) Equal(o PubKey) bool {
	return pk.Type == o.Type && string(pk.Raw) == string(o.Raw)
}

// FromString parses hex, with or without 0x.
func FromString(str string) (PubKey, error) {
	return FromBytes(common.FromHex(str))
}

// FromBytes is the inverse of Bytes. The result does not alias b.
func FromBytes(b []byte) (PubKey, error) {
	if len(b) == 0 {
		return PubKey{}, ErrEmpty
	}
	return PubKey{Type: b[0], Raw: common.CopyBytes(b[1:])}, nil
}

func (pk PubKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PubKey) UnmarshalText(input []byte) error {
	res, err := FromString(string(input))
	if err != nil {
		return err
	}
	*pk = res
	return nil
}
