package inter

import (
	"bytes"
	"crypto/ecdsa"
	"errors"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// SignatureSize is the length of a recoverable secp256k1 signature.
const SignatureSize = crypto.SignatureLength

// Signature is a [R || S || V] secp256k1 signature.
type Signature [SignatureSize]byte

var ErrBadSignature = errors.New("invalid signature")

// domain separation tags
var (
	voteTag    = []byte("aitbc/vote")
	sealTag    = []byte("aitbc/seal")
	proposeTag = []byte("propose")
	stakeOpTag = []byte("aitbc/stakeop")
)

// VoteDigest is what a validator signs to vote for a header at (height, slot).
// Binding height and slot lets two votes be compared without the headers.
func VoteDigest(height idx.Block, slot Slot, header hash.Hash) hash.Hash {
	return hash.Hash(crypto.Keccak256Hash(voteTag, bigendian.Uint64ToBytes(uint64(height)), bigendian.Uint64ToBytes(uint64(slot)), header.Bytes()))
}

// SealDigest is what the proposer signs over a header and signature sets.
func SealDigest(header hash.Hash, sigs hash.Hash) hash.Hash {
	return hash.Hash(crypto.Keccak256Hash(sealTag, header.Bytes(), sigs.Bytes()))
}

// VRFInput is the sortition message for a slot: "propose" || slot || prev,
// where prev is the parent block's VRF output.
func VRFInput(slot Slot, prev hash.Hash) hash.Hash {
	return hash.Hash(crypto.Keccak256Hash(proposeTag, bigendian.Uint64ToBytes(uint64(slot)), prev.Bytes()))
}

// SignDigest signs d with key.
func SignDigest(key *ecdsa.PrivateKey, d hash.Hash) (Signature, error) {
	raw, err := crypto.Sign(d.Bytes(), key)
	if err != nil {
		return Signature{}, err
	}
	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

// Verify checks s is a valid signature of d by pk. S must be low and the
// recovery id must recover pk, so every signature has a single encoding.
func (s Signature) Verify(pk validatorpk.PubKey, d hash.Hash) bool {
	if pk.Type != validatorpk.Types.Secp256k1 || len(pk.Raw) == 0 {
		return false
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return false
	}
	if !crypto.VerifySignature(pk.Raw, d.Bytes(), s[:crypto.RecoveryIDOffset]) {
		return false
	}
	rec, err := crypto.Ecrecover(d.Bytes(), s[:])
	return err == nil && bytes.Equal(rec, pk.Raw)
}

// Empty reports whether s is all zero.
func (s Signature) Empty() bool {
	return s == Signature{}
}
