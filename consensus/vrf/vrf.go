// Package vrf implements the verifiable random function used for proposer
// sortition.
//
// The construction is a BLS signature on BLS12-381 (public keys in G1,
// signatures in G2, hash-to-curve per the IETF draft). BLS signatures are
// unique: for a given key and input exactly one proof verifies. The output
// is a hash of the canonical compressed proof.
//
// A validator's VRF key is derived from its secp256k1 signing key and its
// public half is registered next to the signing key, so the registry pins
// the single key a proposer may evaluate with.
package vrf

import (
	"bytes"
	"crypto/ecdsa"
	"errors"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/ethereum/go-ethereum/crypto"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/oib/aitbc-chain/inter"
)

var (
	ErrBadKey    = errors.New("vrf: invalid public key")
	ErrBadProof  = errors.New("vrf: proof does not verify")
	ErrBadOutput = errors.New("vrf: output does not match proof")
)

var (
	dst       = []byte("AITBC-VRF-V01-CS01-with-BLS12381G2_XMD:SHA-256_SSWU_RO_")
	keyTag    = []byte("aitbc/vrf-key")
	outputTag = []byte("aitbc/vrf-output")
)

// SecretKey is a VRF evaluation key.
type SecretKey struct {
	sk *blst.SecretKey
}

// DeriveKey derives the VRF key bound to a validator signing key.
func DeriveKey(key *ecdsa.PrivateKey) *SecretKey {
	ikm := crypto.Keccak256(keyTag, crypto.FromECDSA(key))
	return &SecretKey{sk: blst.KeyGen(ikm)}
}

// PublicKey is the compressed G1 point registered for k.
func (k *SecretKey) PublicKey() []byte {
	return new(blst.P1Affine).From(k.sk).Compress()
}

// PublicKey is a shortcut for DeriveKey(key).PublicKey().
func PublicKey(key *ecdsa.PrivateKey) []byte {
	return DeriveKey(key).PublicKey()
}

// Evaluate computes the proof and output for input.
func (k *SecretKey) Evaluate(input hash.Hash) inter.VRF {
	sig := new(blst.P2Affine).Sign(k.sk, input.Bytes(), dst)
	var v inter.VRF
	copy(v.Proof[:], sig.Compress())
	v.Output = Output(v.Proof)
	return v
}

// Prove evaluates the function on input with the VRF key of a signing key.
func Prove(key *ecdsa.PrivateKey, input hash.Hash) (inter.VRF, error) {
	if key == nil {
		return inter.VRF{}, errors.New("vrf: nil key")
	}
	return DeriveKey(key).Evaluate(input), nil
}

// Output derives the random output from a proof.
func Output(proof inter.VRFProof) hash.Hash {
	return hash.Of(outputTag, proof[:])
}

// ValidateKey checks raw is a compressed G1 point usable as a VRF key.
func ValidateKey(raw []byte) error {
	if len(raw) != inter.VRFKeySize {
		return ErrBadKey
	}
	pk := new(blst.P1Affine).Uncompress(raw)
	if pk == nil || !pk.KeyValidate() {
		return ErrBadKey
	}
	return nil
}

// Verify checks v was produced on input by the holder of the VRF key.
func Verify(key []byte, input hash.Hash, v inter.VRF) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	pk := new(blst.P1Affine).Uncompress(key)
	sig := new(blst.P2Affine).Uncompress(v.Proof[:])
	if sig == nil {
		return ErrBadProof
	}
	// only the canonical encoding of the unique signature is accepted
	if !bytes.Equal(sig.Compress(), v.Proof[:]) {
		return ErrBadProof
	}
	if !sig.Verify(true, pk, false, input.Bytes(), dst) {
		return ErrBadProof
	}
	if Output(v.Proof) != v.Output {
		return ErrBadOutput
	}
	return nil
}
