package inter

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oib/aitbc-chain/inter/validatorpk"
)

// OpKind enumerates stake management calls.
type OpKind uint8

const (
	// OpRegister adds a new validator with an initial bond. It activates at
	// the next epoch boundary.
	OpRegister OpKind = iota + 1
	// OpBond adds a bond to an existing validator.
	OpBond
	// OpRequestUnbond starts the unbonding period for all live bonds.
	OpRequestUnbond
	// OpCompleteUnbond withdraws every bond whose unbonding period elapsed.
	OpCompleteUnbond
	// OpChangeClass requests a class change at the next epoch boundary.
	OpChangeClass
)

func (k OpKind) String() string {
	switch k {
	case OpRegister:
		return "register"
	case OpBond:
		return "bond"
	case OpRequestUnbond:
		return "request_unbond"
	case OpCompleteUnbond:
		return "complete_unbond"
	case OpChangeClass:
		return "change_class"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// StakeOp is a stake management call signed by the validator key. It enters
// the chain through a block body so that every node applies it at the same
// height.
type StakeOp struct {
	Kind      OpKind
	Validator idx.ValidatorID
	Nonce     uint64
	Amount    uint64
	Class     Class
	// PubKey and VRFKey are only set for OpRegister.
	PubKey    validatorpk.PubKey
	VRFKey    []byte
	Signature Signature
}

// Digest is the signed message: the op without its signature.
func (op *StakeOp) Digest() hash.Hash {
	unsigned := *op
	unsigned.Signature = Signature{}
	raw, err := unsigned.MarshalBinary()
	if err != nil {
		panic("can't hash stake op: " + err.Error())
	}
	return hash.Hash(crypto.Keccak256Hash(stakeOpTag, raw))
}

// Sign fills the signature with key.
func (op *StakeOp) Sign(key *ecdsa.PrivateKey) error {
	sig, err := SignDigest(key, op.Digest())
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// Hash commits to the signed op.
func (op *StakeOp) Hash() hash.Hash {
	raw, err := op.MarshalBinary()
	if err != nil {
		panic("can't hash stake op: " + err.Error())
	}
	return hash.Of(raw)
}
