// Package gossip defines the messages nodes exchange and the network
// interface the node runs on. Delivery is best effort: messages may arrive
// duplicated, reordered or not at all, and receivers must tolerate each.
package gossip

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"

	"github.com/oib/aitbc-chain/inter"
)

// Kind tags a gossip message.
type Kind uint8

const (
	// KindProposal carries a candidate block or, once sealed, the final one.
	KindProposal Kind = iota + 1
	KindVote
	KindAnnounce
	KindStakeOp
	KindTxs
)

// Kinds lists every kind, in topic order.
var Kinds = []Kind{KindProposal, KindVote, KindAnnounce, KindStakeOp, KindTxs}

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindAnnounce:
		return "announce"
	case KindStakeOp:
		return "stake_op"
	case KindTxs:
		return "txs"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrUnknownKind = errors.New("unknown gossip message kind")
	ErrClosed      = errors.New("gossip network closed")
)

// Message is one gossip payload. Exactly the field matching Kind is set.
type Message struct {
	Kind     Kind
	Proposal *inter.Proposal
	Vote     *inter.Vote
	Announce *inter.ModeTransitionAnnounce
	StakeOp  *inter.StakeOp
	Txs      []inter.Tx

	// From names the sending peer and ID is the hash of the wire bytes.
	// Both are filled in on receipt and not sent.
	From string
	ID   hash.Hash
}

func NewProposal(b *inter.Block) *Message {
	return &Message{Kind: KindProposal, Proposal: inter.NewProposal(b)}
}

func NewVote(v inter.Vote) *Message {
	return &Message{Kind: KindVote, Vote: &v}
}

func NewAnnounce(a *inter.ModeTransitionAnnounce) *Message {
	return &Message{Kind: KindAnnounce, Announce: a}
}

func NewStakeOp(op inter.StakeOp) *Message {
	return &Message{Kind: KindStakeOp, StakeOp: &op}
}

func NewTxs(txs []inter.Tx) *Message {
	return &Message{Kind: KindTxs, Txs: txs}
}

// Network publishes messages to peers and delivers theirs. A node never
// receives its own messages.
type Network interface {
	Publish(ctx context.Context, m *Message) error
	Messages() <-chan *Message
	Close() error
}
