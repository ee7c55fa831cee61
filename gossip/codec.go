package gossip

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/golang/snappy"

	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/utils/cser"
)

// MaxMessageSize bounds the decoded size of one message.
const MaxMessageSize = 8 << 20

var (
	ErrTooLarge  = errors.New("gossip message too large")
	ErrMalformed = errors.New("malformed gossip message")
)

// Encode serializes m as a kind byte followed by the cser encoding of its
// payload, snappy block compressed.
func Encode(m *Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, len(body)+1)
	raw = append(raw, byte(m.Kind))
	raw = append(raw, body...)
	if len(raw) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	return snappy.Encode(nil, raw), nil
}

func encodeBody(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindProposal:
		if m.Proposal == nil {
			return nil, fmt.Errorf("%w: empty proposal", ErrMalformed)
		}
		return m.Proposal.MarshalBinary()
	case KindVote:
		if m.Vote == nil {
			return nil, fmt.Errorf("%w: empty vote", ErrMalformed)
		}
		return m.Vote.MarshalBinary()
	case KindAnnounce:
		if m.Announce == nil {
			return nil, fmt.Errorf("%w: empty announce", ErrMalformed)
		}
		return m.Announce.MarshalBinary()
	case KindStakeOp:
		if m.StakeOp == nil {
			return nil, fmt.Errorf("%w: empty stake op", ErrMalformed)
		}
		return m.StakeOp.MarshalBinary()
	case KindTxs:
		return cser.MarshalBinaryAdapter(func(w *cser.Writer) error {
			w.U56(uint64(len(m.Txs)))
			for _, tx := range m.Txs {
				w.SliceBytes(tx.Payload)
				w.U32(tx.Size)
			}
			return nil
		})
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(m.Kind))
}

// Decode parses a message produced by Encode. The message ID is the hash
// of data.
func Decode(data []byte) (*Message, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	m := &Message{Kind: Kind(raw[0]), ID: hash.Of(data)}
	body := raw[1:]
	switch m.Kind {
	case KindProposal:
		m.Proposal = new(inter.Proposal)
		err = m.Proposal.UnmarshalBinary(body)
		if err == nil && (m.Proposal.Height != m.Proposal.Block.Height || m.Proposal.Mode != m.Proposal.Block.Mode) {
			err = errors.New("proposal envelope disagrees with its block")
		}
	case KindVote:
		m.Vote = new(inter.Vote)
		err = m.Vote.UnmarshalBinary(body)
	case KindAnnounce:
		m.Announce = new(inter.ModeTransitionAnnounce)
		err = m.Announce.UnmarshalBinary(body)
	case KindStakeOp:
		m.StakeOp = new(inter.StakeOp)
		err = m.StakeOp.UnmarshalBinary(body)
	case KindTxs:
		err = cser.UnmarshalBinaryAdapter(body, func(r *cser.Reader) error {
			n := r.SliceLen(inter.MaxTxsPerBlock)
			m.Txs = make([]inter.Tx, n)
			for i := range m.Txs {
				m.Txs[i].Payload = r.SliceBytes(inter.MaxTxPayload)
				m.Txs[i].Size = r.U32()
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, raw[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Kind, err)
	}
	return m, nil
}
