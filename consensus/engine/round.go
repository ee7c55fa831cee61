package engine

import (
	"fmt"
	"sync"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/inter"
)

// PhaseKind is the per-slot state of block production.
type PhaseKind uint8

const (
	AwaitingProposal PhaseKind = iota
	AwaitingQuorum
	Committed
	SlotMissed
)

func (k PhaseKind) String() string {
	switch k {
	case AwaitingProposal:
		return "awaiting_proposal"
	case AwaitingQuorum:
		return "awaiting_quorum"
	case Committed:
		return "committed"
	case SlotMissed:
		return "slot_missed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(k))
	}
}

// Phase is the current position in the slot state machine. Mode is the tag
// the next block must carry.
type Phase struct {
	Kind      PhaseKind
	Slot      inter.Slot
	Height    idx.Block
	Mode      inter.Mode
	Candidate hash.Hash
}

func (p Phase) String() string {
	switch p.Kind {
	case AwaitingQuorum:
		return fmt.Sprintf("%s(%d/%d %s)", p.Kind, p.Height, p.Slot, p.Candidate.String())
	case Committed:
		return fmt.Sprintf("%s(%d)", p.Kind, p.Height)
	default:
		return fmt.Sprintf("%s(%d)", p.Kind, p.Slot)
	}
}

// round tracks the phase. AwaitingProposal(s) moves to AwaitingQuorum once
// a valid candidate for s is seen, to Committed once a block commits, and to
// SlotMissed when s ends without a commit; a missed slot is followed by
// AwaitingProposal(s+1).
type round struct {
	mu     sync.Mutex
	phase  Phase
	missed uint64
}

func (r *round) get() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *round) begin(slot inter.Slot, height idx.Block, mode inter.Mode) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	// a commit during the slot keeps the round committed until the next slot
	if r.phase.Kind == Committed && r.phase.Slot == slot {
		return r.phase
	}
	r.phase = Phase{Kind: AwaitingProposal, Slot: slot, Height: height, Mode: mode}
	return r.phase
}

func (r *round) candidate(b *inter.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Kind != AwaitingProposal || r.phase.Slot != b.Slot {
		return
	}
	r.phase = Phase{Kind: AwaitingQuorum, Slot: b.Slot, Height: b.Height, Mode: b.Mode, Candidate: b.Header.Hash()}
}

func (r *round) commit(b *inter.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = Phase{Kind: Committed, Slot: b.Slot, Height: b.Height, Mode: b.Mode}
}

// miss closes slot. It reports false when the slot already committed.
func (r *round) miss(slot inter.Slot) (Phase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Slot == slot && r.phase.Kind == Committed {
		return r.phase, false
	}
	r.phase = Phase{Kind: SlotMissed, Slot: slot, Height: r.phase.Height, Mode: r.phase.Mode}
	r.missed++
	return r.phase, true
}
