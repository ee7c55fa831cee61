package inter

import (
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
)

// Thresholds are the quorum fractions a block must meet. A zero Staker
// fraction means no staker co-signature is required.
type Thresholds struct {
	Authority Ratio
	Staker    Ratio
}

// RequiresStakers reports whether staker co-signatures are needed.
func (t Thresholds) RequiresStakers() bool {
	return !t.Staker.IsZero()
}

// ModeTransitionAnnounce publishes a transition. The schedule is final: a
// block at StartHeight+k must meet exactly Schedule[k].
type ModeTransitionAnnounce struct {
	StartHeight idx.Block
	From        Mode
	Target      Mode
	Schedule    []Thresholds
}

// Window is the number of blocks the transition spans.
func (a *ModeTransitionAnnounce) Window() uint32 {
	return uint32(len(a.Schedule))
}

// ModeTransitionState is an open transition window as kept in the consensus
// state. It is nil when no transition is in progress.
type ModeTransitionState struct {
	ModeTransitionAnnounce
}

// Contains reports whether height falls inside the window.
func (t *ModeTransitionState) Contains(height idx.Block) bool {
	return height >= t.StartHeight && height < t.End()
}

// End is the first height after the window.
func (t *ModeTransitionState) End() idx.Block {
	return t.StartHeight + idx.Block(t.Window())
}

// Step is the 1-based schedule position of height, or 0 outside the window.
func (t *ModeTransitionState) Step(height idx.Block) uint32 {
	if !t.Contains(height) {
		return 0
	}
	return uint32(height-t.StartHeight) + 1
}

// Weight is the blend toward the target at height: Step/Window.
func (t *ModeTransitionState) Weight(height idx.Block) Ratio {
	if height >= t.End() {
		return NewRatio(1, 1)
	}
	return NewRatio(uint64(t.Step(height)), uint64(t.Window()))
}

// Remaining is the number of window blocks left from height, inclusive.
func (t *ModeTransitionState) Remaining(height idx.Block) uint32 {
	if height >= t.End() {
		return 0
	}
	if height < t.StartHeight {
		return t.Window()
	}
	return uint32(t.End() - height)
}

// Copy returns a deep copy.
func (t *ModeTransitionState) Copy() *ModeTransitionState {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Schedule = append([]Thresholds(nil), t.Schedule...)
	return &cp
}
