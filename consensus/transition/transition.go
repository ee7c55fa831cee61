// Package transition smooths switches between consensus modes.
//
// A transition is opened by a block that carries a ModeTransitionAnnounce.
// The announce publishes the thresholds of every block of the window, so
// a block is always checked against a schedule fixed before it was made.
// Window blocks carry the target mode tag and their 1-based step; once the
// last window block commits the target becomes the active mode.
package transition

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

// ErrModeSchedule marks a block whose mode tag, step or announce disagrees
// with the published schedule.
var ErrModeSchedule = errors.New("mode schedule violation")

// Schedule interpolates linearly from one threshold pair to another: step k
// of w requires from + (to-from)*k/w.
func Schedule(from, to inter.Thresholds, window uint32) []inter.Thresholds {
	res := make([]inter.Thresholds, window)
	for k := range res {
		step := uint64(k + 1)
		res[k] = inter.Thresholds{
			Authority: inter.Lerp(from.Authority, to.Authority, step, uint64(window)),
			Staker:    inter.Lerp(from.Staker, to.Staker, step, uint64(window)),
		}
	}
	return res
}

// Expectation is what a block at some height must carry.
type Expectation struct {
	Mode       inter.Mode
	Step       uint32
	Thresholds inter.Thresholds
}

// Manager computes and checks transition schedules under fixed rules.
type Manager struct {
	rules aitbc.Rules
}

func NewManager(rules aitbc.Rules) *Manager {
	return &Manager{rules: rules}
}

// Announce builds the announce a block at height-1 publishes to move from
// one mode to another starting at height.
func (m *Manager) Announce(from, to inter.Mode, start idx.Block) *inter.ModeTransitionAnnounce {
	return &inter.ModeTransitionAnnounce{
		StartHeight: start,
		From:        from,
		Target:      to,
		Schedule: Schedule(
			m.rules.Modes.Get(from).Thresholds(),
			m.rules.Modes.Get(to).Thresholds(),
			m.rules.Transition.Window,
		),
	}
}

// Expect returns the mode tag, step and thresholds for a block at height on
// top of st.
func (m *Manager) Expect(st *iblockproc.State, height idx.Block) Expectation {
	if tr := st.Transition; tr != nil && tr.Contains(height) {
		step := tr.Step(height)
		return Expectation{Mode: tr.Target, Step: step, Thresholds: tr.Schedule[step-1]}
	}
	return Expectation{Mode: st.Mode, Thresholds: m.rules.Modes.Get(st.Mode).Thresholds()}
}

// CanAnnounce reports whether a block at height on top of st may open a
// transition to target.
func (m *Manager) CanAnnounce(st *iblockproc.State, height idx.Block, target inter.Mode) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown target %d", ErrModeSchedule, uint8(target))
	}
	if tr := st.Transition; tr != nil && height < tr.End() {
		return fmt.Errorf("%w: window [%d, %d) still open", ErrModeSchedule, tr.StartHeight, tr.End())
	}
	if target == st.Mode {
		return fmt.Errorf("%w: already in %s", ErrModeSchedule, target)
	}
	if m.rules.Modes.RequiresStakers(target) && !st.HasStakers() {
		return fmt.Errorf("%w: %s needs active stakers", ErrModeSchedule, target)
	}
	return nil
}

// Check validates the mode fields of a header at st.Head.Height+1.
func (m *Manager) Check(st *iblockproc.State, h *inter.Header) error {
	exp := m.Expect(st, h.Height)
	if h.Mode != exp.Mode || h.Step != exp.Step {
		return fmt.Errorf("%w: got %s step %d, want %s step %d", ErrModeSchedule, h.Mode, h.Step, exp.Mode, exp.Step)
	}
	if h.Announce == nil {
		return nil
	}
	a := h.Announce
	if err := m.CanAnnounce(st, h.Height, a.Target); err != nil {
		return err
	}
	if a.StartHeight != h.Height+1 || a.From != st.Mode {
		return fmt.Errorf("%w: announce must start at %d from %s", ErrModeSchedule, h.Height+1, st.Mode)
	}
	want := m.Announce(st.Mode, a.Target, a.StartHeight)
	if len(a.Schedule) != len(want.Schedule) {
		return fmt.Errorf("%w: schedule has %d steps, want %d", ErrModeSchedule, len(a.Schedule), len(want.Schedule))
	}
	for i := range want.Schedule {
		if a.Schedule[i] != want.Schedule[i] {
			return fmt.Errorf("%w: step %d thresholds differ from the interpolation", ErrModeSchedule, i+1)
		}
	}
	return nil
}

// Advance updates st for a committed header: a window whose last block
// committed activates its target, and an announce opens a new window.
func (m *Manager) Advance(st *iblockproc.State, h *inter.Header) {
	if tr := st.Transition; tr != nil && h.Height+1 >= tr.End() {
		st.Mode = tr.Target
		st.Transition = nil
	}
	if h.Announce != nil {
		st.Transition = &inter.ModeTransitionState{ModeTransitionAnnounce: *h.Announce}
		st.Transition.Schedule = append([]inter.Thresholds(nil), h.Announce.Schedule...)
	}
}

// Abort drops an open window and switches to mode outright. The commit path
// uses it when the active staker set empties at an epoch boundary.
func (m *Manager) Abort(st *iblockproc.State, mode inter.Mode) {
	st.Transition = nil
	st.Mode = mode
}
