// Package modectl implements the Mode Controller: it samples network
// conditions and proposes the consensus mode the chain should move to. The
// controller never changes thresholds itself; a proposed target only takes
// effect through a transition announce.
package modectl

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/inter"
)

// Sample is one observation of network conditions, each in [0, 1].
type Sample struct {
	// Load is the pending-transaction load relative to block capacity.
	Load float64
	// AuthorityOnline is the fraction of active authorities seen signing.
	AuthorityOnline float64
	// StakerParticipation is the fraction of active staker stake seen signing.
	StakerParticipation float64
}

// Change is emitted when the proposed target changes.
type Change struct {
	From, To inter.Mode
}

// Controller keeps a rolling window of samples and a hysteresis counter.
type Controller struct {
	cfg aitbc.ControllerRules
	log logrus.FieldLogger

	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool

	target    inter.Mode
	candidate inter.Mode
	streak    int

	changes chan Change
}

// New starts a controller proposing initial.
func New(cfg aitbc.ControllerRules, initial inter.Mode, log logrus.FieldLogger) *Controller {
	return &Controller{
		cfg:     cfg,
		log:     log.WithField("module", "modectl"),
		samples: make([]Sample, cfg.Window),
		target:  initial,
		changes: make(chan Change, 16),
	}
}

// Observe records a sample, dropping the oldest once the window is full.
func (c *Controller) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[c.next] = s
	c.next = (c.next + 1) % len(c.samples)
	if c.next == 0 {
		c.full = true
	}
}

// Average returns the mean of the window.
func (c *Controller) Average() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.average()
}

func (c *Controller) average() Sample {
	n := c.next
	if c.full {
		n = len(c.samples)
	}
	if n == 0 {
		return Sample{}
	}
	var sum Sample
	for _, s := range c.samples[:n] {
		sum.Load += s.Load
		sum.AuthorityOnline += s.AuthorityOnline
		sum.StakerParticipation += s.StakerParticipation
	}
	return Sample{
		Load:                sum.Load / float64(n),
		AuthorityOnline:     sum.AuthorityOnline / float64(n),
		StakerParticipation: sum.StakerParticipation / float64(n),
	}
}

// Rule is the raw decision for averaged conditions.
func Rule(cfg aitbc.ControllerRules, s Sample) inter.Mode {
	switch {
	case s.Load < cfg.FastMaxLoad && s.AuthorityOnline > cfg.FastMinOnline:
		return inter.ModeFast
	case s.Load > cfg.SecureMinLoad || s.StakerParticipation > cfg.SecureMinParticipation:
		return inter.ModeSecure
	default:
		return inter.ModeBalanced
	}
}

// Decide evaluates the rule once and returns the proposed target. A new
// raw decision must repeat HysteresisSlots times before it replaces the
// target. Modes needing stakers are not proposed when stakersAvailable is
// false.
func (c *Controller) Decide(stakersAvailable bool) inter.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := Rule(c.cfg, c.average())
	if !stakersAvailable {
		raw = inter.ModeFast
	}
	if raw == c.target {
		c.streak = 0
		return c.target
	}
	if raw != c.candidate {
		c.candidate, c.streak = raw, 0
	}
	c.streak++
	if c.streak < c.cfg.HysteresisSlots && stakersAvailable {
		return c.target
	}
	change := Change{From: c.target, To: raw}
	c.target, c.streak = raw, 0
	c.log.WithFields(logrus.Fields{"from": change.From, "to": change.To}).Info("Mode target changed")
	select {
	case c.changes <- change:
	default:
	}
	return c.target
}

// Target returns the currently proposed mode.
func (c *Controller) Target() inter.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Reset aligns the target with the chain's active mode without emitting a
// change.
func (c *Controller) Reset(mode inter.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target, c.candidate, c.streak = mode, 0, 0
}

// Changes delivers target changes. Slow readers miss changes; Target is
// always current.
func (c *Controller) Changes() <-chan Change {
	return c.changes
}
