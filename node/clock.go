package node

import (
	"context"
	"time"

	"github.com/oib/aitbc-chain/inter"
)

// Clock maps wall time to slots.
type Clock struct {
	genesis  inter.Timestamp
	duration time.Duration
	now      func() time.Time
}

func NewClock(genesis inter.Timestamp, duration time.Duration) *Clock {
	return &Clock{genesis: genesis, duration: duration, now: time.Now}
}

// CurrentSlot is the slot running now. Before genesis it is 0.
func (c *Clock) CurrentSlot() inter.Slot {
	return inter.SlotAt(c.genesis, c.duration, inter.FromTime(c.now()))
}

// SlotStart is the wall time slot s begins.
func (c *Clock) SlotStart(s inter.Slot) time.Time {
	return inter.SlotStart(c.genesis, c.duration, s).Time()
}

// SlotTicker delivers every slot as it starts, until ctx is done. A slow
// reader sees the slot that is current when it catches up.
func (c *Clock) SlotTicker(ctx context.Context) <-chan inter.Slot {
	ch := make(chan inter.Slot)
	go func() {
		defer close(ch)
		for {
			next := c.CurrentSlot() + 1
			timer := time.NewTimer(time.Until(c.SlotStart(next)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if cur := c.CurrentSlot(); cur > next {
				next = cur
			}
			select {
			case ch <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
