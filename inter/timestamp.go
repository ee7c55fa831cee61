package inter

import (
	"time"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
)

// Timestamp is a UNIX time in nanoseconds.
type Timestamp uint64

// FromUnix converts whole seconds to a Timestamp.
func FromUnix(sec int64) Timestamp {
	return Timestamp(sec) * Timestamp(time.Second)
}

// FromTime converts t to a Timestamp. Times before the epoch clamp to zero.
func FromTime(t time.Time) Timestamp {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return Timestamp(ns)
}

// Bytes is the big-endian encoding of t.
func (t Timestamp) Bytes() []byte {
	return bigendian.Uint64ToBytes(uint64(t))
}

// Unix returns t in whole seconds.
func (t Timestamp) Unix() int64 {
	return int64(t) / int64(time.Second)
}

// Time returns t as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// SlotStart is the start time of slot s: genesis + s*d.
func SlotStart(genesis Timestamp, d time.Duration, s Slot) Timestamp {
	return genesis + Timestamp(uint64(s)*uint64(d))
}

// SlotAt is the slot running at t. Times before genesis map to slot 0.
func SlotAt(genesis Timestamp, d time.Duration, t Timestamp) Slot {
	if t < genesis || d <= 0 {
		return 0
	}
	return Slot(uint64(t-genesis) / uint64(d))
}
