package board

import (
	"sort"
	"time"

	"github.com/tessera-dev/tessera/lib/store"
)

// --------------------------------------------------------------------------
// Cooldown Curve
// --------------------------------------------------------------------------

// Curve describes how a user regains pixels after placing. Regaining the
// pixel at stack depth s takes Cooldown*(s+1) after the last placement, so
// refilling a deep stack slows down towards the cap.
type Curve struct {
	// Cooldown is the base regain period.
	Cooldown time.Duration
	// MaxStacked is the cap on pixels a user can have banked. Boards carry
	// it in their metadata as maxPixelsAvailable.
	MaxStacked uint32
}

func (c Curve) step() uint64 {
	step := uint64(c.Cooldown / time.Second)
	if step == 0 {
		step = 1
	}
	return step
}

// Derive builds the user's cooldown info from their most recent placements
// (oldest first, at most MaxStacked rows). epoch is the board's creation
// instant and now the evaluation instant, both in unix seconds.
//
// The carried stack is inferred from consecutive placement pairs: a user
// who waited long enough between placements keeps the pixels regained in
// between, minus the one each placement spends.
func (c Curve) Derive(history []store.Placement, epoch, now uint64) CooldownInfo {
	lastTS, carried := c.inferStack(history)
	return NewCooldownInfo(c.instants(lastTS, carried, epoch), now)
}

// instants returns the full schedule implied by a placement at lastTS
// (board seconds) with carried pixels still banked: the banked pixels as
// already-passed instants, then one arrival per missing stack depth.
func (c Curve) instants(lastTS uint32, carried uint32, epoch uint64) []uint64 {
	if carried > c.MaxStacked {
		carried = c.MaxStacked
	}
	step := c.step()
	base := epoch + uint64(lastTS)

	out := make([]uint64, 0, c.MaxStacked)
	for i := uint32(0); i < carried; i++ {
		out = append(out, base)
	}
	for s := carried; s < c.MaxStacked; s++ {
		out = append(out, base+step*uint64(s+1))
	}
	return out
}

// availableAt returns the pixels a user has at board second t given their
// last placement at lastTS with carried pixels banked.
func (c Curve) availableAt(lastTS uint32, carried uint32, t uint32) uint32 {
	step := c.step()
	future := uint32(0)
	for s := carried; s < c.MaxStacked; s++ {
		if uint64(lastTS)+step*uint64(s+1) > uint64(t) {
			future++
		}
	}
	return c.MaxStacked - future
}

// inferStack walks the placement history computing the stack carried into
// each placement from the state left by the previous one.
func (c Curve) inferStack(history []store.Placement) (lastTS uint32, carried uint32) {
	// no-history base: accruing from the board's creation with nothing
	// banked, which converges to a full stack for users who never placed
	lastTS, carried = 0, 0
	for _, p := range history {
		avail := c.availableAt(lastTS, carried, p.Timestamp)
		if avail == 0 {
			avail = 1 // the row exists, so the pixel was spendable then
		}
		carried = avail - 1
		lastTS = p.Timestamp
	}
	return lastTS, carried
}

// --------------------------------------------------------------------------
// CooldownInfo
// --------------------------------------------------------------------------

// CooldownInfo is a user's pixel budget evaluated at one instant: the
// pixels available right now plus the future arrival schedule. It is a
// lazy sequence over the arrivals; consuming never rewinds.
//
// Thread-safety: not safe for concurrent use. Every consumer derives or
// copies its own value.
type CooldownInfo struct {
	schedule  []uint64 // full schedule, unix seconds, non-decreasing
	cursor    int      // first arrival not yet consumed
	available uint32   // pixels usable, grows as arrivals are consumed
}

// NewCooldownInfo builds the info from the user's ordered cooldown
// instants (unix seconds) evaluated at now. Instants at or before now are
// immediately available.
func NewCooldownInfo(instants []uint64, now uint64) CooldownInfo {
	schedule := append([]uint64(nil), instants...)
	cursor := sort.Search(len(schedule), func(i int) bool {
		return schedule[i] > now
	})
	return CooldownInfo{
		schedule:  schedule,
		cursor:    cursor,
		available: uint32(cursor),
	}
}

// PixelsAvailable returns the pixels the user can spend.
func (ci *CooldownInfo) PixelsAvailable() uint32 { return ci.available }

// NextAvailable returns the next arrival instant without consuming it, or
// false if the schedule is exhausted.
func (ci *CooldownInfo) NextAvailable() (uint64, bool) {
	if ci.cursor >= len(ci.schedule) {
		return 0, false
	}
	return ci.schedule[ci.cursor], true
}

// Next consumes the next arrival and returns its instant together with the
// pixels available once it arrives. ok is false when the schedule is
// exhausted (the stack is full once all arrivals passed).
func (ci *CooldownInfo) Next() (instant uint64, available uint32, ok bool) {
	if ci.cursor >= len(ci.schedule) {
		return 0, 0, false
	}
	instant = ci.schedule[ci.cursor]
	ci.cursor++
	ci.available++
	return instant, ci.available, true
}
