// Package tick maps the free-running hardware tick counter carried in every
// frame onto wallclock time.
//
// One tick lasts 6.4ns. The mapping is linear and anchored once, at the first
// valid frame of the process; hardware drift is not corrected, so it is only
// accurate for captures short enough for drift to be negligible.
package tick

import (
	"sync"

	"go.uber.org/atomic"
)

// A tick period of 6.4ns expressed as a fraction.
const (
	PeriodNumerator   = 64
	PeriodDenominator = 10
)

// Reconstruct converts frameTick into absolute nanoseconds relative to an
// anchor pair. The division truncates.
func Reconstruct(anchorTick, anchorNs, frameTick uint64) uint64 {
	return anchorNs + ((frameTick-anchorTick)*PeriodNumerator)/PeriodDenominator
}

// Anchor is the (tick, wallclock) pair every later frame is measured from.
// It can be set exactly once; later calls to Set are ignored.
type Anchor struct {
	once   sync.Once
	ready  atomic.Bool
	tick   uint64
	wallNs uint64
}

// Set records the anchor pair if none exists yet and reports whether this
// call did so.
func (a *Anchor) Set(tick, wallNs uint64) bool {
	set := false
	a.once.Do(func() {
		a.tick = tick
		a.wallNs = wallNs
		a.ready.Store(true)
		set = true
	})
	return set
}

// Ready reports whether the anchor has been set.
func (a *Anchor) Ready() bool {
	return a.ready.Load()
}

// Tick returns the anchor tick, or zero before the anchor is set.
func (a *Anchor) Tick() uint64 {
	if !a.Ready() {
		return 0
	}
	return a.tick
}

// WallNs returns the anchor wallclock in nanoseconds, or zero before the
// anchor is set.
func (a *Anchor) WallNs() uint64 {
	if !a.Ready() {
		return 0
	}
	return a.wallNs
}

// Reconstruct maps frameTick to absolute nanoseconds. The second result is
// false when no anchor exists yet.
func (a *Anchor) Reconstruct(frameTick uint64) (uint64, bool) {
	if !a.Ready() {
		return 0, false
	}
	return Reconstruct(a.tick, a.wallNs, frameTick), true
}
