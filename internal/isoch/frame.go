// Package isoch implements the absolute-phase isochronous frame
// scheduler used by the isochronous send/receive loops: a fixed
// frames-per-second tick that never drifts relative to its start
// epoch, unlike a naive "sleep 1/fps each loop" which accumulates
// scheduling error.
package isoch

import (
	"math"

	"github.com/netperfx/perfx/internal/clock"
)

// FrameCounter schedules wake-ups at t0 + frameID*period for a fixed
// fps. frameID starts at 1 on the first WaitTick.
type FrameCounter struct {
	fps      float64
	periodUs int64
	t0       clock.Timestamp
	frameID  int64
}

// New constructs a FrameCounter for the given frames-per-second. If t0
// is the zero Timestamp, the first call to WaitTick/Get seeds it from
// clock.Now().
func New(fps float64, t0 clock.Timestamp) *FrameCounter {
	return &FrameCounter{
		fps:      fps,
		periodUs: int64(math.Round(1e6 / fps)),
		t0:       t0,
	}
}

// PeriodUs returns round(1e6/fps), the frame period in microseconds.
func (f *FrameCounter) PeriodUs() int64 {
	return f.periodUs
}

func (f *FrameCounter) ensureEpoch() {
	if f.t0.IsZero() {
		f.t0 = clock.Now()
	}
}

// WaitTick sleeps (when blocking is true) until the next frame
// boundary t0 + frameID*period, then returns the new (monotone,
// starting at 1) frame id and the signed microsecond deviation
// between the intended wake time and the actual wake time. When
// blocking is false it still advances frameID and computes schedErr
// against "now" without sleeping, for callers that have their own
// wait loop (e.g. one that also needs to select on socket readiness).
func (f *FrameCounter) WaitTick(blocking bool) (frameID int64, schedErr int64) {
	f.ensureEpoch()
	f.frameID++
	target := f.t0.Add(f.frameID * f.periodUs)

	if blocking {
		clock.AbsoluteSleepUntil(target)
	}

	now := clock.Now()
	schedErr = now.SubUsec(target)
	return f.frameID, schedErr
}

// Get returns the current frame id (without sleeping) and writes the
// remaining microseconds in the current frame into remainingUs.
func (f *FrameCounter) Get(remainingUs *int64) int64 {
	f.ensureEpoch()
	now := clock.Now()
	elapsed := now.SubUsec(f.t0)
	if elapsed < 0 {
		elapsed = 0
	}
	currentFrame := elapsed/f.periodUs + 1
	*remainingUs = f.periodUs - elapsed%f.periodUs
	return currentFrame
}
