package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddAndSub(t *testing.T) {
	base := FromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	later := base.Add(1500)

	assert.Equal(t, int64(1500), later.SubUsec(base))
	assert.InDelta(t, 0.0015, later.SubSec(base), 1e-9)
	assert.True(t, base.Before(later))
	assert.False(t, later.Before(base))
}

func TestAddSeconds(t *testing.T) {
	base := FromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	later := base.AddSeconds(0.25)
	assert.Equal(t, int64(250000), later.SubUsec(base))
}

func TestDelayLoopHonoursShortSleeps(t *testing.T) {
	for _, usec := range []int64{10, 4} {
		start := time.Now()
		DelayLoop(usec)
		elapsed := time.Since(start).Microseconds()
		// Allow generous scheduler slop in CI but fail on gross overshoot.
		assert.GreaterOrEqual(t, elapsed, int64(0))
		assert.Less(t, elapsed, usec+5000)
	}
}

func TestDelayLoopZeroIsNoop(t *testing.T) {
	start := time.Now()
	DelayLoop(0)
	assert.Less(t, time.Since(start).Microseconds(), int64(1000))
}

func TestAbsoluteSleepUntilPast(t *testing.T) {
	start := time.Now()
	AbsoluteSleepUntil(FromTime(start.Add(-time.Hour)))
	assert.Less(t, time.Since(start).Microseconds(), int64(1000))
}
