package isoch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/netperfx/perfx/internal/clock"
)

func TestPeriodUsRounds(t *testing.T) {
	f := New(60, clock.Now())
	// 1e6/60 = 16666.67 -> rounds to 16667
	assert.Equal(t, int64(16667), f.PeriodUs())
}

func TestWaitTickNonBlockingMonotoneFrameID(t *testing.T) {
	t0 := clock.FromTime(time.Now().Add(-time.Second))
	f := New(100, t0) // period = 10000us
	last := int64(0)
	for i := 0; i < 5; i++ {
		id, _ := f.WaitTick(false)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestGetReturnsRemainingWithinPeriod(t *testing.T) {
	f := New(10, clock.Now()) // period = 100000us
	var remaining int64
	frame := f.Get(&remaining)
	assert.Equal(t, int64(1), frame)
	assert.GreaterOrEqual(t, remaining, int64(0))
	assert.LessOrEqual(t, remaining, f.PeriodUs())
}

func TestWaitTickBlockingSleepsUntilBoundary(t *testing.T) {
	f := New(1000, clock.Now()) // period = 1000us = 1ms
	start := time.Now()
	f.WaitTick(true)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed.Microseconds(), int64(500))
}
