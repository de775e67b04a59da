package reporter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/ring"
)

func newTestInfo(role domain.Role, proto domain.Proto, interval time.Duration) *domain.TransferInfo {
	info := domain.NewTransferInfo("[1]", role, proto)
	info.TS.StartTime = clock.Now()
	info.TS.PrevTime = info.TS.StartTime
	info.TS.IntervalTime = interval.Seconds()
	if interval > 0 {
		info.TS.NextTime = info.TS.StartTime.AddSeconds(interval.Seconds())
	} else {
		info.TS.NextTime = info.TS.StartTime
	}
	return info
}

func TestRunEmitsIntervalsThenClosesOnSentinel(t *testing.T) {
	r := New()
	var rows []Row
	r.output = func(info *domain.TransferInfo, row Row) { rows = append(rows, row) }

	info := newTestInfo(domain.RoleServer, domain.ProtoUDP, 5*time.Millisecond)
	rg := ring.New(64)
	r.Submit(domain.NewDataHeader(info, rg))

	start := info.TS.StartTime
	for i := int64(1); i <= 5; i++ {
		rg.Enqueue(domain.PacketEvent{
			Seq: i, ReadLen: 10,
			PacketTime: start.Add(int64(i) * 3000),
			SentTime:   start.Add(int64(i) * 1000),
			TransitReady: true,
		})
	}
	rg.Enqueue(domain.PacketEvent{Seq: -6})

	r.IncThreads()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.DecThreads()
	}()
	err := r.Run(ctx)
	require.NoError(t, err)

	require.NotEmpty(t, rows)
	assert.True(t, rows[len(rows)-1].Final)
}

func TestIntervalHandlerResetsCurrentAggregatesAtBoundary(t *testing.T) {
	r := New()
	info := newTestInfo(domain.RoleServer, domain.ProtoTCP, time.Millisecond)

	start := info.TS.StartTime
	info.TransitCurrent.Update(0.01)
	ev := domain.PacketEvent{PacketTime: start.Add(5000)}
	r.intervalHandler(info, ev)

	assert.EqualValues(t, 0, info.TransitCurrent.Cnt)
}

func TestOneWayTransitSkipsJitterAcrossFrameChange(t *testing.T) {
	r := New()
	info := newTestInfo(domain.RoleServer, domain.ProtoUDP, 0)
	start := info.TS.StartTime

	r.oneWayTransit(info, domain.PacketEvent{
		TransitReady: true, FrameID: 1,
		SentTime: start, PacketTime: start.Add(1000),
	})
	r.oneWayTransit(info, domain.PacketEvent{
		TransitReady: true, FrameID: 2,
		SentTime: start.Add(1000), PacketTime: start.Add(5000),
	})

	assert.EqualValues(t, 0, info.JitterCurrent.Cnt, "newburst should suppress jitter right after a frame change")
}

func TestHandleConnectionReportEmitsSummaryAfterSecondSample(t *testing.T) {
	var buf bytes.Buffer
	r := New(WithLogger(zerolog.New(&buf)))
	r.output = func(*domain.TransferInfo, Row) {}
	r.console = func(string, error) {}

	r.handleConnectionReport(&domain.ConnectionReport{ConnectTimeMs: 1.5})
	assert.EqualValues(t, 1, r.connectTimes.Cnt)
	assert.NotContains(t, buf.String(), "connect-time summary")
	r.handleConnectionReport(&domain.ConnectionReport{ConnectTimeMs: 2.5})
	assert.EqualValues(t, 2, r.connectTimes.Cnt)
	assert.Contains(t, buf.String(), "connect-time summary")
}

func TestClockSyncOKDetectsOutOfOrderTimestamps(t *testing.T) {
	base := clock.Now()
	assert.True(t, clockSyncOK(base, base.Add(10), base.Add(20), base.Add(30)))
	assert.False(t, clockSyncOK(base, base.Add(-5), base.Add(20), base.Add(30)))
}

func TestConsumptionDetectorResetsBudgetFromTrafficThreadCount(t *testing.T) {
	var cd consumptionDetector
	cd.reset(0)
	assert.Equal(t, minPacketDepth, cd.accountedPackets)
	cd.reset(10)
	assert.Equal(t, 10*minPerQueueDepth, cd.accountedPackets)
	cd.consume(5)
	assert.True(t, cd.overBudget())
}
