package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateJitterFollowsRFC1889Recurrence(t *testing.T) {
	ti := NewTransferInfo("[1]", RoleServer, ProtoUDP)

	j1 := ti.UpdateJitter(16)
	assert.InDelta(t, 1.0, j1, 1e-9) // J=0 -> J += (16-0)/16 = 1

	j2 := ti.UpdateJitter(-32)
	assert.InDelta(t, 2.9375, j2, 1e-9) // |delta|=32 -> J += (32-1)/16

	assert.Equal(t, int64(2), ti.JitterCurrent.Cnt)
	assert.Equal(t, int64(2), ti.JitterTotal.Cnt)
}

func TestResetIntervalClearsCurrentButNotTotal(t *testing.T) {
	ti := NewTransferInfo("[1]", RoleServer, ProtoUDP)
	ti.UpdateJitter(10)
	ti.TransitCurrent.Update(5)
	ti.Bytes.Current = 1000
	ti.IPG = 4
	ti.IPGSum = 12.5

	ti.ResetInterval()

	assert.Equal(t, int64(0), ti.TransitCurrent.Cnt)
	assert.Equal(t, int64(0), ti.JitterCurrent.Cnt)
	assert.Equal(t, int64(1), ti.JitterTotal.Cnt) // total survives the boundary
	assert.Equal(t, int64(1000), ti.Bytes.Prev)
	assert.Equal(t, int64(0), ti.IPG)
	assert.Equal(t, float64(0), ti.IPGSum)
}

func TestByteCounterDelta(t *testing.T) {
	b := ByteCounter{Current: 500, Prev: 300}
	assert.Equal(t, int64(200), b.Delta())
}

func TestPacketEventIsSentinel(t *testing.T) {
	assert.True(t, PacketEvent{Seq: -1}.IsSentinel())
	assert.False(t, PacketEvent{Seq: 0}.IsSentinel())
	assert.False(t, PacketEvent{Seq: 42}.IsSentinel())
}

func TestRecordReadBucketsIntoDefaultEdges(t *testing.T) {
	var s SockCallStats
	s.RecordRead(10)    // <= 16
	s.RecordRead(16)    // <= 16
	s.RecordRead(17)    // <= 64
	s.RecordRead(2_000_000_000) // past every edge

	assert.Equal(t, int64(4), s.ReadCalls)
	assert.Equal(t, uint64(2), s.ReadSizeHist[0])
	assert.Equal(t, uint64(1), s.ReadSizeHist[1])
	assert.Equal(t, uint64(1), s.ReadSizeHist[7])
}

func TestJobListPushBackPreservesOrder(t *testing.T) {
	var l JobList
	assert.True(t, l.Empty())

	a := NewStringHeader("a")
	b := NewStringHeader("b")
	c := NewStringHeader("c")
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	var seen []string
	l.Each(func(h *ReportHeader) { seen = append(seen, h.String) })
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestJobListDrainIntoMovesAllEntriesAndEmptiesSource(t *testing.T) {
	var pending, root JobList
	pending.PushBack(NewStringHeader("x"))
	pending.PushBack(NewStringHeader("y"))
	root.PushBack(NewStringHeader("already-here"))

	pending.DrainInto(&root)

	assert.True(t, pending.Empty())
	var seen []string
	root.Each(func(h *ReportHeader) { seen = append(seen, h.String) })
	assert.Equal(t, []string{"already-here", "x", "y"}, seen)
}

func TestJobListDrainIntoEmptySourceIsNoop(t *testing.T) {
	var pending, root JobList
	root.PushBack(NewStringHeader("only"))

	pending.DrainInto(&root)

	var seen []string
	root.Each(func(h *ReportHeader) { seen = append(seen, h.String) })
	assert.Equal(t, []string{"only"}, seen)
}

func TestJobListRemoveHead(t *testing.T) {
	var l JobList
	a := NewStringHeader("a")
	b := NewStringHeader("b")
	l.PushBack(a)
	l.PushBack(b)

	l.Remove(a)

	var seen []string
	l.Each(func(h *ReportHeader) { seen = append(seen, h.String) })
	assert.Equal(t, []string{"b"}, seen)
}

func TestJobListRemoveTailUpdatesTail(t *testing.T) {
	var l JobList
	a := NewStringHeader("a")
	b := NewStringHeader("b")
	l.PushBack(a)
	l.PushBack(b)

	l.Remove(b)
	l.PushBack(NewStringHeader("c")) // exercises the updated tail pointer

	var seen []string
	l.Each(func(h *ReportHeader) { seen = append(seen, h.String) })
	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestJobListRemoveOnlyEntryEmptiesList(t *testing.T) {
	var l JobList
	a := NewStringHeader("solo")
	l.PushBack(a)
	l.Remove(a)
	assert.True(t, l.Empty())
}

func TestNewErrorHeaderCarriesErr(t *testing.T) {
	wantErr := errors.New("boom")
	h := NewErrorHeader(wantErr)
	require.Equal(t, ReportError, h.Kind)
	assert.Equal(t, wantErr, h.Err)
}
