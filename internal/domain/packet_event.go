// Package domain holds the shared vocabulary passed between traffic
// workers and the reporter: PacketEvent, TransferInfo, GroupSumInfo,
// FullDuplexInfo and ReportHeader.
package domain

import (
	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/stats"
)

// ErrKind classifies the outcome of the I/O call that produced a
// PacketEvent.
type ErrKind int

const (
	NullEvent ErrKind = iota
	WriteSuccess
	WriteErrAccount
	WriteNoAccount
	WriteTimeo
	WriteErrFatal
	WriteSelectRetry
	ReadSuccess
	ReadErrLen
	ReadTimeo
	ReadNoAccount
)

func (k ErrKind) String() string {
	switch k {
	case WriteSuccess:
		return "WriteSuccess"
	case WriteErrAccount:
		return "WriteErrAccount"
	case WriteNoAccount:
		return "WriteNoAccount"
	case WriteTimeo:
		return "WriteTimeo"
	case WriteErrFatal:
		return "WriteErrFatal"
	case WriteSelectRetry:
		return "WriteSelectRetry"
	case ReadSuccess:
		return "ReadSuccess"
	case ReadErrLen:
		return "ReadErrLen"
	case ReadTimeo:
		return "ReadTimeo"
	case ReadNoAccount:
		return "ReadNoAccount"
	default:
		return "NullEvent"
	}
}

// TCPSnapshot is the subset of tcp_info the reporter cares about,
// sampled by a worker around a write/read event. See internal/tcpstats
// for how this is populated from the OS.
type TCPSnapshot struct {
	RetransTotal  uint32
	Cwnd          uint32
	RTT           uint32 // microseconds
	RTTVar        uint32 // microseconds
	PacketsInFlt  uint32
	BytesInFlight uint32
}

// PacketEvent is the unit a traffic worker hands to the reporter via
// its Ring. Negative Seq is a terminal sentinel (FIN/close marker).
type PacketEvent struct {
	Seq int64

	Len      int32
	WriteLen int32
	ReadLen  int32

	PacketTime    clock.Timestamp
	SentTime      clock.Timestamp
	PrevSentTime  clock.Timestamp

	// Isochronous/burst bookkeeping.
	IsochStartTime clock.Timestamp
	FrameID        int64
	PrevFrameID    int64
	BurstSize      int32
	BurstPeriodUs  int64
	Remaining      int32

	ErrKind  ErrKind
	WriteCnt int32

	SchedErr  int64 // microseconds, scheduling-miss accounting
	Scheduled bool

	// TransitReady is set true on the last sub-write/sub-read of a
	// burst, requesting one-way-delay accounting for this event.
	TransitReady bool

	TCPStats    *TCPSnapshot
	L2Errors    int32
	L2Len       int32
	ExpectedL2Len int32

	BBServerRxTs clock.Timestamp
	BBServerTxTs clock.Timestamp

	TOS byte
}

// IsSentinel reports whether this event terminates the flow.
func (p PacketEvent) IsSentinel() bool {
	return p.Seq < 0
}

// SockCallStats tracks per-flow syscall accounting: read/write counts,
// error counts, and the TCP-read-size histogram (8 power-of-two bins,
// mirroring iperf2's Reporter.c bucketing).
type SockCallStats struct {
	WriteCalls      int64
	ReadCalls       int64
	WriteErrs       int64
	ReadErrs        int64
	ReadSizeHist    [8]uint64
	readHistEdges   [8]int32
}

// ReadSizeHistDefaultEdges are the upper-bound byte counts for each of
// the 8 TCP-read-size histogram bins, matching the original's
// power-of-two buckets (<=, in bytes).
var ReadSizeHistDefaultEdges = [8]int32{16, 64, 256, 1024, 4096, 16384, 65536, 1 << 30}

// RecordRead folds a TCP read's length into the histogram.
func (s *SockCallStats) RecordRead(n int32) {
	s.ReadCalls++
	edges := s.readHistEdges
	if edges[7] == 0 {
		edges = ReadSizeHistDefaultEdges
	}
	for i, edge := range edges {
		if n <= edge {
			s.ReadSizeHist[i]++
			return
		}
	}
	s.ReadSizeHist[7]++
}

// IsochStats tracks isochronous frame/burst bookkeeping for a flow.
type IsochStats struct {
	FramesTotal   int64
	SlipCnt       int64
	FrameLatency  stats.Welford
}

// TimestampSet holds the interval-timing fields the reporter advances
// per TransferInfo.
type TimestampSet struct {
	StartTime        clock.Timestamp
	NextTime         clock.Timestamp
	PrevTime         clock.Timestamp
	PrevPacketTime   clock.Timestamp
	PacketTime       clock.Timestamp
	IntervalTime     float64 // seconds, configured -i
	OmitTime         float64
	NextTCPSampleTime clock.Timestamp
}

// ByteCounter tracks a running total plus the value at the previous
// interval boundary, so Bytes.Current - Bytes.Prev gives the
// per-interval delta.
type ByteCounter struct {
	Current int64
	Prev    int64
}

// Delta returns Current - Prev without mutating either field.
func (b ByteCounter) Delta() int64 {
	return b.Current - b.Prev
}
