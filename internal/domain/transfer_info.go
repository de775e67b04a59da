package domain

import (
	"github.com/google/uuid"

	"github.com/netperfx/perfx/internal/stats"
)

// Role identifies which side of a flow a TransferInfo describes.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Proto identifies the transport a flow rides on.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

// TransferInfo is the per-flow state shared by a worker and the
// reporter. It is created by the worker before the flow's ReportHeader
// is published; after that only the reporter touches its
// Welford/jitter/interval fields, while the worker keeps writing its
// inline counters (Bytes, SockCallStats, loss/OOO, PacketID, Isoch)
// before enqueueing the PacketEvent that carries them, so no per-event
// locking beyond the ring's own is used on the hot path.
type TransferInfo struct {
	ID     uuid.UUID
	Prefix string
	Role   Role
	Proto  Proto

	Reverse     bool
	FullDuplex  bool

	TS TimestampSet

	Bytes      ByteCounter
	Datagrams  int64
	OutOfOrder int64
	Lost       int64
	IPG        int64 // inter-packet-gap count, interval-scoped
	IPGSum     float64

	TxBytes int64
	RxBytes int64

	TransitCurrent stats.Welford
	TransitTotal   stats.Welford

	JitterCurrent stats.Welford
	JitterTotal   stats.Welford
	jitterJ       float64 // RFC 1889 running jitter estimate

	Isoch IsochStats

	BBRTT   stats.Welford
	BBOWDTo stats.Welford // owd from client->server
	BBOWDFro stats.Welford // owd from server->client
	BBAsym  stats.Welford
	BBClockSyncErrors int64

	SockCallStats SockCallStats

	PacketID int64 // highest sequence id observed, for loss math

	Final         bool
	IsMaskOutput  bool
	Omit          bool

	GroupSum   *GroupSumInfo
	FullDuplexInfo *FullDuplexInfo
}

// NewTransferInfo constructs a TransferInfo with reset Welford
// accumulators and a fresh identity.
func NewTransferInfo(prefix string, role Role, proto Proto) *TransferInfo {
	return &TransferInfo{
		ID:     uuid.New(),
		Prefix: prefix,
		Role:   role,
		Proto:  proto,
		TransitCurrent: stats.New(),
		TransitTotal:   stats.New(),
		JitterCurrent:  stats.New(),
		JitterTotal:    stats.New(),
		BBRTT:    stats.New(),
		BBOWDTo:  stats.New(),
		BBOWDFro: stats.New(),
		BBAsym:   stats.New(),
	}
}

// UpdateJitter applies the RFC 1889 recurrence J += (|D|-J)/16 to the
// signed first difference of one-way transit delta, and folds the
// result into both the interval and total jitter aggregates.
func (t *TransferInfo) UpdateJitter(delta float64) float64 {
	if delta < 0 {
		delta = -delta
	}
	t.jitterJ += (delta - t.jitterJ) / 16
	t.JitterCurrent.Update(t.jitterJ)
	t.JitterTotal.Update(t.jitterJ)
	return t.jitterJ
}

// ResetInterval clears the per-interval Welford "current" aggregates
// and snapshots the Bytes "prev" marker, called by the reporter
// at each interval boundary after emitting the row.
func (t *TransferInfo) ResetInterval() {
	t.TransitCurrent.Reset()
	t.JitterCurrent.Reset()
	t.Bytes.Prev = t.Bytes.Current
	t.IPGSum = 0
	t.IPG = 0
}
