// Package tcpstats reads Linux TCP_INFO-shaped socket state for a
// flow's PacketEvent.TCPStats snapshot and for the near-congestion
// pacing loop's RTT sample. Field names mirror
// github.com/m-lab/tcp-info/tcp.LinuxTCPInfo, the struct this package
// is grounded on.
package tcpstats

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/netperfx/perfx/internal/domain"
)

// Reader reads TCP_INFO for a *net.TCPConn's underlying file
// descriptor.
type Reader struct {
	conn *net.TCPConn
}

// NewReader wraps conn for TCP_INFO sampling.
func NewReader(conn *net.TCPConn) *Reader {
	return &Reader{conn: conn}
}

// Snapshot reads the current tcp_info and maps it onto the fields
// PacketEvent.TCPStats carries: retransmits, cwnd, rtt, rttvar, and
// packets/bytes in flight.
func (r *Reader) Snapshot() (*domain.TCPSnapshot, error) {
	raw, err := r.conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var info *unix.TCPInfo
	var getErr error
	err = raw.Control(func(fd uintptr) {
		info, getErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}

	return &domain.TCPSnapshot{
		RetransTotal:  uint32(info.Total_retrans),
		Cwnd:          info.Snd_cwnd,
		RTT:           info.Rtt,
		RTTVar:        info.Rttvar,
		PacketsInFlt:  inFlightPackets(info),
		BytesInFlight: 0, // not exposed by unix.TCPInfo; left zero
	}, nil
}

// inFlightPackets approximates "packets in flight" the way iperf2's
// near-congestion pacer does: unacked minus retransmitted, floored at
// zero.
func inFlightPackets(info *unix.TCPInfo) uint32 {
	if info.Unacked < info.Retrans {
		return 0
	}
	return info.Unacked - info.Retrans
}

// RTTMicros returns the last-sampled smoothed RTT in microseconds, or
// 0 if no sample is available -- the RunNearCongestionTCP send loop
// falls back to a fixed weight*100us delay in that case.
func (r *Reader) RTTMicros() uint32 {
	snap, err := r.Snapshot()
	if err != nil || snap == nil {
		return 0
	}
	return snap.RTT
}
