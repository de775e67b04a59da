// Package sockopt narrows the pass-through socket knobs spec.md marks
// explicitly out of scope (congestion-control name, TOS/DSCP, TTL,
// SO_TIMESTAMP, quick-ack, no-delay) to a small interface; it has no
// pacing-rate or window-clamp wrapper, and the worker package still
// calls golang.org/x/sys/unix directly for poll and errno checks. Every call here
// is a thin wrapper around a setsockopt/getsockopt; none of it
// implements test semantics -- the core assumes the socket arrives
// already configured the way spec.md section 1 states.
package sockopt

import (
	"net"

	"golang.org/x/sys/unix"
)

// SetTOS sets the IP_TOS (IPv4) differentiated-services byte used by
// the L4S send loops to mark ECN-capable transport.
func SetTOS(conn *net.UDPConn, tos int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return setErr
}

// SetCongestionControl sets TCP_CONGESTION to the named algorithm
// (e.g. "bbr", "cubic"). Pass-through per spec.md section 1.
func SetCongestionControl(conn *net.TCPConn, name string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, name)
	})
	if err != nil {
		return err
	}
	return setErr
}

// SetTTL sets the IP TTL / hop limit.
func SetTTL(conn *net.UDPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return setErr
}

// EnableTimestamping turns on SO_TIMESTAMP so recvmsg's control
// message carries a kernel receive timestamp. No worker loop calls it:
// the UDP server stamps PacketEvent.PacketTime from the userspace
// clock.
func EnableTimestamping(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// SetQuickAck asserts TCP_QUICKACK, honoured by the bounce-back
// responder when the peer's header requested it (BBQUICKACK).
func SetQuickAck(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// SetNoDelay forces TCP_NODELAY, which the bounce-back responder
// requires so reply latency isn't hidden behind Nagle coalescing.
func SetNoDelay(conn *net.TCPConn) error {
	return conn.SetNoDelay(true)
}
