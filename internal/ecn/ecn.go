// Package ecn reads and writes the ECN codepoint an L4S flow carries
// out-of-band of the datagram payload, via the IP_TOS cmsg on Linux.
// Grounded on the SO_TIMESTAMP/SCM_TIMESTAMP ancillary-data pattern
// m-lab/tcp-info's packet-capture path uses for ReadMsgUDP, adapted
// here to carry a codepoint instead of a timestamp.
package ecn

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Codepoint is the two-bit ECN field of the IP header.
type Codepoint byte

const (
	NotECT Codepoint = 0
	ECT1   Codepoint = 1
	ECT0   Codepoint = 2
	CE     Codepoint = 3
)

// IsCE reports whether the peer marked this datagram as experiencing
// congestion, the signal the L4S pacing oracle feeds on.
func (c Codepoint) IsCE() bool { return c == CE }

// EnableReceive arms IP_RECVTOS so every subsequent ReadMsgUDP carries
// the sender's TOS byte (and thus ECN bits) as a control message.
func EnableReceive(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// ReadCmsg extracts the ECN codepoint from a control-message buffer
// returned alongside a ReadMsgUDP call. Returns NotECT, false if no
// IP_TOS control message is present.
func ReadCmsg(oob []byte) (Codepoint, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return NotECT, false
	}
	for _, m := range msgs {
		if m.Header.Level != unix.IPPROTO_IP || m.Header.Type != unix.IP_TOS {
			continue
		}
		if len(m.Data) == 0 {
			continue
		}
		return Codepoint(m.Data[0] & 0x03), true
	}
	return NotECT, false
}

// WriteCmsg builds an IP_TOS control message carrying tos (DSCP bits
// preserved, ECN bits set to cp), suitable for passing as the oob
// argument to WriteMsgUDP when the oracle chooses a marking per
// datagram.
func WriteCmsg(tos byte, cp Codepoint) []byte {
	full := (tos &^ 0x03) | byte(cp)
	buf := make([]byte, unix.CmsgSpace(1))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = unix.IPPROTO_IP
	h.Type = unix.IP_TOS
	h.SetLen(unix.CmsgLen(1))
	buf[unix.CmsgLen(0)] = full
	return buf
}

// Validate confirms an oob buffer built by WriteCmsg round-trips
// through ParseSocketControlMessage, used only by tests.
func Validate(oob []byte) error {
	if _, err := unix.ParseSocketControlMessage(oob); err != nil {
		return fmt.Errorf("ecn: invalid control message: %w", err)
	}
	return nil
}
