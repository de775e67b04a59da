package worker

import "golang.org/x/sys/unix"

// syscallErrConnRefused, syscallErrNetUnreach and syscallErrConnReset
// are the connect() failures the original classifies as
// FATALTCPCONNECTERR: ones where retrying on the same fd is pointless
// and the socket must be closed and reopened first.
var (
	syscallErrConnRefused = unix.ECONNREFUSED
	syscallErrNetUnreach  = unix.ENETUNREACH
	syscallErrConnReset   = unix.ECONNRESET
)

// msgCtrunc mirrors unix.MSG_CTRUNC, the recvmsg flag set when a
// datagram's control message was truncated -- RunUDP's cmsg guard.
const msgCtrunc = unix.MSG_CTRUNC
