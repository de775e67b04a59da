package tcpstats

import (
	"net"

	"github.com/m-lab/tcp-info/inetdiag"
)

// SockIDFor builds the big-endian InetDiagSockID key for a TCP
// connection's local/remote address pair, so a caller that already has
// an INET_DIAG dump (obtained out-of-band; issuing the netlink query
// itself is a pass-through OS concern per spec.md section 1) can
// correlate it back to this flow's fd without reparsing addresses.
func SockIDFor(conn *net.TCPConn) (inetdiag.InetDiagSockID, bool) {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return inetdiag.InetDiagSockID{}, false
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return inetdiag.InetDiagSockID{}, false
	}

	var id inetdiag.InetDiagSockID
	putPort := func(dst *[2]byte, port int) {
		dst[0] = byte(port >> 8)
		dst[1] = byte(port)
	}
	putPort(&id.IDiagSPort, local.Port)
	putPort(&id.IDiagDPort, remote.Port)
	copy(id.IDiagSrc[:], local.IP.To16())
	copy(id.IDiagDst[:], remote.IP.To16())
	return id, true
}
