package launcher

import (
	"fmt"
	"net"
	"strconv"
)

// incrementPort adds delta to addr's numeric port, preserving its host
// portion. Used for the "increment source/destination IP or port as
// flagged" per-worker mutation (spec.md section 4.11 step 2) when a
// test wants each parallel thread on a distinct destination port rather
// than sharing one listener.
func incrementPort(addr string, delta int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("launcher: increment port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("launcher: increment port: non-numeric port %q", portStr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta)), nil
}
