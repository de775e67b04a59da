package tcpstats

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotReadsRealLoopbackSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	r := NewReader(client.(*net.TCPConn))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestRTTMicrosReturnsZeroOnClosedConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client.Close()

	r := NewReader(client.(*net.TCPConn))
	got := r.RTTMicros()
	require.Equal(t, uint32(0), got)
}

func TestSockIDForUsesLocalRemoteAddrs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	id, ok := SockIDFor(client.(*net.TCPConn))
	require.True(t, ok)
	require.NotZero(t, id.DPort())
}
