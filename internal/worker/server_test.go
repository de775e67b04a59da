package worker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netperfx/perfx/internal/clock"
	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/wire"
)

func TestAcceptSeedsStartTimeFromTripTimeWhenPresent(t *testing.T) {
	s := NewServer(ServerConfig{Proto: domain.ProtoTCP})
	trip := clock.Now().Add(-5_000_000)
	s.Accept(&net.TCPConn{}, trip)
	assert.Equal(t, trip, s.Info.TS.StartTime)
}

func TestAcceptFallsBackToNowWithoutTripTime(t *testing.T) {
	s := NewServer(ServerConfig{Proto: domain.ProtoTCP})
	before := clock.Now()
	s.Accept(&net.TCPConn{}, clock.Timestamp{})
	assert.False(t, s.Info.TS.StartTime.Before(before))
}

func TestRunTCPReadsFirstPayloadThenBodyAndSetsTransitReady(t *testing.T) {
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

	hdr := wire.ClientTestHdr{NumThreads: 1}
	go func() {
		_, _ = client.Write(hdr.Encode())
		burst := wire.TCPBurstHeader{BurstSize: 64}
		bbuf := make([]byte, wire.TCPBurstHeaderLen)
		burst.Encode(bbuf)
		_, _ = client.Write(bbuf)
		_, _ = client.Write(make([]byte, 64))
		client.Close() // EOF ends the server's read loop after one burst
	}()

	s := NewServer(ServerConfig{Proto: domain.ProtoTCP, BufferLen: 256})
	s.conn = server
	defer server.Close()

	err = s.RunTCP(func() bool { return true })
	require.NoError(t, err)

	var sawTransitReady bool
	for {
		ev, ok := s.Ring.Dequeue()
		if !ok {
			break
		}
		if ev.TransitReady {
			sawTransitReady = true
		}
	}
	assert.True(t, sawTransitReady)
}

func TestRunUDPAccountsLossAndHandlesFin(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	send := func(seq int64) {
		buf := make([]byte, wire.UDPHeaderLen)
		h := wire.UDPHeader{Seq: seq}
		h.Encode(buf)
		_, err := clientConn.Write(buf)
		require.NoError(t, err)
	}

	go func() {
		send(1)
		send(3) // gap: seq 2 is lost
		time.Sleep(10 * time.Millisecond)
		send(-4) // FIN
	}()

	s := NewServer(ServerConfig{Proto: domain.ProtoUDP, BufferLen: 64})
	s.conn = serverConn

	err = s.RunUDP()
	require.NoError(t, err)

	assert.EqualValues(t, 1, s.Info.Lost)
	assert.Equal(t, StateAckFinSent, s.state)
}
