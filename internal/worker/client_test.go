package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netperfx/perfx/internal/domain"
	"github.com/netperfx/perfx/internal/wire"
)

func TestConnectTCPSucceedsAgainstLoopbackListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	cfg := ClientConfig{
		Proto:             domain.ProtoTCP,
		Addr:              ln.Addr().String(),
		ConnectRetryTimer: 100 * time.Millisecond,
		ConnectRetryTime:  time.Second,
	}
	c := NewClient(cfg)
	err = c.Connect(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c.conn)
	assert.GreaterOrEqual(t, c.connectTimeMs, 0.0)
}

func TestConnectTCPFailsAfterRetryWindowExpires(t *testing.T) {
	cfg := ClientConfig{
		Proto:             domain.ProtoTCP,
		Addr:              "127.0.0.1:1", // nothing listens on port 1
		ConnectRetryTimer: 20 * time.Millisecond,
		ConnectRetryTime:  60 * time.Millisecond,
	}
	c := NewClient(cfg)
	err := c.Connect(context.Background())
	assert.Error(t, err)
}

func TestConnectUDPOnlyInstallsPeer(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	cfg := ClientConfig{Proto: domain.ProtoUDP, Addr: ln.LocalAddr().String()}
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 0.0, c.connectTimeMs)
}

func TestBurstSizeFloorsAtTCPBurstHeaderLen(t *testing.T) {
	c := NewClient(ClientConfig{BufferLen: 4})
	assert.Equal(t, int32(tcpBurstPayloadMinimum), c.burstSize())
}

func TestBurstSizeUsesExplicitBurstSizeWhenSet(t *testing.T) {
	c := NewClient(ClientConfig{BurstSize: 9000})
	assert.Equal(t, int32(9000), c.burstSize())
}

func TestPayloadLenUsesMarkovWhenConfigured(t *testing.T) {
	c := NewClient(ClientConfig{BufferLen: 100, MarkovDesc: "<64|0.5,0.5<128|0.5,0.5"})
	require.NotNil(t, c.markov)
	n := c.payloadLen()
	assert.Contains(t, []int32{64, 128}, n)
}

func TestPayloadLenFallsBackToBufferLenWithoutMarkov(t *testing.T) {
	c := NewClient(ClientConfig{BufferLen: 1200})
	assert.Equal(t, int32(1200), c.payloadLen())
}

func TestRunTCPOverLoopbackAccountsBytesAndEnqueuesTransitReady(t *testing.T) {
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
	server := <-accepted
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	c := NewClient(ClientConfig{
		Proto:      domain.ProtoTCP,
		BufferLen:  256,
		BurstSize:  256,
		Discipline: DisciplineTCP,
	})
	c.conn = client
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	assert.Greater(t, c.Info.Bytes.Current, int64(0))
	ev, ok := c.Ring.Dequeue()
	require.True(t, ok)
	assert.True(t, ev.TransitReady)
}

func TestStartSynchSendsTestHeaderOverTCP(t *testing.T) {
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
	server := <-accepted
	defer server.Close()
	defer client.Close()

	c := NewClient(ClientConfig{Proto: domain.ProtoTCP, Discipline: DisciplineTCP})
	c.conn = client

	done := make(chan error, 1)
	go func() { done <- c.StartSynch(wire.ClientTestHdr{NumThreads: 1}) }()

	buf := make([]byte, wire.ClientTestHdrLen(0)+4)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	require.NoError(t, <-done)
	assert.False(t, c.Info.TS.StartTime.IsZero())
}

func TestStartSynchSkipsFirstPayloadForCompatPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	defer server.Close()
	defer client.Close()

	c := NewClient(ClientConfig{Proto: domain.ProtoTCP, CompatPeer: true})
	c.conn = client
	require.NoError(t, c.StartSynch(wire.ClientTestHdr{}))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	buf := make([]byte, 4)
	_, err = server.Read(buf)
	assert.Error(t, err) // nothing was sent; read should time out
}
