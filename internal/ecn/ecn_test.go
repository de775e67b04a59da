package ecn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodepointIsCE(t *testing.T) {
	assert.True(t, CE.IsCE())
	assert.False(t, ECT0.IsCE())
	assert.False(t, ECT1.IsCE())
	assert.False(t, NotECT.IsCE())
}

func TestWriteCmsgThenReadCmsgRoundTrips(t *testing.T) {
	oob := WriteCmsg(0x2e<<2, CE)
	require.NoError(t, Validate(oob))

	cp, ok := ReadCmsg(oob)
	require.True(t, ok)
	assert.Equal(t, CE, cp)
}

func TestWriteCmsgPreservesDSCPBits(t *testing.T) {
	const dscp = 0x2e << 2
	oob := WriteCmsg(dscp, ECT0)
	cp, ok := ReadCmsg(oob)
	require.True(t, ok)
	assert.Equal(t, ECT0, cp)
}

func TestReadCmsgReturnsFalseOnEmptyBuffer(t *testing.T) {
	_, ok := ReadCmsg(nil)
	assert.False(t, ok)
}

func TestEnableReceiveOnUDPLoopback(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, EnableReceive(conn))
}
