package multirail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func TestEncodeDecodeControlMsgRoundTrip(t *testing.T) {
	m := controlMsg{
		msgType:    msgConnectionReq,
		sender:     "agentA",
		role:       "src",
		dataEPs:    [][]byte{{1, 2, 3}, {4, 5, 6}},
		controlEPs: [][]byte{{9, 9}},
		payload:    []byte("hello"),
	}
	blob := encodeControlMsg(m)
	got, err := decodeControlMsg(blob)
	require.NoError(t, err)
	require.Equal(t, m.msgType, got.msgType)
	require.Equal(t, m.sender, got.sender)
	require.Equal(t, m.role, got.role)
	require.Equal(t, m.dataEPs, got.dataEPs)
	require.Equal(t, m.controlEPs, got.controlEPs)
	require.Equal(t, m.payload, got.payload)
}

func TestDecodeControlMsgRejectsMissingMandatory(t *testing.T) {
	_, err := decodeControlMsg([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeDecodeEndpointTableRoundTrip(t *testing.T) {
	names := [][]byte{{1}, {2, 2}, {3, 3, 3}}
	blob := encodeEndpointTable(names)
	got, err := decodeEndpointTable(blob)
	require.NoError(t, err)
	require.Equal(t, names, got)
}

func TestEncodeDecodeEndpointTableEmpty(t *testing.T) {
	blob := encodeEndpointTable(nil)
	got, err := decodeEndpointTable(blob)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInterfacesToUint64sSkipsWrongType(t *testing.T) {
	in := []interface{}{uint64(1), "oops", uint64(3)}
	require.Equal(t, []uint64{1, 3}, interfacesToUint64s(in))
}

func TestInterfacesToRawNamesSkipsWrongType(t *testing.T) {
	in := []interface{}{[]byte{1, 2}, 42, []byte{3}}
	require.Equal(t, [][]byte{{1, 2}, {3}}, interfacesToRawNames(in))
}

func TestUint64sToInterfacesRoundTrip(t *testing.T) {
	vs := []uint64{7, 8, 9}
	ifaces := uint64sToInterfaces(vs)
	require.Equal(t, vs, interfacesToUint64s(ifaces))
}

func TestNextAgentIndexLockedIncrements(t *testing.T) {
	e := &Engine{}
	require.Equal(t, uint16(1), e.nextAgentIndexLocked())
	require.Equal(t, uint16(2), e.nextAgentIndexLocked())
}

func TestConnectRejectsUnknownAgent(t *testing.T) {
	e := &Engine{conns: make(map[xfer.AgentID]*xfer.Conn)}
	err := e.Connect(context.Background(), "nobody")
	require.Error(t, err)
}

func TestConnectShortCircuitsAlreadyConnected(t *testing.T) {
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{"peer": c}}
	require.NoError(t, e.Connect(context.Background(), "peer"))
}

func TestDisconnectRejectsUnknownAgent(t *testing.T) {
	e := &Engine{conns: make(map[xfer.AgentID]*xfer.Conn)}
	err := e.Disconnect("nobody")
	require.Error(t, err)
}
