package rconn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func TestDecodeRKeyRoundTrip(t *testing.T) {
	want := uint32(0xDEADBEEF)
	b := []byte{byte(want), byte(want >> 8), byte(want >> 16), byte(want >> 24)}
	require.Equal(t, want, decodeRKey(b))
}

func TestLoadRemoteMDRejectsUnknownAgent(t *testing.T) {
	e := &Engine{conns: make(map[xfer.AgentID]*xfer.Conn)}
	packed := xfer.PackKeys(1, 0x1000, [][]byte{{1, 2, 3, 4}})
	_, err := e.LoadRemoteMD("nobody", packed)
	require.Error(t, err)
}

func TestLoadRemoteMDRejectsMalformedBlob(t *testing.T) {
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{
		"peer": xfer.NewConn("peer"),
	}}
	_, err := e.LoadRemoteMD("peer", []byte{1, 2, 3})
	require.Error(t, err)
}

func TestLoadRemoteMDRejectsEmptyMask(t *testing.T) {
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{
		"peer": xfer.NewConn("peer"),
	}}
	packed := xfer.PackKeys(0, 0x1000, [][]byte{{1, 2, 3, 4}})
	_, err := e.LoadRemoteMD("peer", packed)
	require.Error(t, err)
}

func TestLoadRemoteMDSelectsWorkerFromMask(t *testing.T) {
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{
		"peer": xfer.NewConn("peer"),
	}}
	packed := xfer.PackKeys(1<<2, 0x2000, [][]byte{{9, 9, 9, 9}})
	md, err := e.LoadRemoteMD("peer", packed)
	require.NoError(t, err)
	require.Len(t, md.Keys, 1)
	require.Equal(t, 2, md.Keys[0].RailOrWorker)
	require.Equal(t, uint64(0x2000), md.RemoteAddr)
}
