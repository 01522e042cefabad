package multirail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func TestAllRailIndices(t *testing.T) {
	require.Equal(t, []int{0, 1, 2}, allRailIndices(3))
	require.Empty(t, allRailIndices(0))
}

func TestSelectRailsFallsBackWithoutTopology(t *testing.T) {
	e := &Engine{dataRails: make([]*rail, 4)}
	require.Equal(t, []int{0, 1, 2, 3}, e.selectRails(xfer.MemDesc{MemKind: xfer.DRAM}))
}

func TestRegisterMemRejectsZeroLength(t *testing.T) {
	e := &Engine{mem: make(map[*xfer.PrivMD]*memRegistration)}
	_, err := e.RegisterMem(xfer.MemDesc{Length: 0})
	require.Error(t, err)
}

func TestRegisterMemRejectsNoRails(t *testing.T) {
	e := &Engine{mem: make(map[*xfer.PrivMD]*memRegistration)}
	_, err := e.RegisterMem(xfer.MemDesc{Length: 8})
	require.Error(t, err)
}

func TestGetPublicDataRejectsNilMD(t *testing.T) {
	e := &Engine{}
	_, err := e.GetPublicData(nil)
	require.Error(t, err)
}

func TestLoadRemoteMDRejectsUnconnectedAgent(t *testing.T) {
	e := &Engine{conns: make(map[xfer.AgentID]*xfer.Conn)}
	packed := xfer.PackKeys(1, 0x1000, [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}})
	_, err := e.LoadRemoteMD("peer", packed)
	require.Error(t, err)
}

func TestLoadRemoteMDRejectsMalformedBlob(t *testing.T) {
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{"peer": c}}
	_, err := e.LoadRemoteMD("peer", []byte{1, 2, 3})
	require.Error(t, err)
}

func TestLoadRemoteMDBindsRemoteAddr(t *testing.T) {
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	c.PerRailRemoteAddrs = []interface{}{uint64(111), uint64(222)}
	e := &Engine{conns: map[xfer.AgentID]*xfer.Conn{"peer": c}}
	packed := xfer.PackKeys(1<<1, 0x4000, [][]byte{nil, {9, 9, 9, 9, 9, 9, 9, 9}})
	md, err := e.LoadRemoteMD("peer", packed)
	require.NoError(t, err)
	require.Len(t, md.Keys, 1)
	require.Equal(t, 1, md.Keys[0].RailOrWorker)
	require.Equal(t, uint64(222), md.Keys[0].RemoteAddr)
	require.Equal(t, uint64(0x4000), md.RemoteAddr)
}

func TestUnloadMDIsNoop(t *testing.T) {
	e := &Engine{}
	require.NoError(t, e.UnloadMD(&xfer.PubMD{}))
}
