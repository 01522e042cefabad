package multirail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func newTransferTestEngine() *Engine {
	return &Engine{
		conns:             make(map[xfer.AgentID]*xfer.Conn),
		mem:               make(map[*xfer.PrivMD]*memRegistration),
		stripingThreshold: defaultStripingThreshold,
	}
}

func TestSplitStripedEvenDivision(t *testing.T) {
	require.Equal(t, []uintptr{4, 4, 4}, splitStriped(12, 3))
}

func TestSplitStripedLastChunkAbsorbsRemainder(t *testing.T) {
	require.Equal(t, []uintptr{3, 3, 4}, splitStriped(10, 3))
}

func TestSplitStripedSingleRail(t *testing.T) {
	require.Equal(t, []uintptr{100}, splitStriped(100, 1))
}

func TestNextRoundRobinCyclesThroughN(t *testing.T) {
	e := &Engine{}
	var got []int
	for i := 0; i < 5; i++ {
		got = append(got, e.nextRoundRobin(3))
	}
	require.Equal(t, []int{0, 1, 2, 0, 1}, got)
}

func TestNextRoundRobinZeroIsSafe(t *testing.T) {
	e := &Engine{}
	require.Equal(t, 0, e.nextRoundRobin(0))
}

func TestPrepXferRejectsDescriptorCountMismatch(t *testing.T) {
	e := newTransferTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}, {VirtAddr: 3, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsLengthMismatch(t *testing.T) {
	e := newTransferTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 16}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsUnconnectedAgent(t *testing.T) {
	e := newTransferTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsNilMetadata(t *testing.T) {
	e := newTransferTestEngine()
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e.conns["peer"] = c
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsNoSharedRails(t *testing.T) {
	e := newTransferTestEngine()
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e.conns["peer"] = c
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	localMD := &xfer.PrivMD{Handle: map[int]interface{}{}, Rails: []int{0}}
	remoteMD := &xfer.PubMD{Keys: []xfer.RemoteKey{{RailOrWorker: 1, Key: []byte{1, 2, 3, 4, 5, 6, 7, 8}}}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", localMD, remoteMD, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestHasErrDetectsFailedSubRequest(t *testing.T) {
	req := xfer.NewRequest(xfer.Write, "peer")
	req.SubRequests = []*xfer.SubReq{{}, {Err: xfer.NewError(xfer.Backend, "test", "peer", nil)}}
	require.True(t, hasErr(req))
}

func TestHasErrFalseWhenNoErrors(t *testing.T) {
	req := xfer.NewRequest(xfer.Write, "peer")
	req.SubRequests = []*xfer.SubReq{{}, {}}
	require.False(t, hasErr(req))
}
