package rconn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// PrepXfer must wire each sub-request's local/remote addressing from the
// descriptor pair at its index, independent of which worker the local
// registration lives on, so a write or read posts to the correct bytes on
// both sides.
func TestPrepXferWiresSubRequestAddressingFromDescriptorPairs(t *testing.T) {
	e := newTestEngine()
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e.conns["peer"] = c

	localMD := &xfer.PrivMD{Handle: &verbs.MemoryRegion{}, Rails: []int{0}}
	remoteMD := &xfer.PubMD{Keys: []xfer.RemoteKey{{RailOrWorker: 0, RemoteAddr: 0x9000, Key: []byte{1, 2, 3, 4}}}}

	local := []xfer.MemDesc{{VirtAddr: 0x1000, Length: 64}, {VirtAddr: 0x2000, Length: 128}}
	remote := []xfer.MemDesc{{VirtAddr: 0x9000, Length: 64}, {VirtAddr: 0xA000, Length: 128}}

	req, err := e.PrepXfer(xfer.Write, local, remote, "peer", localMD, remoteMD, xfer.PrepOpts{})
	require.NoError(t, err)
	require.Len(t, req.SubRequests, 2)

	p0 := getPlan(req.SubRequests[0])
	require.Equal(t, uint64(0x1000), p0.localAddr)
	require.Equal(t, uint64(0x9000), p0.remoteAddr)
	require.Equal(t, uint32(64), p0.length)

	p1 := getPlan(req.SubRequests[1])
	require.Equal(t, uint64(0x2000), p1.localAddr)
	require.Equal(t, uint64(0xA000), p1.remoteAddr)
	require.Equal(t, uint32(128), p1.length)
}

// A request's completed/total bookkeeping and its terminal error state are
// mutually exclusive: a request that completes every sub-request with no
// error reports terminal success, never InProgress again.
func TestRequestCompletionAndTerminalStateAreConsistent(t *testing.T) {
	req := xfer.NewRequest(xfer.Write, "peer")
	sr1, sr2 := &xfer.SubReq{}, &xfer.SubReq{}
	req.SubRequests = []*xfer.SubReq{sr1, sr2}
	req.Total = 2

	require.False(t, req.IsTerminal())
	req.CompleteOne()
	require.False(t, req.IsTerminal())
	req.CompleteOne()
	require.True(t, req.IsTerminal())
	require.False(t, hasErr(req))
}

// ReleaseReqH must return without blocking on an in-progress request, and a
// subsequent CheckXfer must report a terminal state rather than spinning in
// InProgress forever.
func TestReleaseReqHIsSynchronousAndSubsequentCheckXferIsTerminal(t *testing.T) {
	e := newTestEngine()
	e.mode = ProgressSingleThread // skip CheckXfer's inline-drain path, which needs a real worker pool
	req := xfer.NewRequest(xfer.Write, "peer")
	sr := &xfer.SubReq{}
	req.SubRequests = []*xfer.SubReq{sr}
	req.Total = 1
	req.SetState(xfer.ReqPosted)

	err := e.ReleaseReqH(req)
	require.NoError(t, err)
	require.Equal(t, xfer.ReqAborted, req.State())
	require.True(t, req.IsTerminal())

	checkErr := e.CheckXfer(req)
	require.Error(t, checkErr)
	require.NotEqual(t, xfer.InProgress, xfer.StatusOf(checkErr))
}
