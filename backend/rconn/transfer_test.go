package rconn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func newTestEngine() *Engine {
	return &Engine{
		conns: make(map[xfer.AgentID]*xfer.Conn),
		mem:   make(map[*xfer.PrivMD]*memRegistration),
	}
}

func TestPrepXferRejectsDescriptorCountMismatch(t *testing.T) {
	e := newTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}, {VirtAddr: 3, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsZeroLength(t *testing.T) {
	e := newTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 0}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsUnknownAgent(t *testing.T) {
	e := newTestEngine()
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsDisconnectedAgent(t *testing.T) {
	e := newTestEngine()
	c := xfer.NewConn("peer")
	c.State = xfer.ReqSent
	e.conns["peer"] = c
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestPrepXferRejectsNilMetadata(t *testing.T) {
	e := newTestEngine()
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	e.conns["peer"] = c
	local := []xfer.MemDesc{{VirtAddr: 1, Length: 8}}
	remote := []xfer.MemDesc{{VirtAddr: 2, Length: 8}}
	_, err := e.PrepXfer(xfer.Write, local, remote, "peer", nil, nil, xfer.PrepOpts{})
	require.Error(t, err)
}

func TestReleaseReqHMarksOutstandingSubRequestsCancelled(t *testing.T) {
	e := newTestEngine()
	req := xfer.NewRequest(xfer.Write, "peer")
	sr := &xfer.SubReq{}
	req.SubRequests = []*xfer.SubReq{sr}
	req.Total = 1

	err := e.ReleaseReqH(req)
	require.NoError(t, err)
	require.Error(t, sr.Err)
	require.Equal(t, xfer.ReqAborted, req.State())
}

func TestHasErrDetectsAnyFailedSubRequest(t *testing.T) {
	req := xfer.NewRequest(xfer.Read, "peer")
	req.SubRequests = []*xfer.SubReq{{}, {Err: xfer.NewError(xfer.Backend, "x", "peer", nil)}}
	require.True(t, hasErr(req))

	req2 := xfer.NewRequest(xfer.Read, "peer")
	req2.SubRequests = []*xfer.SubReq{{}, {}}
	require.False(t, hasErr(req2))
}
