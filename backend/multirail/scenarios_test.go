package multirail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func fourRailConn() (*xfer.Conn, *xfer.PrivMD, *xfer.PubMD) {
	c := xfer.NewConn("peer")
	c.State = xfer.Connected
	c.PerRailRemoteAddrs = []interface{}{uint64(0x1000), uint64(0x2000), uint64(0x3000), uint64(0x4000)}

	localMD := &xfer.PrivMD{
		Handle: map[int]interface{}{0: nil, 1: nil, 2: nil, 3: nil},
		Rails:  []int{0, 1, 2, 3},
	}
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	remoteMD := &xfer.PubMD{Keys: []xfer.RemoteKey{
		{RailOrWorker: 0, RemoteAddr: 0x1000, Key: key},
		{RailOrWorker: 1, RemoteAddr: 0x2000, Key: key},
		{RailOrWorker: 2, RemoteAddr: 0x3000, Key: key},
		{RailOrWorker: 3, RemoteAddr: 0x4000, Key: key},
	}}
	return c, localMD, remoteMD
}

// A single descriptor whose length exceeds striping_threshold is split one
// chunk per candidate rail: four sub-requests on four distinct rails whose
// lengths add up to the whole descriptor.
func TestPrepXferStripesOversizeWriteAcrossAllCandidateRails(t *testing.T) {
	e := newTransferTestEngine()
	e.stripingThreshold = 1 << 20 // 1 MiB
	c, localMD, remoteMD := fourRailConn()
	e.conns["peer"] = c

	size := uintptr(8 << 20) // 8 MiB
	local := []xfer.MemDesc{{VirtAddr: 0x500000, Length: size}}
	remote := []xfer.MemDesc{{VirtAddr: 0x600000, Length: size}}

	req, err := e.PrepXfer(xfer.Write, local, remote, "peer", localMD, remoteMD, xfer.PrepOpts{})
	require.NoError(t, err)
	require.Len(t, req.SubRequests, 4)

	var total uintptr
	seenRails := map[int]bool{}
	for _, sr := range req.SubRequests {
		total += sr.Length
		seenRails[sr.RailOrWorker] = true
	}
	require.Equal(t, size, total)
	require.Len(t, seenRails, 4)
}

// A descriptor exactly at striping_threshold takes the round-robin
// (single-rail) path, not the striping path; one byte over takes striping.
// Both must be deterministic.
func TestPrepXferThresholdBoundaryIsDeterministic(t *testing.T) {
	e := newTransferTestEngine()
	e.stripingThreshold = 1 << 20
	c, localMD, remoteMD := fourRailConn()
	e.conns["peer"] = c

	atThreshold := []xfer.MemDesc{{VirtAddr: 0x500000, Length: uintptr(1 << 20)}}
	atThresholdRemote := []xfer.MemDesc{{VirtAddr: 0x600000, Length: uintptr(1 << 20)}}
	req, err := e.PrepXfer(xfer.Write, atThreshold, atThresholdRemote, "peer", localMD, remoteMD, xfer.PrepOpts{})
	require.NoError(t, err)
	require.Len(t, req.SubRequests, 1, "exactly at threshold must take the round-robin path")

	overThreshold := []xfer.MemDesc{{VirtAddr: 0x500000, Length: uintptr(1<<20 + 1)}}
	overThresholdRemote := []xfer.MemDesc{{VirtAddr: 0x600000, Length: uintptr(1<<20 + 1)}}
	req2, err := e.PrepXfer(xfer.Write, overThreshold, overThresholdRemote, "peer", localMD, remoteMD, xfer.PrepOpts{})
	require.NoError(t, err)
	require.Len(t, req2.SubRequests, 4, "one byte over threshold must stripe across every candidate rail")
}

// XFER_ID pool allocation never leaks a handle: after allocating a pool's
// full capacity and releasing every slot, the active count returns to
// zero, and a fresh allocation round reaches full capacity again.
func TestRequestPoolHighWaterMarkReturnsToZeroOnQuiesce(t *testing.T) {
	p := newRequestPool(8, 0, 1000, opWrite)
	slots := make([]*subSlot, 0, 8)
	for i := 0; i < 8; i++ {
		s := p.allocate()
		require.NotNil(t, s)
		slots = append(slots, s)
	}
	require.Equal(t, 8, p.activeCount())
	require.Nil(t, p.allocate())

	for _, s := range slots {
		p.release(s)
	}
	require.Equal(t, 0, p.activeCount())

	for i := 0; i < 8; i++ {
		require.NotNil(t, p.allocate())
	}
	require.Equal(t, 8, p.activeCount())
}

// A notification carrying several XFER_IDs is held in the pending queue
// until every one of those IDs has been observed locally, then delivered
// exactly once: every XFER_ID a delivered notification names was observed
// before the notification became visible to GetNotifs.
func TestNotificationWithDelayedRailIsHeldThenDeliveredOnce(t *testing.T) {
	e := newNotifyTestEngine()

	payload := encodeNotifPayload([]uint32{1, 2, 3}, []byte("done"))
	e.handleNotification(controlMsg{sender: "peer", payload: payload})
	require.Empty(t, e.GetNotifs())

	e.recordReceivedXfer(1)
	e.recordReceivedXfer(2)
	require.Empty(t, e.GetNotifs(), "still missing xfer id 3")

	e.recordReceivedXfer(3)
	notifs := e.GetNotifs()
	require.Len(t, notifs["peer"], 1)
	require.Equal(t, []byte("done"), notifs["peer"][0])

	require.Empty(t, e.GetNotifs(), "GetNotifs drains; a second call returns nothing new")
}
