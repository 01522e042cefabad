package multirail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func TestEncodeDecodeNotifPayloadRoundTrip(t *testing.T) {
	ids := []uint32{1, 2, 3}
	msg := []byte("payload")
	blob := encodeNotifPayload(ids, msg)
	gotIDs, gotMsg, err := decodeNotifPayload(blob)
	require.NoError(t, err)
	require.Equal(t, ids, gotIDs)
	require.Equal(t, msg, gotMsg)
}

func TestEncodeDecodeNotifPayloadEmptyIDs(t *testing.T) {
	blob := encodeNotifPayload(nil, []byte("standalone"))
	gotIDs, gotMsg, err := decodeNotifPayload(blob)
	require.NoError(t, err)
	require.Empty(t, gotIDs)
	require.Equal(t, []byte("standalone"), gotMsg)
}

func newNotifyTestEngine() *Engine {
	return &Engine{
		conns:         make(map[xfer.AgentID]*xfer.Conn),
		notifs:        make(map[xfer.AgentID][][]byte),
		receivedXfers: make(map[uint32]struct{}),
	}
}

func TestGenNotifRejectsUnconnectedAgent(t *testing.T) {
	e := newNotifyTestEngine()
	err := e.GenNotif("peer", []byte("hi"))
	require.Error(t, err)
}

func TestHandleNotificationDeliversImmediatelyWhenEmpty(t *testing.T) {
	e := newNotifyTestEngine()
	e.handleNotification(controlMsg{sender: "peer", payload: encodeNotifPayload(nil, []byte("now"))})
	notifs := e.GetNotifs()
	require.Equal(t, [][]byte{[]byte("now")}, notifs["peer"])
}

func TestHandleNotificationQueuesUntilXferIDsObserved(t *testing.T) {
	e := newNotifyTestEngine()
	e.handleNotification(controlMsg{sender: "peer", payload: encodeNotifPayload([]uint32{5, 6}, []byte("later"))})
	require.Empty(t, e.GetNotifs())

	e.recordReceivedXfer(5)
	require.Empty(t, e.GetNotifs())

	e.recordReceivedXfer(6)
	notifs := e.GetNotifs()
	require.Equal(t, [][]byte{[]byte("later")}, notifs["peer"])
}

func TestGetNotifsResetsAfterDrain(t *testing.T) {
	e := newNotifyTestEngine()
	e.deliverNotif("peer", []byte("x"))
	first := e.GetNotifs()
	require.Len(t, first["peer"], 1)
	require.Nil(t, e.GetNotifs())
}

func TestAllReceivedLockedEmptySetIsTrue(t *testing.T) {
	e := newNotifyTestEngine()
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	require.True(t, e.allReceivedLocked(nil))
}
