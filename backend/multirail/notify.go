package multirail

import (
	"fmt"

	"github.com/fabriclink/xferengine/pkg/wire"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// encodeNotifPayload packs a NOTIFICATION control message's body: the set
// of XFER_IDs the receiver must observe before the attached message is
// deliverable (empty for a standalone GenNotif), plus the message bytes.
func encodeNotifPayload(xferIDs []uint32, msg []byte) []byte {
	tbl := wire.NewTable()
	for _, id := range xferIDs {
		tbl.Add(wire.NewEncoder().PutUint32("xid", id).Bytes())
	}
	return wire.NewEncoder().PutBytes("xids", tbl.Encode()).PutBytes("msg", msg).Bytes()
}

func decodeNotifPayload(blob []byte) ([]uint32, []byte, error) {
	d, err := wire.Decode(blob)
	if err != nil {
		return nil, nil, err
	}
	var ids []uint32
	if d.Has("xids") {
		records, err := wire.DecodeTable(d.Bytes("xids"))
		if err != nil {
			return nil, nil, err
		}
		for _, rec := range records {
			rd, err := wire.Decode(rec)
			if err != nil {
				return nil, nil, err
			}
			id, err := rd.Uint32("xid")
			if err != nil {
				return nil, nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, d.Bytes("msg"), nil
}

// GenNotif sends a standalone, unbound active message: an empty XFER_ID
// set, so the receiver delivers it the moment it arrives.
func (e *Engine) GenNotif(agent xfer.AgentID, msg []byte) error {
	return e.sendTransferNotification(agent, nil, msg)
}

// sendTransferNotification posts a NOTIFICATION control message carrying
// xferIDs (the request's accumulated manifest, for a transfer-bound
// notification; nil for GenNotif's standalone form) and msg.
func (e *Engine) sendTransferNotification(agent xfer.AgentID, xferIDs map[uint32]struct{}, msg []byte) error {
	e.connMu.Lock()
	c, ok := e.conns[agent]
	e.connMu.Unlock()
	if !ok || c.State != xfer.Connected {
		return xfer.NewError(xfer.NotFound, "GenNotif", agent, fmt.Errorf("not connected"))
	}
	addrs := interfacesToUint64s(c.ControlRailRemoteAddrs)
	if len(addrs) == 0 {
		return xfer.NewError(xfer.Backend, "GenNotif", agent, fmt.Errorf("no control rail address"))
	}
	ids := make([]uint32, 0, len(xferIDs))
	for id := range xferIDs {
		ids = append(ids, id)
	}
	payload := encodeNotifPayload(ids, msg)
	if err := e.sendControlMessage(addrs[0], controlMsg{
		msgType: msgNotification,
		sender:  e.localAgent,
		payload: payload,
	}); err != nil {
		return xfer.NewError(xfer.Backend, "GenNotif", agent, err)
	}
	return nil
}

// GetNotifs drains and returns every notification delivered so far,
// resetting the engine's map. With the background progress threads
// disabled, it first drains the data rails and then the control rails
// itself (the synchronous fallback) so a notification that just landed,
// and the XFER_IDs it waits on, aren't missed.
func (e *Engine) GetNotifs() map[xfer.AgentID][][]byte {
	if !e.progressEnabled {
		e.drainDataRailsOnce()
		e.drainControlRailsOnce()
	}
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	if len(e.notifs) == 0 {
		return nil
	}
	out := e.notifs
	e.notifs = make(map[xfer.AgentID][][]byte)
	return out
}

// handleNotification runs on the CM thread for an inbound NOTIFICATION:
// deliver immediately if its XFER_ID set is empty or already fully
// observed, otherwise queue it for recordReceivedXfer to promote later.
func (e *Engine) handleNotification(m controlMsg) {
	ids, msg, err := decodeNotifPayload(m.payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed notification payload")
		return
	}

	e.recvMu.Lock()
	if e.allReceivedLocked(ids) {
		e.recvMu.Unlock()
		e.deliverNotif(m.sender, msg)
		return
	}
	e.pendingNotifs = append(e.pendingNotifs, &pendingNotification{
		agent:   m.sender,
		xferIDs: toXferIDSet(ids),
		payload: msg,
	})
	e.recvMu.Unlock()
}

func (e *Engine) allReceivedLocked(ids []uint32) bool {
	for _, id := range ids {
		if _, ok := e.receivedXfers[id]; !ok {
			return false
		}
	}
	return true
}

func toXferIDSet(ids []uint32) map[uint32]struct{} {
	s := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (e *Engine) deliverNotif(agent xfer.AgentID, msg []byte) {
	e.notifMu.Lock()
	e.notifs[agent] = append(e.notifs[agent], msg)
	e.notifMu.Unlock()
}

// recordReceivedXfer marks xferID observed (a remote write-with-immediate
// landed, or a local read sub-request completed) and re-scans queued
// notifications, promoting any whose XFER_ID set is now fully subsumed.
func (e *Engine) recordReceivedXfer(xferID uint32) {
	e.recvMu.Lock()
	e.receivedXfers[xferID] = struct{}{}

	remaining := e.pendingNotifs[:0]
	var promoted []*pendingNotification
	for _, p := range e.pendingNotifs {
		delete(p.xferIDs, xferID)
		if len(p.xferIDs) == 0 {
			promoted = append(promoted, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.pendingNotifs = remaining
	e.recvMu.Unlock()

	for _, p := range promoted {
		e.deliverNotif(p.agent, p.payload)
	}
}
