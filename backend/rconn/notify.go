package rconn

import (
	"fmt"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// GenNotif sends agent a standalone active message over worker 0's queue
// pair. Ordering with respect to data transfers is not guaranteed.
func (e *Engine) GenNotif(agent xfer.AgentID, msg []byte) error {
	if len(msg) > notificationBufSize {
		return xfer.NewError(xfer.InvalidParam, "GenNotif", agent, fmt.Errorf("notification payload too large: %d > %d", len(msg), notificationBufSize))
	}
	w := e.workers[0]
	w.mu.Lock()
	qp := w.qps[agent]
	nb := w.notifyMR[agent]
	w.mu.Unlock()
	if qp == nil || nb == nil {
		return xfer.NewError(xfer.NotFound, "GenNotif", agent, fmt.Errorf("agent not connected"))
	}

	buf := nb.sendMR.Buffer()
	copy(buf, msg)
	for i := len(msg); i < len(buf); i++ {
		buf[i] = 0
	}

	wr := verbs.NewSendWorkRequest(nb.sendMR)
	e.pendingMu.Lock()
	e.pendingByWrID[wr.WrID()] = &pending{notif: &pendingNotif{agent: agent, isSend: true, sendWR: wr}}
	e.pendingMu.Unlock()

	if err := qp.PostSend(wr); err != nil {
		e.pendingMu.Lock()
		delete(e.pendingByWrID, wr.WrID())
		e.pendingMu.Unlock()
		wr.Close()
		return xfer.NewError(xfer.Backend, "GenNotif", agent, err)
	}
	return nil
}

// GetNotifs drains the engine's pending notification list; in inline mode
// it first polls every worker's CQ once. Never suspends.
func (e *Engine) GetNotifs() map[xfer.AgentID][][]byte {
	if e.mode == ProgressInline {
		for _, w := range e.workers {
			e.drainWorker(w)
		}
	}
	e.notifMu.Lock()
	out := e.notifs
	e.notifs = make(map[xfer.AgentID][][]byte)
	e.notifMu.Unlock()
	return out
}

// completeNotif handles one notification-channel completion: a send
// completion just frees its work request, while a receive completion
// appends the delivered message to the notification list and re-posts the
// receive so the channel stays primed.
func (e *Engine) completeNotif(w *worker, pn *pendingNotif, c verbs.CompletedWR) {
	if pn.isSend {
		if pn.sendWR != nil {
			pn.sendWR.Close()
		}
		return
	}
	if !c.OK {
		e.log.Warn().Str("remote", string(pn.agent)).Msg("notification receive completed with error")
		return
	}

	w.mu.Lock()
	nb := w.notifyMR[pn.agent]
	w.mu.Unlock()
	if nb == nil {
		return
	}
	msg := append([]byte(nil), nb.recvMR.Buffer()[:c.ByteLen]...)

	e.notifMu.Lock()
	e.notifs[pn.agent] = append(e.notifs[pn.agent], msg)
	e.notifMu.Unlock()

	w.mu.Lock()
	qp := w.qps[pn.agent]
	w.mu.Unlock()
	if qp != nil {
		if err := e.postNotifyReceive(w, pn.agent, qp); err != nil {
			e.log.Warn().Err(err).Str("remote", string(pn.agent)).Msg("failed to re-post notification receive")
		}
	}
}
