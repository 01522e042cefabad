package multirail

import (
	"time"

	"github.com/fabriclink/xferengine/internal/fabric"
)

// progressPollInterval is how long an idle poll sleeps before retrying.
// internal/fabric.CompletionQueue only exposes the non-blocking fi_cq_read
// path (PollOnce), so both threads spin-poll rather than fi_cq_sread-block;
// a blocking read would be preferable where the provider supports it, but
// this degrades to spin-yield uniformly instead.
const progressPollInterval = 50 * time.Microsecond

// initialControlRecvs is how many receive buffers each control rail keeps
// pre-posted, re-armed one-for-one as each is consumed.
const initialControlRecvs = 64

// startProgress pre-arms control receives and launches the fixed two-thread
// model: a CM thread draining only control rails, and a progress thread
// draining only data rails.
func (e *Engine) startProgress() {
	e.armAllControlRecvs()
	e.progressWG.Add(2)
	go e.cmLoop()
	go e.dataLoop()
}

// armAllControlRecvs pre-posts receive buffers on every control rail. Run
// at startup regardless of whether the background progress threads are
// running: the synchronous fallback still needs somewhere for an inbound
// CONNECTION_REQ to land before Connect or GetNotifs next drains it.
func (e *Engine) armAllControlRecvs() {
	for _, r := range e.controlRails {
		e.armControlRecvs(r, initialControlRecvs)
	}
}

// stopProgress posts the self-directed shutdown DISCONNECT_REQ, then
// signals both threads to exit and waits for them.
func (e *Engine) stopProgress() {
	e.connMu.Lock()
	self, ok := e.conns[e.localAgent]
	e.connMu.Unlock()
	if ok {
		if addrs := interfacesToUint64s(self.ControlRailRemoteAddrs); len(addrs) > 0 {
			_ = e.sendControlMessage(addrs[0], controlMsg{
				msgType: msgDisconnectReq,
				sender:  e.localAgent,
				payload: []byte(shutdownPayload),
			})
		}
	}
	close(e.progressDone)
	e.progressWG.Wait()
}

func (e *Engine) armControlRecvs(r *rail, n int) {
	for i := 0; i < n; i++ {
		slot := r.controlPool.allocate()
		if slot == nil {
			return
		}
		if err := r.postControlRecv(slot, fiAddrUnspec); err != nil {
			e.log.Warn().Err(err).Int("rail", r.id).Msg("post control recv failed")
			r.controlPool.release(slot)
			return
		}
	}
}

func (e *Engine) cmLoop() {
	defer e.progressWG.Done()
	for {
		select {
		case <-e.progressDone:
			return
		default:
		}
		if !e.drainControlRailsOnce() {
			time.Sleep(progressPollInterval)
		}
	}
}

func (e *Engine) dataLoop() {
	defer e.progressWG.Done()
	for {
		select {
		case <-e.progressDone:
			return
		default:
		}
		if !e.drainDataRailsOnce() {
			time.Sleep(progressPollInterval)
		}
	}
}

// drainControlRailsOnce polls every control rail once, dispatching whatever
// completions were queued. Shared by the CM thread and by Connect/GetNotifs'
// synchronous fallback when the background progress threads are disabled.
func (e *Engine) drainControlRailsOnce() bool {
	progressed := false
	for _, r := range e.controlRails {
		ops, err := r.cq.PollOnce(64)
		if err != nil {
			e.log.Warn().Err(err).Int("rail", r.id).Msg("control cq poll error")
			continue
		}
		if len(ops) > 0 {
			progressed = true
		}
		for _, op := range ops {
			e.handleControlCompletion(r, op)
		}
	}
	return progressed
}

// drainDataRailsOnce polls every data rail once. Shared by the progress
// thread and by PostXfer/CheckXfer/GetNotifs' synchronous fallback.
func (e *Engine) drainDataRailsOnce() bool {
	progressed := false
	for _, r := range e.dataRails {
		ops, err := r.cq.PollOnce(64)
		if err != nil {
			e.log.Warn().Err(err).Int("rail", r.id).Msg("data cq poll error")
			continue
		}
		if len(ops) > 0 {
			progressed = true
		}
		for _, op := range ops {
			e.handleDataCompletion(op)
		}
	}
	return progressed
}

// handleDataCompletion dispatches one data-rail completion. A nil Context
// is a remote write-with-immediate landing with no locally-posted
// counterpart (RMA writes never get a matching receive on the target) —
// its immediate-data field carries the sender's XFER_ID.
// A non-nil Context is this engine's own post (WRITE/READ local
// completion) addressed straight back to the subSlot that issued it.
func (e *Engine) handleDataCompletion(op fabric.CompletedOp) {
	if op.Context == nil {
		if op.HasData {
			e.recordReceivedXfer(uint32(op.Data))
		}
		return
	}
	slot := (*subSlot)(op.Context)
	if slot.onComplete != nil {
		slot.onComplete(op.OK, op.Data, op.ByteLen, op.Err)
	}
}

// handleControlCompletion dispatches one control-rail completion: our own
// SEND completing releases its slot, an inbound RECV is decoded and routed
// by message type, then the slot is released and a fresh recv re-armed.
func (e *Engine) handleControlCompletion(r *rail, op fabric.CompletedOp) {
	if op.Context == nil {
		return
	}
	slot := (*subSlot)(op.Context)
	switch slot.kind {
	case opSend:
		if slot.onComplete != nil {
			slot.onComplete(op.OK, op.Data, op.ByteLen, op.Err)
		}
	case opRecv:
		if op.OK {
			e.dispatchControlMessage(slot.buffer[:op.ByteLen])
		} else {
			e.log.Warn().Err(op.Err).Int("rail", r.id).Msg("control recv completion error")
		}
		r.controlPool.release(slot)
		e.armControlRecvs(r, 1)
	}
}

func (e *Engine) dispatchControlMessage(blob []byte) {
	m, err := decodeControlMsg(blob)
	if err != nil {
		e.log.Warn().Err(err).Msg("malformed control message")
		return
	}
	switch m.msgType {
	case msgConnectionReq:
		e.handleConnectionReq(m)
	case msgConnectionAck:
		e.handleConnectionAck(m)
	case msgDisconnectReq:
		e.handleDisconnectReq(m)
	case msgNotification:
		e.handleNotification(m)
	}
}
