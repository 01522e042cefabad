package rconn

import (
	"fmt"
	"sync"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// subPlan carries the verbs-level addressing a SubReq needs to post,
// computed once at PrepXfer time and consumed at PostXfer time. pkg/xfer's
// SubReq stays backend-agnostic (offset/length/XferID only), so this
// mapping lives here instead.
type subPlan struct {
	localMR    *verbs.MemoryRegion
	localAddr  uint64
	remoteAddr uint64
	remoteRKey uint32
	length     uint32
}

var planMu sync.Mutex
var plans = map[*xfer.SubReq]*subPlan{}

func setPlan(sr *xfer.SubReq, p *subPlan) {
	planMu.Lock()
	plans[sr] = p
	planMu.Unlock()
}

func getPlan(sr *xfer.SubReq) *subPlan {
	planMu.Lock()
	defer planMu.Unlock()
	return plans[sr]
}

func clearPlan(sr *xfer.SubReq) {
	planMu.Lock()
	delete(plans, sr)
	planMu.Unlock()
}

// PrepXfer validates the descriptor pair list against agent's connection
// and builds a reusable Request. The single-transport engine does not
// split one descriptor across workers: one sub-request per descriptor
// pair, posted on the worker the local PrivMD was registered against.
func (e *Engine) PrepXfer(op xfer.Op, local []xfer.MemDesc, remote []xfer.MemDesc, agent xfer.AgentID, localMD *xfer.PrivMD, remoteMD *xfer.PubMD, opts xfer.PrepOpts) (*xfer.Request, error) {
	if len(local) == 0 || len(local) != len(remote) {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("descriptor count mismatch: local=%d remote=%d", len(local), len(remote)))
	}
	for i := range local {
		if local[i].Length == 0 || remote[i].Length == 0 {
			return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("zero-length descriptor at index %d", i))
		}
	}
	e.connMu.Lock()
	c, ok := e.conns[agent]
	e.connMu.Unlock()
	if !ok || c.State != xfer.Connected {
		return nil, xfer.NewError(xfer.NotFound, "PrepXfer", agent, fmt.Errorf("agent not connected"))
	}
	if localMD == nil || remoteMD == nil || len(remoteMD.Keys) == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("nil or empty metadata"))
	}
	localMR, ok := localMD.Handle.(*verbs.MemoryRegion)
	if !ok {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("local handle is not a verbs memory region"))
	}
	rkey := decodeRKey(remoteMD.Keys[0].Key)

	req := xfer.NewRequest(op, agent)
	req.SubRequests = make([]*xfer.SubReq, 0, len(local))
	for i := range local {
		sr := &xfer.SubReq{
			RailOrWorker: localMD.Rails[0],
			Offset:       0,
			Length:       local[i].Length,
		}
		setPlan(sr, &subPlan{
			localMR:    localMR,
			localAddr:  local[i].VirtAddr,
			remoteAddr: remote[i].VirtAddr,
			remoteRKey: rkey,
			length:     uint32(local[i].Length),
		})
		req.SubRequests = append(req.SubRequests, sr)
	}
	req.Total = int32(len(req.SubRequests))
	return req, nil
}

// PostXfer issues one RDMA read or write per sub-request, carrying the
// sub-request's own XFER_ID as immediate data on write (read completions
// are observed locally via the initiator's own CQ, so no immediate data
// is needed on that path).
func (e *Engine) PostXfer(req *xfer.Request, opts xfer.XferOpts) error {
	if req.State() == xfer.ReqPosted {
		return xfer.NewError(xfer.InvalidParam, "PostXfer", req.RemoteAgent, fmt.Errorf("request already posted"))
	}

	e.connMu.Lock()
	c, ok := e.conns[req.RemoteAgent]
	e.connMu.Unlock()
	if !ok || c.State != xfer.Connected {
		return xfer.NewError(xfer.NotFound, "PostXfer", req.RemoteAgent, fmt.Errorf("agent not connected"))
	}

	req.WantsNotification = opts.HasNotif
	req.NotificationMsg = opts.Notification
	req.SetState(xfer.ReqPosted)

	for _, sr := range req.SubRequests {
		w := e.workers[sr.RailOrWorker%len(e.workers)]
		w.mu.Lock()
		qp := w.qps[req.RemoteAgent]
		w.mu.Unlock()
		if qp == nil {
			e.failSub(req, sr, xfer.NewError(xfer.NotFound, "PostXfer", req.RemoteAgent, fmt.Errorf("no queue pair for worker %d", sr.RailOrWorker)))
			continue
		}

		xferID := e.nextXferID()
		sr.XferID = xferID
		req.AddXferID(xferID)

		if err := e.postSubRequest(qp, req, sr); err != nil {
			e.failSub(req, sr, err)
		}
	}

	if req.IsTerminal() {
		e.notifyAfterCompletion(req)
	} else if e.mode == ProgressInline {
		for _, sr := range req.SubRequests {
			e.drainWorker(e.workers[sr.RailOrWorker%len(e.workers)])
		}
	}
	if req.IsTerminal() {
		if hasErr(req) {
			req.SetState(xfer.ReqErr)
			return xfer.NewError(xfer.Backend, "PostXfer", req.RemoteAgent, fmt.Errorf("one or more sub-requests failed"))
		}
		req.SetState(xfer.ReqDone)
		return nil
	}
	return xfer.NewError(xfer.InProgress, "PostXfer", req.RemoteAgent, nil)
}

func (e *Engine) failSub(req *xfer.Request, sr *xfer.SubReq, err error) {
	sr.Err = err
	req.CompleteOne()
	clearPlan(sr)
}

func (e *Engine) postSubRequest(qp *verbs.QueuePair, req *xfer.Request, sr *xfer.SubReq) error {
	plan := getPlan(sr)
	if plan == nil {
		return fmt.Errorf("rconn: no addressing plan for sub-request")
	}

	wr := verbs.NewSendWorkRequest(plan.localMR)
	e.pendingMu.Lock()
	e.pendingByWrID[wr.WrID()] = &pending{sub: sr}
	e.pendingMu.Unlock()
	registerCompletion(sr, func() {
		req.CompleteOne()
		if req.IsTerminal() {
			e.notifyAfterCompletion(req)
		}
	})

	var err error
	switch req.Op {
	case xfer.Write:
		err = qp.PostWriteImm(wr, plan.remoteAddr, plan.remoteRKey, sr.XferID)
	case xfer.Read:
		err = qp.PostRead(wr, plan.remoteAddr, plan.remoteRKey)
	}
	if err != nil {
		e.pendingMu.Lock()
		delete(e.pendingByWrID, wr.WrID())
		e.pendingMu.Unlock()
		wr.Close()
	}
	return err
}

// CheckXfer advances this request's worker CQs on the caller's goroutine
// when no progress thread is running.
func (e *Engine) CheckXfer(req *xfer.Request) error {
	if e.mode == ProgressInline {
		for _, sr := range req.SubRequests {
			w := e.workers[sr.RailOrWorker%len(e.workers)]
			e.drainWorker(w)
		}
	}
	if req.IsTerminal() {
		if hasErr(req) {
			req.SetState(xfer.ReqErr)
			return xfer.NewError(xfer.Backend, "CheckXfer", req.RemoteAgent, fmt.Errorf("one or more sub-requests failed"))
		}
		req.SetState(xfer.ReqDone)
		return nil
	}
	return xfer.NewError(xfer.InProgress, "CheckXfer", req.RemoteAgent, nil)
}

func hasErr(req *xfer.Request) bool {
	for _, sr := range req.SubRequests {
		if sr.Err != nil {
			return true
		}
	}
	return false
}

// ReleaseReqH marks every outstanding sub-request cancelled and releases
// req. Non-blocking; safe in any request state.
func (e *Engine) ReleaseReqH(req *xfer.Request) error {
	req.SetState(xfer.ReqAborting)
	for _, sr := range req.SubRequests {
		if !sr.Done() {
			sr.Err = xfer.NewError(xfer.Cancelled, "ReleaseReqH", req.RemoteAgent, nil)
			req.CompleteOne()
		}
		clearPlan(sr)
	}
	req.SetState(xfer.ReqAborted)
	return nil
}

// notifyAfterCompletion sends req's attached notification once every
// sub-request has completed, never before.
func (e *Engine) notifyAfterCompletion(req *xfer.Request) {
	if !req.WantsNotification {
		return
	}
	if err := e.GenNotif(req.RemoteAgent, req.NotificationMsg); err != nil {
		e.log.Warn().Err(err).Str("remote", string(req.RemoteAgent)).Msg("post-completion notification send failed")
	}
}
