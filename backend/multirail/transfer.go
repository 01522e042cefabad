package multirail

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/fabriclink/xferengine/internal/fabric"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// subPlan carries the fabric-level addressing a SubReq needs to post,
// computed once at PrepXfer time and consumed at PostXfer time. pkg/xfer's
// SubReq stays backend-agnostic (offset/length/XferID only), so this
// mapping lives here instead — grounded on backend/rconn's identical
// plans side-table.
type subPlan struct {
	railIdx    int
	localMR    *fabric.MemoryRegion
	localBase  uint64
	remoteBase uint64
	remoteKey  uint64
	destAddr   uint64
}

var planMu sync.Mutex
var plans = map[*xfer.SubReq]*subPlan{}

func (e *Engine) setPlan(sr *xfer.SubReq, p *subPlan) {
	planMu.Lock()
	plans[sr] = p
	planMu.Unlock()
}

func (e *Engine) getPlan(sr *xfer.SubReq) *subPlan {
	planMu.Lock()
	defer planMu.Unlock()
	return plans[sr]
}

func (e *Engine) clearPlan(sr *xfer.SubReq) {
	planMu.Lock()
	delete(plans, sr)
	planMu.Unlock()
}

// splitStriped divides size into n contiguous, nearly-equal chunks; the
// last chunk absorbs whatever doesn't divide evenly.
func splitStriped(size uintptr, n int) []uintptr {
	out := make([]uintptr, n)
	base := size / uintptr(n)
	for i := range out {
		out[i] = base
	}
	out[n-1] += size - base*uintptr(n)
	return out
}

// PrepXfer validates the descriptor pair list against agent's connection
// and the local/remote metadata's shared rail set, then builds one
// sub-request per descriptor pair (round-robin, single rail) or per stripe
// (one per candidate rail) depending on striping_threshold.
func (e *Engine) PrepXfer(op xfer.Op, local []xfer.MemDesc, remote []xfer.MemDesc, agent xfer.AgentID, localMD *xfer.PrivMD, remoteMD *xfer.PubMD, opts xfer.PrepOpts) (*xfer.Request, error) {
	if len(local) == 0 || len(local) != len(remote) {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("descriptor count mismatch: local=%d remote=%d", len(local), len(remote)))
	}
	for i := range local {
		if local[i].Length == 0 || local[i].Length != remote[i].Length {
			return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("descriptor %d length mismatch", i))
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
	localHandles, ok := localMD.Handle.(map[int]interface{})
	if !ok {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("local handle shape mismatch"))
	}

	remoteByRail := make(map[int]xfer.RemoteKey, len(remoteMD.Keys))
	for _, rk := range remoteMD.Keys {
		remoteByRail[rk.RailOrWorker] = rk
	}
	var candidates []int
	for _, idx := range localMD.Rails {
		if _, ok := remoteByRail[idx]; ok {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "PrepXfer", agent, fmt.Errorf("no shared rails between local and remote metadata"))
	}
	sort.Ints(candidates)
	dataAddrs := interfacesToUint64s(c.PerRailRemoteAddrs)

	req := xfer.NewRequest(op, agent)
	for i := range local {
		size := local[i].Length
		if size <= uintptr(e.stripingThreshold) || len(candidates) == 1 {
			railIdx := candidates[e.nextRoundRobin(len(candidates))]
			sr := &xfer.SubReq{RailOrWorker: railIdx, Offset: 0, Length: size}
			e.setPlan(sr, e.buildPlan(railIdx, localHandles, local[i].VirtAddr, remote[i].VirtAddr, remoteByRail[railIdx], dataAddrs))
			req.SubRequests = append(req.SubRequests, sr)
			continue
		}

		chunks := splitStriped(size, len(candidates))
		var offset uintptr
		for ci, railIdx := range candidates {
			clen := chunks[ci]
			if clen == 0 {
				continue
			}
			sr := &xfer.SubReq{RailOrWorker: railIdx, Offset: offset, Length: clen}
			e.setPlan(sr, e.buildPlan(railIdx, localHandles, local[i].VirtAddr+uint64(offset), remote[i].VirtAddr+uint64(offset), remoteByRail[railIdx], dataAddrs))
			req.SubRequests = append(req.SubRequests, sr)
			offset += clen
		}
	}
	req.Total = int32(len(req.SubRequests))
	return req, nil
}

func (e *Engine) buildPlan(railIdx int, localHandles map[int]interface{}, localAddr, remoteAddr uint64, rk xfer.RemoteKey, dataAddrs []uint64) *subPlan {
	var mr *fabric.MemoryRegion
	if h, ok := localHandles[railIdx]; ok {
		mr, _ = h.(*fabric.MemoryRegion)
	}
	var destAddr uint64
	if railIdx < len(dataAddrs) {
		destAddr = dataAddrs[railIdx]
	}
	var remoteKey uint64
	if len(rk.Key) >= 8 {
		remoteKey = binary.LittleEndian.Uint64(rk.Key)
	}
	return &subPlan{
		railIdx:    railIdx,
		localMR:    mr,
		localBase:  localAddr,
		remoteBase: remoteAddr,
		remoteKey:  remoteKey,
		destAddr:   destAddr,
	}
}

// PostXfer allocates one data-pool slot per sub-request and posts a
// WRITE (carrying the slot's pre-assigned XFER_ID as immediate data) or a
// plain READ. A read's own local completion is this side's only signal, so
// its XFER_ID is recorded as received directly off that completion rather
// than waiting on remote notice.
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
		e.postSubRequest(req, sr)
	}

	if req.IsTerminal() {
		e.notifyAfterCompletion(req)
	} else if !e.progressEnabled {
		e.drainDataRailsOnce()
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
	e.clearPlan(sr)
}

func (e *Engine) postSubRequest(req *xfer.Request, sr *xfer.SubReq) {
	plan := e.getPlan(sr)
	if plan == nil || plan.railIdx < 0 || plan.railIdx >= len(e.dataRails) {
		e.failSub(req, sr, xfer.NewError(xfer.NotFound, "PostXfer", req.RemoteAgent, fmt.Errorf("no rail for sub-request")))
		return
	}
	r := e.dataRails[plan.railIdx]
	slot := r.dataPool.allocate()
	if slot == nil {
		e.failSub(req, sr, xfer.NewError(xfer.Backend, "PostXfer", req.RemoteAgent, fmt.Errorf("data request pool exhausted on rail %d", plan.railIdx)))
		return
	}

	slot.kind = opRead
	if req.Op == xfer.Write {
		slot.kind = opWrite
	}
	slot.localAddr = plan.localBase
	slot.remoteAddr = plan.remoteBase
	slot.remoteKey = plan.remoteKey
	slot.destAddr = plan.destAddr
	slot.localMR = plan.localMR
	slot.chunkOffset = sr.Offset
	slot.chunkLength = sr.Length

	sr.XferID = slot.xferID
	req.AddXferID(slot.xferID)

	op := req.Op
	slot.onComplete = func(ok bool, _ uint64, _ uint32, err error) {
		r.dataPool.release(slot)
		if ok && op == xfer.Read {
			e.recordReceivedXfer(sr.XferID)
		}
		if !ok && err == nil {
			err = fmt.Errorf("multirail: sub-request completed with failure status")
		}
		sr.Err = err
		req.CompleteOne()
		if req.IsTerminal() {
			e.notifyAfterCompletion(req)
		}
	}

	var postErr error
	switch op {
	case xfer.Write:
		postErr = r.postDataWrite(slot, true)
	case xfer.Read:
		postErr = r.postDataRead(slot)
	}
	if postErr != nil {
		r.dataPool.release(slot)
		e.failSub(req, sr, xfer.NewError(xfer.Backend, "PostXfer", req.RemoteAgent, postErr))
		return
	}
	e.clearPlan(sr)
}

// CheckXfer advances this request when the background progress threads are
// disabled (the synchronous fallback), then reports whether every
// sub-request has completed.
func (e *Engine) CheckXfer(req *xfer.Request) error {
	if !e.progressEnabled {
		e.drainDataRailsOnce()
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
// req. Non-blocking; safe in any request state. In-flight slots are not
// forcibly reclaimed here — their own completion callback still releases
// them back to the pool when the transport eventually reports in.
func (e *Engine) ReleaseReqH(req *xfer.Request) error {
	req.SetState(xfer.ReqAborting)
	for _, sr := range req.SubRequests {
		if sr.Err == nil {
			sr.Err = xfer.NewError(xfer.Cancelled, "ReleaseReqH", req.RemoteAgent, nil)
		}
		e.clearPlan(sr)
	}
	req.SetState(xfer.ReqAborted)
	return nil
}

// notifyAfterCompletion sends req's attached trailing notification,
// carrying the request's full accumulated XFER_ID manifest, once every
// sub-request has completed.
func (e *Engine) notifyAfterCompletion(req *xfer.Request) {
	if !req.WantsNotification {
		return
	}
	if err := e.sendTransferNotification(req.RemoteAgent, req.XferIDs, req.NotificationMsg); err != nil {
		e.log.Warn().Err(err).Str("remote", string(req.RemoteAgent)).Msg("post-completion notification send failed")
	}
}
