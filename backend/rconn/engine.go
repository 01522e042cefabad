// Package rconn implements the single-transport backend engine: one
// ibverbs context, a configurable number of progress workers, one queue
// pair per (worker, remote agent), and a lightweight send/receive
// active-message channel layered over the same queue pairs for
// notifications.
package rconn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// ErrHandlingMode controls how an endpoint's async error is handled.
type ErrHandlingMode int

const (
	// ErrHandlingNone leaves failed endpoints in place; callers discover
	// the failure the next time they touch the connection.
	ErrHandlingNone ErrHandlingMode = iota
	// ErrHandlingPeer is selected by err_handling_mode=peer. The engine
	// records it and logs it at startup; no code path reads it afterwards,
	// so it behaves the same as ErrHandlingNone.
	ErrHandlingPeer
)

// ProgressMode selects how the engine's workers make CQ progress.
type ProgressMode int

const (
	// ProgressInline only advances a worker's CQ when a user call (post,
	// check, getNotifs) touches it.
	ProgressInline ProgressMode = iota
	// ProgressSingleThread runs one goroutine that round-robins all
	// workers' CQs.
	ProgressSingleThread
	// ProgressPool runs one goroutine per worker.
	ProgressPool
)

const notificationBufSize = 4096

// worker owns one queue pair per connected remote agent, sharing a single
// completion queue across all of them: one endpoint per worker.
type worker struct {
	index int
	cq    *verbs.CompletionQueue

	mu   sync.Mutex
	qps  map[xfer.AgentID]*verbs.QueuePair
	notifyMR map[xfer.AgentID]*notifyBufs
}

type notifyBufs struct {
	sendMR *verbs.MemoryRegion
	recvMR *verbs.MemoryRegion
	recvWR *verbs.ReceiveWorkRequest
}

// pending correlates a posted work request back to the SubReq (and, for
// notification sends/receives, the owning agent) it belongs to.
type pending struct {
	sub   *xfer.SubReq
	notif *pendingNotif
}

type pendingNotif struct {
	agent  xfer.AgentID
	isSend bool
	sendWR *verbs.SendWorkRequest
}

// Engine is the single-transport backend.
type Engine struct {
	log zerolog.Logger

	localAgent xfer.AgentID
	errMode    ErrHandlingMode
	mode       ProgressMode

	ctx *verbs.RdmaContext
	pd  *verbs.ProtectDomain

	workers []*worker
	nextWorker uint32

	connMu sync.Mutex
	conns  map[xfer.AgentID]*xfer.Conn

	memMu sync.Mutex
	mem   map[*xfer.PrivMD]*memRegistration

	notifMu sync.Mutex
	notifs  map[xfer.AgentID][][]byte

	pendingMu sync.Mutex
	pendingByWrID map[uint64]*pending

	xferIDCounter uint32

	progressWG   sync.WaitGroup
	progressDone chan struct{}
	closed       int32
}

type memRegistration struct {
	desc    xfer.MemDesc
	mr      *verbs.MemoryRegion
	worker  int
}

// New opens an RdmaContext on the named device/port and builds numWorkers
// progress workers, each with its own CQ and queue-pair map.
func New(deviceName string, port, portIndex int, mtu int, params xfer.InitParams, log zerolog.Logger) (*Engine, error) {
	ctx, err := verbs.NewRdmaContext(deviceName, port, portIndex, mtu, log)
	if err != nil {
		return nil, xfer.NewError(xfer.Backend, "rconn.New", params.LocalAgent, err)
	}
	pd, err := verbs.NewProtectDomain(ctx)
	if err != nil {
		return nil, xfer.NewError(xfer.Backend, "rconn.New", params.LocalAgent, err)
	}

	numWorkers := 1
	if v, ok := params.Get("num_workers"); ok {
		var n int
		if _, scanErr := fmt.Sscanf(v, "%d", &n); scanErr == nil && n >= 1 {
			numWorkers = n
		}
	}

	errMode := ErrHandlingNone
	if v, ok := params.Get("err_handling_mode"); ok && v == "peer" {
		errMode = ErrHandlingPeer
	}

	mode := ProgressInline
	if params.ProgressThreadEnabled {
		mode = ProgressSingleThread
	}

	e := &Engine{
		log:           log.With().Str("component", "rconn").Str("agent", string(params.LocalAgent)).Logger(),
		localAgent:    params.LocalAgent,
		errMode:       errMode,
		mode:          mode,
		ctx:           ctx,
		pd:            pd,
		conns:         make(map[xfer.AgentID]*xfer.Conn),
		mem:           make(map[*xfer.PrivMD]*memRegistration),
		notifs:        make(map[xfer.AgentID][][]byte),
		pendingByWrID: make(map[uint64]*pending),
		progressDone:  make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		cq, cqErr := verbs.NewCompletionQueue(ctx, 1024)
		if cqErr != nil {
			e.Close()
			return nil, xfer.NewError(xfer.Backend, "rconn.New", params.LocalAgent, cqErr)
		}
		e.workers = append(e.workers, &worker{
			index:    i,
			cq:       cq,
			qps:      make(map[xfer.AgentID]*verbs.QueuePair),
			notifyMR: make(map[xfer.AgentID]*notifyBufs),
		})
	}

	e.startProgress()
	e.log.Info().Int("num_workers", numWorkers).Str("err_handling_mode", fmt.Sprint(errMode)).Msg("rconn engine started")
	return e, nil
}

// SupportedMemKinds declares DRAM and BLK/FILE support; VRAM requires a
// GPU plugin this engine does not itself carry, so it is rejected at
// RegisterMem with NotSupported.
func (e *Engine) SupportedMemKinds() []xfer.MemKind {
	return []xfer.MemKind{xfer.DRAM, xfer.BLK, xfer.FILE}
}

// CostEstimate reports NotSupported: plain ibverbs exposes no
// performance-query primitive for this engine to surface.
func (e *Engine) CostEstimate(desc xfer.MemDesc, agent xfer.AgentID) (*xfer.CostEstimate, error) {
	return nil, xfer.NewError(xfer.NotSupported, "CostEstimate", agent, nil)
}

func (e *Engine) nextXferID() uint32 {
	return atomic.AddUint32(&e.xferIDCounter, 1)
}

// Close tears down every connection, registration, and progress worker,
// aggregating any teardown failure instead of masking it behind the last
// one encountered.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	close(e.progressDone)
	e.progressWG.Wait()

	var result *multierror.Error

	e.memMu.Lock()
	for md, reg := range e.mem {
		if err := reg.mr.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close mem region: %w", err))
		}
		delete(e.mem, md)
	}
	e.memMu.Unlock()

	e.connMu.Lock()
	for agent, c := range e.conns {
		c.SetState(xfer.Disconnected)
		delete(e.conns, agent)
	}
	e.connMu.Unlock()

	for _, w := range e.workers {
		w.mu.Lock()
		for _, qp := range w.qps {
			if err := qp.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close queue pair: %w", err))
			}
		}
		for _, nb := range w.notifyMR {
			if nb.recvWR != nil {
				nb.recvWR.Close()
			}
			if err := nb.sendMR.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close notify send mr: %w", err))
			}
			if err := nb.recvMR.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close notify recv mr: %w", err))
			}
		}
		w.mu.Unlock()
		if err := w.cq.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close completion queue: %w", err))
		}
	}

	if e.pd != nil {
		if err := e.pd.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close protection domain: %w", err))
		}
	}
	if e.ctx != nil {
		if err := e.ctx.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close rdma context: %w", err))
		}
	}
	e.log.Info().Msg("rconn engine closed")
	return result.ErrorOrNil()
}
