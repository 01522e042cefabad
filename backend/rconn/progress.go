package rconn

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// startProgress launches the background goroutine(s) appropriate to
// e.mode. Inline mode starts nothing: its progress is driven synchronously
// from PostXfer/CheckXfer/GetNotifs.
func (e *Engine) startProgress() {
	switch e.mode {
	case ProgressInline:
		return
	case ProgressSingleThread:
		e.progressWG.Add(1)
		go e.runSingleThreadProgress()
	case ProgressPool:
		var g errgroup.Group
		for _, w := range e.workers {
			w := w
			e.progressWG.Add(1)
			g.Go(func() error {
				e.runWorkerProgress(w)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
		}()
	}
}

func (e *Engine) runSingleThreadProgress() {
	defer e.progressWG.Done()
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.progressDone:
			return
		case <-ticker.C:
			for _, w := range e.workers {
				e.drainWorker(w)
			}
		}
	}
}

func (e *Engine) runWorkerProgress(w *worker) {
	defer e.progressWG.Done()
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.progressDone:
			return
		case <-ticker.C:
			e.drainWorker(w)
		}
	}
}

// drainWorker polls w's CQ once and dispatches every completion to its
// pending entry: a data sub-request's completion counter, or a
// notification send/receive.
func (e *Engine) drainWorker(w *worker) {
	completions, err := w.cq.PollOnce(0)
	if err != nil {
		e.log.Warn().Err(err).Int("worker", w.index).Msg("poll CQ failed")
		return
	}
	for _, c := range completions {
		e.pendingMu.Lock()
		p, ok := e.pendingByWrID[c.WRID]
		if ok {
			delete(e.pendingByWrID, c.WRID)
		}
		e.pendingMu.Unlock()
		if !ok {
			continue
		}

		switch {
		case p.sub != nil:
			e.completeSub(p.sub, c)
		case p.notif != nil:
			e.completeNotif(w, p.notif, c)
		}
	}
}

func (e *Engine) completeSub(sr *xfer.SubReq, c verbs.CompletedWR) {
	var err error
	if !c.OK {
		err = xfer.NewError(xfer.Backend, "postXfer", "", nil)
	}
	sr.Err = err
	clearPlan(sr)
	// The parent Request's CompleteOne is bumped by the caller that
	// originally posted this sub-request only on synchronous failure;
	// on async completion (the common path) it happens here.
	reqCompleteOnce(sr)
}

// reqCompleteOnce is a package-level indirection so completeSub doesn't
// need a back-reference from SubReq to its owning Request (pkg/xfer keeps
// that edge one-directional). The caller registers the bump via
// registerCompletion at post time.
func reqCompleteOnce(sr *xfer.SubReq) {
	planMu.Lock()
	cb := completionCallbacks[sr]
	delete(completionCallbacks, sr)
	planMu.Unlock()
	if cb != nil {
		cb()
	}
}

var completionCallbacks = map[*xfer.SubReq]func(){}

func registerCompletion(sr *xfer.SubReq, cb func()) {
	planMu.Lock()
	completionCallbacks[sr] = cb
	planMu.Unlock()
}
