package verbs

//#include <infiniband/verbs.h>
import "C"
import (
	"errors"
	"fmt"
	"unsafe"
)

// CompletionQueue wraps an ibverbs CQ plus its completion channel. One per
// progress worker; a QueuePair's send and receive queues both complete
// onto the same CQ, one endpoint per worker.
type CompletionQueue struct {
	cqe       int
	cq        *C.struct_ibv_cq
	channel   *C.struct_ibv_comp_channel
	isClosed  bool
	isClosing bool
}

// NewCompletionQueue creates a completion queue with room for cqe entries
// against ctx.
func NewCompletionQueue(ctx *RdmaContext, cqe int) (*CompletionQueue, error) {
	compChannel, err := C.ibv_create_comp_channel(ctx.ctx)
	if err != nil {
		return nil, err
	}
	if compChannel == nil {
		return nil, errors.New("verbs: failed to create completion channel")
	}

	cq, err := C.ibv_create_cq(ctx.ctx, C.int(cqe), nil, compChannel, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(compChannel)
		if err != nil {
			return nil, err
		}
		return nil, errors.New("verbs: ibv_create_cq returned nil")
	}

	return &CompletionQueue{cqe: cqe, cq: cq, channel: compChannel}, nil
}

// Cqe returns the queue's configured entry capacity.
func (c *CompletionQueue) Cqe() int {
	return c.cqe
}

// Close tears down the CQ and its completion channel. Safe to call
// concurrently with PollOnce; a poll racing the close simply observes
// isClosing and returns early rather than touching freed ibverbs state.
func (c *CompletionQueue) Close() error {
	c.isClosing = true
	if c.isClosed {
		return fmt.Errorf("verbs: completion queue already closed")
	}

	channel := c.channel
	if errno := C.ibv_destroy_cq(c.cq); errno != 0 {
		return fmt.Errorf("verbs: ibv_destroy_cq failed with errno %d", errno)
	}
	if channel != nil {
		if errno := C.ibv_destroy_comp_channel(channel); errno != 0 {
			return fmt.Errorf("verbs: ibv_destroy_comp_channel failed with errno %d", errno)
		}
	}
	c.isClosed = true
	return nil
}

// CompletedWR carries one polled work completion's outcome.
type CompletedWR struct {
	WRID    uint64
	OK      bool
	ImmData uint32
	HasImm  bool
	// ByteLen is the number of bytes actually transferred; meaningful for
	// receive completions (a send/write completion always reports 0).
	ByteLen uint32
}

// PollOnce drains whatever is currently sitting in the CQ without blocking
// or sleeping; used by the inline and pool progress modes where the
// caller's own goroutine drives progress synchronously on a timer tick
// rather than waiting on the comp_channel's event fd.
func (c *CompletionQueue) PollOnce(max int) ([]CompletedWR, error) {
	if c.isClosed || c.isClosing {
		return nil, nil
	}
	if max <= 0 {
		max = c.cqe
	}
	wc := make([]C.struct_ibv_wc, max)
	numEvents := C.ibv_poll_cq(c.cq, C.int(len(wc)), &wc[0])
	if numEvents < 0 {
		return nil, errors.New("verbs: polling CQ failed")
	}
	out := make([]CompletedWR, 0, numEvents)
	for _, w := range wc[:numEvents] {
		cw := CompletedWR{WRID: uint64(w.wr_id), OK: w.status == C.IBV_WC_SUCCESS, ByteLen: uint32(w.byte_len)}
		if w.wc_flags&C.IBV_WC_WITH_IMM != 0 {
			cw.HasImm = true
			cw.ImmData = uint32(*(*C.uint32_t)(unsafe.Pointer(&w.imm_data)))
		}
		out = append(out, cw)
	}
	return out, nil
}
