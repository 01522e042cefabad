package fabric

/*
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>
*/
import "C"
import (
	"errors"
	"unsafe"
)

// CompletionQueue wraps a fid_cq opened in FI_CQ_FORMAT_DATA mode, which
// reports the op_context plus any immediate data carried by a peer's
// write-with-data — the libfabric analogue of ibverbs' IBV_WC_WITH_IMM
// (internal/verbs/completion.go's CompletedWR.ImmData).
type CompletionQueue struct {
	size int
	ptr  *C.struct_fid_cq
}

// OpenCompletionQueue opens a CQ of the given depth on domain.
func OpenCompletionQueue(domain *Domain, size int) (*CompletionQueue, error) {
	attr := C.struct_fi_cq_attr{}
	attr.size = C.size_t(size)
	attr.format = C.FI_CQ_FORMAT_DATA
	var cq *C.struct_fid_cq
	status := C.fi_cq_open(domain.ptr, &attr, &cq, nil)
	if err := errorFromStatus(int(status), "fi_cq_open"); err != nil {
		return nil, err
	}
	return &CompletionQueue{size: size, ptr: cq}, nil
}

func (c *CompletionQueue) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(c.ptr)))
	c.ptr = nil
	return errorFromStatus(int(status), "fi_close(cq)")
}

// CompletedOp carries one polled completion's outcome. Context is the
// same pointer value the sub-request passed in at post time; Data holds
// write-immediate data when HasData is set, which is how a write
// sub-request's XFER_ID reaches the remote side.
type CompletedOp struct {
	Context unsafe.Pointer
	OK      bool
	HasData bool
	Data    uint64
	ByteLen uint32
	Err     error
}

// PollOnce drains whatever is currently queued without blocking, the same
// role internal/verbs.CompletionQueue.PollOnce plays for the single-rail
// engine's inline/pool progress modes.
func (c *CompletionQueue) PollOnce(max int) ([]CompletedOp, error) {
	if max <= 0 {
		max = c.size
	}
	entries := make([]C.struct_fi_cq_data_entry, max)
	ret := C.fi_cq_read(c.ptr, unsafe.Pointer(&entries[0]), C.size_t(max))
	if ret == -C.FI_EAVAIL {
		errEntry := C.struct_fi_cq_err_entry{}
		n := C.fi_cq_readerr(c.ptr, &errEntry, 0)
		if n < 1 {
			return nil, errors.New("fabric: fi_cq_readerr reported no error after FI_EAVAIL")
		}
		return []CompletedOp{{
			Context: errEntry.op_context,
			OK:      false,
			Err:     errorFromStatus(-int(errEntry.err), "fi_cq completion"),
		}}, nil
	}
	if ret < 0 {
		if ret == -C.FI_EAGAIN {
			return nil, nil
		}
		return nil, errorFromStatus(int(ret), "fi_cq_read")
	}
	out := make([]CompletedOp, 0, ret)
	for i := 0; i < int(ret); i++ {
		e := entries[i]
		out = append(out, CompletedOp{
			Context: e.op_context,
			OK:      true,
			HasData: e.flags&C.FI_REMOTE_CQ_DATA != 0,
			Data:    uint64(e.data),
			ByteLen: uint32(e.len),
		})
	}
	return out, nil
}
