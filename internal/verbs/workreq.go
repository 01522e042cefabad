package verbs

/*
#include <infiniband/verbs.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// SendWorkRequest wraps a C ibv_send_wr/ibv_sge pair allocated on the C
// heap so a pointer to it survives across the cgo boundary for the
// duration of a post. One is built per posted send/write/read.
type SendWorkRequest struct {
	mr     *MemoryRegion
	sendWr *C.struct_ibv_send_wr
	sge    *C.struct_ibv_sge
}

// ReceiveWorkRequest wraps a C ibv_recv_wr/ibv_sge pair, analogous to
// SendWorkRequest but for the receive queue.
type ReceiveWorkRequest struct {
	mr     *MemoryRegion
	recvWr *C.struct_ibv_recv_wr
	sge    *C.struct_ibv_sge
}

func NewSendWorkRequest(mr *MemoryRegion) *SendWorkRequest {
	sendWr := (*C.struct_ibv_send_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{}))))
	sge := (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))

	return &SendWorkRequest{
		mr:     mr,
		sendWr: sendWr,
		sge:    sge,
	}
}

func NewReceiveWorkRequest(mr *MemoryRegion) *ReceiveWorkRequest {
	recvWr := (*C.struct_ibv_recv_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_recv_wr{}))))
	sge := (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))

	return &ReceiveWorkRequest{
		mr:     mr,
		recvWr: recvWr,
		sge:    sge,
	}
}

func (s *SendWorkRequest) createWrId() C.uint64_t {
	return C.uint64_t(uintptr(unsafe.Pointer(&(s.sendWr))))
}

// WrID returns the work-request identifier this request will be posted
// under (stable for the lifetime of the SendWorkRequest, independent of
// whether Post has run yet), letting a caller register the correlation
// from a SubReq to a polled CompletedWR before posting so there is no
// window where a fast completion arrives before the lookup entry exists.
func (s *SendWorkRequest) WrID() uint64 {
	return uint64(s.createWrId())
}

func (wr *SendWorkRequest) String() string {
	return fmt.Sprintf("WR: \n addr: %d\n key: %d\n", wr.mr.Addr(), wr.mr.RKey())
}

func (r *ReceiveWorkRequest) createWrId() C.uint64_t {
	return C.uint64_t(uintptr(unsafe.Pointer(&(r.recvWr))))
}

// WrID returns this receive request's stable work-request identifier.
func (r *ReceiveWorkRequest) WrID() uint64 {
	return uint64(r.createWrId())
}

func (wr *ReceiveWorkRequest) String() string {
	return fmt.Sprintf("WR: \n addr: %d\n key: %d\n", wr.mr.Addr(), wr.mr.RKey())
}

func (wr *ReceiveWorkRequest) Close() {
	C.free(unsafe.Pointer(wr.recvWr))
	C.free(unsafe.Pointer(wr.sge))
}

func (wr *SendWorkRequest) Close() {
	C.free(unsafe.Pointer(wr.sendWr))
	C.free(unsafe.Pointer(wr.sge))
}
