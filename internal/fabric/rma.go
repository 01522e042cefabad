package fabric

/*
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_rma.h>
*/
import "C"
import "unsafe"

// Write posts a one-sided RMA write, grounded on internal/verbs'
// PostWrite/PostWriteImm split: Write carries no immediate data, WriteData
// does.
func (e *Endpoint) Write(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, destAddr uint64, remoteAddr uint64, key uint64, context unsafe.Pointer) error {
	status := C.fi_write(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(destAddr), C.uint64_t(remoteAddr), C.uint64_t(key), context)
	return errorFromStatus(int(status), "fi_write")
}

// WriteData posts an RMA write carrying a 64-bit immediate-data value the
// remote side observes on its own completion queue without posting a
// matching receive. backend/multirail carries the sub-request's XFER_ID
// in this field.
func (e *Endpoint) WriteData(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, destAddr uint64, remoteAddr uint64, key uint64, data uint64, context unsafe.Pointer) error {
	status := C.fi_writedata(e.ptr, buf, C.size_t(length), desc, C.uint64_t(data), C.fi_addr_t(destAddr), C.uint64_t(remoteAddr), C.uint64_t(key), context)
	return errorFromStatus(int(status), "fi_writedata")
}

// Read posts a one-sided RMA read. A read's completion is only ever
// observed locally by the initiator (libfabric, like ibverbs, gives the
// passive side no signal for a read), so backend/multirail records the
// sub-request's XFER_ID into its own received set directly from this
// call's local completion rather than waiting on remote notice.
func (e *Endpoint) Read(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, srcAddr uint64, remoteAddr uint64, key uint64, context unsafe.Pointer) error {
	status := C.fi_read(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(srcAddr), C.uint64_t(remoteAddr), C.uint64_t(key), context)
	return errorFromStatus(int(status), "fi_read")
}

// Send posts a two-sided message, used by the control rail for
// CONNECTION_REQ/CONNECTION_ACK/DISCONNECT_REQ packets and for
// notifications rather than for bulk data.
func (e *Endpoint) Send(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, destAddr uint64, context unsafe.Pointer) error {
	status := C.fi_send(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(destAddr), context)
	return errorFromStatus(int(status), "fi_send")
}

// Recv posts a receive buffer on the control rail.
func (e *Endpoint) Recv(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, srcAddr uint64, context unsafe.Pointer) error {
	status := C.fi_recv(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(srcAddr), context)
	return errorFromStatus(int(status), "fi_recv")
}
