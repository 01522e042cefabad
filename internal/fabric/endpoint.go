package fabric

/*
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
*/
import "C"
import (
	"unsafe"
)

// Endpoint wraps a libfabric fid_ep handle bound to one rail's domain.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// OpenEndpoint creates an active (unconnected, RDM) endpoint against domain.
func OpenEndpoint(domain *Domain) (*Endpoint, error) {
	if domain == nil || domain.ptr == nil || domain.fabric == nil {
		return nil, errorFromStatus(-1, "fi_endpoint: nil domain")
	}
	var ep *C.struct_fid_ep
	status := C.fi_endpoint(domain.ptr, domain.fabric.info, &ep, nil)
	if err := errorFromStatus(int(status), "fi_endpoint"); err != nil {
		return nil, err
	}
	return &Endpoint{ptr: ep}, nil
}

const (
	BindTransmit = uint64(C.FI_TRANSMIT)
	BindRecv     = uint64(C.FI_RECV)
)

// BindCompletionQueue binds cq to the endpoint's send and/or receive side.
func (e *Endpoint) BindCompletionQueue(cq *CompletionQueue, flags uint64) error {
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(cq.ptr)), C.uint64_t(flags))
	return errorFromStatus(int(status), "fi_ep_bind(cq)")
}

// BindAddressVector binds av to the endpoint.
func (e *Endpoint) BindAddressVector(av *AddressVector) error {
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(av.ptr)), 0)
	return errorFromStatus(int(status), "fi_ep_bind(av)")
}

// Enable transitions the endpoint into an active state; must run after
// every bind and before the first post.
func (e *Endpoint) Enable() error {
	status := C.fi_enable(e.ptr)
	return errorFromStatus(int(status), "fi_enable")
}

// Close releases the endpoint.
func (e *Endpoint) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(e.ptr)))
	e.ptr = nil
	return errorFromStatus(int(status), "fi_close(endpoint)")
}

// Name returns the provider-specific address of this endpoint, to be
// shipped to a peer over the control rail and inserted into its address
// vector.
func (e *Endpoint) Name() ([]byte, error) {
	size := C.size_t(64)
	for attempt := 0; attempt < 6; attempt++ {
		buf := C.malloc(size)
		if buf == nil {
			return nil, errorFromStatus(-1, "fi_getname: alloc failed")
		}
		length := size
		status := C.fi_getname((*C.struct_fid)(unsafe.Pointer(e.ptr)), buf, &length)
		if status == 0 {
			out := C.GoBytes(buf, C.int(length))
			C.free(buf)
			return out, nil
		}
		C.free(buf)
		if status == -C.int(C.FI_ENOSPC) {
			size = length
			continue
		}
		return nil, errorFromStatus(int(status), "fi_getname")
	}
	return nil, errorFromStatus(-1, "fi_getname: address did not stabilize")
}

// AddressVector wraps a fid_av handle. One per rail: each rail is an
// independent completion queue, address vector, and domain.
type AddressVector struct {
	ptr *C.struct_fid_av
}

// OpenAddressVector opens a map-type AV (the stable fi_addr_t-returning
// form the fi package's Dial path uses) against domain.
func OpenAddressVector(domain *Domain) (*AddressVector, error) {
	attr := C.struct_fi_av_attr{}
	attr._type = C.FI_AV_MAP
	var av *C.struct_fid_av
	status := C.fi_av_open(domain.ptr, &attr, &av, nil)
	if err := errorFromStatus(int(status), "fi_av_open"); err != nil {
		return nil, err
	}
	return &AddressVector{ptr: av}, nil
}

// Insert registers a peer's raw provider address (as returned by its
// Endpoint.Name) and returns the fi_addr_t handle used to address it in
// subsequent Send/Write/Read calls.
func (av *AddressVector) Insert(raw []byte) (uint64, error) {
	if len(raw) == 0 {
		return 0, errorFromStatus(-1, "fi_av_insert: empty address")
	}
	var fiAddr C.fi_addr_t
	n := C.fi_av_insert(av.ptr, unsafe.Pointer(&raw[0]), 1, &fiAddr, 0, nil)
	if n < 1 {
		return 0, errorFromStatus(int(n), "fi_av_insert")
	}
	return uint64(fiAddr), nil
}

// Remove drops addr from the address vector, as DISCONNECT_REQ handling
// does for every rail's address vector.
func (av *AddressVector) Remove(addr uint64) error {
	fiAddr := C.fi_addr_t(addr)
	status := C.fi_av_remove(av.ptr, &fiAddr, 1, 0)
	return errorFromStatus(int(status), "fi_av_remove")
}

func (av *AddressVector) Close() error {
	if av == nil || av.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(av.ptr)))
	av.ptr = nil
	return errorFromStatus(int(status), "fi_close(av)")
}
