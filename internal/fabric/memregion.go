package fabric

/*
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"
import (
	"errors"
	"unsafe"
)

// MRAccess mirrors the fi_mr_reg access flags.
type MRAccess uint64

const (
	MRAccessLocalWrite  MRAccess = C.FI_WRITE
	MRAccessLocalRead   MRAccess = C.FI_READ
	MRAccessRemoteWrite MRAccess = C.FI_REMOTE_WRITE
	MRAccessRemoteRead  MRAccess = C.FI_REMOTE_READ
)

// MemoryRegion wraps one fid_mr. Rails do not share memory registrations:
// the owning caller in backend/multirail registers one MemoryRegion per
// (rail, user buffer) pair.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers ptr/size with domain under access, letting the
// provider assign the registration key.
func RegisterMemory(domain *Domain, ptr unsafe.Pointer, size int, access MRAccess) (*MemoryRegion, error) {
	if ptr == nil || size == 0 {
		return nil, errors.New("fabric: cannot register nil or zero-length buffer")
	}
	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(domain.ptr, ptr, C.size_t(size), C.uint64_t(access), 0, 0, 0, &mr, nil)
	if err := errorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

// Key returns the remote key a peer needs in order to target this region
// from an RMA read or write.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}

// Descriptor returns the provider-specific local descriptor required by
// providers that set FI_MR_LOCAL (Domain.RequiresLocalDescriptor).
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m == nil || m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}

// Close deregisters the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(m.ptr)))
	m.ptr = nil
	return errorFromStatus(int(status), "fi_close(mr)")
}
