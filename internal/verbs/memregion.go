package verbs

/*
#cgo LDFLAGS: -lnuma
#include <stdlib.h>
#include <infiniband/verbs.h>
#include <numa.h>    // For numa_alloc_onnode, numa_free, numa_available, numa_max_node
#include <sys/mman.h> // For mmap, munmap, PROT_*, MAP_*

// alloc_type_t: 0 for NUMA, 1 for mmap, -1 for error
typedef int alloc_type_t;

// allocate_memory_numa_aware tries to allocate memory on the specified NUMA node.
// Otherwise, falls back to mmap.
alloc_type_t allocate_memory_numa_aware(size_t size, int node, void** ptr_out) {
    if (numa_available() == 0 && node >= 0 && node <= numa_max_node()) {
        *ptr_out = numa_alloc_onnode(size, node);
        if (*ptr_out != NULL) {
            return 0; // NUMA allocation successful
        }
    }
    *ptr_out = mmap(NULL, size, PROT_READ | PROT_WRITE, MAP_PRIVATE | MAP_ANONYMOUS, -1, 0);
    if (*ptr_out == MAP_FAILED) {
        *ptr_out = NULL;
        return -1; // Error
    }
    return 1; // Mmap allocation successful
}

void free_memory_numa_aware(void* ptr, size_t size, alloc_type_t alloc_type) {
    if (ptr == NULL) return;
    if (alloc_type == 0) {
        numa_free(ptr, size);
    } else if (alloc_type == 1) {
        munmap(ptr, size);
    }
}
*/
import "C"
import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"
)

// NumaNodeAny specifies that memory should be allocated without being tied
// to a specific NUMA node. Falls back to mmap.
const NumaNodeAny = -1

// MemoryRegion wraps one ibverbs memory region registered against a single
// arbitrary buffer. The registry above it (backend/rconn) keeps one
// MemoryRegion per caller-supplied MemDesc, wrapping exactly one buffer;
// callers that need a notification slot register a second, independent
// MemoryRegion for it.
type MemoryRegion struct {
	PD   *ProtectDomain
	mr   *C.struct_ibv_mr
	ptr  unsafe.Pointer
	size int

	allocType  C.alloc_type_t
	ownsMemory bool

	isClosed bool
}

// NewMemoryRegion allocates size bytes using mmap (no NUMA affinity) and
// registers them with pd.
func NewMemoryRegion(pd *ProtectDomain, size int) (*MemoryRegion, error) {
	return NewMemoryRegionByNuma(pd, size, NumaNodeAny)
}

// NewMemoryRegionByNuma allocates size bytes on the given NUMA node (mmap
// if node < 0) and registers them with pd.
func NewMemoryRegionByNuma(pd *ProtectDomain, size int, node int) (*MemoryRegion, error) {
	const access = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE

	m := &MemoryRegion{PD: pd, size: size, ownsMemory: true}
	m.allocType = C.allocate_memory_numa_aware(C.size_t(size), C.int(node), &m.ptr)
	if m.allocType < 0 || m.ptr == nil {
		return nil, errors.New("verbs: failed to allocate registrable memory")
	}

	m.mr = C.ibv_reg_mr(pd.pd, m.ptr, C.size_t(size), access)
	if m.mr == nil {
		C.free_memory_numa_aware(m.ptr, C.size_t(size), m.allocType)
		return nil, errors.New("verbs: ibv_reg_mr failed")
	}

	runtime.SetFinalizer(m, (*MemoryRegion).finalize)
	return m, nil
}

// RegisterExisting registers a caller-owned buffer (e.g. a CUDA device
// pointer or a caller's DRAM allocation) without taking ownership of
// freeing it on Close.
func RegisterExisting(pd *ProtectDomain, ptr unsafe.Pointer, size int) (*MemoryRegion, error) {
	if ptr == nil || size == 0 {
		return nil, errors.New("verbs: cannot register nil or zero-length buffer")
	}
	const access = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE

	m := &MemoryRegion{PD: pd, size: size, ptr: ptr, ownsMemory: false}
	m.mr = C.ibv_reg_mr(pd.pd, ptr, C.size_t(size), access)
	if m.mr == nil {
		return nil, errors.New("verbs: ibv_reg_mr failed")
	}
	runtime.SetFinalizer(m, (*MemoryRegion).finalize)
	return m, nil
}

// Buffer exposes the registered memory as a Go slice. The caller must not
// let it outlive the MemoryRegion.
func (m *MemoryRegion) Buffer() []byte {
	if m.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(m.ptr), m.size)
}

// Addr returns the registered buffer's virtual address.
func (m *MemoryRegion) Addr() uint64 { return uint64(uintptr(m.ptr)) }

// Length returns the registered buffer's length.
func (m *MemoryRegion) Length() int { return m.size }

// LKey returns the local key for local verbs operations.
func (m *MemoryRegion) LKey() uint32 {
	if m.mr == nil {
		return 0
	}
	return uint32(m.mr.lkey)
}

// RKey returns the remote key a peer needs to target this region.
func (m *MemoryRegion) RKey() uint32 {
	if m.mr == nil {
		return 0
	}
	return uint32(m.mr.rkey)
}

func (m *MemoryRegion) String() string {
	return fmt.Sprintf("MemoryRegion addr:%d lkey:%d rkey:%d len:%d", m.Addr(), m.LKey(), m.RKey(), m.size)
}

func (m *MemoryRegion) finalize() {
	panic(fmt.Sprintf("verbs: finalized unclosed memory region: %p. addr: %#x", m, m.Addr()))
}

// Close deregisters and, if this region owns its memory, frees it.
// A second call returns an error and does nothing else.
func (m *MemoryRegion) Close() error {
	if m.isClosed {
		return fmt.Errorf("verbs: memory region already closed")
	}
	var firstErr error
	if m.mr != nil {
		if errno := C.ibv_dereg_mr(m.mr); errno != 0 {
			firstErr = fmt.Errorf("verbs: ibv_dereg_mr failed with errno %d", errno)
		}
		m.mr = nil
	}
	if m.ownsMemory && m.ptr != nil {
		C.free_memory_numa_aware(m.ptr, C.size_t(m.size), m.allocType)
	}
	m.ptr = nil
	runtime.SetFinalizer(m, nil)
	m.isClosed = true
	return firstErr
}
