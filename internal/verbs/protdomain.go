package verbs

//#include <infiniband/verbs.h>
import "C"
import "fmt"

// ProtectDomain wraps an ibverbs protection domain. An engine allocates
// exactly one against its RdmaContext; every MemoryRegion and QueuePair it
// creates registers against that single domain, so a remote key issued by
// one worker's registration is valid for any other worker's queue pair on
// the same engine.
type ProtectDomain struct {
	ctx      *RdmaContext
	pd       *C.struct_ibv_pd
	isClosed bool
}

// NewProtectDomain allocates a protection domain against ctx.
func NewProtectDomain(ctx *RdmaContext) (*ProtectDomain, error) {
	pd, err := C.ibv_alloc_pd(ctx.ctx)
	if err != nil {
		return nil, fmt.Errorf("verbs: ibv_alloc_pd: %w", err)
	}
	return &ProtectDomain{ctx: ctx, pd: pd}, nil
}

// Context returns the RdmaContext this domain was allocated against.
func (p *ProtectDomain) Context() *RdmaContext { return p.ctx }

// Close deallocates the protection domain. Once it has succeeded, a further
// call returns an error and does nothing else. It fails if any MemoryRegion
// or QueuePair registered
// against it is still open, since ibv_dealloc_pd refuses while it's busy.
func (p *ProtectDomain) Close() error {
	if p.isClosed {
		return fmt.Errorf("verbs: protection domain already closed")
	}
	if errno := C.ibv_dealloc_pd(p.pd); errno != 0 {
		return fmt.Errorf("verbs: ibv_dealloc_pd failed with errno %d (likely still in use)", errno)
	}
	p.pd = nil
	p.isClosed = true
	return nil
}
