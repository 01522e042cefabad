package xfer

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// AgentID is a process-unique string identifying one participant in the
// transfer protocol.
type AgentID string

// NewAgentID mints an AgentID from a human-readable prefix plus a random
// suffix, for callers that don't already have a process-unique name to
// hand the engine.
func NewAgentID(prefix string) AgentID {
	if prefix == "" {
		prefix = "agent"
	}
	return AgentID(prefix + "-" + uuid.NewString()[:8])
}

// MemKind classifies a memory descriptor's backing storage.
type MemKind int

const (
	// DRAM is host-resident pageable or pinned memory.
	DRAM MemKind = iota
	// VRAM is GPU device memory.
	VRAM
	// BLK is a block-device-backed region.
	BLK
	// FILE is a file-backed region.
	FILE
)

func (k MemKind) String() string {
	switch k {
	case DRAM:
		return "DRAM"
	case VRAM:
		return "VRAM"
	case BLK:
		return "BLK"
	case FILE:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Op identifies the direction of a one-sided transfer.
type Op int

const (
	// Read pulls bytes from the remote descriptor into the local one.
	Read Op = iota
	// Write pushes bytes from the local descriptor into the remote one.
	Write
)

func (o Op) String() string {
	if o == Read {
		return "READ"
	}
	return "WRITE"
}

// MemDesc describes one memory region a caller wants registered or
// transferred. Immutable after creation.
type MemDesc struct {
	VirtAddr uint64
	Length   uintptr
	DevID    uint32
	MemKind  MemKind
}

// PrivMD is what the local backend produces when registering a MemDesc.
// Owned by the backend; lifetime bounded by an explicit DeregisterMem call.
type PrivMD struct {
	// Handle is the opaque transport-side memory handle(s); its concrete
	// type is backend-specific (e.g. a single verbs MR, or one fi MR per
	// selected rail).
	Handle interface{}
	// PackedKey is the opaque, packable remote key byte string produced
	// by GetPublicData.
	PackedKey []byte
	// Rails is the selected rail set (multi-rail) or a single worker id
	// (single-transport), as dense integers.
	Rails []int
	// MemKind and DevID are retained from the originating MemDesc.
	MemKind MemKind
	DevID   uint32
	// BestEffortDevice records whether a VRAM registration's transport
	// memory-type query actually reported device memory.
	BestEffortDevice bool
}

// RemoteKey is one peer-bound, unpacked remote-key object: a rail/worker id,
// the opaque key value, and the endpoint it's bound to.
type RemoteKey struct {
	RailOrWorker int
	Key          []byte
	RemoteAddr   uint64
}

// PubMD is what a peer produces from a received PrivMD blob. Lifetime ends
// with an explicit UnloadMD call.
type PubMD struct {
	Keys       []RemoteKey
	RemoteAddr uint64
	Conn       *Conn
}

// ConnState is the connection manager's per-connection state machine value.
type ConnState int

const (
	// Disconnected is the initial and post-teardown state.
	Disconnected ConnState = iota
	// ReqSent means a connection request has gone out, awaiting ack.
	ReqSent
	// Connected means the handshake completed.
	Connected
	// Failed means the transport reported an asynchronous error or the
	// handshake timed out.
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case ReqSent:
		return "REQ_SENT"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the backend's record of one remote agent's connection state.
// Mutated only by the connection manager under Mu.
type Conn struct {
	RemoteAgent AgentID

	Mu    sync.Mutex
	Cond  *sync.Cond
	State ConnState

	// PerRailEndpoints, PerRailRemoteAddrs and ControlRailRemoteAddrs are
	// backend-specific; left untyped here so both rconn (worker
	// endpoints) and multirail (data+control fabric addresses) can reuse
	// this struct without an interface indirection on the hot path.
	PerRailEndpoints       []interface{}
	PerRailRemoteAddrs     []interface{}
	ControlRailRemoteAddrs []interface{}

	AgentIndex uint16
}

// NewConn returns a Conn in the Disconnected state with its condition
// variable wired to Mu.
func NewConn(remote AgentID) *Conn {
	c := &Conn{RemoteAgent: remote, State: Disconnected}
	c.Cond = sync.NewCond(&c.Mu)
	return c
}

// SetState transitions the connection and wakes any waiter. Callers must
// hold Mu is not required: SetState takes the lock itself.
func (c *Conn) SetState(s ConnState) {
	c.Mu.Lock()
	c.State = s
	c.Mu.Unlock()
	c.Cond.Broadcast()
}

// WaitFor blocks until the connection reaches one of the given states,
// returning the state reached.
func (c *Conn) WaitFor(states ...ConnState) ConnState {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	for {
		for _, s := range states {
			if c.State == s {
				return c.State
			}
		}
		c.Cond.Wait()
	}
}

// SubReq is one per-rail (or per-worker) piece of a user Request. A Request
// is complete when all its sub-requests are complete.
type SubReq struct {
	// XferID is the globally-unique (multi-rail) or locally-scoped
	// (single-transport) identifier for this sub-request.
	XferID uint32
	// RailOrWorker is the rail/worker this sub-request was posted on.
	RailOrWorker int
	// Offset and Length describe this sub-request's chunk of the overall
	// transfer.
	Offset uintptr
	Length uintptr
	// Err is set once the sub-request reaches a terminal (non-success)
	// state; nil on success.
	Err error
	// done is closed by the completion callback; Release() and
	// checkXfer() use it to detect per-sub-request termination without
	// busy-looping on Err under a race.
	done int32
}

func (s *SubReq) markDone(err error) {
	s.Err = err
	atomic.StoreInt32(&s.done, 1)
}

// Done reports whether this sub-request has reached a terminal state.
func (s *SubReq) Done() bool { return atomic.LoadInt32(&s.done) == 1 }

// ReqState is the lifecycle state of a Request handle.
type ReqState int

const (
	ReqPending ReqState = iota
	ReqPosted
	ReqAborting
	ReqAborted
	ReqDone
	ReqErr
)

// Request is the engine-returned handle for one prepXfer/postXfer/checkXfer
// lifecycle. A Request may be re-posted once every previously-posted
// sub-request has completed.
type Request struct {
	Op          Op
	RemoteAgent AgentID

	SubRequests []*SubReq
	Total       int32
	Completed   int32

	WantsNotification bool
	NotificationMsg    []byte
	XferIDs            map[uint32]struct{}

	state int32 // ReqState, accessed atomically

	mu sync.Mutex
}

// AddXferID records id as belonging to this post under the request's own
// lock, safe for concurrent callers posting sub-requests on different
// goroutines of the same backend worker pool.
func (r *Request) AddXferID(id uint32) {
	r.mu.Lock()
	r.XferIDs[id] = struct{}{}
	r.mu.Unlock()
}

// NewRequest builds an empty Request ready for its first prepXfer.
func NewRequest(op Op, remote AgentID) *Request {
	return &Request{
		Op:          op,
		RemoteAgent: remote,
		XferIDs:     make(map[uint32]struct{}),
		state:       int32(ReqPending),
	}
}

// State returns the request's current lifecycle state.
func (r *Request) State() ReqState { return ReqState(atomic.LoadInt32(&r.state)) }

// SetState sets the request's lifecycle state.
func (r *Request) SetState(s ReqState) { atomic.StoreInt32(&r.state, int32(s)) }

// CompleteOne bumps the completed counter by one; returns the new count.
func (r *Request) CompleteOne() int32 { return atomic.AddInt32(&r.Completed, 1) }

// IsTerminal reports whether every posted sub-request has completed.
func (r *Request) IsTerminal() bool {
	return atomic.LoadInt32(&r.Completed) >= atomic.LoadInt32(&r.Total)
}

// Reset prepares a Request for reuse by a fresh prepXfer, clearing
// per-post bookkeeping while keeping the handle identity stable. Callers
// must only call this once IsTerminal() is true.
func (r *Request) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubRequests = nil
	atomic.StoreInt32(&r.Total, 0)
	atomic.StoreInt32(&r.Completed, 0)
	r.XferIDs = make(map[uint32]struct{})
	r.SetState(ReqPending)
}
