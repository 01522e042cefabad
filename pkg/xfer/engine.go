package xfer

import "context"

// InitParams carries backend init parameters by key (backend/rconn reads
// num_workers and err_handling_mode, backend/multirail reads
// striping_threshold and its own rail keys), plus the progress-thread knobs
// the host runtime passes in directly.
type InitParams struct {
	LocalAgent AgentID
	Values     map[string]string

	ProgressThreadEnabled bool
	ProgressThreadDelay   uint32 // microseconds
}

// Get returns a recognized init param value and whether it was present.
func (p InitParams) Get(key string) (string, bool) {
	if p.Values == nil {
		return "", false
	}
	v, ok := p.Values[key]
	return v, ok
}

// XferOpts customizes one postXfer call.
type XferOpts struct {
	Notification []byte
	HasNotif     bool
}

// PrepOpts customizes one prepXfer call.
type PrepOpts struct{}

// CostEstimate is the (duration, error_margin, backend_kind) triple a
// backend may surface when the transport exposes a performance query.
type CostEstimate struct {
	Duration    float64 // seconds
	ErrorMargin float64 // fraction, e.g. 0.1 == +/-10%
	Method      string  // e.g. "ANALYTICAL_BACKEND"
}

// Engine is the uniform backend-agnostic contract every transport backend
// implements. Implementations must be safe for concurrent
// PrepXfer/PostXfer/CheckXfer/ReleaseReqH/GetNotifs/GenNotif calls from
// multiple goroutines, subject to: a given *Request is never posted
// concurrently from two goroutines, and memory registrations used from
// multiple goroutines are externally kept alive by the caller for the
// registration's lifetime.
type Engine interface {
	// GetConnInfo serializes this engine's local endpoint(s) into an
	// opaque blob suitable for LoadRemoteConnInfo on a peer.
	GetConnInfo() ([]byte, error)

	// LoadRemoteConnInfo records a peer's serialized endpoint table, once
	// per agent; a second load for the same agent returns InvalidParam.
	LoadRemoteConnInfo(agent AgentID, blob []byte) error

	// Connect drives the named agent's connection state machine to
	// CONNECTED, blocking the caller until it stabilizes (CONNECTED or
	// FAILED) unless ctx carries a deadline, in which case InProgress may
	// be returned.
	Connect(ctx context.Context, agent AgentID) error

	// Disconnect tears a connection down and erases its record.
	Disconnect(agent AgentID) error

	// RegisterMem registers a buffer with the transport and returns its
	// PrivMD. Rejects VRAM the backend cannot reach with NotSupported.
	RegisterMem(desc MemDesc) (*PrivMD, error)

	// DeregisterMem releases a PrivMD and every transport handle backing
	// it.
	DeregisterMem(md *PrivMD) error

	// GetPublicData packs a PrivMD into the opaque blob a peer will load
	// via LoadRemoteMD.
	GetPublicData(md *PrivMD) ([]byte, error)

	// LoadRemoteMD unpacks a peer's PrivMD blob, binding remote keys to
	// this connection's endpoints.
	LoadRemoteMD(agent AgentID, blob []byte) (*PubMD, error)

	// UnloadMD releases a PubMD.
	UnloadMD(md *PubMD) error

	// PrepXfer validates a descriptor pair list against a connection and
	// the corresponding metadata and returns a reusable Request handle.
	PrepXfer(op Op, local []MemDesc, remote []MemDesc, agent AgentID, localMD *PrivMD, remoteMD *PubMD, opts PrepOpts) (*Request, error)

	// PostXfer issues the work described by req. May complete inline for
	// tiny transfers, in which case it returns nil (Success) directly.
	PostXfer(req *Request, opts XferOpts) error

	// CheckXfer advances progress for req on the caller's goroutine when
	// no progress thread is running, and reports whether it's terminal.
	CheckXfer(req *Request) error

	// ReleaseReqH aborts any outstanding sub-requests of req and releases
	// it. Non-blocking; safe to call in any request state.
	ReleaseReqH(req *Request) error

	// GenNotif sends a standalone, unbound active message to agent. Its
	// ordering with respect to data is not guaranteed.
	GenNotif(agent AgentID, msg []byte) error

	// GetNotifs drains this engine's pending notification list.
	GetNotifs() map[AgentID][][]byte

	// CostEstimate surfaces a transport performance query if the
	// underlying transport exposes one.
	CostEstimate(desc MemDesc, agent AgentID) (*CostEstimate, error)

	// SupportedMemKinds declares which MemKind values this backend will
	// accept in RegisterMem.
	SupportedMemKinds() []MemKind

	// Close tears the engine down: every connection, every registration,
	// every progress thread.
	Close() error
}
