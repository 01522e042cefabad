// Package multirail implements the topology-aware multi-rail backend
// engine: N data rails for bulk RDMA plus a small number of control rails
// for connection packets and notifications, built on internal/fabric
// (libfabric) and pkg/topology (NIC/GPU/NUMA affinity).
package multirail

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/fabriclink/xferengine/pkg/topology"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

const (
	defaultStripingThreshold = 1 << 20 // 1 MiB
	defaultControlRails      = 1
)

// Engine is the multi-rail backend.
type Engine struct {
	log zerolog.Logger

	localAgent        xfer.AgentID
	stripingThreshold uint64

	dataRails    []*rail
	controlRails []*rail
	railInfos    []topology.RailInfo // parallel to dataRails; empty if topology discovery failed
	topologyOK   bool

	connMu            sync.Mutex
	conns             map[xfer.AgentID]*xfer.Conn
	agentIndexCounter uint16

	// progressEnabled selects between the background two-thread model and
	// the synchronous fallback where Connect/PostXfer/CheckXfer/GetNotifs
	// each drain rails inline.
	progressEnabled bool
	rrCounter       uint32

	memMu sync.Mutex
	mem   map[*xfer.PrivMD]*memRegistration

	notifMu sync.Mutex
	notifs  map[xfer.AgentID][][]byte

	recvMu        sync.Mutex
	receivedXfers map[uint32]struct{}
	pendingNotifs []*pendingNotification

	progressDone chan struct{}
	progressWG   sync.WaitGroup

	closed int32
}

type memRegistration struct {
	desc          xfer.MemDesc
	mrs           map[int]*rail // rail id -> owning rail, for deregistration
	handles       map[int]interface{}
	selectedRails []int
}

// pendingNotification is a queued notification awaiting XFER_ID subsumption.
type pendingNotification struct {
	agent   xfer.AgentID
	xferIDs map[uint32]struct{}
	payload []byte
}

// New discovers topology, opens the configured data and control rails, and
// starts the two-thread progress model when InitParams.ProgressThreadEnabled
// is set (otherwise it only pre-posts control receives for the synchronous
// fallback). Recognized init params:
// "data_rails" (comma-separated device names, required),
// "num_control_rails" (default 1), "provider" (libfabric provider name,
// default "efa"), "striping_threshold" (bytes, default 1 MiB).
func New(params xfer.InitParams, log zerolog.Logger) (*Engine, error) {
	devicesCSV, ok := params.Get("data_rails")
	if !ok || strings.TrimSpace(devicesCSV) == "" {
		return nil, xfer.NewError(xfer.InvalidParam, "multirail.New", params.LocalAgent, fmt.Errorf("data_rails param is required"))
	}
	devices := splitCSV(devicesCSV)

	numControlRails := defaultControlRails
	if v, ok := params.Get("num_control_rails"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			numControlRails = n
		}
	}

	provider := "efa"
	if v, ok := params.Get("provider"); ok && v != "" {
		provider = v
	}

	threshold := uint64(defaultStripingThreshold)
	if v, ok := params.Get("striping_threshold"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			threshold = n
		}
	}

	e := &Engine{
		log:               log.With().Str("component", "multirail").Str("agent", string(params.LocalAgent)).Logger(),
		localAgent:        params.LocalAgent,
		stripingThreshold: threshold,
		conns:             make(map[xfer.AgentID]*xfer.Conn),
		mem:               make(map[*xfer.PrivMD]*memRegistration),
		notifs:            make(map[xfer.AgentID][][]byte),
		receivedXfers:     make(map[uint32]struct{}),
		progressDone:      make(chan struct{}),
		progressEnabled:   params.ProgressThreadEnabled,
	}

	if err := e.createDataRails(provider, devices); err != nil {
		e.Close()
		return nil, xfer.NewError(xfer.Backend, "multirail.New", params.LocalAgent, err)
	}
	if err := e.createControlRails(provider, devices, numControlRails); err != nil {
		e.Close()
		return nil, xfer.NewError(xfer.Backend, "multirail.New", params.LocalAgent, err)
	}
	e.discoverTopology(devices)
	if err := e.openSelfConnection(); err != nil {
		e.Close()
		return nil, xfer.NewError(xfer.Backend, "multirail.New", params.LocalAgent, err)
	}

	if e.progressEnabled {
		e.startProgress()
	} else {
		e.armAllControlRecvs()
	}
	e.log.Info().Int("data_rails", len(e.dataRails)).Int("control_rails", len(e.controlRails)).
		Uint64("striping_threshold", threshold).Bool("progress_thread", e.progressEnabled).
		Msg("multirail engine started")
	return e, nil
}

// nextRoundRobin returns an index in 0..n-1 that cycles across calls;
// PrepXfer indexes its candidate rails with it for transfers at or below
// the striping threshold.
func (e *Engine) nextRoundRobin(n int) int {
	if n <= 0 {
		return 0
	}
	return int(atomic.AddUint32(&e.rrCounter, 1)-1) % n
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// createDataRails opens one rail per named device (one per NIC endpoint).
func (e *Engine) createDataRails(provider string, devices []string) error {
	for i, dev := range devices {
		r, err := newRail(len(e.dataRails)+len(e.controlRails), provider, dev)
		if err != nil {
			return fmt.Errorf("createDataRails: device %d (%s): %w", i, dev, err)
		}
		e.dataRails = append(e.dataRails, r)
	}
	return nil
}

// createControlRails opens numControlRails rails drawn round-robin from the
// same device list, each an independent fabric/domain/endpoint/CQ/AV from
// the data rails sharing that device.
func (e *Engine) createControlRails(provider string, devices []string, numControlRails int) error {
	if len(devices) == 0 {
		return fmt.Errorf("createControlRails: no devices available")
	}
	for i := 0; i < numControlRails; i++ {
		dev := devices[i%len(devices)]
		r, err := newRail(len(e.dataRails)+len(e.controlRails), provider, dev)
		if err != nil {
			return fmt.Errorf("createControlRails: rail %d (%s): %w", i, dev, err)
		}
		e.controlRails = append(e.controlRails, r)
	}
	return nil
}

// discoverTopology resolves each data rail's sysfs ancestry for
// topology-aware rail selection. Failure is non-fatal: an empty railInfos
// falls selectRails back to round-robin across all rails.
func (e *Engine) discoverTopology(devices []string) {
	paths := make(map[string]string, len(devices))
	for _, d := range devices {
		paths[d] = "/sys/class/infiniband/" + d + "/device"
	}
	infos := topology.DiscoverRails(paths)
	if len(infos) != len(e.dataRails) {
		e.log.Warn().Int("resolved", len(infos)).Int("rails", len(e.dataRails)).
			Msg("topology discovery incomplete, falling back to round-robin rail selection")
		return
	}
	e.railInfos = infos
	e.topologyOK = true
}

// SupportedMemKinds declares DRAM and VRAM: the multi-rail engine is the
// GPU-facing transport (topology-aware selection exists specifically to
// group NICs to GPUs), plus BLK/FILE for host-backed descriptors.
func (e *Engine) SupportedMemKinds() []xfer.MemKind {
	return []xfer.MemKind{xfer.DRAM, xfer.VRAM, xfer.BLK, xfer.FILE}
}

// CostEstimate reports NotSupported: no rail queried here exposes a
// performance-estimation primitive of its own.
func (e *Engine) CostEstimate(desc xfer.MemDesc, agent xfer.AgentID) (*xfer.CostEstimate, error) {
	return nil, xfer.NewError(xfer.NotSupported, "CostEstimate", agent, nil)
}

// Close tears down every connection, registration, rail, and progress
// thread, aggregating any rail teardown failure instead of masking it.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	if e.progressEnabled {
		e.stopProgress()
	}

	e.memMu.Lock()
	for md := range e.mem {
		delete(e.mem, md)
	}
	e.memMu.Unlock()

	e.connMu.Lock()
	for agent, c := range e.conns {
		c.SetState(xfer.Disconnected)
		delete(e.conns, agent)
	}
	e.connMu.Unlock()

	var result *multierror.Error
	for _, r := range e.controlRails {
		if err := r.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, r := range e.dataRails {
		if err := r.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.log.Info().Msg("multirail engine closed")
	return result.ErrorOrNil()
}
