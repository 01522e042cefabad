package multirail

import (
	"fmt"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/fabriclink/xferengine/internal/fabric"
)

const (
	dataSlotsPerRail    = 1024
	controlSlotsPerRail = 256
	controlBufSize      = 4096 // "a few-KiB pre-registered buffer" per control slot
	cqDepth             = 4096

	// fiAddrUnspec is FI_ADDR_UNSPEC: accept a receive from any source, used
	// for control recvs posted before a peer's address is known (an inbound
	// CONNECTION_REQ is the first this engine ever hears of that peer).
	fiAddrUnspec = ^uint64(0)
)

// rail owns one libfabric fabric/domain/endpoint/completion-queue/address-
// vector quintet plus its two request pools. Data and control rails share
// this same type, since both pools are allocated on every rail; what makes
// a rail a "data rail" or "control rail" is only which of engine's two
// slices it lives in and how the rail manager routes traffic to it.
type rail struct {
	id     int
	device string

	fab    *fabric.Fabric
	domain *fabric.Domain
	ep     *fabric.Endpoint
	cq     *fabric.CompletionQueue
	av     *fabric.AddressVector

	dataPool    *requestPool
	controlPool *requestPool

	controlChunk []byte
	controlMR    *fabric.MemoryRegion

	needsLocalDesc bool
}

// newRail opens one rail's fabric resources on the named provider device
// and pre-allocates its two request pools, claiming a disjoint XFER_ID
// range from the process-wide counter for each.
func newRail(id int, provider, device string) (*rail, error) {
	fab, err := fabric.OpenFabric(provider, device, "", "", fabric.EndpointRDM)
	if err != nil {
		return nil, fmt.Errorf("multirail: rail %d (%s): %w", id, device, err)
	}
	domain, err := fabric.OpenDomain(fab)
	if err != nil {
		fab.Close()
		return nil, fmt.Errorf("multirail: rail %d (%s): open domain: %w", id, device, err)
	}
	ep, err := fabric.OpenEndpoint(domain)
	if err != nil {
		domain.Close()
		fab.Close()
		return nil, fmt.Errorf("multirail: rail %d (%s): open endpoint: %w", id, device, err)
	}
	cq, err := fabric.OpenCompletionQueue(domain, cqDepth)
	if err != nil {
		ep.Close()
		domain.Close()
		fab.Close()
		return nil, fmt.Errorf("multirail: rail %d (%s): open cq: %w", id, device, err)
	}
	av, err := fabric.OpenAddressVector(domain)
	if err != nil {
		cq.Close()
		ep.Close()
		domain.Close()
		fab.Close()
		return nil, fmt.Errorf("multirail: rail %d (%s): open av: %w", id, device, err)
	}
	if err := ep.BindCompletionQueue(cq, fabric.BindTransmit|fabric.BindRecv); err != nil {
		av.Close()
		cq.Close()
		ep.Close()
		domain.Close()
		fab.Close()
		return nil, err
	}
	if err := ep.BindAddressVector(av); err != nil {
		av.Close()
		cq.Close()
		ep.Close()
		domain.Close()
		fab.Close()
		return nil, err
	}
	if err := ep.Enable(); err != nil {
		av.Close()
		cq.Close()
		ep.Close()
		domain.Close()
		fab.Close()
		return nil, err
	}

	dataBase := claimXferIDRange(dataSlotsPerRail)
	controlBase := claimXferIDRange(controlSlotsPerRail)

	r := &rail{
		id:             id,
		device:         device,
		fab:            fab,
		domain:         domain,
		ep:             ep,
		cq:             cq,
		av:             av,
		dataPool:       newRequestPool(dataSlotsPerRail, id, dataBase, opWrite),
		controlPool:    newRequestPool(controlSlotsPerRail, id, controlBase, opSend),
		needsLocalDesc: domain.RequiresLocalDescriptor(),
	}

	if err := r.initControlBuffers(); err != nil {
		_ = r.close()
		return nil, err
	}
	return r, nil
}

// initControlBuffers allocates one large chunk and registers it once,
// slicing it per control slot, grounded on ControlRequestPool's
// initializeWithBuffersAndXferIds (one registration backing every
// SEND/RECV slot instead of one registration per slot).
func (r *rail) initControlBuffers() error {
	chunkSize := controlSlotsPerRail * controlBufSize
	r.controlChunk = make([]byte, chunkSize)
	mr, err := fabric.RegisterMemory(r.domain, unsafe.Pointer(&r.controlChunk[0]), chunkSize,
		fabric.MRAccessLocalWrite|fabric.MRAccessLocalRead)
	if err != nil {
		return fmt.Errorf("multirail: rail %d: register control chunk: %w", r.id, err)
	}
	r.controlMR = mr
	for i := range r.controlPool.slots {
		r.controlPool.slots[i].buffer = r.controlChunk[i*controlBufSize : (i+1)*controlBufSize]
		r.controlPool.slots[i].bufMR = mr
	}
	return nil
}

// localDescriptor returns the provider-specific descriptor a post needs
// when the domain requires one (FI_MR_LOCAL), or nil otherwise.
func (r *rail) localDescriptor(mr *fabric.MemoryRegion) unsafe.Pointer {
	if !r.needsLocalDesc || mr == nil {
		return nil
	}
	return mr.Descriptor()
}

// close tears the rail's fabric resources down in dependency order,
// aggregating any failure rather than discarding it.
func (r *rail) close() error {
	var result *multierror.Error
	if r.controlMR != nil {
		if err := r.controlMR.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close control mr: %w", r.id, err))
		}
	}
	if r.av != nil {
		if err := r.av.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close address vector: %w", r.id, err))
		}
	}
	if r.cq != nil {
		if err := r.cq.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close completion queue: %w", r.id, err))
		}
	}
	if r.ep != nil {
		if err := r.ep.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close endpoint: %w", r.id, err))
		}
	}
	if r.domain != nil {
		if err := r.domain.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close domain: %w", r.id, err))
		}
	}
	if r.fab != nil {
		if err := r.fab.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rail %d: close fabric: %w", r.id, err))
		}
	}
	return result.ErrorOrNil()
}

// postControlSend posts slot's buffer (already filled by the caller) as a
// two-sided SEND to destAddr.
func (r *rail) postControlSend(slot *subSlot, destAddr uint64, length int) error {
	slot.kind = opSend
	slot.destAddr = destAddr
	desc := r.localDescriptor(slot.bufMR)
	return r.ep.Send(unsafe.Pointer(&slot.buffer[0]), uintptr(length), desc, destAddr, unsafe.Pointer(slot))
}

// postControlRecv pre-posts slot's buffer as a receive, re-armed by the
// caller after each delivery.
func (r *rail) postControlRecv(slot *subSlot, srcAddr uint64) error {
	slot.kind = opRecv
	desc := r.localDescriptor(slot.bufMR)
	return r.ep.Recv(unsafe.Pointer(&slot.buffer[0]), uintptr(len(slot.buffer)), desc, srcAddr, unsafe.Pointer(slot))
}

// postDataWrite posts a write (with or without immediate data) from slot's
// addressing fields.
func (r *rail) postDataWrite(slot *subSlot, withImm bool) error {
	desc := r.localDescriptor(slot.localMR)
	buf := unsafe.Pointer(uintptr(slot.localAddr))
	if withImm {
		return r.ep.WriteData(buf, uintptr(slot.chunkLength), desc, slot.destAddr, slot.remoteAddr, slot.remoteKey, uint64(slot.xferID), unsafe.Pointer(slot))
	}
	return r.ep.Write(buf, uintptr(slot.chunkLength), desc, slot.destAddr, slot.remoteAddr, slot.remoteKey, unsafe.Pointer(slot))
}

// postDataRead posts a one-sided RMA read from slot's addressing fields.
func (r *rail) postDataRead(slot *subSlot) error {
	desc := r.localDescriptor(slot.localMR)
	buf := unsafe.Pointer(uintptr(slot.localAddr))
	return r.ep.Read(buf, uintptr(slot.chunkLength), desc, slot.destAddr, slot.remoteAddr, slot.remoteKey, unsafe.Pointer(slot))
}
