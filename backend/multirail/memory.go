package multirail

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/fabriclink/xferengine/internal/fabric"
	"github.com/fabriclink/xferengine/pkg/topology"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

const memAccess = fabric.MRAccessLocalWrite | fabric.MRAccessLocalRead |
	fabric.MRAccessRemoteWrite | fabric.MRAccessRemoteRead

// selectRails picks which data rails a registration lands on: the rails
// nearest the owning GPU for VRAM when topology discovery succeeded, every
// rail otherwise. Host memory's NUMA node is not looked up, so host
// memory always lands on every rail.
func (e *Engine) selectRails(desc xfer.MemDesc) []int {
	if !e.topologyOK || len(e.railInfos) != len(e.dataRails) {
		return allRailIndices(len(e.dataRails))
	}
	if desc.MemKind == xfer.VRAM {
		return topology.SelectRailsForMemory(e.railInfos, -1, fmt.Sprintf("/sys/class/drm/card%d/device", desc.DevID))
	}
	return topology.SelectRailsForMemory(e.railInfos, -1, "")
}

func allRailIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// RegisterMem registers desc's buffer on every selected rail's domain,
// packing each rail's remote key into one positional, dense-per-rail blob;
// an unused rail carries a zero-length key.
func (e *Engine) RegisterMem(desc xfer.MemDesc) (*xfer.PrivMD, error) {
	if desc.Length == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "RegisterMem", "", fmt.Errorf("zero-length region"))
	}
	selected := e.selectRails(desc)
	if len(selected) == 0 {
		return nil, xfer.NewError(xfer.Backend, "RegisterMem", "", fmt.Errorf("no data rails available"))
	}

	mrs := make(map[int]*rail, len(selected))
	handles := make(map[int]interface{}, len(selected))
	keys := make([][]byte, len(e.dataRails))
	var mask uint64
	ptr := unsafe.Pointer(uintptr(desc.VirtAddr))

	rollback := func() {
		for _, h := range handles {
			if mr, ok := h.(*fabric.MemoryRegion); ok {
				_ = mr.Close()
			}
		}
	}

	for _, idx := range selected {
		if idx < 0 || idx >= len(e.dataRails) {
			continue
		}
		r := e.dataRails[idx]
		mr, err := fabric.RegisterMemory(r.domain, ptr, int(desc.Length), memAccess)
		if err != nil {
			rollback()
			return nil, xfer.NewError(xfer.Backend, "RegisterMem", "", fmt.Errorf("rail %d: %w", idx, err))
		}
		mrs[idx] = r
		handles[idx] = mr
		keyBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(keyBytes, mr.Key())
		keys[idx] = keyBytes
		mask |= 1 << uint(idx)
	}

	md := &xfer.PrivMD{
		Handle:           handles,
		PackedKey:        xfer.PackKeys(mask, desc.VirtAddr, keys),
		Rails:            selected,
		MemKind:          desc.MemKind,
		DevID:            desc.DevID,
		BestEffortDevice: desc.MemKind == xfer.VRAM,
	}

	e.memMu.Lock()
	e.mem[md] = &memRegistration{desc: desc, mrs: mrs, handles: handles, selectedRails: selected}
	e.memMu.Unlock()
	return md, nil
}

// DeregisterMem closes every rail's MemoryRegion backing md.
func (e *Engine) DeregisterMem(md *xfer.PrivMD) error {
	e.memMu.Lock()
	reg, ok := e.mem[md]
	if ok {
		delete(e.mem, md)
	}
	e.memMu.Unlock()
	if !ok {
		return xfer.NewError(xfer.NotFound, "DeregisterMem", "", nil)
	}
	for idx, h := range reg.handles {
		mr, ok := h.(*fabric.MemoryRegion)
		if !ok {
			continue
		}
		if err := mr.Close(); err != nil {
			e.log.Warn().Err(err).Int("rail", idx).Msg("deregister memory failed")
		}
	}
	return nil
}

// GetPublicData returns md's already-packed remote-key blob.
func (e *Engine) GetPublicData(md *xfer.PrivMD) ([]byte, error) {
	if md == nil || md.PackedKey == nil {
		return nil, xfer.NewError(xfer.InvalidParam, "GetPublicData", "", fmt.Errorf("nil or unregistered PrivMD"))
	}
	return md.PackedKey, nil
}

// LoadRemoteMD unpacks a peer's key blob and binds each present key to this
// connection's corresponding data-rail remote address.
func (e *Engine) LoadRemoteMD(agent xfer.AgentID, blob []byte) (*xfer.PubMD, error) {
	mask, base, keys, err := xfer.UnpackKeys(blob)
	if err != nil {
		return nil, xfer.NewError(xfer.Mismatch, "LoadRemoteMD", agent, err)
	}

	e.connMu.Lock()
	c, ok := e.conns[agent]
	e.connMu.Unlock()
	if !ok || c.State != xfer.Connected {
		return nil, xfer.NewError(xfer.NotFound, "LoadRemoteMD", agent, fmt.Errorf("not connected"))
	}
	dataAddrs := interfacesToUint64s(c.PerRailRemoteAddrs)

	var rkeys []xfer.RemoteKey
	for idx, k := range keys {
		if len(k) == 0 || mask&(1<<uint(idx)) == 0 || idx >= len(dataAddrs) {
			continue
		}
		rkeys = append(rkeys, xfer.RemoteKey{RailOrWorker: idx, Key: k, RemoteAddr: dataAddrs[idx]})
	}
	if len(rkeys) == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "LoadRemoteMD", agent, fmt.Errorf("no usable remote keys"))
	}
	return &xfer.PubMD{Keys: rkeys, RemoteAddr: base, Conn: c}, nil
}

// UnloadMD releases a PubMD. Nothing beyond its own fields to free: the
// keys and connection it references are owned elsewhere.
func (e *Engine) UnloadMD(md *xfer.PubMD) error {
	return nil
}
