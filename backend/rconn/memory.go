package rconn

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// RegisterMem maps desc.VirtAddr/Length with the transport on a
// round-robin worker and packs the resulting remote key into a blob
// prefixed with the owning worker's bit.
func (e *Engine) RegisterMem(desc xfer.MemDesc) (*xfer.PrivMD, error) {
	supported := false
	for _, k := range e.SupportedMemKinds() {
		if k == desc.MemKind {
			supported = true
			break
		}
	}
	if !supported {
		return nil, xfer.NewError(xfer.NotSupported, "RegisterMem", "", fmt.Errorf("mem kind %s not supported by rconn", desc.MemKind))
	}
	if desc.Length == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "RegisterMem", "", fmt.Errorf("zero-length descriptor"))
	}

	workerIdx := int(atomic.AddUint32(&e.nextWorker, 1)-1) % len(e.workers)

	ptr := unsafe.Pointer(uintptr(desc.VirtAddr))
	mr, err := verbs.RegisterExisting(e.pd, ptr, int(desc.Length))
	if err != nil {
		return nil, xfer.NewError(xfer.Backend, "RegisterMem", "", err)
	}

	rkeyBytes := make([]byte, 4)
	rkeyBytes[0] = byte(mr.RKey())
	rkeyBytes[1] = byte(mr.RKey() >> 8)
	rkeyBytes[2] = byte(mr.RKey() >> 16)
	rkeyBytes[3] = byte(mr.RKey() >> 24)

	mask := uint64(1) << uint(workerIdx)
	packed := xfer.PackKeys(mask, desc.VirtAddr, [][]byte{rkeyBytes})

	md := &xfer.PrivMD{
		Handle:    mr,
		PackedKey: packed,
		Rails:     []int{workerIdx},
		MemKind:   desc.MemKind,
		DevID:     desc.DevID,
	}

	e.memMu.Lock()
	e.mem[md] = &memRegistration{desc: desc, mr: mr, worker: workerIdx}
	e.memMu.Unlock()

	return md, nil
}

// DeregisterMem releases md's transport handle. Idempotent: a second call
// against an already-released md is a no-op.
func (e *Engine) DeregisterMem(md *xfer.PrivMD) error {
	e.memMu.Lock()
	reg, ok := e.mem[md]
	if !ok {
		e.memMu.Unlock()
		return nil
	}
	delete(e.mem, md)
	e.memMu.Unlock()

	if err := reg.mr.Close(); err != nil {
		return xfer.NewError(xfer.Backend, "DeregisterMem", "", err)
	}
	return nil
}

// GetPublicData returns md's already-packed remote-key blob.
func (e *Engine) GetPublicData(md *xfer.PrivMD) ([]byte, error) {
	if md == nil {
		return nil, xfer.NewError(xfer.InvalidParam, "GetPublicData", "", fmt.Errorf("nil PrivMD"))
	}
	return md.PackedKey, nil
}

// LoadRemoteMD unpacks a peer's packed-key blob into a PubMD bound to
// agent's connection.
func (e *Engine) LoadRemoteMD(agent xfer.AgentID, blob []byte) (*xfer.PubMD, error) {
	e.connMu.Lock()
	c, ok := e.conns[agent]
	e.connMu.Unlock()
	if !ok {
		return nil, xfer.NewError(xfer.NotFound, "LoadRemoteMD", agent, fmt.Errorf("no connection for agent"))
	}

	mask, base, keys, err := xfer.UnpackKeys(blob)
	if err != nil {
		return nil, xfer.NewError(xfer.Mismatch, "LoadRemoteMD", agent, err)
	}
	if mask == 0 {
		return nil, xfer.NewError(xfer.InvalidParam, "LoadRemoteMD", agent, fmt.Errorf("empty rail selection mask"))
	}
	workerIdx := bits.TrailingZeros64(mask)
	if len(keys) == 0 || len(keys[0]) < 4 {
		return nil, xfer.NewError(xfer.Mismatch, "LoadRemoteMD", agent, fmt.Errorf("short remote key"))
	}

	return &xfer.PubMD{
		Keys:       []xfer.RemoteKey{{RailOrWorker: workerIdx, Key: keys[0], RemoteAddr: base}},
		RemoteAddr: base,
		Conn:       c,
	}, nil
}

// decodeRKey reinterprets a 4-byte little-endian remote-key blob as
// produced by RegisterMem.
func decodeRKey(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// UnloadMD releases a PubMD. There is no transport handle to free (remote
// keys are passive data), so this only exists to satisfy the lifecycle
// contract symmetrically with RegisterMem/DeregisterMem.
func (e *Engine) UnloadMD(md *xfer.PubMD) error {
	return nil
}
