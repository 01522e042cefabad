// Package verbs wraps the ibverbs context/protection-domain/completion-
// queue/queue-pair/memory-region objects the single-transport engine
// (backend/rconn) drives. It is a thin cgo layer: one RdmaContext per
// engine, with callers responsible for creating one QueuePair/
// CompletionQueue per progress worker.
package verbs

//#include <infiniband/verbs.h>
//#cgo linux LDFLAGS: -libverbs
//#include <stdlib.h>
import "C"
import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// RdmaContext wraps one opened ibverbs device/port pair: the device an
// engine's protection domain, completion queues, and queue pairs all hang
// off of.
type RdmaContext struct {
	Name      string
	Port      int
	PortIndex int
	Guid      net.HardwareAddr
	ctx       *C.struct_ibv_context
	portAttr  C.struct_ibv_port_attr
	gid       C.union_ibv_gid
	IBV_MTU   int
	isClosed  bool
}

type rlimit struct {
	cur uint64
	max uint64
}

func init() {
	// RDMA registrations are pinned pages; fail fast with a clear panic
	// instead of a mysterious ibv_reg_mr ENOMEM later if memlock isn't
	// queryable at all.
	var r rlimit
	_, _, errno := unix.Syscall(unix.SYS_GETRLIMIT, unix.RLIMIT_MEMLOCK, uintptr(unsafe.Pointer(&r)), 0)
	if errno != 0 {
		panic(errno.Error())
	}
}

func goDeviceName(cArray [64]C.char) string {
	n := 0
	for n < len(cArray) && cArray[n] != 0 {
		n++
	}
	return C.GoStringN((*C.char)(unsafe.Pointer(&cArray[0])), C.int(n))
}

// NewRdmaContext opens the first active port matching name (or the first
// active port on any device, if name is empty) at the given port number
// and GID table index, and records ibvMTU as the MTU enum value queue
// pairs built against it should use. log receives one debug line per
// candidate device/port skipped, so a caller wiring up multiple rails can
// tell which ones were rejected and why.
func NewRdmaContext(name string, port, index int, ibvMTU int, log zerolog.Logger) (*RdmaContext, error) {
	var count C.int
	deviceList, err := C.ibv_get_device_list(&count)
	if err != nil {
		return nil, err
	}
	if deviceList == nil || count == 0 {
		return nil, errors.New("verbs: no ibverbs devices found")
	}
	defer C.ibv_free_device_list(deviceList)

	devices := unsafe.Slice(deviceList, int(count))
	portC := C.uint8_t(port)
	indexC := C.int(index)

	for _, device := range devices {
		devName := goDeviceName(device.name)
		if name != "" && devName != name {
			continue
		}

		ctx := C.ibv_open_device(device)
		if ctx == nil {
			log.Debug().Str("device", devName).Msg("ibv_open_device failed, skipping")
			continue
		}

		var gid C.union_ibv_gid
		if errno, gerr := C.ibv_query_gid(ctx, portC, indexC, &gid); errno != 0 || gerr != nil {
			log.Debug().Str("device", devName).Int("port", port).Msg("ibv_query_gid failed, skipping")
			C.ibv_close_device(ctx)
			continue
		}

		var portAttr C.struct_ibv_port_attr
		if errno, perr := C.___ibv_query_port(ctx, portC, &portAttr); errno != 0 || perr != nil {
			log.Debug().Str("device", devName).Int("port", port).Msg("ibv_query_port failed, skipping")
			C.ibv_close_device(ctx)
			continue
		}

		if portAttr.state != C.IBV_PORT_ACTIVE {
			log.Debug().Str("device", devName).Int("port", port).Msg("port not active, skipping")
			C.ibv_close_device(ctx)
			continue
		}

		return &RdmaContext{
			Name:      devName,
			ctx:       ctx,
			Port:      port,
			PortIndex: index,
			Guid:      net.HardwareAddr(gid[8:]),
			portAttr:  portAttr,
			gid:       gid,
			IBV_MTU:   ibvMTU,
		}, nil
	}

	return nil, fmt.Errorf("verbs: no active port found on device %q", name)
}

func (c *RdmaContext) Close() error {
	if c.isClosed {
		return fmt.Errorf("verbs: rdma context already closed")
	}
	if errno := C.ibv_close_device(c.ctx); errno != 0 {
		return fmt.Errorf("verbs: ibv_close_device failed with errno %d", errno)
	}
	c.ctx = nil
	c.isClosed = true
	return nil
}

// GID returns the context's port GID as raw bytes, for embedding in a
// connection-info wire blob.
func (c *RdmaContext) GID() [16]byte {
	var out [16]byte
	raw := (*[16]byte)(unsafe.Pointer(&c.gid))
	copy(out[:], raw[:])
	return out
}

// LID returns the context's port LID.
func (c *RdmaContext) LID() uint16 {
	return uint16(c.portAttr.lid)
}

// MTU returns the configured IBV MTU enum value.
func (c *RdmaContext) MTU() uint32 {
	return uint32(c.IBV_MTU)
}

func (c *RdmaContext) String() string {
	var gid strings.Builder
	for i, b := range c.gid {
		if i > 0 {
			gid.WriteString(":")
		}
		fmt.Fprintf(&gid, "%02x", b)
	}
	return fmt.Sprintf("rdmaContext{name:%s port:%d/%d mtu:%d guid:%s gid:%s}",
		c.Name, c.Port, c.PortIndex, c.IBV_MTU, c.Guid, gid.String())
}
