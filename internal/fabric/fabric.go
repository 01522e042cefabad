// Package fabric wraps the libfabric fi_fabric/fi_domain/fi_endpoint/
// fi_cq/fi_av/fi_mr objects the multi-rail engine (backend/multirail)
// drives. It mirrors internal/verbs's role for the single-transport
// engine: one Domain+Endpoint+CompletionQueue+AddressVector per rail,
// since rails do not share memory registrations or completion state —
// each rail is an independent completion queue, address vector, and
// domain.
package fabric

/*
#cgo LDFLAGS: -lfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"
)

// EndpointType mirrors enum fi_ep_type. Rails are opened FI_EP_RDM: they
// exchange addresses through an address vector rather than a libfabric CM
// handshake, so a data/control rail connects via a CONNECTION_REQ/
// CONNECTION_ACK pair carried as ordinary messages, not native connection
// management.
type EndpointType int

const (
	EndpointRDM EndpointType = C.FI_EP_RDM
	EndpointMsg EndpointType = C.FI_EP_MSG
)

// Capability bits, aliased the way const.go aliases ibverbs enums.
const (
	CapMsg    = uint64(C.FI_MSG)
	CapTagged = uint64(C.FI_TAGGED)
	CapRMA    = uint64(C.FI_RMA)
)

// Fabric wraps one opened fi_info/fid_fabric pair. One per rail; the rail
// manager opens as many Fabrics as it has data + control rails.
type Fabric struct {
	info *C.struct_fi_info
	ptr  *C.struct_fid_fabric
}

// OpenFabric discovers a provider matching node/service (host:port-style
// addressing string, provider-specific) and opens its fabric. provider may
// be empty to accept whatever fi_getinfo returns first; domainName pins
// discovery to one specific device (e.g. one EFA NIC among several) the way
// a multi-rail caller opens one Fabric/Domain pair per physical device, and
// may be empty to accept whatever domain the provider offers; node/service
// may be empty for a rail that will only ever be addressed by a peer
// inserting our Endpoint.Name() into its own address vector.
func OpenFabric(provider, domainName, node, service string, epType EndpointType) (*Fabric, error) {
	hints := C.fi_allocinfo()
	if hints == nil {
		return nil, errors.New("fabric: fi_allocinfo failed")
	}
	defer C.fi_freeinfo(hints)

	hints.caps = C.uint64_t(CapMsg | CapTagged | CapRMA)
	hints.mode = 0
	hints.ep_attr.type = C.enum_fi_ep_type(epType)
	if provider != "" {
		hints.fabric_attr.prov_name = C.CString(provider)
		defer C.free(unsafe.Pointer(hints.fabric_attr.prov_name))
	}
	if domainName != "" {
		hints.domain_attr.name = C.CString(domainName)
		defer C.free(unsafe.Pointer(hints.domain_attr.name))
	}

	var cNode, cService *C.char
	if node != "" {
		cNode = C.CString(node)
		defer C.free(unsafe.Pointer(cNode))
	}
	if service != "" {
		cService = C.CString(service)
		defer C.free(unsafe.Pointer(cService))
	}

	var info *C.struct_fi_info
	flags := C.uint64_t(0)
	if node == "" && service == "" {
		flags = C.FI_SOURCE
	}
	status := C.fi_getinfo(C.FI_VERSION(1, 18), cNode, cService, flags, hints, &info)
	if err := errorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}

	var fabricPtr *C.struct_fid_fabric
	status = C.fi_fabric(info.fabric_attr, &fabricPtr, nil)
	if err := errorFromStatus(int(status), "fi_fabric"); err != nil {
		C.fi_freeinfo(info)
		return nil, err
	}

	return &Fabric{info: info, ptr: fabricPtr}, nil
}

// ProviderName reports the selected provider, e.g. "efa" or "verbs;ofi_rxm".
func (f *Fabric) ProviderName() string {
	if f == nil || f.info == nil || f.info.fabric_attr == nil || f.info.fabric_attr.prov_name == nil {
		return ""
	}
	return C.GoString(f.info.fabric_attr.prov_name)
}

// Close releases the fabric and its fi_info.
func (f *Fabric) Close() error {
	if f == nil || f.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(f.ptr)))
	f.ptr = nil
	if f.info != nil {
		C.fi_freeinfo(f.info)
		f.info = nil
	}
	return errorFromStatus(int(status), "fi_close(fabric)")
}

// Domain wraps a fid_domain opened against a Fabric.
type Domain struct {
	fabric *Fabric
	ptr    *C.struct_fid_domain
}

// OpenDomain opens the domain fi_domain advertised for f's selected
// provider.
func OpenDomain(f *Fabric) (*Domain, error) {
	if f == nil || f.ptr == nil {
		return nil, errors.New("fabric: nil fabric")
	}
	var dom *C.struct_fid_domain
	status := C.fi_domain(f.ptr, f.info, &dom, nil)
	if err := errorFromStatus(int(status), "fi_domain"); err != nil {
		return nil, err
	}
	return &Domain{fabric: f, ptr: dom}, nil
}

// RequiresLocalDescriptor reports whether the provider needs a
// registered-memory descriptor for locally-touched buffers (FI_MR_LOCAL),
// mirroring the fi package's Domain.RequiresMRMode check the client.go
// reference uses before deciding whether Send/Recv buffers must be
// pre-registered.
func (d *Domain) RequiresLocalDescriptor() bool {
	if d == nil || d.fabric == nil || d.fabric.info == nil || d.fabric.info.domain_attr == nil {
		return false
	}
	return uint64(d.fabric.info.domain_attr.mr_mode)&uint64(C.FI_MR_LOCAL) != 0
}

func (d *Domain) Close() error {
	if d == nil || d.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(d.ptr)))
	d.ptr = nil
	return errorFromStatus(int(status), "fi_close(domain)")
}

func errorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	return fmt.Errorf("fabric: %s: %s", op, C.GoString(C.fi_strerror(C.int(-status))))
}
