package silicon

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sarchlab/usb4bridge/tlp"
)

// Completion status codes returned by endpoints.
const (
	CodeSuccess     uint8 = tlp.ExpectedCplCode
	CodeUnsupported uint8 = 0x00
)

// Request is a transaction as the endpoint receives it.
type Request struct {
	Format      tlp.FormatType
	Address     [4]byte
	ByteEnables uint8
	Data        [4]byte
}

// IsWrite reports whether the request carries data to the endpoint.
func (r Request) IsWrite() bool {
	return r.Format&0x40 != 0
}

// Response is the endpoint's completion.
type Response struct {
	Code uint8
	Data [4]byte
}

// Endpoint answers transactions that reach the far side of the link.
type Endpoint interface {
	Handle(req Request) Response
}

// Function identifies one PCIe function.
type Function struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (f Function) String() string {
	return fmt.Sprintf("%02x:%02x.%d", f.Bus, f.Device, f.Function)
}

// Identity is the header content of a function's configuration space.
type Identity struct {
	VendorID uint16
	DeviceID uint16
	Revision uint8
	Class    uint32 // class, subclass, programming interface
}

// NVMeClass is the class code of an NVM Express controller.
const NVMeClass uint32 = 0x010802

const (
	configSpaceSize = 4096
	barOffset       = 0x10
)

// NVMeEndpoint is a single NVMe controller behind the link. It exposes a
// configuration space per function and one memory BAR.
type NVMeEndpoint struct {
	lock      sync.Mutex
	functions map[Function]*Storage
	barBase   uint32
	bar       *Storage
	requests  int
}

// NewNVMeEndpoint creates an endpoint with function 01:00.0 carrying id and
// a BAR of barSize bytes at barBase.
func NewNVMeEndpoint(id Identity, barBase uint32, barSize uint64) *NVMeEndpoint {
	e := &NVMeEndpoint{
		functions: make(map[Function]*Storage),
		barBase:   barBase,
		bar:       NewStorage(barSize),
	}

	e.AddFunction(Function{Bus: 1}, id)

	return e
}

// AddFunction adds a function with a fresh configuration space.
func (e *NVMeEndpoint) AddFunction(f Function, id Identity) {
	cfg := NewStorage(configSpaceSize)

	var hdr [16]byte
	binary.LittleEndian.PutUint16(hdr[0:], id.VendorID)
	binary.LittleEndian.PutUint16(hdr[2:], id.DeviceID)
	hdr[8] = id.Revision
	hdr[9] = uint8(id.Class)
	hdr[10] = uint8(id.Class >> 8)
	hdr[11] = uint8(id.Class >> 16)
	_ = cfg.Write(0, hdr[:])

	var bar [4]byte
	binary.LittleEndian.PutUint32(bar[:], e.barBase)
	_ = cfg.Write(barOffset, bar[:])

	e.lock.Lock()
	e.functions[f] = cfg
	e.lock.Unlock()
}

// BAR returns the memory behind the BAR.
func (e *NVMeEndpoint) BAR() *Storage {
	return e.bar
}

// Requests returns the number of requests handled.
func (e *NVMeEndpoint) Requests() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.requests
}

// Handle answers one request.
func (e *NVMeEndpoint) Handle(req Request) Response {
	e.lock.Lock()
	e.requests++
	e.lock.Unlock()

	if req.Format.IsConfig() {
		return e.handleConfig(req)
	}

	return e.handleMemory(req)
}

func (e *NVMeEndpoint) handleConfig(req Request) Response {
	cfg := tlp.UnpackConfigAddress(req.Address)
	fn := Function{Bus: cfg.Bus, Device: cfg.Device, Function: cfg.Function}

	e.lock.Lock()
	space, ok := e.functions[fn]
	e.lock.Unlock()

	if !ok {
		return Response{Code: CodeUnsupported}
	}

	offset := uint64(cfg.Register) << 2

	return access(space, offset, req)
}

func (e *NVMeEndpoint) handleMemory(req Request) Response {
	addr := binary.BigEndian.Uint32(req.Address[:])
	if addr < e.barBase {
		return Response{Code: CodeUnsupported}
	}

	return access(e.bar, uint64(addr-e.barBase), req)
}

func access(s *Storage, offset uint64, req Request) Response {
	if req.IsWrite() {
		for i := 0; i < 4; i++ {
			if req.ByteEnables&(1<<i) == 0 {
				continue
			}

			if err := s.Write(offset+uint64(i), req.Data[i:i+1]); err != nil {
				return Response{Code: CodeUnsupported}
			}
		}

		return Response{Code: CodeSuccess}
	}

	data, err := s.Read(offset, 4)
	if err != nil {
		return Response{Code: CodeUnsupported}
	}

	var resp Response
	resp.Code = CodeSuccess

	for i := 0; i < 4; i++ {
		if req.ByteEnables&(1<<i) != 0 {
			resp.Data[i] = data[i]
		}
	}

	return resp
}
