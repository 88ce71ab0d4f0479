//go:build windows

package driver

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/opendiag/vcibridge/internal/vci"
)

// DefaultDLLPath is where the vendor installer places the driver.
const DefaultDLLPath = `C:\AWRoot\drv\VCIAccess.dll`

// VCIAccess binds the Evolution XS VCIAccess.dll. The DLL is 32-bit only,
// which is why this code runs inside the separate bridge process rather
// than the main daemon.
type VCIAccess struct {
	dll *windows.LazyDLL

	openSession     *windows.LazyProc
	closeSession    *windows.LazyProc
	changeComLine   *windows.LazyProc
	bindProtocol    *windows.LazyProc
	writeAndRead    *windows.LazyProc
	writeAndReadMF  *windows.LazyProc
	performInit     *windows.LazyProc
	getAnalogicData *windows.LazyProc
	getVersion      *windows.LazyProc
	getFirmware     *windows.LazyProc
}

// NewVCIAccess loads the driver DLL from path (DefaultDLLPath when empty).
func NewVCIAccess(path string) (*VCIAccess, error) {
	if path == "" {
		path = DefaultDLLPath
	}
	dll := windows.NewLazyDLL(path)
	if err := dll.Load(); err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, path, err)
	}
	return &VCIAccess{
		dll:             dll,
		openSession:     dll.NewProc("_openSession"),
		closeSession:    dll.NewProc("_closeSession"),
		changeComLine:   dll.NewProc("_changeComLine"),
		bindProtocol:    dll.NewProc("_bindProtocol"),
		writeAndRead:    dll.NewProc("_writeAndRead"),
		writeAndReadMF:  dll.NewProc("_writeAndReadMultipleFrames"),
		performInit:     dll.NewProc("_performInit"),
		getAnalogicData: dll.NewProc("_getAnalogicData"),
		getVersion:      dll.NewProc("_getVersion"),
		getFirmware:     dll.NewProc("_getFirmwareVersion"),
	}, nil
}

func (d *VCIAccess) OpenSession() vci.Status {
	r, _, _ := d.openSession.Call()
	return vci.Status(int32(r))
}

func (d *VCIAccess) CloseSession() vci.Status {
	r, _, _ := d.closeSession.Call()
	return vci.Status(int32(r))
}

func (d *VCIAccess) ChangeComLine(line int) vci.Status {
	r, _, _ := d.changeComLine.Call(uintptr(line))
	return vci.Status(int32(r))
}

func (d *VCIAccess) BindProtocol(descriptor []byte) vci.Status {
	r, _, _ := d.bindProtocol.Call(bufPtr(descriptor), uintptr(len(descriptor)))
	return vci.Status(int32(r))
}

func (d *VCIAccess) WriteAndRead(ecuDesc, request, out []byte, timeoutMs int) int {
	r, _, _ := d.writeAndRead.Call(
		bufPtr(ecuDesc), uintptr(len(ecuDesc)),
		bufPtr(request), uintptr(len(request)),
		bufPtr(out), uintptr(len(out)),
		uintptr(timeoutMs),
	)
	return int(int32(r))
}

func (d *VCIAccess) WriteAndReadMultiple(ecuDesc, request []byte, frames int, out []byte, timeoutMs int) int {
	r, _, _ := d.writeAndReadMF.Call(
		bufPtr(ecuDesc), uintptr(len(ecuDesc)),
		bufPtr(request), uintptr(len(request)),
		uintptr(frames),
		bufPtr(out), uintptr(len(out)),
		uintptr(timeoutMs),
	)
	return int(int32(r))
}

func (d *VCIAccess) PerformInit(ecuDesc, out []byte) int {
	r, _, _ := d.performInit.Call(
		bufPtr(ecuDesc), uintptr(len(ecuDesc)),
		bufPtr(out), uintptr(len(out)),
	)
	return int(int32(r))
}

func (d *VCIAccess) AnalogData(channel int) (float32, vci.Status) {
	var value float32
	r, _, _ := d.getAnalogicData.Call(uintptr(channel), uintptr(unsafe.Pointer(&value)))
	return value, vci.Status(int32(r))
}

func (d *VCIAccess) APIVersion() int {
	r, _, _ := d.getVersion.Call()
	return int(int32(r))
}

func (d *VCIAccess) FirmwareVersion(out []byte) int {
	r, _, _ := d.getFirmware.Call(bufPtr(out), uintptr(len(out)))
	return int(int32(r))
}

func bufPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
