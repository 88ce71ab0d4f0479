// Package driver models the native VCI driver surface. The real driver is
// a 32-bit DLL reachable only on Windows; everything above it programs
// against the Driver interface so the bridge core and its tests can run
// against the simulator on any platform.
package driver

import (
	"errors"

	"github.com/opendiag/vcibridge/internal/vci"
)

// BufferSize is the response buffer size used for every read call,
// matching the driver's documented maximum frame burst.
const BufferSize = 2048

// ErrUnavailable is returned when no native driver can be loaded on the
// current platform or from the configured path.
var ErrUnavailable = errors.New("driver: native VCI driver unavailable")

// Driver is the native driver call surface. Methods returning vci.Status
// map the driver's integer return code directly; methods returning int
// follow the driver's count-or-status convention, where a positive value
// is a byte count and zero or negative is a vci.Status.
type Driver interface {
	OpenSession() vci.Status
	CloseSession() vci.Status
	ChangeComLine(line int) vci.Status
	BindProtocol(descriptor []byte) vci.Status

	// WriteAndRead issues one write-and-read exchange against the given
	// ECU descriptor and fills out with the response bytes.
	WriteAndRead(ecuDesc, request, out []byte, timeoutMs int) int

	// WriteAndReadMultiple is WriteAndRead using the multi-frame read
	// primitive, for protocols whose ECUs answer with several frames.
	WriteAndReadMultiple(ecuDesc, request []byte, frames int, out []byte, timeoutMs int) int

	// PerformInit issues the ECU slow/fast init handshake. Zero is a
	// valid success (no response expected).
	PerformInit(ecuDesc, out []byte) int

	// AnalogData reads one analog input channel in volts.
	AnalogData(channel int) (float32, vci.Status)

	// APIVersion returns the packed driver API version (e.g. 322 for
	// v3.22), or a negative status.
	APIVersion() int

	// FirmwareVersion fills out with the adapter firmware version string
	// and returns its length, or a negative status.
	FirmwareVersion(out []byte) int
}
