//go:build !windows

package driver

import "fmt"

// NewVCIAccess is a stub on non-Windows platforms: the native driver is a
// Windows-only 32-bit DLL. Use the simulator instead.
func NewVCIAccess(path string) (Driver, error) {
	return nil, fmt.Errorf("%w: VCIAccess.dll requires windows/386", ErrUnavailable)
}
