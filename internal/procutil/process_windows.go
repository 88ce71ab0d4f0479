//go:build windows

package procutil

import (
	"os"

	"golang.org/x/sys/windows"
)

// GracefulTerminate terminates the process. Windows has no SIGTERM
// equivalent for arbitrary processes; Process.Kill is the only portable
// option.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}

// IsProcessAlive reports whether a process with the given pid exists, by
// opening a query-limited handle to it.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(h)
	return true
}
