package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePIDFile records pid at path, replacing any previous content.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// RemovePIDFile deletes the pid file, ignoring a missing file.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// ReadPIDFile returns the pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}
