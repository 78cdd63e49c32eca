//go:build !darwin && !linux

package container

import (
	"fmt"
	"os"
)

// mapReadOnly reports that memory mapping is unavailable on this
// platform; the read-only stream falls back to serialized seek+read.
func mapReadOnly(*os.File) ([]byte, error) {
	return nil, fmt.Errorf("memory mapping not supported on this platform")
}

// unmap is unreachable without a mapping.
func unmap([]byte) error {
	return nil
}
