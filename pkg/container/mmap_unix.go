//go:build darwin || linux

package container

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapReadOnly establishes a shared read-only mapping of the whole file.
// Cursor reads then touch the page cache directly, with no per-read
// system call and no serialization.
func mapReadOnly(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat substrate: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("substrate is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// unmap releases a mapping created by mapReadOnly.
func unmap(data []byte) error {
	return unix.Munmap(data)
}
