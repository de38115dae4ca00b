//go:build linux

package gralloc

import (
	"os"

	"golang.org/x/sys/unix"
)

func memfdCreate(name string, size uint64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
