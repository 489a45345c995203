// Separated from linux which has support for MAP_NORESERVE.
//go:build unix && !linux

package platform

import "golang.org/x/sys/unix"

func reserveMemory(reserveBytes uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(reserveBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func releaseMemory(b []byte) error {
	return unix.Munmap(b)
}
