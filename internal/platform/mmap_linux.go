package platform

import "golang.org/x/sys/unix"

func reserveMemory(reserveBytes uint64) ([]byte, error) {
	// Anonymous as this is not an actual file, but a memory.
	// Private as this is in-process memory region.
	// No reserve as a shared memory is reserved at its maximum, which may be most of the address space.
	return unix.Mmap(-1, 0, int(reserveBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
}

func releaseMemory(b []byte) error {
	return unix.Munmap(b)
}
