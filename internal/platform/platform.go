// Package platform includes runtime-specific code needed for memory reservation.
package platform

// ReserveMemory returns a zeroed buffer of reserveBytes whose backing storage never moves. Shared linear memories use
// it to hold their maximum size up front, so growth only publishes a larger length.
//
// Where supported the pages are mapped lazily, so untouched capacity costs address space rather than memory.
func ReserveMemory(reserveBytes uint64) ([]byte, error) {
	if reserveBytes == 0 {
		return []byte{}, nil
	}
	return reserveMemory(reserveBytes)
}

// ReleaseMemory releases a buffer returned by ReserveMemory.
func ReleaseMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return releaseMemory(b)
}
