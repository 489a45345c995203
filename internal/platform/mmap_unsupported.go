//go:build !unix

package platform

func reserveMemory(reserveBytes uint64) ([]byte, error) {
	return make([]byte, reserveBytes), nil
}

func releaseMemory([]byte) error {
	return nil
}
