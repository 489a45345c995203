// Package ieee754 reads the little-endian IEEE 754 immediates of f32.const and f64.const.
//
// Values are returned as raw bits so that NaN payloads survive a round trip through the loader.
package ieee754

import (
	"encoding/binary"
	"io"
)

// DecodeFloat32Bits reads the four bytes of a binary32 value.
func DecodeFloat32Bits(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// DecodeFloat64Bits reads the eight bytes of a binary64 value.
func DecodeFloat64Bits(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
