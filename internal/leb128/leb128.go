// Package leb128 decodes and encodes the variable-length integers used throughout the WebAssembly binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A4
package leb128

import (
	"errors"
	"fmt"
	"io"
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
	// ErrUnexpectedEnd is returned when the input ends before the last byte of an integer.
	ErrUnexpectedEnd = errors.New("unexpected end of LEB128 input")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt64(value int64) (buf []byte) {
	for {
		// Take 7 remaining low-order bits from the value into b.
		b := uint8(value & 0x7f)
		// Extract the sign bit.
		s := uint8(value & 0x40)
		value >>= 7

		// The encoding unit is the last byte once the remaining value is only sign bits.
		if (value != -1 || s == 0) && (value != 0 || s != 0) {
			b |= 0x80
		}

		buf = append(buf, b)
		if b&0x80 == 0 {
			break
		}
	}
	return buf
}

// EncodeUint32 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint64(value uint64) (buf []byte) {
	for {
		b := uint8(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			return buf
		}
	}
}

// Read decodes a LEB128 integer of at most maxBits significant bits from the head of buf. When signed is true the
// result is sign-extended to 64 bits. The second result is the count of bytes consumed.
//
// Encodings longer than ceil(maxBits/7) bytes, or whose unused bits in the final byte are not zero (unsigned) or a
// copy of the sign bit (signed), are rejected.
func Read(buf []byte, maxBits uint, signed bool) (uint64, uint64, error) {
	s := sliceSource{buf: buf}
	return read(&s, maxBits, signed)
}

// LoadUint32 decodes an unsigned 32-bit integer from the head of buf.
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	v, n, err := Read(buf, 32, false)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned 64-bit integer from the head of buf.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	return Read(buf, 64, false)
}

// LoadInt32 decodes a signed 32-bit integer from the head of buf.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	v, n, err := Read(buf, 32, true)
	return int32(v), n, err
}

// LoadInt64 decodes a signed 64-bit integer from the head of buf.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	v, n, err := Read(buf, 64, true)
	return int64(v), n, err
}

// DecodeUint32 reads an unsigned 32-bit integer from r.
func DecodeUint32(r io.ByteReader) (ret uint32, bytesRead uint64, err error) {
	v, n, err := read(r, 32, false)
	return uint32(v), n, err
}

// DecodeUint64 reads an unsigned 64-bit integer from r.
func DecodeUint64(r io.ByteReader) (ret uint64, bytesRead uint64, err error) {
	return read(r, 64, false)
}

// DecodeInt32 reads a signed 32-bit integer from r.
func DecodeInt32(r io.ByteReader) (ret int32, bytesRead uint64, err error) {
	v, n, err := read(r, 32, true)
	return int32(v), n, err
}

// DecodeInt33AsInt64 reads a signed 33-bit integer from r, as used by block types.
func DecodeInt33AsInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	v, n, err := read(r, 33, true)
	return int64(v), n, err
}

// DecodeInt64 reads a signed 64-bit integer from r.
func DecodeInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	v, n, err := read(r, 64, true)
	return int64(v), n, err
}

type sliceSource struct {
	buf []byte
	pos int
}

func (s *sliceSource) ReadByte() (byte, error) {
	if s.pos >= len(s.buf) {
		return 0, io.EOF
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

func read(r io.ByteReader, maxBits uint, signed bool) (result uint64, bytesRead uint64, err error) {
	maxBytes := uint64(maxBits+6) / 7
	var shift uint
	for {
		if bytesRead == maxBytes {
			return 0, 0, overflowError(maxBits)
		}
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = ErrUnexpectedEnd
			}
			return 0, 0, err
		}
		bytesRead++
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 != 0 {
			continue
		}

		if bytesRead == maxBytes {
			// Only the low usedBits of the final byte carry value bits.
			usedBits := maxBits - 7*uint(maxBytes-1)
			unused := byte(0x7f) >> usedBits << usedBits
			if signed {
				if b&(1<<(usedBits-1)) != 0 {
					if b&unused != unused {
						return 0, 0, overflowError(maxBits)
					}
				} else if b&unused != 0 {
					return 0, 0, overflowError(maxBits)
				}
			} else if b&unused != 0 {
				return 0, 0, overflowError(maxBits)
			}
		}
		if signed && shift < 64 && b&0x40 != 0 {
			result |= ^uint64(0) << shift
		}
		return result, bytesRead, nil
	}
}

func overflowError(maxBits uint) error {
	switch maxBits {
	case 32:
		return errOverflow32
	case 33:
		return errOverflow33
	case 64:
		return errOverflow64
	}
	return fmt.Errorf("overflows a %d-bit integer", maxBits)
}
