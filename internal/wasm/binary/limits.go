package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/cellvm/internal/leb128"
)

const (
	limitsFlagMin       = 0x00
	limitsFlagMinMax    = 0x01
	limitsFlagShared    = 0x02
	limitsFlagSharedMax = 0x03
)

// decodeLimitsType returns the `limitsType` (min, max) decoded with the WebAssembly 1.0 (20191205) Binary Format.
// allowShared permits the flags of the threads proposal.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A6
func decodeLimitsType(r *bytes.Reader, allowShared bool) (min uint32, max *uint32, shared bool, err error) {
	var flag byte
	if flag, err = r.ReadByte(); err != nil {
		err = fmt.Errorf("read leading byte: %v", err)
		return
	}

	switch flag {
	case limitsFlagMin, limitsFlagShared:
		min, _, err = leb128.DecodeUint32(r)
		if err != nil {
			err = fmt.Errorf("read min of limit: %v", err)
		}
	case limitsFlagMinMax, limitsFlagSharedMax:
		min, _, err = leb128.DecodeUint32(r)
		if err != nil {
			err = fmt.Errorf("read min of limit: %v", err)
			return
		}
		var m uint32
		if m, _, err = leb128.DecodeUint32(r); err != nil {
			err = fmt.Errorf("read max of limit: %v", err)
		} else {
			max = &m
		}
	default:
		err = fmt.Errorf("%v for limits: %#x != 0x00 or 0x01", ErrInvalidByte, flag)
		return
	}
	shared = flag&limitsFlagShared != 0
	if shared && !allowShared {
		err = fmt.Errorf("%v for limits: %#x != 0x00 or 0x01", ErrInvalidByte, flag)
	}
	return
}

// encodeLimitsType returns the `limitsType` (min, max) encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A6
func encodeLimitsType(min uint32, max *uint32, shared bool) []byte {
	var flag byte = limitsFlagMin
	if max != nil {
		flag = limitsFlagMinMax
	}
	if shared {
		flag |= limitsFlagShared
	}
	ret := append([]byte{flag}, leb128.EncodeUint32(min)...)
	if max != nil {
		ret = append(ret, leb128.EncodeUint32(*max)...)
	}
	return ret
}
