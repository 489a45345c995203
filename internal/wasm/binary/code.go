package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// decodeCode reads one function body. The body ends where its declared size ends, not at an end opcode.
func decodeCode(r *bytes.Reader) (*wasm.Code, error) {
	ss, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of code: %w", err)
	}
	if int64(ss) > int64(r.Len()) {
		return nil, fmt.Errorf("code size %d exceeds the remaining %d bytes: %w", ss, r.Len(), io.ErrUnexpectedEOF)
	}
	remaining := int64(ss)

	// parse locals
	ls, bytesRead, err := leb128.DecodeUint32(r)
	remaining -= int64(bytesRead)
	if err != nil {
		return nil, fmt.Errorf("get the size locals: %v", err)
	} else if remaining < 0 {
		return nil, io.EOF
	}

	var localTypes []wasm.ValueType
	var sum uint64
	for i := uint32(0); i < ls; i++ {
		num, bytesRead, err := leb128.DecodeUint32(r)
		remaining -= int64(bytesRead) + 1 // +1 for the subsequent ReadByte
		if err != nil {
			return nil, fmt.Errorf("read n of locals: %v", err)
		} else if remaining < 0 {
			return nil, io.EOF
		}

		sum += uint64(num)
		if sum > wasm.MaximumFunctionLocals {
			return nil, fmt.Errorf("too many locals: %d", sum)
		}

		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read type of local: %v", err)
		}
		switch vt := b; vt {
		case wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeI64, wasm.ValueTypeF64:
			for j := uint32(0); j < num; j++ {
				localTypes = append(localTypes, vt)
			}
		default:
			return nil, fmt.Errorf("invalid local type: 0x%x", vt)
		}
	}

	bodyOffset := position(r)
	body := make([]byte, remaining)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &wasm.Code{LocalTypes: localTypes, Body: body, BodyOffset: bodyOffset}, nil
}

// encodeCode returns the wasm.Code encoded in WebAssembly 1.0 (20191205) Binary Format. Runs of equal local types
// are encoded as one declaration.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
func encodeCode(c *wasm.Code) []byte {
	var decls []byte
	var declCount uint32
	for i := 0; i < len(c.LocalTypes); {
		j := i
		for j < len(c.LocalTypes) && c.LocalTypes[j] == c.LocalTypes[i] {
			j++
		}
		decls = append(decls, leb128.EncodeUint32(uint32(j-i))...)
		decls = append(decls, c.LocalTypes[i])
		declCount++
		i = j
	}
	data := append(leb128.EncodeUint32(declCount), decls...)
	data = append(data, c.Body...)
	return encodeSizePrefixed(data)
}
