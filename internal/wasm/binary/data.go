package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

func decodeDataSegment(r *bytes.Reader) (*wasm.DataSegment, error) {
	d, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read memory index: %v", err)
	}

	if d != 0 {
		return nil, fmt.Errorf("invalid memory index: %d", d)
	}

	expr, err := decodeConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("read offset expression: %v", err)
	}

	vs, err := decodeVectorSize(r, 1)
	if err != nil {
		return nil, err
	}

	b := make([]byte, vs)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read bytes for init: %w", err)
	}

	return &wasm.DataSegment{
		MemoryIndex:      d,
		OffsetExpression: expr,
		Init:             b,
	}, nil
}

// encodeDataSegment returns the wasm.DataSegment encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#data-section%E2%91%A0
func encodeDataSegment(d *wasm.DataSegment) (ret []byte) {
	ret = append(ret, leb128.EncodeUint32(d.MemoryIndex)...)
	ret = append(ret, encodeConstantExpression(d.OffsetExpression)...)
	ret = append(ret, encodeSizePrefixed(d.Init)...)
	return
}
