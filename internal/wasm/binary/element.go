package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

func decodeElementSegment(r *bytes.Reader) (*wasm.ElementSegment, error) {
	ti, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get table index: %w", err)
	}

	if ti != 0 {
		return nil, fmt.Errorf("invalid table index: %d", ti)
	}

	expr, err := decodeConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("read expr for offset: %w", err)
	}

	vs, err := decodeVectorSize(r, 1)
	if err != nil {
		return nil, err
	}

	init := make([]wasm.Index, vs)
	for i := range init {
		if init[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read function index: %w", err)
		}
	}

	return &wasm.ElementSegment{
		TableIndex: ti,
		OffsetExpr: expr,
		Init:       init,
	}, nil
}

// encodeElement returns the wasm.ElementSegment encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#element-section%E2%91%A0
func encodeElement(e *wasm.ElementSegment) (ret []byte) {
	ret = append(ret, leb128.EncodeUint32(e.TableIndex)...)
	ret = append(ret, encodeConstantExpression(e.OffsetExpr)...)
	ret = append(ret, leb128.EncodeUint32(uint32(len(e.Init)))...)
	for _, idx := range e.Init {
		ret = append(ret, leb128.EncodeUint32(idx)...)
	}
	return
}
