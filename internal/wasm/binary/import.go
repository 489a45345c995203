package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

func decodeImport(r *bytes.Reader, idx uint32, enabledFeatures wasm.Features) (i *wasm.Import, err error) {
	i = &wasm.Import{}
	if i.Module, _, err = decodeUTF8(r, "import[%d] module", idx); err != nil {
		return nil, err
	}

	if i.Name, _, err = decodeUTF8(r, "import[%d] name", idx); err != nil {
		return nil, err
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("import[%d] error decoding type: %w", idx, err)
	}

	i.Type = b
	switch i.Type {
	case wasm.ExternTypeFunc:
		if i.DescFunc, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("import[%d] error decoding func typeindex: %w", idx, err)
		}
	case wasm.ExternTypeTable:
		if i.DescTable, err = decodeTable(r); err != nil {
			return nil, fmt.Errorf("import[%d] error decoding table desc: %w", idx, err)
		}
	case wasm.ExternTypeMemory:
		if i.DescMem, err = decodeMemory(r, enabledFeatures); err != nil {
			return nil, fmt.Errorf("import[%d] error decoding mem desc: %w", idx, err)
		}
	case wasm.ExternTypeGlobal:
		if i.DescGlobal, err = decodeGlobalType(r); err != nil {
			return nil, fmt.Errorf("import[%d] error decoding global desc: %w", idx, err)
		}
	default:
		return nil, fmt.Errorf("%w: invalid byte for importdesc: %#x", ErrInvalidByte, b)
	}
	return
}

// encodeImport returns the wasm.Import encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
func encodeImport(i *wasm.Import) []byte {
	data := encodeSizePrefixed([]byte(i.Module))
	data = append(data, encodeSizePrefixed([]byte(i.Name))...)
	data = append(data, i.Type)
	switch i.Type {
	case wasm.ExternTypeFunc:
		data = append(data, leb128.EncodeUint32(i.DescFunc)...)
	case wasm.ExternTypeTable:
		data = append(data, encodeTable(i.DescTable)...)
	case wasm.ExternTypeMemory:
		data = append(data, encodeMemory(i.DescMem)...)
	case wasm.ExternTypeGlobal:
		data = append(data, encodeGlobalType(i.DescGlobal)...)
	}
	return data
}
