package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

// decodeMemory returns the wasm.Memory decoded with the WebAssembly 1.0 (20191205) Binary Format.
//
// Shared memories require wasm.FeatureThreads. Module.Validate checks the page limits.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-memory
func decodeMemory(r *bytes.Reader, enabledFeatures wasm.Features) (*wasm.Memory, error) {
	min, maxP, shared, err := decodeLimitsType(r, true)
	if err != nil {
		return nil, err
	}
	if shared {
		if err = enabledFeatures.Require(wasm.FeatureThreads); err != nil {
			return nil, fmt.Errorf("shared memory invalid as %w", err)
		}
	}

	mem := &wasm.Memory{Min: min, IsShared: shared}
	if maxP != nil {
		mem.Max, mem.IsMaxEncoded = *maxP, true
		if mem.Max > wasm.MemoryLimitPages {
			return nil, fmt.Errorf("max %d pages (%s) outside range of %d pages (%s)",
				mem.Max, wasm.PagesToUnitOfBytes(mem.Max), wasm.MemoryLimitPages, wasm.PagesToUnitOfBytes(wasm.MemoryLimitPages))
		}
	}
	return mem, nil
}

// encodeMemory returns the wasm.Memory encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-memory
func encodeMemory(i *wasm.Memory) []byte {
	var maxP *uint32
	if i.IsMaxEncoded {
		maxP = &i.Max
	}
	return encodeLimitsType(i.Min, maxP, i.IsShared)
}
