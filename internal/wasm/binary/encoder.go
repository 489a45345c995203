package binary

import (
	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

var sizePrefixedName = []byte{4, 'n', 'a', 'm', 'e'}

// EncodeModule implements wasm.EncodeModule for the WebAssembly 1.0 (20191205) Binary Format.
// Empty sections are omitted. The name section is written after the known sections and before other custom ones.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func EncodeModule(m *wasm.Module) (bytes []byte) {
	bytes = append(append([]byte{}, Magic...), version...)
	if n := len(m.TypeSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDType, encodeVector(n, func(i int) []byte {
			return encodeFunctionType(m.TypeSection[i])
		}))...)
	}
	if n := len(m.ImportSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDImport, encodeVector(n, func(i int) []byte {
			return encodeImport(m.ImportSection[i])
		}))...)
	}
	if n := len(m.FunctionSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDFunction, encodeVector(n, func(i int) []byte {
			return leb128.EncodeUint32(m.FunctionSection[i])
		}))...)
	}
	if n := len(m.TableSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDTable, encodeVector(n, func(i int) []byte {
			return encodeTable(m.TableSection[i])
		}))...)
	}
	if n := len(m.MemorySection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDMemory, encodeVector(n, func(i int) []byte {
			return encodeMemory(m.MemorySection[i])
		}))...)
	}
	if n := len(m.GlobalSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDGlobal, encodeVector(n, func(i int) []byte {
			return encodeGlobal(m.GlobalSection[i])
		}))...)
	}
	if n := len(m.ExportSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDExport, encodeVector(n, func(i int) []byte {
			return encodeExport(m.ExportSection[i])
		}))...)
	}
	if m.StartSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDStart, leb128.EncodeUint32(*m.StartSection))...)
	}
	if n := len(m.ElementSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDElement, encodeVector(n, func(i int) []byte {
			return encodeElement(m.ElementSection[i])
		}))...)
	}
	if n := len(m.CodeSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDCode, encodeVector(n, func(i int) []byte {
			return encodeCode(m.CodeSection[i])
		}))...)
	}
	if n := len(m.DataSection); n > 0 {
		bytes = append(bytes, encodeSection(wasm.SectionIDData, encodeVector(n, func(i int) []byte {
			return encodeDataSegment(m.DataSection[i])
		}))...)
	}
	if m.NameSection != nil {
		nameSection := append(append([]byte{}, sizePrefixedName...), encodeNameSectionData(m.NameSection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDCustom, nameSection)...)
	}
	for _, c := range m.CustomSections {
		bytes = append(bytes, encodeCustomSection(c.Name, c.Data)...)
	}
	return
}
