package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

func decodeTypeSection(r *bytes.Reader) ([]*wasm.FunctionType, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.FunctionType, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeFunctionType(r); err != nil {
			return nil, fmt.Errorf("read %d-th type: %w", i, err)
		}
	}
	return result, nil
}

func decodeImportSection(r *bytes.Reader, enabledFeatures wasm.Features) ([]*wasm.Import, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Import, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeImport(r, i, enabledFeatures); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func decodeFunctionSection(r *bytes.Reader) ([]wasm.Index, error) {
	vs, err := decodeVectorSize(r, 1)
	if err != nil {
		return nil, err
	}

	result := make([]wasm.Index, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("get type index: %w", err)
		}
	}
	return result, err
}

func decodeTableSection(r *bytes.Reader) ([]*wasm.Table, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}
	if vs > 1 {
		return nil, fmt.Errorf("at most one table allowed in module, but read %d", vs)
	}

	ret := make([]*wasm.Table, vs)
	for i := range ret {
		if ret[i], err = decodeTable(r); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func decodeMemorySection(r *bytes.Reader, enabledFeatures wasm.Features) ([]*wasm.Memory, error) {
	vs, err := decodeVectorSize(r, 2)
	if err != nil {
		return nil, err
	}
	if vs > 1 {
		return nil, fmt.Errorf("at most one memory allowed in module, but read %d", vs)
	}

	ret := make([]*wasm.Memory, vs)
	for i := range ret {
		if ret[i], err = decodeMemory(r, enabledFeatures); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func decodeGlobalSection(r *bytes.Reader) ([]*wasm.Global, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Global, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeGlobal(r); err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	return result, nil
}

func decodeExportSection(r *bytes.Reader) ([]*wasm.Export, error) {
	vs, err := decodeVectorSize(r, 3)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Export, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeExport(r); err != nil {
			return nil, fmt.Errorf("read export: %w", err)
		}
	}
	return result, nil
}

func decodeStartSection(r *bytes.Reader) (*wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get function index: %w", err)
	}
	return &vs, nil
}

func decodeElementSection(r *bytes.Reader) ([]*wasm.ElementSegment, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.ElementSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeElementSegment(r); err != nil {
			return nil, fmt.Errorf("read element: %w", err)
		}
	}
	return result, nil
}

func decodeCodeSection(r *bytes.Reader) ([]*wasm.Code, error) {
	vs, err := decodeVectorSize(r, 2)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.Code, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeCode(r); err != nil {
			return nil, fmt.Errorf("read %d-th code segment: %w", i, err)
		}
	}
	return result, nil
}

func decodeDataSection(r *bytes.Reader) ([]*wasm.DataSegment, error) {
	vs, err := decodeVectorSize(r, 4)
	if err != nil {
		return nil, err
	}

	result := make([]*wasm.DataSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if result[i], err = decodeDataSegment(r); err != nil {
			return nil, fmt.Errorf("read data segment: %w", err)
		}
	}
	return result, nil
}

// decodeCustomSection reads a custom section of sectionSize bytes. The first "name" section is decoded into
// wasm.Module NameSection and any others are kept verbatim.
func decodeCustomSection(r *bytes.Reader, m *wasm.Module, sectionSize uint32) error {
	name, nameSize, err := decodeUTF8(r, "custom section name")
	if err != nil {
		return err
	}
	if nameSize > sectionSize {
		return fmt.Errorf("malformed custom section %s", name)
	}
	limit := sectionSize - nameSize

	if name == "name" && m.NameSection == nil {
		m.NameSection, err = decodeNameSection(r, uint64(limit))
		return err
	}

	data := make([]byte, limit)
	if _, err = io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read custom section %s: %w", name, err)
	}
	m.CustomSections = append(m.CustomSections, &wasm.CustomSection{Name: name, Data: data})
	return nil
}

// encodeSection encodes the sectionID, the size of its contents in bytes, followed by the contents.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func encodeSection(sectionID wasm.SectionID, contents []byte) []byte {
	return append([]byte{sectionID}, encodeSizePrefixed(contents)...)
}

// encodeVector prefixes the concatenation of encoded with its element count.
func encodeVector(count int, encoded func(i int) []byte) []byte {
	contents := leb128.EncodeUint32(uint32(count))
	for i := 0; i < count; i++ {
		contents = append(contents, encoded(i)...)
	}
	return contents
}

// encodeCustomSection encodes the opaque bytes for the given name as a SectionIDCustom
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-customsec
func encodeCustomSection(name string, data []byte) []byte {
	contents := append(encodeSizePrefixed([]byte(name)), data...)
	return encodeSection(wasm.SectionIDCustom, contents)
}
