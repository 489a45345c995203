package binary

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// DecodeModule implements wasm.DecodeModule for the WebAssembly 1.0 (20191205) Binary Format
//
// Sections other than custom ones must appear at most once, in ascending SectionID order. Each section must consume
// exactly its declared size.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func DecodeModule(binary []byte, enabledFeatures wasm.Features) (*wasm.Module, error) {
	r := bytes.NewReader(binary)

	// Magic number.
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, Magic) {
		return nil, ErrInvalidMagicNumber
	}

	// Version.
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	m := &wasm.Module{}
	var lastSectionID wasm.SectionID
	for {
		sectionID, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		sectionSize, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section %s: %v", wasm.SectionIDName(sectionID), err)
		}
		if int64(sectionSize) > int64(r.Len()) {
			return nil, fmt.Errorf("section %s: size %d exceeds the remaining %d bytes", wasm.SectionIDName(sectionID), sectionSize, r.Len())
		}

		if sectionID != wasm.SectionIDCustom {
			if sectionID > wasm.SectionIDData {
				return nil, fmt.Errorf("%w: %d", ErrInvalidSectionID, sectionID)
			}
			if sectionID == lastSectionID {
				return nil, fmt.Errorf("redundant %s section", wasm.SectionIDName(sectionID))
			} else if sectionID < lastSectionID {
				return nil, fmt.Errorf("invalid section order: %s after %s", wasm.SectionIDName(sectionID), wasm.SectionIDName(lastSectionID))
			}
			lastSectionID = sectionID
		}

		sectionContentStart := position(r)
		switch sectionID {
		case wasm.SectionIDCustom:
			err = decodeCustomSection(r, m, sectionSize)
		case wasm.SectionIDType:
			m.TypeSection, err = decodeTypeSection(r)
		case wasm.SectionIDImport:
			m.ImportSection, err = decodeImportSection(r, enabledFeatures)
		case wasm.SectionIDFunction:
			m.FunctionSection, err = decodeFunctionSection(r)
		case wasm.SectionIDTable:
			m.TableSection, err = decodeTableSection(r)
		case wasm.SectionIDMemory:
			m.MemorySection, err = decodeMemorySection(r, enabledFeatures)
		case wasm.SectionIDGlobal:
			m.GlobalSection, err = decodeGlobalSection(r)
		case wasm.SectionIDExport:
			m.ExportSection, err = decodeExportSection(r)
		case wasm.SectionIDStart:
			m.StartSection, err = decodeStartSection(r)
		case wasm.SectionIDElement:
			m.ElementSection, err = decodeElementSection(r)
		case wasm.SectionIDCode:
			m.CodeSectionOffset = sectionContentStart
			m.CodeSection, err = decodeCodeSection(r)
		case wasm.SectionIDData:
			m.DataSection, err = decodeDataSection(r)
		}

		if read := position(r) - sectionContentStart; err == nil && read != uint64(sectionSize) {
			err = fmt.Errorf("invalid section length: expected to be %d but got %d", sectionSize, read)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("unexpected end of section or function: %w", err)
			}
			return nil, fmt.Errorf("section %s: %w", wasm.SectionIDName(sectionID), err)
		}
	}

	m.AssignModuleID(binary)
	return m, nil
}

// position returns the offset of r in the module binary.
func position(r *bytes.Reader) uint64 {
	return uint64(r.Size() - int64(r.Len()))
}
