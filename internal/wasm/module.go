package wasm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tetratelabs/cellvm/api"
)

// DecodeModule parses the WebAssembly Binary Format into a Module. See binary.DecodeModule
type DecodeModule func(wasm []byte, features Features) (result *Module, err error)

// EncodeModule encodes the given module into the WebAssembly Binary Format. See binary.EncodeModule
type EncodeModule func(m *Module) (bytes []byte)

// Module is a WebAssembly binary representation. It is immutable once Validate returns, apart from the
// Code metadata written by the function validator while the module is being compiled.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
//
// Differences from the specification:
//   - NameSection is decoded, so not present in CustomSections.
//   - ID, the import counts and GlobalInitOrder are derived data, set by AssignModuleID and Validate.
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or defined in this module.
	TypeSection []*FunctionType

	// ImportSection contains imported functions, tables, memories or globals required for instantiation.
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: The function Index namespace begins with imported functions and ends with those defined in this module.
	// FunctionSection is index correlated with the CodeSection.
	FunctionSection []Index

	// TableSection contains each table defined in this module. At most one table may exist, including imports.
	TableSection []*Table

	// MemorySection contains each memory defined in this module. At most one memory may exist, including imports.
	MemorySection []*Memory

	// GlobalSection contains each global defined in this module. Global indexes are offset by imported globals.
	GlobalSection []*Global

	// ExportSection contains each export defined in this module, in binary order.
	ExportSection []*Export

	// Exports maps ExportSection by name. It is built by Validate.
	Exports map[string]*Export

	// StartSection is the index of a function to call before returning from Instantiate.
	StartSection *Index

	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each function's locals and body.
	CodeSection []*Code
	// CodeSectionOffset is the position of the code section contents in the binary. DWARF addresses are relative to
	// it.
	CodeSectionOffset uint64

	DataSection []*DataSegment

	// NameSection is set when the custom section "name" was successfully decoded.
	NameSection *NameSection

	// CustomSections are the custom sections other than "name", in binary order.
	CustomSections []*CustomSection

	// ID is the sha256 of the binary this module was decoded from.
	ID ModuleID

	ImportFunctionCount, ImportTableCount, ImportMemoryCount, ImportGlobalCount Index

	// GlobalInitOrder lists the module-defined global indexes in an order where every global.get initializer reads
	// a global initialized before it.
	GlobalInitOrder []Index
}

// ModuleID is the sha256 of a module binary.
type ModuleID = [sha256.Size]byte

// AssignModuleID sets the ID from the binary it was decoded from.
func (m *Module) AssignModuleID(wasm []byte) {
	m.ID = sha256.Sum256(wasm)
}

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is because
// index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-index
type Index = uint32

// ValueType is an alias of api.ValueType defined to simplify imports.
type ValueType = api.ValueType

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64
)

// ValueTypeName is an alias of api.ValueTypeName defined to simplify imports.
func ValueTypeName(t ValueType) string {
	return api.ValueTypeName(t)
}

// ExternType is an alias of api.ExternType defined to simplify imports.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ExternTypeName is an alias of api.ExternTypeName defined to simplify imports.
func ExternTypeName(et ExternType) string {
	return api.ExternTypeName(et)
}

// ElemTypeFuncref is the only table element type in WebAssembly 1.0 (20191205).
const ElemTypeFuncref = 0x70

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: In WebAssembly 1.0 (20191205), there can be at most one result.
	Results []ValueType

	// ParamNumInCells and ResultNumInCells are the operand stack cells the params and results occupy.
	// See CacheNumInCells
	ParamNumInCells, ResultNumInCells uint32

	// string is cached as it is used both for String and key
	string string
}

// CacheNumInCells fills ParamNumInCells and ResultNumInCells.
func (f *FunctionType) CacheNumInCells() {
	f.ParamNumInCells, f.ResultNumInCells = 0, 0
	for _, t := range f.Params {
		f.ParamNumInCells += api.ValueTypeCells(t)
	}
	for _, t := range f.Results {
		f.ResultNumInCells += api.ValueTypeCells(t)
	}
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (f *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return string(f.Params) == string(params) && string(f.Results) == string(results)
}

// String implements fmt.Stringer. Ex. "i32i32_i32" or "v_v".
func (f *FunctionType) String() string {
	if f.string != "" {
		return f.string
	}
	var ret string
	for _, b := range f.Params {
		ret += ValueTypeName(b)
	}
	if len(f.Params) == 0 {
		ret += "v"
	}
	ret += "_"
	for _, b := range f.Results {
		ret += ValueTypeName(b)
	}
	if len(f.Results) == 0 {
		ret += "v"
	}
	f.string = ret
	return ret
}

// Import is the binary representation of an import indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
type Import struct {
	Type ExternType
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.TypeSection when Type equals ExternTypeFunc
	DescFunc Index
	// DescTable is the inlined Table when Type equals ExternTypeTable
	DescTable *Table
	// DescMem is the inlined Memory when Type equals ExternTypeMemory
	DescMem *Memory
	// DescGlobal is the inlined GlobalType when Type equals ExternTypeGlobal
	DescGlobal *GlobalType
}

// Memory describes the limits of pages (64KB) in a memory.
type Memory struct {
	Min, Max uint32
	// IsMaxEncoded true if the Max is encoded in the original binary.
	IsMaxEncoded bool
	// IsShared true if the memory is shared between threads (limits flag 0x03).
	IsShared bool
}

// Table describes the limits of elements in a table of funcref.
type Table struct {
	Min uint32
	Max *uint32
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a module-defined global and its initializer.
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// ConstantExpression is a single instruction that yields a value at instantiation time.
type ConstantExpression struct {
	Opcode Opcode
	// Data is the raw immediate of Opcode: a LEB128 value for const and global.get, or little-endian IEEE 754 bits.
	Data []byte
}

// Export is the binary representation of an export indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-export
type Export struct {
	Type ExternType
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export, the index namespace is by Type
	Index Index
}

// ElementSegment initializes a range of the table with function indexes.
type ElementSegment struct {
	TableIndex Index
	OffsetExpr *ConstantExpression
	Init       []Index
}

// DataSegment initializes a range of memory with bytes.
type DataSegment struct {
	MemoryIndex      Index
	OffsetExpression *ConstantExpression
	Init             []byte
}

// Code is an entry in the Module.CodeSection containing the locals and body of the function.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order, excluding params.
	LocalTypes []ValueType

	// Body is a sequence of expressions ending in OpcodeEnd
	Body []byte

	// BodyOffset is the position of Body in the module binary, used in validation errors.
	BodyOffset uint64
}

// NameSection represent the known custom name subsections defined in the WebAssembly Binary Format
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#name-section%E2%91%A0
type NameSection struct {
	ModuleName    string
	FunctionNames NameMap
	LocalNames    IndirectNameMap
}

// NameAssoc is index association of a name
type NameAssoc struct {
	Index Index
	Name  string
}

// NameMap associates an index with any associated names, ordered by Index.
type NameMap []*NameAssoc

// NameMapAssoc associates an index with a NameMap.
type NameMapAssoc struct {
	Index   Index
	NameMap NameMap
}

// IndirectNameMap associates an index with an association of names.
type IndirectNameMap []*NameMapAssoc

// CustomSection is a custom section other than "name".
type CustomSection struct {
	Name string
	Data []byte
}

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (20191205) Binary Format.
type SectionID = byte

const (
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

// SectionIDName returns the canonical name of a module section.
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	}
	return "unknown"
}

// MaximumFunctionLocals is the maximum count of locals, excluding params, a function may declare.
const MaximumFunctionLocals = 50000

// CountImports fills the Import*Count fields.
func (m *Module) CountImports() {
	m.ImportFunctionCount, m.ImportTableCount, m.ImportMemoryCount, m.ImportGlobalCount = 0, 0, 0, 0
	for _, im := range m.ImportSection {
		switch im.Type {
		case ExternTypeFunc:
			m.ImportFunctionCount++
		case ExternTypeTable:
			m.ImportTableCount++
		case ExternTypeMemory:
			m.ImportMemoryCount++
		case ExternTypeGlobal:
			m.ImportGlobalCount++
		}
	}
}

// FunctionCount is the size of the function index namespace.
func (m *Module) FunctionCount() Index {
	return m.ImportFunctionCount + Index(len(m.FunctionSection))
}

// GlobalCount is the size of the global index namespace.
func (m *Module) GlobalCount() Index {
	return m.ImportGlobalCount + Index(len(m.GlobalSection))
}

// TypeOfFunction returns the FunctionType for the given function namespace index or nil.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	typeIdx, ok := m.typeIndexOfFunction(funcIdx)
	if !ok || typeIdx >= Index(len(m.TypeSection)) {
		return nil
	}
	return m.TypeSection[typeIdx]
}

func (m *Module) typeIndexOfFunction(funcIdx Index) (Index, bool) {
	if funcIdx < m.ImportFunctionCount {
		var i Index
		for _, im := range m.ImportSection {
			if im.Type != ExternTypeFunc {
				continue
			}
			if i == funcIdx {
				return im.DescFunc, true
			}
			i++
		}
		return 0, false
	}
	local := funcIdx - m.ImportFunctionCount
	if local >= Index(len(m.FunctionSection)) {
		return 0, false
	}
	return m.FunctionSection[local], true
}

// AllGlobalTypes returns the types of every global in the index namespace, imports first.
func (m *Module) AllGlobalTypes() []*GlobalType {
	ret := make([]*GlobalType, 0, m.GlobalCount())
	for _, im := range m.ImportSection {
		if im.Type == ExternTypeGlobal {
			ret = append(ret, im.DescGlobal)
		}
	}
	for _, g := range m.GlobalSection {
		ret = append(ret, g.Type)
	}
	return ret
}

// MemoryType returns the memory imported or defined by this module, or nil.
func (m *Module) MemoryType() *Memory {
	for _, im := range m.ImportSection {
		if im.Type == ExternTypeMemory {
			return im.DescMem
		}
	}
	if len(m.MemorySection) > 0 {
		return m.MemorySection[0]
	}
	return nil
}

// TableType returns the table imported or defined by this module, or nil.
func (m *Module) TableType() *Table {
	for _, im := range m.ImportSection {
		if im.Type == ExternTypeTable {
			return im.DescTable
		}
	}
	if len(m.TableSection) > 0 {
		return m.TableSection[0]
	}
	return nil
}

// FunctionName returns the name section entry for the function index, or empty.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.NameSection == nil {
		return ""
	}
	for _, na := range m.NameSection.FunctionNames {
		if na.Index == funcIdx {
			return na.Name
		}
	}
	return ""
}

// ModuleName returns the name from the name section, or empty.
func (m *Module) ModuleName() string {
	if m.NameSection == nil {
		return ""
	}
	return m.NameSection.ModuleName
}

// Validate checks everything about the module except function bodies, which are checked when they are compiled.
// It also derives Exports and GlobalInitOrder.
//
// memoryLimitPages is the ceiling on memory min pages.
func (m *Module) Validate(enabledFeatures Features, memoryLimitPages uint32) error {
	m.CountImports()
	for _, t := range m.TypeSection {
		t.CacheNumInCells()
	}

	if err := m.validateImports(enabledFeatures); err != nil {
		return err
	}
	if len(m.FunctionSection) != len(m.CodeSection) {
		return fmt.Errorf("function and code section have inconsistent lengths: %d != %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	for i, typeIdx := range m.FunctionSection {
		if typeIdx >= Index(len(m.TypeSection)) {
			return fmt.Errorf("invalid %s: type section index out of range: %d", m.funcDesc(m.ImportFunctionCount+Index(i)), typeIdx)
		}
	}
	if m.ImportTableCount+Index(len(m.TableSection)) > 1 {
		return errors.New("multiple tables are not supported")
	}
	for _, t := range m.TableSection {
		if err := validateTable(t); err != nil {
			return err
		}
	}
	if m.ImportMemoryCount+Index(len(m.MemorySection)) > 1 {
		return errors.New("multiple memories are not supported")
	}
	for _, mem := range m.MemorySection {
		if err := validateMemory(mem, enabledFeatures, memoryLimitPages); err != nil {
			return err
		}
	}
	if err := m.validateGlobals(enabledFeatures); err != nil {
		return err
	}
	if err := m.validateExports(enabledFeatures); err != nil {
		return err
	}
	if err := m.validateStartSection(); err != nil {
		return err
	}
	if err := m.validateElements(); err != nil {
		return err
	}
	return m.validateData()
}

func (m *Module) validateImports(enabledFeatures Features) error {
	for _, im := range m.ImportSection {
		if !utf8.ValidString(im.Module) || !utf8.ValidString(im.Name) {
			return fmt.Errorf("import %q.%q: invalid UTF-8", im.Module, im.Name)
		}
		switch im.Type {
		case ExternTypeFunc:
			if im.DescFunc >= Index(len(m.TypeSection)) {
				return fmt.Errorf("invalid import[%q.%q] function: type index out of range", im.Module, im.Name)
			}
		case ExternTypeMemory:
			if err := validateMemory(im.DescMem, enabledFeatures, MemoryLimitPages); err != nil {
				return fmt.Errorf("import[%q.%q] %w", im.Module, im.Name, err)
			}
		case ExternTypeTable:
			if err := validateTable(im.DescTable); err != nil {
				return fmt.Errorf("import[%q.%q] %w", im.Module, im.Name, err)
			}
		case ExternTypeGlobal:
			if im.DescGlobal.Mutable && !enabledFeatures.Get(FeatureMutableGlobal) {
				return fmt.Errorf("invalid import[%q.%q] global: feature %q is disabled", im.Module, im.Name, FeatureMutableGlobal)
			}
		}
	}
	return nil
}

func validateMemory(mem *Memory, enabledFeatures Features, memoryLimitPages uint32) error {
	if mem.Min > memoryLimitPages {
		return fmt.Errorf("memory min %d pages (%s) over limit of %d pages (%s)",
			mem.Min, PagesToUnitOfBytes(mem.Min), memoryLimitPages, PagesToUnitOfBytes(memoryLimitPages))
	}
	if mem.IsMaxEncoded && mem.Min > mem.Max {
		return fmt.Errorf("memory min %d pages (%s) > max %d pages (%s)",
			mem.Min, PagesToUnitOfBytes(mem.Min), mem.Max, PagesToUnitOfBytes(mem.Max))
	}
	if mem.IsShared {
		if err := enabledFeatures.Require(FeatureThreads); err != nil {
			return fmt.Errorf("shared memory invalid as %w", err)
		}
		if !mem.IsMaxEncoded {
			return errors.New("shared memory must have maximum")
		}
	}
	return nil
}

func (m *Module) validateGlobals(enabledFeatures Features) error {
	globals := m.AllGlobalTypes()
	for i, g := range m.GlobalSection {
		idx := m.ImportGlobalCount + Index(i)
		if err := m.validateConstExpression(globals, g.Init, g.Type.ValType); err != nil {
			return fmt.Errorf("global[%d] %w", idx, err)
		}
	}
	order, err := m.globalInitOrder()
	if err != nil {
		return err
	}
	m.GlobalInitOrder = order
	return nil
}

// globalInitOrder topologically sorts module-defined globals by their global.get initializer references, so chains
// of any depth resolve regardless of declaration order. Self references and cycles are rejected.
func (m *Module) globalInitOrder() ([]Index, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]byte, len(m.GlobalSection))
	order := make([]Index, 0, len(m.GlobalSection))

	var visit func(local Index) error
	visit = func(local Index) error {
		switch state[local] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("global[%d] initializer cycle", m.ImportGlobalCount+local)
		}
		state[local] = visiting
		init := m.GlobalSection[local].Init
		if init.Opcode == OpcodeGlobalGet {
			ref, err := constExprIndex(init)
			if err != nil {
				return err
			}
			if ref >= m.ImportGlobalCount {
				if err := visit(ref - m.ImportGlobalCount); err != nil {
					return err
				}
			}
		}
		state[local] = done
		order = append(order, m.ImportGlobalCount+local)
		return nil
	}

	for i := range m.GlobalSection {
		if err := visit(Index(i)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (m *Module) validateExports(enabledFeatures Features) error {
	m.Exports = make(map[string]*Export, len(m.ExportSection))
	for _, e := range m.ExportSection {
		if !utf8.ValidString(e.Name) {
			return fmt.Errorf("export %q: invalid UTF-8", e.Name)
		}
		if _, ok := m.Exports[e.Name]; ok {
			return fmt.Errorf("duplicate export name: %s", e.Name)
		}
		m.Exports[e.Name] = e

		switch e.Type {
		case ExternTypeFunc:
			if e.Index >= m.FunctionCount() {
				return fmt.Errorf("unknown function for export[%q]", e.Name)
			}
		case ExternTypeGlobal:
			if e.Index >= m.GlobalCount() {
				return fmt.Errorf("unknown global for export[%q]", e.Name)
			}
			if m.AllGlobalTypes()[e.Index].Mutable && !enabledFeatures.Get(FeatureMutableGlobal) {
				return fmt.Errorf("invalid export[%q] global[%d]: feature %q is disabled", e.Name, e.Index, FeatureMutableGlobal)
			}
		case ExternTypeMemory:
			if e.Index > 0 || m.MemoryType() == nil {
				return fmt.Errorf("memory for export[%q] out of range", e.Name)
			}
		case ExternTypeTable:
			if e.Index > 0 || m.TableType() == nil {
				return fmt.Errorf("table for export[%q] out of range", e.Name)
			}
		}
	}
	return nil
}

func (m *Module) validateStartSection() error {
	if m.StartSection == nil {
		return nil
	}
	idx := *m.StartSection
	ft := m.TypeOfFunction(idx)
	if ft == nil {
		return fmt.Errorf("invalid start function: func[%d] out of range", idx)
	}
	if len(ft.Params) > 0 || len(ft.Results) > 0 {
		return fmt.Errorf("invalid start function: func[%d] must have an empty (nullary) signature: %s", idx, ft)
	}
	return nil
}

func (m *Module) validateElements() error {
	if len(m.ElementSection) == 0 {
		return nil
	}
	globals := m.AllGlobalTypes()
	for i, elem := range m.ElementSection {
		if elem.TableIndex != 0 || m.TableType() == nil {
			return fmt.Errorf("%s[%d]: unknown table %d", SectionIDName(SectionIDElement), i, elem.TableIndex)
		}
		for _, funcIdx := range elem.Init {
			if funcIdx >= m.FunctionCount() {
				return fmt.Errorf("%s[%d]: unknown function %d", SectionIDName(SectionIDElement), i, funcIdx)
			}
		}
		if err := m.validateConstExpression(globals, elem.OffsetExpr, ValueTypeI32); err != nil {
			return fmt.Errorf("%s[%d] offset %w", SectionIDName(SectionIDElement), i, err)
		}
	}
	return nil
}

func (m *Module) validateData() error {
	if len(m.DataSection) == 0 {
		return nil
	}
	globals := m.AllGlobalTypes()
	for i, d := range m.DataSection {
		if d.MemoryIndex != 0 || m.MemoryType() == nil {
			return fmt.Errorf("%s[%d]: unknown memory %d", SectionIDName(SectionIDData), i, d.MemoryIndex)
		}
		if err := m.validateConstExpression(globals, d.OffsetExpression, ValueTypeI32); err != nil {
			return fmt.Errorf("%s[%d] offset %w", SectionIDName(SectionIDData), i, err)
		}
	}
	return nil
}

func (m *Module) funcDesc(funcIdx Index) string {
	if name := m.FunctionName(funcIdx); name != "" {
		return fmt.Sprintf("function[%d] %s", funcIdx, name)
	}
	return fmt.Sprintf("function[%d]", funcIdx)
}

// FuncDesc describes the function for error messages, including its name when the name section has one.
func (m *Module) FuncDesc(funcIdx Index) string {
	return m.funcDesc(funcIdx)
}

// ExportNamesOf returns the names the function is exported as.
func (m *Module) ExportNamesOf(funcIdx Index) (names []string) {
	for _, e := range m.ExportSection {
		if e.Type == ExternTypeFunc && e.Index == funcIdx {
			names = append(names, e.Name)
		}
	}
	return
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}

// joinNames is used in backtraces, ex. "env.f"
func joinNames(module, name string) string {
	if module == "" {
		return name
	}
	var b strings.Builder
	b.WriteString(module)
	b.WriteByte('.')
	b.WriteString(name)
	return b.String()
}
