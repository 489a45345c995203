package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/logging"
)

const (
	// DefaultStackSize is the operand stack arena size used when none is configured.
	DefaultStackSize = uint32(16 * 1024)

	// FunctionNamePostInstantiate and FunctionNameCallCtors are the exports run before the start function.
	FunctionNamePostInstantiate = "__post_instantiate"
	FunctionNameCallCtors       = "__wasm_call_ctors"
)

// InstantiateConfig are the per-instance settings of Instantiate.
type InstantiateConfig struct {
	// Name is the instance name. Defaults to the module name in the name section.
	Name string

	// StackSize is the operand stack arena of each call, in bytes. Zero means DefaultStackSize.
	StackSize uint32

	// HeapSize is the size in bytes of the heap embedded in linear memory. Zero means no heap.
	HeapSize uint32

	// Resolver supplies function imports, and global imports if it implements api.GlobalResolver.
	Resolver api.ImportResolver

	// MemoryLimitPages clamps memory maximum pages. Zero means MemoryLimitPages.
	MemoryLimitPages uint32

	// InitFunctions enables running __post_instantiate, __wasm_call_ctors and the start function.
	InitFunctions bool

	Logger *zap.Logger
}

// Instantiate allocates an instance of the module in dependency order: globals, memory, table, functions, then
// segments and init functions. The module must be validated and compiled by engine.
//
// On error, everything allocated is released and no instance is returned.
func Instantiate(ctx context.Context, module *Module, engine Engine, cfg InstantiateConfig) (inst *ModuleInstance, err error) {
	logger := logging.Or(cfg.Logger)
	name := cfg.Name
	if name == "" {
		name = module.ModuleName()
	}
	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	inst = &ModuleInstance{
		id:        uuid.NewString(),
		name:      name,
		Source:    module,
		StackSize: stackSize,
		Logger:    logger,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, inst.release())
			inst = nil
		}
	}()

	if err = inst.buildGlobals(cfg.Resolver); err != nil {
		return
	}
	if err = inst.buildMemory(cfg.HeapSize, cfg.MemoryLimitPages); err != nil {
		return
	}
	if t := module.TableType(); t != nil {
		if inst.Table, err = NewTableInstance(t); err != nil {
			return
		}
	}
	if err = inst.buildFunctions(cfg.Resolver); err != nil {
		return
	}
	if inst.Engine, err = engine.NewModuleEngine(module, inst); err != nil {
		return
	}
	if err = inst.applySegments(); err != nil {
		return
	}

	logger.Debug("instance created", zap.String("module", name), zap.String("id", inst.id))

	if cfg.InitFunctions {
		err = inst.runInitFunctions(ctx)
	}
	return
}

func (m *ModuleInstance) buildGlobals(resolver api.ImportResolver) error {
	module := m.Source
	m.GlobalData, m.Globals = newGlobalData(module.AllGlobalTypes())

	globalResolver, _ := resolver.(api.GlobalResolver)
	var idx Index
	for _, im := range module.ImportSection {
		if im.Type != ExternTypeGlobal {
			continue
		}
		var v uint64
		var ok bool
		if globalResolver != nil {
			v, ok = globalResolver.ResolveGlobal(im.Module, im.Name, im.DescGlobal.ValType)
		}
		if !ok {
			m.Logger.Warn("unresolved global import, using zero",
				zap.String("module", m.name), zap.String("import", joinNames(im.Module, im.Name)))
		}
		m.Globals[idx].Store(v)
		idx++
	}

	getGlobal := func(i Index) uint64 { return m.Globals[i].Get() }
	for _, idx := range module.GlobalInitOrder {
		g := module.GlobalSection[idx-module.ImportGlobalCount]
		v, err := EvaluateConstExpression(g.Init, getGlobal)
		if err != nil {
			return fmt.Errorf("global[%d]: %w", idx, err)
		}
		m.Globals[idx].Store(v)
	}
	return nil
}

func (m *ModuleInstance) buildMemory(heapSize, limitPages uint32) (err error) {
	if limitPages == 0 || limitPages > MemoryLimitPages {
		limitPages = MemoryLimitPages
	}
	heapSize = AlignHeapSize(heapSize)
	heapPages := (heapSize + MemoryPageSize - 1) / MemoryPageSize

	var minPages, maxPages uint32
	var shared bool
	if mt := m.Source.MemoryType(); mt != nil {
		minPages, shared = mt.Min, mt.IsShared
		maxPages = limitPages
		if mt.IsMaxEncoded && mt.Max < maxPages {
			maxPages = mt.Max
		}
	} else if heapPages == 0 {
		return nil
	}

	heapBase := minPages * MemoryPageSize
	if uint64(minPages)+uint64(heapPages) > uint64(limitPages) {
		return fmt.Errorf("memory min %d pages and heap %d pages over limit of %d pages (%s)",
			minPages, heapPages, limitPages, PagesToUnitOfBytes(limitPages))
	}
	minPages += heapPages
	maxPages += heapPages
	if maxPages > limitPages {
		maxPages = limitPages
	}

	if m.Mem, err = NewMemoryInstance(minPages, maxPages, shared); err != nil {
		return
	}
	if heapSize > 0 {
		m.Mem.Heap = NewHeap(m.Mem, heapBase, heapSize)
	}
	return
}

func (m *ModuleInstance) buildFunctions(resolver api.ImportResolver) error {
	module := m.Source
	m.Functions = make([]*FunctionInstance, 0, module.FunctionCount())
	for _, im := range module.ImportSection {
		if im.Type != ExternTypeFunc {
			continue
		}
		idx := Index(len(m.Functions))
		f := &FunctionInstance{Module: m, Index: idx, Type: module.TypeSection[im.DescFunc], Import: im}
		var fn any
		if resolver != nil {
			fn = resolver.Resolve(im.Module, im.Name)
		}
		if fn == nil {
			m.Logger.Warn("unresolved function import",
				zap.String("module", m.name), zap.String("import", joinNames(im.Module, im.Name)))
		} else {
			h, err := NewHostFunc(joinNames(im.Module, im.Name), fn, f.Type)
			if err != nil {
				return fmt.Errorf("import func[%s]: %w", joinNames(im.Module, im.Name), err)
			}
			f.Host = h
		}
		m.Functions = append(m.Functions, f)
	}
	for _, typeIdx := range module.FunctionSection {
		idx := Index(len(m.Functions))
		m.Functions = append(m.Functions, &FunctionInstance{Module: m, Index: idx, Type: module.TypeSection[typeIdx]})
	}
	for _, f := range m.Functions {
		f.Name = module.FunctionName(f.Index)
		f.ExportNames = module.ExportNamesOf(f.Index)
	}
	return nil
}

// applySegments checks every element and data segment fits, then copies them. Nothing is written unless all fit.
func (m *ModuleInstance) applySegments() error {
	module := m.Source
	getGlobal := func(i Index) uint64 { return m.Globals[i].Get() }

	elemOffsets := make([]uint32, len(module.ElementSection))
	for i, elem := range module.ElementSection {
		v, err := EvaluateConstExpression(elem.OffsetExpr, getGlobal)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", SectionIDName(SectionIDElement), i, err)
		}
		offset := uint32(v)
		if m.Table == nil || uint64(offset)+uint64(len(elem.Init)) > uint64(len(m.Table.Elements)) {
			return errors.New("elements segment does not fit")
		}
		elemOffsets[i] = offset
	}

	dataOffsets := make([]uint32, len(module.DataSection))
	for i, d := range module.DataSection {
		v, err := EvaluateConstExpression(d.OffsetExpression, getGlobal)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", SectionIDName(SectionIDData), i, err)
		}
		offset := uint32(v)
		if m.Mem == nil || !m.Mem.hasSize(offset, uint64(len(d.Init))) {
			return errors.New("data segment does not fit")
		}
		dataOffsets[i] = offset
	}

	for i, elem := range module.ElementSection {
		copy(m.Table.Elements[elemOffsets[i]:], elem.Init)
	}
	for i, d := range module.DataSection {
		copy(m.Mem.Bytes()[dataOffsets[i]:], d.Init)
	}
	return nil
}

// runInitFunctions runs __post_instantiate and __wasm_call_ctors if exported as ()->(), then the start function.
func (m *ModuleInstance) runInitFunctions(ctx context.Context) error {
	for _, name := range [...]string{FunctionNamePostInstantiate, FunctionNameCallCtors} {
		exp := m.export(name, ExternTypeFunc)
		if exp == nil {
			continue
		}
		f := m.Functions[exp.Index]
		if len(f.Type.Params) > 0 || len(f.Type.Results) > 0 {
			m.Logger.Debug("skipping init function with parameters or results",
				zap.String("module", m.name), zap.String("function", name))
			continue
		}
		m.Logger.Debug("running init function", zap.String("module", m.name), zap.String("function", name))
		if _, err := m.Engine.Call(ctx, f); err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
	}
	if start := m.Source.StartSection; start != nil {
		f := m.Functions[*start]
		m.Logger.Debug("running start function", zap.String("module", m.name), zap.String("function", f.DebugName()))
		if _, err := m.Engine.Call(ctx, f); err != nil {
			return fmt.Errorf("start %s failed: %w", m.Source.FuncDesc(*start), err)
		}
	}
	return nil
}
