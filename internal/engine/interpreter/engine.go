// Package interpreter executes the IR produced by cellir. One engine is shared by every module of a runtime, and each
// instance gets a moduleEngine bound to it.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/jitbridge"
	"github.com/tetratelabs/cellvm/internal/logging"
	"github.com/tetratelabs/cellvm/internal/metrics"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasmdebug"
)

// DefaultCallStackCeiling is the maximum nesting of calls, including host functions, in one exec env.
const DefaultCallStackCeiling = 2000

// Config are the settings of NewEngine. The zero value interprets everything with wasm.FeaturesDefault.
type Config struct {
	Features wasm.Features

	// CallStackCeiling bounds the call depth. Zero means DefaultCallStackCeiling.
	CallStackCeiling int

	// CloseOnContextDone terminates the instance when the context of a call is done.
	CloseOnContextDone bool

	// Compiler, when set, is asked for native code of each function. Functions it fails are interpreted.
	Compiler jitbridge.Compiler
	// CodeCache tracks the code Compiler returns. It is required when Compiler is set.
	CodeCache *jitbridge.CodeCache

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// engine is an interpreter implementation of wasm.Engine
type engine struct {
	enabledFeatures    wasm.Features
	callStackCeiling   int
	closeOnContextDone bool
	compiler           jitbridge.Compiler
	codeCache          *jitbridge.CodeCache
	metrics            *metrics.Metrics
	logger             *zap.Logger

	// handlers is the dispatch table, indexed by cellir.Opcode.
	handlers *handlerTable

	mux               sync.RWMutex
	compiledFunctions map[wasm.ModuleID]*compiledModule
}

// compiledModule is what CompileModule caches for a module.
type compiledModule struct {
	source    *wasm.Module
	functions []*cellir.CompiledFunction
	// native is index-correlated with functions. Nil entries are interpreted.
	native []jitbridge.Code
	dwarf  *wasmdebug.DWARFLines
}

// NewEngine returns an interpreter engine.
func NewEngine(cfg Config) wasm.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engine {
	features := cfg.Features
	if features == 0 {
		features = wasm.FeaturesDefault
	}
	ceiling := cfg.CallStackCeiling
	if ceiling <= 0 {
		ceiling = DefaultCallStackCeiling
	}
	codeCache := cfg.CodeCache
	if cfg.Compiler != nil && codeCache == nil {
		codeCache = jitbridge.NewCodeCache(0)
	}
	return &engine{
		enabledFeatures:    features,
		callStackCeiling:   ceiling,
		closeOnContextDone: cfg.CloseOnContextDone,
		compiler:           cfg.Compiler,
		codeCache:          codeCache,
		metrics:            cfg.Metrics,
		logger:             logging.Or(cfg.Logger),
		handlers:           newHandlerTable(),
		compiledFunctions:  map[wasm.ModuleID]*compiledModule{},
	}
}

// CompileModule implements the same method as documented on wasm.Engine.
func (e *engine) CompileModule(_ context.Context, module *wasm.Module) error {
	if _, ok := e.getCompiledFunctions(module); ok { // cache hit!
		return nil
	}

	start := time.Now()
	functions, err := cellir.CompileFunctions(e.enabledFeatures, module)
	e.metrics.ModuleCompiled(len(module.CodeSection), time.Since(start), err)
	if err != nil {
		return err
	}

	cm := &compiledModule{
		source:    module,
		functions: functions,
		native:    make([]jitbridge.Code, len(functions)),
		dwarf:     newDWARFLines(module),
	}
	if e.compiler != nil {
		e.compileNative(module, cm)
	}
	for _, fn := range functions {
		e.logger.Debug("function compiled",
			zap.Uint32("index", fn.Index),
			zap.Uint32("max_stack_cell_num", fn.MaxStackCellNum),
			zap.Uint32("max_block_num", fn.MaxBlockNum),
			zap.Bool("native", cm.native[fn.Index-module.ImportFunctionCount] != nil))
	}
	e.addCompiledFunctions(module, cm)
	return nil
}

// compileNative asks the compiler for each function. Failures leave the function interpreted.
func (e *engine) compileNative(module *wasm.Module, cm *compiledModule) {
	for i, fn := range cm.functions {
		code, err := e.compiler.Compile(fn)
		if err == nil {
			err = e.codeCache.Put(module.ID, fn.Index, code)
		}
		if err != nil {
			if !errors.Is(err, jitbridge.ErrUnsupported) {
				e.logger.Debug("function left to the interpreter", zap.Uint32("index", fn.Index), zap.Error(err))
			}
			continue
		}
		cm.native[i] = code
	}
}

func newDWARFLines(module *wasm.Module) *wasmdebug.DWARFLines {
	var sections map[string][]byte
	for _, cs := range module.CustomSections {
		if sections == nil {
			sections = map[string][]byte{}
		}
		sections[cs.Name] = cs.Data
	}
	return wasmdebug.NewDWARFLines(sections, module.CodeSectionOffset)
}

// CompiledModuleCount implements the same method as documented on wasm.Engine.
func (e *engine) CompiledModuleCount() uint32 {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return uint32(len(e.compiledFunctions))
}

// DeleteCompiledModule implements the same method as documented on wasm.Engine.
func (e *engine) DeleteCompiledModule(module *wasm.Module) {
	e.deleteCompiledFunctions(module)
}

func (e *engine) addCompiledFunctions(module *wasm.Module, cm *compiledModule) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.compiledFunctions[module.ID] = cm
}

func (e *engine) getCompiledFunctions(module *wasm.Module) (cm *compiledModule, ok bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	cm, ok = e.compiledFunctions[module.ID]
	return
}

func (e *engine) deleteCompiledFunctions(module *wasm.Module) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.compiledFunctions, module.ID)
	if e.codeCache != nil {
		e.codeCache.DeleteModule(module.ID)
	}
}

// NewModuleEngine implements the same method as documented on wasm.Engine.
func (e *engine) NewModuleEngine(module *wasm.Module, instance *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	cm, ok := e.getCompiledFunctions(module)
	if !ok {
		return nil, errors.New("source module must be compiled before instantiation")
	}
	if len(instance.Functions) != int(module.ImportFunctionCount)+len(cm.functions) {
		return nil, fmt.Errorf("instance has %d functions, but the module defines %d and imports %d",
			len(instance.Functions), len(cm.functions), module.ImportFunctionCount)
	}

	me := &moduleEngine{
		parent:    e,
		compiled:  cm,
		instance:  instance,
		functions: make([]function, len(instance.Functions)),
	}
	for i, f := range instance.Functions {
		fn := &me.functions[i]
		fn.moduleEngine = me
		fn.instance = f
		fn.paramCells, fn.resultCells = cellsOf(f.Type.Params), cellsOf(f.Type.Results)
		if !f.IsImport() {
			local := f.Index - module.ImportFunctionCount
			fn.ir = cm.functions[local]
			fn.native = cm.native[local]
		}
	}
	return me, nil
}
