// Package cellvm runs WebAssembly 1.0 (20191205) modules with an interpreter built around 32-bit value cells.
//
// Ex.
//
//	r := cellvm.NewRuntime(ctx)
//	defer r.Close(ctx)
//
//	mod, _ := r.Instantiate(ctx, wasmBytes)
//	results, _ := mod.ExportedFunction("add").Call(ctx, 1, 2)
package cellvm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/engine/interpreter"
	"github.com/tetratelabs/cellvm/internal/jitbridge"
	"github.com/tetratelabs/cellvm/internal/logging"
	"github.com/tetratelabs/cellvm/internal/metrics"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasm/binary"
)

// Runtime allows embedding of WebAssembly modules.
//
// Ex. The below is the basic initialization of cellvm:
//
//	ctx := context.Background()
//	r := cellvm.NewRuntime(ctx)
//	defer r.Close(ctx) // This closes everything this Runtime created.
//
//	mod, _ := r.Instantiate(ctx, wasm)
//
// Note: Runtime is safe for concurrent use.
type Runtime interface {
	// Instantiate compiles and instantiates a binary module with the default ModuleConfig.
	//
	// Note: To instantiate the same module many times, use CompileModule and InstantiateModule.
	Instantiate(ctx context.Context, source []byte) (api.Module, error)

	// CompileModule decodes, validates and compiles the WebAssembly binary. The result is cached by the SHA-256 of
	// source, so compiling the same binary again is cheap.
	CompileModule(ctx context.Context, source []byte) (CompiledModule, error)

	// InstantiateModule instantiates the module or errs if it could not be, for example because a data segment does
	// not fit in memory. On error nothing of the instance remains allocated.
	//
	// A nil config means NewModuleConfig.
	InstantiateModule(ctx context.Context, compiled CompiledModule, config ModuleConfig) (api.Module, error)

	// Close closes every module instantiated by this runtime and releases compiled modules. Subsequent calls to
	// CompileModule and InstantiateModule fail.
	Close(ctx context.Context) error
}

// CompiledModule is a validated module whose function bodies have been rewritten for the interpreter. It is
// immutable and safe to instantiate concurrently.
type CompiledModule interface {
	// Name returns the module name from the custom name section, or empty.
	Name() string

	// ImportedFunctions returns the function imports, in index order.
	ImportedFunctions() []api.FunctionDefinition

	// ExportedFunctions returns the exported functions, keyed by export name.
	ExportedFunctions() map[string]api.FunctionDefinition

	// Close releases the compiled code. Instances already made from it keep working.
	Close(ctx context.Context) error
}

// NewRuntime returns a runtime with the default configuration.
func NewRuntime(ctx context.Context) Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(_ context.Context, rConfig RuntimeConfig) Runtime {
	config := rConfig.(*runtimeConfig)
	logger := logging.Or(config.logger)

	met, err := metrics.New(config.registerer)
	if err != nil {
		logger.Warn("metrics not registered", zap.Error(err))
		met, _ = metrics.New(nil)
	}

	var codeCache *jitbridge.CodeCache
	if config.compiler != nil {
		codeCache = jitbridge.NewCodeCache(config.codeBudget)
	}
	engine := interpreter.NewEngine(interpreter.Config{
		Features:           config.enabledFeatures,
		CallStackCeiling:   config.callStackCeiling,
		CloseOnContextDone: config.closeOnContextDone,
		Compiler:           config.compiler,
		CodeCache:          codeCache,
		Metrics:            met,
		Logger:             logger,
	})

	return &runtime{
		enabledFeatures:  config.enabledFeatures,
		memoryLimitPages: config.memoryLimitPages,
		engine:           engine,
		cache:            newCompilationCache(config.compilationCacheSize, engine),
		metrics:          met,
		logger:           logger,
		instances:        map[*wasm.ModuleInstance]struct{}{},
	}
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	enabledFeatures  wasm.Features
	memoryLimitPages uint32
	engine           wasm.Engine
	cache            *compilationCache
	metrics          *metrics.Metrics
	logger           *zap.Logger

	closed    atomic.Bool
	mux       sync.Mutex
	instances map[*wasm.ModuleInstance]struct{}
}

func (r *runtime) failIfClosed() error {
	if r.closed.Load() {
		return errors.New("runtime closed")
	}
	return nil
}

// CompileModule implements Runtime.CompileModule
func (r *runtime) CompileModule(ctx context.Context, source []byte) (CompiledModule, error) {
	if err := r.failIfClosed(); err != nil {
		return nil, err
	}
	return r.cache.getOrCompile(source, func() (*compiledModule, error) {
		return r.compile(ctx, source)
	})
}

func (r *runtime) compile(ctx context.Context, source []byte) (*compiledModule, error) {
	start := time.Now()
	m, err := binary.DecodeModule(source, r.enabledFeatures)
	if err == nil {
		err = m.Validate(r.enabledFeatures, r.memoryLimitPages)
	}
	if err != nil {
		r.metrics.ModuleCompiled(0, time.Since(start), err)
		return nil, err
	}
	if err = r.engine.CompileModule(ctx, m); err != nil {
		return nil, err
	}

	r.logger.Debug("module loaded",
		zap.String("module", m.ModuleName()),
		zap.Int("functions", len(m.CodeSection)),
		zap.String("size", units.HumanSize(float64(len(source)))),
		zap.Duration("took", time.Since(start)))
	return &compiledModule{module: m, runtime: r}, nil
}

// Instantiate implements Runtime.Instantiate
func (r *runtime) Instantiate(ctx context.Context, source []byte) (api.Module, error) {
	compiled, err := r.CompileModule(ctx, source)
	if err != nil {
		return nil, err
	}
	return r.InstantiateModule(ctx, compiled, NewModuleConfig())
}

// InstantiateModule implements Runtime.InstantiateModule
func (r *runtime) InstantiateModule(ctx context.Context, compiled CompiledModule, mConfig ModuleConfig) (api.Module, error) {
	if err := r.failIfClosed(); err != nil {
		return nil, err
	}
	code, ok := compiled.(*compiledModule)
	if !ok || code.runtime != r {
		return nil, errors.New("compiled module was not created by this runtime")
	}
	if mConfig == nil {
		mConfig = NewModuleConfig()
	}
	config := mConfig.(*moduleConfig)

	// A no-op unless the compiled code was released by CompiledModule.Close or cache eviction.
	if err := r.engine.CompileModule(ctx, code.module); err != nil {
		return nil, err
	}

	inst, err := wasm.Instantiate(ctx, code.module, r.engine, wasm.InstantiateConfig{
		Name:             config.name,
		StackSize:        config.stackSize,
		HeapSize:         config.heapSize,
		Resolver:         config.resolver,
		MemoryLimitPages: r.memoryLimitPages,
		InitFunctions:    config.initFunctions,
		Logger:           r.logger,
	})
	r.metrics.Instantiated(err)
	if err != nil {
		return nil, err
	}

	r.mux.Lock()
	r.instances[inst] = struct{}{}
	r.mux.Unlock()
	inst.OnClose = func() {
		r.mux.Lock()
		delete(r.instances, inst)
		r.mux.Unlock()
	}
	return inst, nil
}

// Close implements Runtime.Close
func (r *runtime) Close(ctx context.Context) (err error) {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mux.Lock()
	instances := make([]*wasm.ModuleInstance, 0, len(r.instances))
	for inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mux.Unlock()

	for _, inst := range instances {
		err = multierr.Append(err, inst.Close(ctx))
	}
	r.cache.purge()
	return
}

// compiledModule implements CompiledModule
type compiledModule struct {
	module  *wasm.Module
	runtime *runtime
}

// Name implements CompiledModule.Name
func (c *compiledModule) Name() string {
	return c.module.ModuleName()
}

// ImportedFunctions implements CompiledModule.ImportedFunctions
func (c *compiledModule) ImportedFunctions() (ret []api.FunctionDefinition) {
	for i := wasm.Index(0); i < c.module.ImportFunctionCount; i++ {
		ret = append(ret, &functionDefinition{module: c.module, index: i})
	}
	return
}

// ExportedFunctions implements CompiledModule.ExportedFunctions
func (c *compiledModule) ExportedFunctions() map[string]api.FunctionDefinition {
	ret := map[string]api.FunctionDefinition{}
	for _, exp := range c.module.ExportSection {
		if exp.Type == wasm.ExternTypeFunc {
			ret[exp.Name] = &functionDefinition{module: c.module, index: exp.Index}
		}
	}
	return ret
}

// Close implements CompiledModule.Close
func (c *compiledModule) Close(context.Context) error {
	c.runtime.cache.remove(c.module.ID)
	return nil
}

// functionDefinition implements api.FunctionDefinition for a function of a module that need not be instantiated.
type functionDefinition struct {
	module *wasm.Module
	index  wasm.Index
}

// Index implements api.FunctionDefinition Index
func (d *functionDefinition) Index() uint32 {
	return d.index
}

// Name implements api.FunctionDefinition Name
func (d *functionDefinition) Name() string {
	if name := d.module.FunctionName(d.index); name != "" || d.index >= d.module.ImportFunctionCount {
		return name
	}
	idx := d.index
	for _, im := range d.module.ImportSection {
		if im.Type != wasm.ExternTypeFunc {
			continue
		}
		if idx == 0 {
			return fmt.Sprintf("%s.%s", im.Module, im.Name)
		}
		idx--
	}
	return ""
}

// ExportNames implements api.FunctionDefinition ExportNames
func (d *functionDefinition) ExportNames() []string {
	return d.module.ExportNamesOf(d.index)
}

// ParamTypes implements api.FunctionDefinition ParamTypes
func (d *functionDefinition) ParamTypes() []api.ValueType {
	return d.module.TypeOfFunction(d.index).Params
}

// ResultTypes implements api.FunctionDefinition ResultTypes
func (d *functionDefinition) ResultTypes() []api.ValueType {
	return d.module.TypeOfFunction(d.index).Results
}
