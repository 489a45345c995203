package cellvm

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/engine/interpreter"
	"github.com/tetratelabs/cellvm/internal/jitbridge"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// Ex. To enable shared memories and atomics:
//
//	rConfig = cellvm.NewRuntimeConfig().WithFeatureThreads(true)
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type RuntimeConfig interface {
	// WithFeatureMutableGlobal allows globals to be mutable. This defaults to true as the feature was finished in
	// WebAssembly 1.0 (20191205).
	//
	// When false, an api.Global can never be cast to an api.MutableGlobal, and any wasm that includes global vars
	// will fail to compile.
	WithFeatureMutableGlobal(bool) RuntimeConfig

	// WithFeatureSignExtensionOps enables sign extension instructions ("sign-extension-ops"). Defaults to true.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/sign-extension-ops/Overview.md
	WithFeatureSignExtensionOps(bool) RuntimeConfig

	// WithFeatureNonTrappingFloatToIntConversion enables the saturating truncation instructions. Defaults to true.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/nontrapping-float-to-int-conversion/Overview.md
	WithFeatureNonTrappingFloatToIntConversion(bool) RuntimeConfig

	// WithFeatureThreads enables shared memories and the atomic instructions. Defaults to false.
	//
	// See https://github.com/WebAssembly/threads/blob/main/proposals/threads/Overview.md
	WithFeatureThreads(bool) RuntimeConfig

	// WithMemoryLimitPages overrides the maximum pages allowed per memory. The default is 65536, allowing 4GB total
	// memory per instance. Setting a value larger than the default results in the default.
	//
	// Notes:
	//   - If a module defines no memory max limit, its memory can grow up to this value.
	//   - If a module defines a memory min larger than this, Runtime.CompileModule fails.
	WithMemoryLimitPages(memoryLimitPages uint32) RuntimeConfig

	// WithCallStackCeiling bounds the nesting of calls in one call from the host, including host functions and
	// re-entrant calls they make. Exceeding it traps with "native stack overflow". Defaults to 2000.
	WithCallStackCeiling(depth int) RuntimeConfig

	// WithCloseOnContextDone ensures the executions of functions are terminated when the context of the call is
	// done, for example by context.WithTimeout or context.WithCancel. The instance is terminated, so subsequent calls
	// fail with "wasm execution terminated". Defaults to false.
	//
	// Note: Termination is checked at branches and calls, so a loop that never branches back still completes.
	WithCloseOnContextDone(bool) RuntimeConfig

	// WithLogger scopes a logger to the runtime. Defaults to the process-wide logger, which is a no-op.
	WithLogger(*zap.Logger) RuntimeConfig

	// WithMetricsRegisterer registers prometheus collectors for compilation, instantiation and calls. Runtimes may
	// share a registerer. Defaults to none.
	WithMetricsRegisterer(prometheus.Registerer) RuntimeConfig

	// WithCompilationCacheSize is the count of compiled modules Runtime.CompileModule keeps, keyed by the SHA-256 of
	// their binary. The least recently used is released first. Defaults to 64.
	WithCompilationCacheSize(size int) RuntimeConfig

	// WithNativeCompiler hands every function to a native code generator at compile time. Functions it rejects stay
	// interpreted. codeBudget bounds the bytes of generated code tracked at once; zero means unlimited.
	WithNativeCompiler(compiler jitbridge.Compiler, codeBudget int) RuntimeConfig
}

const defaultCompilationCacheSize = 64

// NewRuntimeConfig returns a RuntimeConfig using the interpreter.
func NewRuntimeConfig() RuntimeConfig {
	return engineLessConfig.clone()
}

type runtimeConfig struct {
	enabledFeatures      wasm.Features
	memoryLimitPages     uint32
	callStackCeiling     int
	closeOnContextDone   bool
	logger               *zap.Logger
	registerer           prometheus.Registerer
	compilationCacheSize int
	compiler             jitbridge.Compiler
	codeBudget           int
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &runtimeConfig{
	enabledFeatures:      wasm.FeaturesDefault,
	memoryLimitPages:     wasm.MemoryLimitPages,
	callStackCeiling:     interpreter.DefaultCallStackCeiling,
	compilationCacheSize: defaultCompilationCacheSize,
}

// clone makes a deep copy of this runtime config.
func (c *runtimeConfig) clone() *runtimeConfig {
	ret := *c
	return &ret
}

// WithFeatureMutableGlobal implements RuntimeConfig.WithFeatureMutableGlobal
func (c *runtimeConfig) WithFeatureMutableGlobal(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureMutableGlobal, enabled)
	return ret
}

// WithFeatureSignExtensionOps implements RuntimeConfig.WithFeatureSignExtensionOps
func (c *runtimeConfig) WithFeatureSignExtensionOps(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureSignExtensionOps, enabled)
	return ret
}

// WithFeatureNonTrappingFloatToIntConversion implements RuntimeConfig.WithFeatureNonTrappingFloatToIntConversion
func (c *runtimeConfig) WithFeatureNonTrappingFloatToIntConversion(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureNonTrappingFloatToIntConversion, enabled)
	return ret
}

// WithFeatureThreads implements RuntimeConfig.WithFeatureThreads
func (c *runtimeConfig) WithFeatureThreads(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureThreads, enabled)
	return ret
}

// WithMemoryLimitPages implements RuntimeConfig.WithMemoryLimitPages
func (c *runtimeConfig) WithMemoryLimitPages(memoryLimitPages uint32) RuntimeConfig {
	ret := c.clone()
	if memoryLimitPages > wasm.MemoryLimitPages {
		memoryLimitPages = wasm.MemoryLimitPages
	}
	ret.memoryLimitPages = memoryLimitPages
	return ret
}

// WithCallStackCeiling implements RuntimeConfig.WithCallStackCeiling
func (c *runtimeConfig) WithCallStackCeiling(depth int) RuntimeConfig {
	ret := c.clone()
	if depth <= 0 {
		depth = interpreter.DefaultCallStackCeiling
	}
	ret.callStackCeiling = depth
	return ret
}

// WithCloseOnContextDone implements RuntimeConfig.WithCloseOnContextDone
func (c *runtimeConfig) WithCloseOnContextDone(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.closeOnContextDone = enabled
	return ret
}

// WithLogger implements RuntimeConfig.WithLogger
func (c *runtimeConfig) WithLogger(logger *zap.Logger) RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithMetricsRegisterer implements RuntimeConfig.WithMetricsRegisterer
func (c *runtimeConfig) WithMetricsRegisterer(reg prometheus.Registerer) RuntimeConfig {
	ret := c.clone()
	ret.registerer = reg
	return ret
}

// WithCompilationCacheSize implements RuntimeConfig.WithCompilationCacheSize
func (c *runtimeConfig) WithCompilationCacheSize(size int) RuntimeConfig {
	ret := c.clone()
	if size < 1 {
		size = 1
	}
	ret.compilationCacheSize = size
	return ret
}

// WithNativeCompiler implements RuntimeConfig.WithNativeCompiler
func (c *runtimeConfig) WithNativeCompiler(compiler jitbridge.Compiler, codeBudget int) RuntimeConfig {
	ret := c.clone()
	ret.compiler = compiler
	ret.codeBudget = codeBudget
	return ret
}

// ModuleConfig configures an instance made by Runtime.InstantiateModule.
//
// Note: ModuleConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type ModuleConfig interface {
	// WithName configures the instance name. Defaults to the module name in the custom name section, if any.
	WithName(string) ModuleConfig

	// WithStackSize sets the operand stack arena of each call from the host, in bytes. Defaults to 16KiB.
	WithStackSize(bytes uint32) ModuleConfig

	// WithHeapSize appends an embedded heap of this many bytes to linear memory, managed by api.Module Malloc and
	// Free. The size is aligned to 8 and clamped to [512B, 1GiB]. Defaults to zero, which means no heap.
	WithHeapSize(bytes uint32) ModuleConfig

	// WithImportResolver supplies host functions for the function imports of the module. If the resolver also
	// implements api.GlobalResolver, it supplies the values of imported globals. Unresolved functions trap with
	// "failed to call unlinked import function" when called.
	WithImportResolver(api.ImportResolver) ModuleConfig

	// WithInitFunctions controls whether the exports "__post_instantiate" and "__wasm_call_ctors", then the start
	// function, run at the end of instantiation. Defaults to true.
	WithInitFunctions(bool) ModuleConfig
}

type moduleConfig struct {
	name          string
	stackSize     uint32
	heapSize      uint32
	resolver      api.ImportResolver
	initFunctions bool
}

// NewModuleConfig returns a ModuleConfig that can be used for configuring module instantiation.
func NewModuleConfig() ModuleConfig {
	return &moduleConfig{initFunctions: true}
}

// clone makes a deep copy of this module config.
func (c *moduleConfig) clone() *moduleConfig {
	ret := *c
	return &ret
}

// WithName implements ModuleConfig.WithName
func (c *moduleConfig) WithName(name string) ModuleConfig {
	ret := c.clone()
	ret.name = name
	return ret
}

// WithStackSize implements ModuleConfig.WithStackSize
func (c *moduleConfig) WithStackSize(bytes uint32) ModuleConfig {
	ret := c.clone()
	ret.stackSize = bytes
	return ret
}

// WithHeapSize implements ModuleConfig.WithHeapSize
func (c *moduleConfig) WithHeapSize(bytes uint32) ModuleConfig {
	ret := c.clone()
	ret.heapSize = wasm.AlignHeapSize(bytes)
	return ret
}

// WithImportResolver implements ModuleConfig.WithImportResolver
func (c *moduleConfig) WithImportResolver(resolver api.ImportResolver) ModuleConfig {
	ret := c.clone()
	ret.resolver = resolver
	return ret
}

// WithInitFunctions implements ModuleConfig.WithInitFunctions
func (c *moduleConfig) WithInitFunctions(enabled bool) ModuleConfig {
	ret := c.clone()
	ret.initFunctions = enabled
	return ret
}

// ImportResolverFunc adapts a function to api.ImportResolver.
type ImportResolverFunc func(moduleName, name string) any

// Resolve implements api.ImportResolver
func (f ImportResolverFunc) Resolve(moduleName, name string) any {
	return f(moduleName, name)
}

// HostFunctions is an api.ImportResolver over a fixed set of functions, keyed by import module then name.
//
// Ex.
//
//	resolver := cellvm.HostFunctions{"env": {"log": func(v uint32) { fmt.Println(v) }}}
type HostFunctions map[string]map[string]any

// Resolve implements api.ImportResolver
func (h HostFunctions) Resolve(moduleName, name string) any {
	return h[moduleName][name]
}
