package wasm

import "context"

// Engine is a Store-scoped mechanism to compile functions declared or imported by a module.
// This is a top-level type implemented by an interpreter or a native compiler bridge.
type Engine interface {
	// CompileModule validates and compiles every function body of the module. Results are cached by Module.ID, so
	// calling this again for the same module is a no-op. The module is not modified.
	CompileModule(ctx context.Context, module *Module) error

	// CompiledModuleCount is exported for testing, to track the size of the compilation cache.
	CompiledModuleCount() uint32

	// DeleteCompiledModule releases compilation caches for the given module (source).
	// Note: it is safe to call this function for a module from which module instances are instantiated even when these
	// module instances have outstanding calls.
	DeleteCompiledModule(module *Module)

	// NewModuleEngine binds a compiled module to an instance. CompileModule must have succeeded for the module.
	NewModuleEngine(module *Module, instance *ModuleInstance) (ModuleEngine, error)
}

// ModuleEngine implements function calls for a given module.
type ModuleEngine interface {
	// Call invokes a function instance f with given parameters encoded as api.ValueType says. A trap is returned as an
	// error wrapping one of the ErrRuntime sentinels and is also recorded in the instance's exception slot.
	Call(ctx context.Context, f *FunctionInstance, params ...uint64) (results []uint64, err error)

	// Close releases resources bound to the instance, such as compiled code spans.
	Close() error
}
