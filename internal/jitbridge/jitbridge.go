// Package jitbridge defines the boundary between the interpreter and a native code generator. Only the interfaces and
// the bookkeeping of generated code live here: generating machine code is up to the Compiler implementation.
package jitbridge

import (
	"context"
	"errors"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// ErrUnsupported is returned by a Compiler for functions it leaves to the interpreter.
var ErrUnsupported = errors.New("unsupported by native compiler")

// Compiler generates native code for the IR of one function.
type Compiler interface {
	// Compile returns the native code of fn, or an error to keep fn interpreted.
	Compile(fn *cellir.CompiledFunction) (Code, error)
}

// Code is native code placed by a Compiler in memory it manages.
type Code interface {
	// Entry is the address of the first instruction.
	Entry() uintptr

	// Size is the length of the code in bytes.
	Size() int

	// Call runs the code. cells holds the parameter cells on entry and receives the result cells, laid out like an
	// interpreter frame. It is at least as long as the larger of the two.
	//
	// A trap is returned as an error wrapping one of the wasm.ErrRuntime sentinels.
	Call(env Env, cells []uint32) error
}

// Env is the exec env native code runs in. It is shared with the interpreter, so calls made through it count against
// the same stack and call depth.
type Env interface {
	// Context is the context of the call from the embedder.
	Context() context.Context

	// Module is the instance the code runs for.
	Module() api.Module

	// Memory is the linear memory of Module, or nil.
	Memory() *wasm.MemoryInstance

	// Globals are the cells of every global of Module.
	Globals() []uint32

	// CallFunction calls the function at index in Module with the same cell convention as Code.Call.
	CallFunction(index wasm.Index, cells []uint32) error
}
