package wasm

import (
	"fmt"

	"github.com/tetratelabs/cellvm/api"
)

// GlobalInstance is a global backed by cells of the instance's global data blob. A 64-bit value keeps its low word
// in the first cell, like the operand stack.
type GlobalInstance struct {
	// Decl is the declared type and mutability.
	Decl *GlobalType

	// Offset is the index of the first cell of this global in ModuleInstance.GlobalData.
	Offset uint32

	cells []uint32
}

// compile-time check to ensure GlobalInstance is an api.Global
var _ api.Global = &GlobalInstance{}

// Type implements api.Global Type
func (g *GlobalInstance) Type() api.ValueType {
	return g.Decl.ValType
}

// Get implements api.Global Get
func (g *GlobalInstance) Get() uint64 {
	if len(g.cells) == 2 {
		return uint64(g.cells[0]) | uint64(g.cells[1])<<32
	}
	return uint64(g.cells[0])
}

// Store writes v, truncated to the width of the global, regardless of mutability.
func (g *GlobalInstance) Store(v uint64) {
	g.cells[0] = uint32(v)
	if len(g.cells) == 2 {
		g.cells[1] = uint32(v >> 32)
	}
}

// String implements fmt.Stringer
func (g *GlobalInstance) String() string {
	switch g.Decl.ValType {
	case ValueTypeI32:
		return fmt.Sprintf("global(%d)", int32(g.Get()))
	case ValueTypeI64:
		return fmt.Sprintf("global(%d)", int64(g.Get()))
	case ValueTypeF32:
		return fmt.Sprintf("global(%f)", api.DecodeF32(g.Get()))
	case ValueTypeF64:
		return fmt.Sprintf("global(%f)", api.DecodeF64(g.Get()))
	default:
		panic(fmt.Errorf("BUG: unknown value type %X", g.Decl.ValType))
	}
}

type mutableGlobal struct {
	*GlobalInstance
}

// compile-time check to ensure mutableGlobal is an api.MutableGlobal
var _ api.MutableGlobal = mutableGlobal{}

// Set implements api.MutableGlobal Set
func (g mutableGlobal) Set(v uint64) {
	g.Store(v)
}

// newGlobalData lays out types in one blob and returns the instances viewing it.
func newGlobalData(types []*GlobalType) ([]uint32, []*GlobalInstance) {
	var cells uint32
	for _, t := range types {
		cells += api.ValueTypeCells(t.ValType)
	}
	data := make([]uint32, cells)
	globals := make([]*GlobalInstance, len(types))
	var offset uint32
	for i, t := range types {
		n := api.ValueTypeCells(t.ValType)
		globals[i] = &GlobalInstance{Decl: t, Offset: offset, cells: data[offset : offset+n : offset+n]}
		offset += n
	}
	return data, globals
}
