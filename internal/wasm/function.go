package wasm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/cellvm/api"
)

// FunctionInstance is a function in the index namespace of a ModuleInstance: either an import or a function defined
// by the module.
type FunctionInstance struct {
	// Module is the instance this function belongs to.
	Module *ModuleInstance

	// Index is the position in the function index namespace, imports first.
	Index Index

	Type *FunctionType

	// Import is the import this function satisfies, or nil when the module defines it.
	Import *Import

	// Host implements an import the resolver supplied. Nil for an unlinked import.
	Host *HostFunc

	// Name is the name section entry, or empty.
	Name string

	// ExportNames are the names the module exports this function as.
	ExportNames []string
}

// compile-time check to ensure FunctionInstance is an api.Function
var _ api.Function = &FunctionInstance{}

// IsImport returns true if this function is not defined by the module.
func (f *FunctionInstance) IsImport() bool {
	return f.Import != nil
}

// DebugName returns the name used in backtraces. Ex. "env.log", "math.add" or "math.$3".
func (f *FunctionInstance) DebugName() string {
	if f.Import != nil {
		return joinNames(f.Import.Module, f.Import.Name)
	}
	name := f.Name
	if name == "" {
		name = fmt.Sprintf("$%d", f.Index)
	}
	var modName string
	if f.Module != nil {
		modName = f.Module.name
	}
	return joinNames(modName, name)
}

// Signature returns the DebugName followed by the parameter and result types. Ex. "math.add(i32,i32) i32"
func (f *FunctionInstance) Signature() string {
	var b strings.Builder
	b.WriteString(f.DebugName())
	b.WriteByte('(')
	for i, t := range f.Type.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(ValueTypeName(t))
	}
	b.WriteByte(')')
	switch len(f.Type.Results) {
	case 0:
	case 1:
		b.WriteByte(' ')
		b.WriteString(ValueTypeName(f.Type.Results[0]))
	default:
		b.WriteString(" (")
		for i, t := range f.Type.Results {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(ValueTypeName(t))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Definition implements api.Function Definition
func (f *FunctionInstance) Definition() api.FunctionDefinition {
	return functionDefinition{f}
}

// Call implements api.Function Call
func (f *FunctionInstance) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mod := f.Module
	if mod.closed.Load() {
		return nil, fmt.Errorf("module %q closed", mod.name)
	}
	if len(params) != len(f.Type.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(f.Type.Params), len(params))
	}
	return mod.Engine.Call(ctx, f, params...)
}

type functionDefinition struct {
	f *FunctionInstance
}

// Index implements api.FunctionDefinition Index
func (d functionDefinition) Index() uint32 {
	return d.f.Index
}

// Name implements api.FunctionDefinition Name
func (d functionDefinition) Name() string {
	return d.f.Name
}

// ExportNames implements api.FunctionDefinition ExportNames
func (d functionDefinition) ExportNames() []string {
	return d.f.ExportNames
}

// ParamTypes implements api.FunctionDefinition ParamTypes
func (d functionDefinition) ParamTypes() []api.ValueType {
	return d.f.Type.Params
}

// ResultTypes implements api.FunctionDefinition ResultTypes
func (d functionDefinition) ResultTypes() []api.ValueType {
	return d.f.Type.Results
}
