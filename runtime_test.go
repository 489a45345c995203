package cellvm

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasm/binary"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var i32i32_i32 = &wasm.FunctionType{
	Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
	Results: []wasm.ValueType{wasm.ValueTypeI32},
}

// addWasm exports "add" from a module named "math". The salt is a custom section, so distinct salts give distinct
// binaries of the same module.
func addWasm(salt string) []byte {
	return binary.EncodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32i32_i32},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd,
		}}},
		ExportSection:  []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "add", Index: 0}},
		NameSection:    &wasm.NameSection{ModuleName: "math"},
		CustomSections: []*wasm.CustomSection{{Name: "salt", Data: []byte(salt)}},
	})
}

func newRuntime(t *testing.T, config RuntimeConfig) Runtime {
	r := NewRuntimeWithConfig(testCtx, config)
	t.Cleanup(func() { require.NoError(t, r.Close(testCtx)) })
	return r
}

func TestRuntime_Instantiate(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig())

	mod, err := r.Instantiate(testCtx, addWasm(""))
	require.NoError(t, err)
	require.Equal(t, "math", mod.Name())
	require.NotEmpty(t, mod.ID())

	for i := 0; i < 3; i++ {
		results, err := mod.ExportedFunction("add").Call(testCtx, 2, 3)
		require.NoError(t, err)
		require.Equal(t, []uint64{5}, results)
	}
}

func TestRuntime_CompileModule(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig())
	source := addWasm("")

	compiled, err := r.CompileModule(testCtx, source)
	require.NoError(t, err)
	require.Equal(t, "math", compiled.Name())
	require.Empty(t, compiled.ImportedFunctions())

	exports := compiled.ExportedFunctions()
	require.Equal(t, 1, len(exports))
	add := exports["add"]
	require.Equal(t, uint32(0), add.Index())
	require.Equal(t, []string{"add"}, add.ExportNames())
	require.Equal(t, i32i32_i32.Params, add.ParamTypes())
	require.Equal(t, i32i32_i32.Results, add.ResultTypes())

	t.Run("cached", func(t *testing.T) {
		again, err := r.CompileModule(testCtx, source)
		require.NoError(t, err)
		require.Same(t, compiled, again)
		require.Equal(t, 1, r.(*runtime).cache.len())
	})

	t.Run("closed compiled module still instantiates", func(t *testing.T) {
		require.NoError(t, compiled.Close(testCtx))
		require.Zero(t, r.(*runtime).cache.len())
		require.Zero(t, r.(*runtime).engine.CompiledModuleCount())

		mod, err := r.InstantiateModule(testCtx, compiled, nil)
		require.NoError(t, err)
		results, err := mod.ExportedFunction("add").Call(testCtx, 1, 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, results)
	})
}

func TestRuntime_CompileModule_Errors(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig().WithMemoryLimitPages(2))

	tests := []struct {
		name        string
		input       []byte
		expectedErr string
	}{
		{
			name:        "invalid magic",
			input:       []byte("wasm"),
			expectedErr: "invalid magic number",
		},
		{
			name: "memory over limit",
			input: binary.EncodeModule(&wasm.Module{
				MemorySection: []*wasm.Memory{{Min: 3}},
			}),
			expectedErr: "memory min 3 pages (192 Ki) over limit of 2 pages (128 Ki)",
		},
		{
			name: "table over maximum",
			input: binary.EncodeModule(&wasm.Module{
				TableSection: []*wasm.Table{{Min: 0xffffffff}},
			}),
			expectedErr: "section table: table min must be at most 134217728",
		},
		{
			name: "threads disabled",
			input: binary.EncodeModule(&wasm.Module{
				MemorySection: []*wasm.Memory{{Min: 1, Max: 1, IsMaxEncoded: true, IsShared: true}},
			}),
			expectedErr: `section memory: shared memory invalid as feature "threads" is disabled`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.CompileModule(testCtx, tc.input)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestRuntime_CompilationCacheEviction(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig().WithCompilationCacheSize(1))
	engine := r.(*runtime).engine

	first, err := r.CompileModule(testCtx, addWasm("1"))
	require.NoError(t, err)
	_, err = r.CompileModule(testCtx, addWasm("2"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), engine.CompiledModuleCount())

	// The evicted module is compiled again on demand.
	mod, err := r.InstantiateModule(testCtx, first, NewModuleConfig())
	require.NoError(t, err)
	results, err := mod.ExportedFunction("add").Call(testCtx, 4, 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{9}, results)
}

func TestRuntime_Concurrent(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig())
	source := addWasm("")

	var g errgroup.Group
	compiled := make([]CompiledModule, 32)
	for i := range compiled {
		i := i
		g.Go(func() error {
			c, err := r.CompileModule(testCtx, source)
			if err != nil {
				return err
			}
			compiled[i] = c
			mod, err := r.InstantiateModule(testCtx, c, NewModuleConfig())
			if err != nil {
				return err
			}
			defer mod.Close(testCtx)
			results, err := mod.ExportedFunction("add").Call(testCtx, uint64(i), 1)
			if err != nil {
				return err
			}
			if results[0] != uint64(i+1) {
				return errors.New("unexpected result")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, c := range compiled {
		require.Same(t, compiled[0], c)
	}
	require.Empty(t, r.(*runtime).instances)
}

func TestRuntime_InstantiateModule(t *testing.T) {
	mutable := &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true}
	source := binary.EncodeModule(&wasm.Module{
		TypeSection: []*wasm.FunctionType{{}, {Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}},
		ImportSection: []*wasm.Import{
			{Type: wasm.ExternTypeFunc, Module: "env", Name: "double", DescFunc: 1},
		},
		FunctionSection: []wasm.Index{0, 1},
		GlobalSection: []*wasm.Global{
			{Type: mutable, Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(1)}},
		},
		CodeSection: []*wasm.Code{
			// start: counter = counter + 1
			{Body: []byte{
				wasm.OpcodeGlobalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeGlobalSet, 0, wasm.OpcodeEnd,
			}},
			// quad: double(double(x))
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd}},
		},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeGlobal, Name: "counter", Index: 0},
			{Type: wasm.ExternTypeFunc, Name: "quad", Index: 2},
		},
		StartSection: func() *wasm.Index { i := wasm.Index(1); return &i }(),
	})

	r := newRuntime(t, NewRuntimeConfig())
	compiled, err := r.CompileModule(testCtx, source)
	require.NoError(t, err)
	imports := compiled.ImportedFunctions()
	require.Equal(t, 1, len(imports))
	require.Equal(t, "env.double", imports[0].Name())

	resolver := HostFunctions{"env": {"double": func(x uint32) uint32 { return x * 2 }}}

	t.Run("init functions", func(t *testing.T) {
		mod, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("a").WithImportResolver(resolver))
		require.NoError(t, err)
		require.Equal(t, "a", mod.Name())
		require.Equal(t, uint64(2), mod.ExportedGlobal("counter").Get())

		results, err := mod.ExportedFunction("quad").Call(testCtx, 3)
		require.NoError(t, err)
		require.Equal(t, []uint64{12}, results)
	})

	t.Run("without init functions", func(t *testing.T) {
		mod, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithInitFunctions(false))
		require.NoError(t, err)
		require.Equal(t, uint64(1), mod.ExportedGlobal("counter").Get())

		// Nothing resolved "env.double".
		_, err = mod.ExportedFunction("quad").Call(testCtx, 3)
		require.ErrorIs(t, err, wasm.ErrRuntimeUnlinkedImport)
		require.Equal(t, "Exception: failed to call unlinked import function", mod.Exception())
	})

	t.Run("resolver func", func(t *testing.T) {
		resolver := ImportResolverFunc(func(moduleName, name string) any {
			return api.RawFunction(func(_ context.Context, _ api.Module, cells []uint32) error {
				cells[0] += 100
				return nil
			})
		})
		mod, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithImportResolver(resolver))
		require.NoError(t, err)
		results, err := mod.ExportedFunction("quad").Call(testCtx, 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{201}, results)
	})
}

func TestRuntime_InstantiateModule_DataSegmentDoesNotFit(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRuntime(t, NewRuntimeConfig().WithMetricsRegisterer(reg))
	source := binary.EncodeModule(&wasm.Module{
		MemorySection: []*wasm.Memory{{Min: 1}},
		DataSection: []*wasm.DataSegment{{
			OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(65536)},
			Init:             []byte{1},
		}},
	})

	compiled, err := r.CompileModule(testCtx, source)
	require.NoError(t, err)
	mod, err := r.InstantiateModule(testCtx, compiled, nil)
	require.EqualError(t, err, "data segment does not fit")
	require.Nil(t, mod)
	require.Empty(t, r.(*runtime).instances)

	families, err := reg.Gather()
	require.NoError(t, err)
	var failures float64
	for _, f := range families {
		if f.GetName() != "cellvm_instantiations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetLabel()[0].GetValue() == "error" {
				failures = m.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, 1.0, failures)
}

func TestRuntime_HeapSize(t *testing.T) {
	r := newRuntime(t, NewRuntimeConfig())
	compiled, err := r.CompileModule(testCtx, addWasm(""))
	require.NoError(t, err)

	mod, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithHeapSize(4096))
	require.NoError(t, err)
	require.Equal(t, uint32(1), mod.Memory().Pages())

	ptr := mod.Malloc(16)
	require.NotZero(t, ptr)
	require.True(t, mod.ValidateAppAddr(ptr, 16))
	require.Zero(t, mod.Malloc(1<<20))
	require.Equal(t, "Exception: out of memory", mod.Exception())
	mod.Free(ptr)
}

func TestRuntime_Close(t *testing.T) {
	r := NewRuntime(testCtx)
	mod, err := r.Instantiate(testCtx, addWasm(""))
	require.NoError(t, err)

	require.NoError(t, r.Close(testCtx))
	require.True(t, mod.(*wasm.ModuleInstance).Closed())
	require.Zero(t, r.(*runtime).engine.CompiledModuleCount())

	_, err = r.CompileModule(testCtx, addWasm(""))
	require.EqualError(t, err, "runtime closed")

	// Closing twice is fine.
	require.NoError(t, r.Close(testCtx))
}

func TestRuntime_InstantiateModule_ForeignCompiledModule(t *testing.T) {
	r1 := newRuntime(t, NewRuntimeConfig())
	r2 := newRuntime(t, NewRuntimeConfig())
	compiled, err := r1.CompileModule(testCtx, addWasm(""))
	require.NoError(t, err)

	_, err = r2.InstantiateModule(testCtx, compiled, nil)
	require.EqualError(t, err, "compiled module was not created by this runtime")
}
