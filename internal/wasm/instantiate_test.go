package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tetratelabs/cellvm/api"
)

var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// mockEngine records calls by function index instead of executing code.
type mockEngine struct {
	calls   []Index
	trapOn  map[Index]bool
	closed  int
	newErrs error
}

func (e *mockEngine) CompileModule(context.Context, *Module) error { return nil }

func (e *mockEngine) CompiledModuleCount() uint32 { return 0 }

func (e *mockEngine) DeleteCompiledModule(*Module) {}

func (e *mockEngine) NewModuleEngine(*Module, *ModuleInstance) (ModuleEngine, error) {
	if e.newErrs != nil {
		return nil, e.newErrs
	}
	return &mockModuleEngine{e: e}, nil
}

type mockModuleEngine struct {
	e *mockEngine
}

func (me *mockModuleEngine) Call(_ context.Context, f *FunctionInstance, _ ...uint64) ([]uint64, error) {
	me.e.calls = append(me.e.calls, f.Index)
	if me.e.trapOn[f.Index] {
		f.Module.SetException(ErrRuntimeUnreachable.Error())
		return nil, ErrRuntimeUnreachable
	}
	return nil, nil
}

func (me *mockModuleEngine) Close() error {
	me.e.closed++
	return nil
}

func validatedModule(t *testing.T, m *Module) *Module {
	require.NoError(t, m.Validate(FeaturesAll, MemoryLimitPages))
	return m
}

type mapResolver map[string]any

func (r mapResolver) Resolve(moduleName, name string) any {
	return r[moduleName+"."+name]
}

func (r mapResolver) ResolveGlobal(moduleName, name string, _ api.ValueType) (uint64, bool) {
	v, ok := r[moduleName+"."+name].(uint64)
	return v, ok
}

func TestInstantiate_GlobalForwardReference(t *testing.T) {
	m := validatedModule(t, &Module{
		ImportSection: []*Import{
			{Type: ExternTypeGlobal, Module: "env", Name: "base", DescGlobal: &GlobalType{ValType: ValueTypeI32}},
		},
		GlobalSection: []*Global{
			{Type: &GlobalType{ValType: ValueTypeI32}, Init: globalGet(2)},
			{Type: &GlobalType{ValType: ValueTypeI32}, Init: globalGet(3)},
			{Type: &GlobalType{ValType: ValueTypeI32}, Init: globalGet(0)},
			{Type: &GlobalType{ValType: ValueTypeI64, Mutable: true}, Init: i64Const(-2)},
		},
		ExportSection: []*Export{
			{Type: ExternTypeGlobal, Name: "first", Index: 1},
			{Type: ExternTypeGlobal, Name: "wide", Index: 4},
		},
	})

	inst, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{Resolver: mapResolver{"env.base": uint64(42)}})
	require.NoError(t, err)

	for i := Index(0); i < 4; i++ {
		require.Equal(t, uint64(42), inst.Globals[i].Get(), i)
	}
	require.Equal(t, "global(42)", inst.ExportedGlobal("first").String())
	_, ok := inst.ExportedGlobal("first").(api.MutableGlobal)
	require.False(t, ok)

	wide := inst.ExportedGlobal("wide").(api.MutableGlobal)
	require.Equal(t, api.EncodeI64(-2), wide.Get())
	wide.Set(api.EncodeI64(1 << 40))
	require.Equal(t, []uint32{42, 42, 42, 42, 0, 1 << 8}, inst.GlobalData)
	require.Nil(t, inst.ExportedGlobal("missing"))
}

func TestInstantiate_UnresolvedImports(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := validatedModule(t, &Module{
		TypeSection: []*FunctionType{v_v},
		ImportSection: []*Import{
			{Type: ExternTypeFunc, Module: "env", Name: "missing", DescFunc: 0},
			{Type: ExternTypeGlobal, Module: "env", Name: "g", DescGlobal: &GlobalType{ValType: ValueTypeF64}},
		},
	})

	inst, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{Logger: zap.New(core)})
	require.NoError(t, err)
	require.Nil(t, inst.Functions[0].Host)
	require.True(t, inst.Functions[0].IsImport())
	require.Zero(t, inst.Globals[0].Get())

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "unresolved global import, using zero", entries[0].Message)
	require.Equal(t, "unresolved function import", entries[1].Message)
	require.Equal(t, "env.missing", entries[1].ContextMap()["import"])
}

func TestInstantiate_ImportSignatureMismatch(t *testing.T) {
	m := validatedModule(t, &Module{
		TypeSection:   []*FunctionType{i32_v},
		ImportSection: []*Import{{Type: ExternTypeFunc, Module: "env", Name: "f", DescFunc: 0}},
	})
	_, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{
		Resolver: mapResolver{"env.f": func(int64) {}},
	})
	require.EqualError(t, err, "import func[env.f]: env.f signature mismatch: import expects i32_v, but func is i64_v")
}

func TestInstantiate_TableOverMaximum(t *testing.T) {
	m := validatedModule(t, &Module{TableSection: []*Table{{Min: 1}}})
	m.TableSection[0].Min = 0xffffffff

	e := &mockEngine{}
	inst, err := Instantiate(testCtx, m, e, InstantiateConfig{})
	require.EqualError(t, err, "table min 4294967295 must be at most 134217728")
	require.Nil(t, inst)
	require.Zero(t, e.closed)
}

func TestInstantiate_Memory(t *testing.T) {
	tests := []struct {
		name                     string
		memory                   *Memory
		heapSize, limitPages     uint32
		expectedMin, expectedMax uint32
		expectedHeapBase         uint32
		expectedErr              string
	}{
		{name: "no max", memory: &Memory{Min: 1}, expectedMin: 1, expectedMax: MemoryLimitPages},
		{name: "max", memory: &Memory{Min: 1, Max: 3, IsMaxEncoded: true}, expectedMin: 1, expectedMax: 3},
		{name: "limit clamps max", memory: &Memory{Min: 1, Max: 3, IsMaxEncoded: true}, limitPages: 2, expectedMin: 1, expectedMax: 2},
		{
			name: "heap appended", memory: &Memory{Min: 1, Max: 3, IsMaxEncoded: true}, heapSize: 70000,
			expectedMin: 3, expectedMax: 5, expectedHeapBase: MemoryPageSize,
		},
		{name: "heap without memory", heapSize: 100, expectedMin: 1, expectedMax: 1},
		{
			name: "heap over limit", memory: &Memory{Min: 2}, heapSize: 1, limitPages: 2,
			expectedErr: "memory min 2 pages and heap 1 pages over limit of 2 pages (128 Ki)",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := &Module{}
			if tc.memory != nil {
				m.MemorySection = []*Memory{tc.memory}
			}
			validatedModule(t, m)
			inst, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{HeapSize: tc.heapSize, MemoryLimitPages: tc.limitPages})
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedMin, inst.Mem.Min)
			require.Equal(t, tc.expectedMax, inst.Mem.Max)
			require.Equal(t, tc.expectedMin, inst.Mem.Pages())
			if tc.heapSize == 0 {
				require.Nil(t, inst.Mem.Heap)
			} else {
				require.Equal(t, tc.expectedHeapBase, inst.Mem.Heap.Base())
				require.Equal(t, AlignHeapSize(tc.heapSize), inst.Mem.Heap.Size())
			}
		})
	}
}

func TestInstantiate_Segments(t *testing.T) {
	newModule := func(dataOffset int32, elemOffset int32) *Module {
		return validatedModule(t, &Module{
			TypeSection:     []*FunctionType{v_v},
			FunctionSection: []Index{0, 0},
			CodeSection:     []*Code{{Body: []byte{OpcodeEnd}}, {Body: []byte{OpcodeEnd}}},
			TableSection:    []*Table{{Min: 4}},
			MemorySection:   []*Memory{{Min: 1}},
			GlobalSection: []*Global{
				{Type: &GlobalType{ValType: ValueTypeI32}, Init: i32Const(dataOffset)},
			},
			ElementSection: []*ElementSegment{
				{OffsetExpr: i32Const(elemOffset), Init: []Index{1, 0}},
			},
			DataSection: []*DataSegment{
				{OffsetExpression: i32Const(0), Init: []byte("first")},
				{OffsetExpression: globalGet(0), Init: []byte("hi")},
			},
		})
	}

	t.Run("applied", func(t *testing.T) {
		inst, err := Instantiate(testCtx, newModule(100, 1), &mockEngine{}, InstantiateConfig{})
		require.NoError(t, err)
		require.Equal(t, []Index{ElementUninitialized, 1, 0, ElementUninitialized}, inst.Table.Elements)
		require.Equal(t, "first", string(inst.Mem.Bytes()[:5]))
		require.Equal(t, "hi", string(inst.Mem.Bytes()[100:102]))
	})

	t.Run("data segment does not fit", func(t *testing.T) {
		e := &mockEngine{}
		inst, err := Instantiate(testCtx, newModule(int32(MemoryPageSize-1), 1), e, InstantiateConfig{})
		require.EqualError(t, err, "data segment does not fit")
		require.Nil(t, inst)
		require.Equal(t, 1, e.closed)
		require.Empty(t, e.calls)
	})

	t.Run("elements segment does not fit", func(t *testing.T) {
		_, err := Instantiate(testCtx, newModule(0, 3), &mockEngine{}, InstantiateConfig{})
		require.EqualError(t, err, "elements segment does not fit")
	})

	t.Run("negative offset", func(t *testing.T) {
		_, err := Instantiate(testCtx, newModule(-1, 0), &mockEngine{}, InstantiateConfig{})
		require.EqualError(t, err, "data segment does not fit")
	})
}

func TestInstantiate_InitFunctions(t *testing.T) {
	start := Index(2)
	newModule := func() *Module {
		return validatedModule(t, &Module{
			TypeSection:     []*FunctionType{v_v, i32_v},
			FunctionSection: []Index{0, 0, 0, 1},
			CodeSection: []*Code{
				{Body: []byte{OpcodeEnd}}, {Body: []byte{OpcodeEnd}}, {Body: []byte{OpcodeEnd}}, {Body: []byte{OpcodeEnd}},
			},
			ExportSection: []*Export{
				{Type: ExternTypeFunc, Name: FunctionNameCallCtors, Index: 0},
				{Type: ExternTypeFunc, Name: FunctionNamePostInstantiate, Index: 1},
				{Type: ExternTypeFunc, Name: "not_init", Index: 3},
			},
			StartSection: &start,
		})
	}

	t.Run("order", func(t *testing.T) {
		e := &mockEngine{}
		_, err := Instantiate(testCtx, newModule(), e, InstantiateConfig{InitFunctions: true})
		require.NoError(t, err)
		require.Equal(t, []Index{1, 0, 2}, e.calls)
	})

	t.Run("disabled", func(t *testing.T) {
		e := &mockEngine{}
		_, err := Instantiate(testCtx, newModule(), e, InstantiateConfig{})
		require.NoError(t, err)
		require.Empty(t, e.calls)
	})

	t.Run("skips mismatched type", func(t *testing.T) {
		m := newModule()
		m.Exports[FunctionNamePostInstantiate] = &Export{Type: ExternTypeFunc, Name: FunctionNamePostInstantiate, Index: 3}
		e := &mockEngine{}
		_, err := Instantiate(testCtx, m, e, InstantiateConfig{InitFunctions: true})
		require.NoError(t, err)
		require.Equal(t, []Index{0, 2}, e.calls)
	})

	t.Run("trap tears down", func(t *testing.T) {
		e := &mockEngine{trapOn: map[Index]bool{0: true}}
		inst, err := Instantiate(testCtx, newModule(), e, InstantiateConfig{InitFunctions: true})
		require.EqualError(t, err, "__wasm_call_ctors failed: unreachable")
		require.ErrorIs(t, err, ErrRuntimeUnreachable)
		require.Nil(t, inst)
		require.Equal(t, []Index{1, 0}, e.calls)
		require.Equal(t, 1, e.closed)
	})

	t.Run("start trap", func(t *testing.T) {
		e := &mockEngine{trapOn: map[Index]bool{2: true}}
		_, err := Instantiate(testCtx, newModule(), e, InstantiateConfig{InitFunctions: true})
		require.EqualError(t, err, "start function[2] failed: unreachable")
	})
}

func TestInstantiate_NameAndID(t *testing.T) {
	m := validatedModule(t, &Module{NameSection: &NameSection{ModuleName: "math"}})

	a, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{})
	require.NoError(t, err)
	b, err := Instantiate(testCtx, m, &mockEngine{}, InstantiateConfig{Name: "other"})
	require.NoError(t, err)

	require.Equal(t, "math", a.Name())
	require.Equal(t, "Module[other]", b.String())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, DefaultStackSize, a.StackSize)
}
