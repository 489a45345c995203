// Package differential runs the same binaries on cellvm and on wazero and requires the same results and traps.
package differential

import (
	"context"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"pgregory.net/rapid"

	"github.com/tetratelabs/cellvm"
	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasm/binary"
)

var testCtx = context.Background()

const blockTypeEmpty = 0x40

var (
	i32i32_i32 = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	i64i64_i64 = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeI64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	f32f32_f32 = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF32, wasm.ValueTypeF32}, Results: []wasm.ValueType{wasm.ValueTypeF32}}
	f64f64_f64 = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64}, Results: []wasm.ValueType{wasm.ValueTypeF64}}
	f64_i32    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	f64_i64    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	i32_i32    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	i64_i64    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	i32_i64    = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	i32i64_i64 = &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
)

// moduleBuilder exports each added function under its name.
type moduleBuilder struct {
	m wasm.Module
}

func (b *moduleBuilder) typeIndex(t *wasm.FunctionType) wasm.Index {
	for i, existing := range b.m.TypeSection {
		if existing == t {
			return wasm.Index(i)
		}
	}
	b.m.TypeSection = append(b.m.TypeSection, t)
	return wasm.Index(len(b.m.TypeSection) - 1)
}

func (b *moduleBuilder) add(name string, t *wasm.FunctionType, code *wasm.Code) wasm.Index {
	idx := wasm.Index(len(b.m.FunctionSection))
	b.m.FunctionSection = append(b.m.FunctionSection, b.typeIndex(t))
	b.m.CodeSection = append(b.m.CodeSection, code)
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
	return idx
}

func (b *moduleBuilder) binary() []byte {
	return binary.EncodeModule(&b.m)
}

func binaryOp(op ...byte) *wasm.Code {
	body := append([]byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1}, op...)
	return &wasm.Code{Body: append(body, wasm.OpcodeEnd)}
}

func unaryOp(op ...byte) *wasm.Code {
	body := append([]byte{wasm.OpcodeLocalGet, 0}, op...)
	return &wasm.Code{Body: append(body, wasm.OpcodeEnd)}
}

// engines instantiates the binary on both runtimes.
type engines struct {
	cellvm api.Module
	wazero wazeroapi.Module
}

func instantiate(t *testing.T, bin []byte) *engines {
	r := cellvm.NewRuntime(testCtx)
	t.Cleanup(func() { require.NoError(t, r.Close(testCtx)) })
	cm, err := r.Instantiate(testCtx, bin)
	require.NoError(t, err)

	wr := wazero.NewRuntimeWithConfig(testCtx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { require.NoError(t, wr.Close(testCtx)) })
	wm, err := wr.Instantiate(testCtx, bin)
	require.NoError(t, err)

	return &engines{cellvm: cm, wazero: wm}
}

// outcome is the results of a call, or the first line of its trap.
type outcome struct {
	results []uint64
	trap    string
}

func toOutcome(results []uint64, err error) outcome {
	if err != nil {
		msg, _, _ := strings.Cut(err.Error(), "\n")
		return outcome{trap: msg}
	}
	return outcome{results: append([]uint64(nil), results...)}
}

// call requires both engines to agree. NaN results are compared as NaN, not bit-for-bit, as payloads are not
// deterministic across implementations.
func (e *engines) call(t require.TestingT, name string, resultTypes []wasm.ValueType, params ...uint64) outcome {
	want := toOutcome(e.wazero.ExportedFunction(name).Call(testCtx, params...))
	got := toOutcome(e.cellvm.ExportedFunction(name).Call(testCtx, params...))
	if want.trap == "" && got.trap == "" {
		for i, rt := range resultTypes {
			want.results[i] = canonicalNaN(rt, want.results[i])
			got.results[i] = canonicalNaN(rt, got.results[i])
		}
	}
	require.Equal(t, want, got, "%s%v", name, params)
	return got
}

func canonicalNaN(t wasm.ValueType, v uint64) uint64 {
	switch t {
	case wasm.ValueTypeF32:
		if f := api.DecodeF32(v); f != f {
			return api.EncodeF32(float32(math.NaN()))
		}
	case wasm.ValueTypeF64:
		if f := api.DecodeF64(v); f != f {
			return api.EncodeF64(math.NaN())
		}
	}
	return v
}

func TestDifferential_Integers(t *testing.T) {
	i32Ops := map[string]byte{
		"i32.add": wasm.OpcodeI32Add, "i32.sub": wasm.OpcodeI32Sub, "i32.mul": wasm.OpcodeI32Mul,
		"i32.div_s": wasm.OpcodeI32DivS, "i32.div_u": wasm.OpcodeI32DivU,
		"i32.rem_s": wasm.OpcodeI32RemS, "i32.rem_u": wasm.OpcodeI32RemU,
		"i32.and": wasm.OpcodeI32And, "i32.or": wasm.OpcodeI32Or, "i32.xor": wasm.OpcodeI32Xor,
		"i32.shl": wasm.OpcodeI32Shl, "i32.shr_s": wasm.OpcodeI32ShrS, "i32.shr_u": wasm.OpcodeI32ShrU,
		"i32.rotl": wasm.OpcodeI32Rotl, "i32.rotr": wasm.OpcodeI32Rotr,
		"i32.lt_s": wasm.OpcodeI32LtS, "i32.ge_u": wasm.OpcodeI32GeU,
	}
	i64Ops := map[string]byte{
		"i64.add": wasm.OpcodeI64Add, "i64.sub": wasm.OpcodeI64Sub, "i64.mul": wasm.OpcodeI64Mul,
		"i64.div_s": wasm.OpcodeI64DivS, "i64.div_u": wasm.OpcodeI64DivU,
		"i64.rem_s": wasm.OpcodeI64RemS, "i64.rem_u": wasm.OpcodeI64RemU,
		"i64.and": wasm.OpcodeI64And, "i64.or": wasm.OpcodeI64Or, "i64.xor": wasm.OpcodeI64Xor,
		"i64.shl": wasm.OpcodeI64Shl, "i64.shr_s": wasm.OpcodeI64ShrS, "i64.shr_u": wasm.OpcodeI64ShrU,
		"i64.rotl": wasm.OpcodeI64Rotl, "i64.rotr": wasm.OpcodeI64Rotr,
	}
	i32Unary := map[string][]byte{
		"i32.clz": {wasm.OpcodeI32Clz}, "i32.ctz": {wasm.OpcodeI32Ctz}, "i32.popcnt": {wasm.OpcodeI32Popcnt},
		"i32.extend8_s": {wasm.OpcodeI32Extend8S}, "i32.extend16_s": {wasm.OpcodeI32Extend16S},
	}
	i64Unary := map[string][]byte{
		"i64.clz": {wasm.OpcodeI64Clz}, "i64.popcnt": {wasm.OpcodeI64Popcnt},
		"i64.extend32_s": {wasm.OpcodeI64Extend32S},
		// i64 -> i32 -> i64 round trip through wrap and extend.
		"i64.wrap_extend": {wasm.OpcodeI32WrapI64, wasm.OpcodeI64ExtendI32S},
	}

	b := &moduleBuilder{}
	var i32Names, i64Names, i32UnaryNames, i64UnaryNames []string
	for name, op := range i32Ops {
		b.add(name, i32i32_i32, binaryOp(op))
		i32Names = append(i32Names, name)
	}
	for name, op := range i64Ops {
		b.add(name, i64i64_i64, binaryOp(op))
		i64Names = append(i64Names, name)
	}
	for name, ops := range i32Unary {
		b.add(name, i32_i32, unaryOp(ops...))
		i32UnaryNames = append(i32UnaryNames, name)
	}
	for name, ops := range i64Unary {
		b.add(name, i64_i64, unaryOp(ops...))
		i64UnaryNames = append(i64UnaryNames, name)
	}
	for _, names := range [][]string{i32Names, i64Names, i32UnaryNames, i64UnaryNames} {
		sort.Strings(names)
	}
	e := instantiate(t, b.binary())

	// Values near the edges trap or overflow more often than uniformly drawn ones.
	i32 := rapid.OneOf(rapid.Int32(), rapid.SampledFrom([]int32{0, 1, -1, math.MinInt32, math.MaxInt32, 31, 32}))
	i64 := rapid.OneOf(rapid.Int64(), rapid.SampledFrom([]int64{0, 1, -1, math.MinInt64, math.MaxInt64, 63, 64}))

	t.Run("i32", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			name := rapid.SampledFrom(i32Names).Draw(rt, "op")
			x, y := i32.Draw(rt, "x"), i32.Draw(rt, "y")
			e.call(rt, name, i32i32_i32.Results, api.EncodeI32(x), api.EncodeI32(y))
		})
	})
	t.Run("i64", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			name := rapid.SampledFrom(i64Names).Draw(rt, "op")
			x, y := i64.Draw(rt, "x"), i64.Draw(rt, "y")
			e.call(rt, name, i64i64_i64.Results, api.EncodeI64(x), api.EncodeI64(y))
		})
	})
	t.Run("unary", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			if rapid.Bool().Draw(rt, "i64") {
				name := rapid.SampledFrom(i64UnaryNames).Draw(rt, "op")
				e.call(rt, name, i64_i64.Results, api.EncodeI64(i64.Draw(rt, "x")))
				return
			}
			name := rapid.SampledFrom(i32UnaryNames).Draw(rt, "op")
			e.call(rt, name, i32_i32.Results, api.EncodeI32(i32.Draw(rt, "x")))
		})
	})

	t.Run("traps", func(t *testing.T) {
		require.Equal(t, "wasm error: integer divide by zero", e.call(t, "i32.div_s", i32i32_i32.Results, 1, 0).trap)
		require.Equal(t, "wasm error: integer overflow",
			e.call(t, "i64.div_s", i64i64_i64.Results, api.EncodeI64(math.MinInt64), api.EncodeI64(-1)).trap)
		require.Empty(t, e.call(t, "i32.rem_s", i32i32_i32.Results, api.EncodeI32(math.MinInt32), api.EncodeI32(-1)).trap)
	})
}

func TestDifferential_Floats(t *testing.T) {
	f32Ops := map[string]byte{
		"f32.add": wasm.OpcodeF32Add, "f32.sub": wasm.OpcodeF32Sub, "f32.mul": wasm.OpcodeF32Mul,
		"f32.div": wasm.OpcodeF32Div, "f32.min": wasm.OpcodeF32Min, "f32.max": wasm.OpcodeF32Max,
		"f32.copysign": wasm.OpcodeF32Copysign,
	}
	f64Ops := map[string][]byte{
		"f64.add": {wasm.OpcodeF64Add}, "f64.sub": {wasm.OpcodeF64Sub}, "f64.mul": {wasm.OpcodeF64Mul},
		"f64.div": {wasm.OpcodeF64Div}, "f64.min": {wasm.OpcodeF64Min}, "f64.max": {wasm.OpcodeF64Max},
		"f64.copysign": {wasm.OpcodeF64Copysign},
		// Unary operations applied to the sum of the params.
		"f64.add_nearest": {wasm.OpcodeF64Add, wasm.OpcodeF64Nearest},
		"f64.add_sqrt":    {wasm.OpcodeF64Add, wasm.OpcodeF64Sqrt},
		"f64.add_floor":   {wasm.OpcodeF64Add, wasm.OpcodeF64Floor},
		"f64.demote_promote": {
			wasm.OpcodeF64Add, wasm.OpcodeF32DemoteF64, wasm.OpcodeF64PromoteF32,
		},
	}
	truncOps := map[string]struct {
		t  *wasm.FunctionType
		op []byte
	}{
		"i32.trunc_f64_s":     {f64_i32, []byte{wasm.OpcodeI32TruncF64S}},
		"i32.trunc_f64_u":     {f64_i32, []byte{wasm.OpcodeI32TruncF64U}},
		"i64.trunc_f64_s":     {f64_i64, []byte{wasm.OpcodeI64TruncF64S}},
		"i64.trunc_f64_u":     {f64_i64, []byte{wasm.OpcodeI64TruncF64U}},
		"i32.trunc_sat_f64_s": {f64_i32, []byte{wasm.OpcodeMiscPrefix, byte(wasm.OpcodeMiscI32TruncSatF64S)}},
		"i64.trunc_sat_f64_u": {f64_i64, []byte{wasm.OpcodeMiscPrefix, byte(wasm.OpcodeMiscI64TruncSatF64U)}},
	}

	b := &moduleBuilder{}
	var f32Names, f64Names, truncNames []string
	for name, op := range f32Ops {
		b.add(name, f32f32_f32, binaryOp(op))
		f32Names = append(f32Names, name)
	}
	for name, ops := range f64Ops {
		b.add(name, f64f64_f64, binaryOp(ops...))
		f64Names = append(f64Names, name)
	}
	for name, tc := range truncOps {
		b.add(name, tc.t, unaryOp(tc.op...))
		truncNames = append(truncNames, name)
	}
	for _, names := range [][]string{f32Names, f64Names, truncNames} {
		sort.Strings(names)
	}
	e := instantiate(t, b.binary())

	special := []float64{0, math.Copysign(0, -1), 1, -1, 0.5, -0.5, 2.5, math.Inf(1), math.Inf(-1), math.NaN(),
		math.MaxInt32, math.MinInt32, math.MaxInt64, math.MaxUint32, 4294967296, math.SmallestNonzeroFloat64}
	f64 := rapid.OneOf(rapid.Float64(), rapid.SampledFrom(special))

	t.Run("f32", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			name := rapid.SampledFrom(f32Names).Draw(rt, "op")
			x, y := float32(f64.Draw(rt, "x")), float32(f64.Draw(rt, "y"))
			e.call(rt, name, f32f32_f32.Results, api.EncodeF32(x), api.EncodeF32(y))
		})
	})
	t.Run("f64", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			name := rapid.SampledFrom(f64Names).Draw(rt, "op")
			x, y := f64.Draw(rt, "x"), f64.Draw(rt, "y")
			e.call(rt, name, f64f64_f64.Results, api.EncodeF64(x), api.EncodeF64(y))
		})
	})
	t.Run("trunc", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			name := rapid.SampledFrom(truncNames).Draw(rt, "op")
			x := f64.Draw(rt, "x")
			e.call(rt, name, truncOps[name].t.Results, api.EncodeF64(x))
		})
	})

	t.Run("traps", func(t *testing.T) {
		require.Equal(t, "wasm error: invalid conversion to integer",
			e.call(t, "i32.trunc_f64_s", f64_i32.Results, api.EncodeF64(math.NaN())).trap)
		require.Equal(t, "wasm error: integer overflow",
			e.call(t, "i64.trunc_f64_u", f64_i64.Results, api.EncodeF64(-1)).trap)
	})
}

func TestDifferential_Memory(t *testing.T) {
	b := &moduleBuilder{}
	b.m.MemorySection = []*wasm.Memory{{Min: 1}}
	b.add("store_load", i32i64_i64, &wasm.Code{Body: []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI64Store, 3, 0,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Load, 3, 0,
		wasm.OpcodeEnd,
	}})
	b.add("load8", i32_i64, &wasm.Code{Body: []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Load8S, 0, 0,
		wasm.OpcodeEnd,
	}})
	e := instantiate(t, b.binary())

	// Addresses cluster around the end of the single page.
	addr := rapid.OneOf(rapid.Uint32Range(0, 2*wasm.MemoryPageSize), rapid.Uint32Range(wasm.MemoryPageSize-16, wasm.MemoryPageSize+16), rapid.Uint32())

	rapid.Check(t, func(rt *rapid.T) {
		a := addr.Draw(rt, "addr")
		if rapid.Bool().Draw(rt, "store") {
			e.call(rt, "store_load", i32i64_i64.Results, uint64(a), api.EncodeI64(rapid.Int64().Draw(rt, "v")))
		} else {
			e.call(rt, "load8", i32_i64.Results, uint64(a))
		}
	})

	require.Equal(t, "wasm error: out of bounds memory access",
		e.call(t, "store_load", i32i64_i64.Results, uint64(wasm.MemoryPageSize-7), 1).trap)
}

func TestDifferential_Control(t *testing.T) {
	b := &moduleBuilder{}
	fib := wasm.Index(0)
	b.add("fib", i32_i32, &wasm.Code{Body: []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 2, wasm.OpcodeI32LtS,
		wasm.OpcodeIf, wasm.ValueTypeI32,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeElse,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeCall, byte(fib),
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 2, wasm.OpcodeI32Sub, wasm.OpcodeCall, byte(fib),
		wasm.OpcodeI32Add,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
	}})
	b.add("sum", i32_i64, &wasm.Code{LocalTypes: []wasm.ValueType{wasm.ValueTypeI64}, Body: []byte{
		wasm.OpcodeBlock, blockTypeEmpty,
		wasm.OpcodeLoop, blockTypeEmpty,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf, 1,
		wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI64ExtendI32U, wasm.OpcodeI64Add, wasm.OpcodeLocalSet, 1,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeLocalSet, 0,
		wasm.OpcodeBr, 0,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeEnd,
	}})
	b.add("unreachable", i32_i32, &wasm.Code{Body: []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}})
	e := instantiate(t, b.binary())

	for n := uint64(0); n <= 20; n++ {
		e.call(t, "fib", i32_i32.Results, n)
	}
	require.Equal(t, []uint64{6765}, e.call(t, "fib", i32_i32.Results, 20).results)

	rapid.Check(t, func(rt *rapid.T) {
		e.call(rt, "sum", i32_i64.Results, uint64(rapid.Uint32Range(0, 10000).Draw(rt, "n")))
	})

	require.Equal(t, "wasm error: unreachable", e.call(t, "unreachable", i32_i32.Results, 0).trap)
}
