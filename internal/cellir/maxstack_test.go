package cellir

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// expr is a generated expression tree rendered to bytecode, with the stack peak and block nesting computed from
// the tree alone.
type expr struct {
	code []byte
	// peak is the highest stack height, in cells, reached while evaluating from an empty stack.
	peak uint32
	// depth is the block nesting inside the expression.
	depth uint32
}

func maxU32(vs ...uint32) (ret uint32) {
	for _, v := range vs {
		if v > ret {
			ret = v
		}
	}
	return
}

func concat(parts ...[]byte) (ret []byte) {
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return
}

// genExpr draws an expression of type typ. Locals 0, 1 and 2 are an i32, an i64 and an f64.
func genExpr(t *rapid.T, typ wasm.ValueType, depth int) expr {
	c := api.ValueTypeCells(typ)
	var kind int
	if depth > 0 {
		kind = rapid.IntRange(0, 11).Draw(t, "kind")
	} else {
		kind = rapid.IntRange(0, 1).Draw(t, "leaf")
	}

	switch kind {
	case 0:
		switch typ {
		case i32:
			return expr{code: concat([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(rapid.Int32().Draw(t, "i32"))), peak: c}
		case i64:
			return expr{code: concat([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(rapid.Int64().Draw(t, "i64"))), peak: c}
		}
		bits := math.Float64bits(rapid.Float64().Draw(t, "f64"))
		return expr{code: binary.LittleEndian.AppendUint64([]byte{wasm.OpcodeF64Const}, bits), peak: c}
	case 1:
		return expr{code: []byte{wasm.OpcodeLocalGet, localOf[typ]}, peak: c}
	case 2:
		a, b := genExpr(t, typ, depth-1), genExpr(t, typ, depth-1)
		return expr{code: concat(a.code, b.code, []byte{addOf[typ]}), peak: maxU32(a.peak, c+b.peak), depth: maxU32(a.depth, b.depth)}
	case 3:
		inner := genExpr(t, typ, depth-1)
		return expr{
			code:  concat([]byte{wasm.OpcodeBlock, typ}, inner.code, []byte{wasm.OpcodeEnd}),
			peak:  inner.peak,
			depth: inner.depth + 1,
		}
	case 4:
		// i32.eqz keeps the condition from being a constant directly before the if.
		cond := genExpr(t, i32, depth-1)
		then, els := genExpr(t, typ, depth-1), genExpr(t, typ, depth-1)
		return expr{
			code: concat(cond.code, []byte{wasm.OpcodeI32Eqz, wasm.OpcodeIf, typ}, then.code,
				[]byte{wasm.OpcodeElse}, els.code, []byte{wasm.OpcodeEnd}),
			peak:  maxU32(cond.peak, then.peak, els.peak),
			depth: maxU32(cond.depth, maxU32(then.depth, els.depth)+1),
		}
	case 5:
		switch typ {
		case i32:
			inner := genExpr(t, i64, depth-1)
			return expr{code: concat(inner.code, []byte{wasm.OpcodeI32WrapI64}), peak: inner.peak, depth: inner.depth}
		case i64:
			inner := genExpr(t, i32, depth-1)
			return expr{code: concat(inner.code, []byte{wasm.OpcodeI64ExtendI32S}), peak: maxU32(inner.peak, 2), depth: inner.depth}
		}
		inner := genExpr(t, i64, depth-1)
		return expr{code: concat(inner.code, []byte{wasm.OpcodeF64ConvertI64S}), peak: inner.peak, depth: inner.depth}
	case 6:
		a, b, cond := genExpr(t, typ, depth-1), genExpr(t, typ, depth-1), genExpr(t, i32, depth-1)
		return expr{
			code:  concat(a.code, b.code, cond.code, []byte{wasm.OpcodeSelect}),
			peak:  maxU32(a.peak, c+b.peak, 2*c+cond.peak),
			depth: maxU32(a.depth, b.depth, cond.depth),
		}
	case 7:
		// A constant condition folds the if: the constant is never pushed and only the taken arm counts.
		cond := genCond(t)
		then, els := genExpr(t, typ, depth-1), genExpr(t, typ, depth-1)
		peak := els.peak
		if cond != 0 {
			peak = then.peak
		}
		return expr{
			code: concat([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(cond), []byte{wasm.OpcodeIf, typ}, then.code,
				[]byte{wasm.OpcodeElse}, els.code, []byte{wasm.OpcodeEnd}),
			peak:  peak,
			depth: maxU32(then.depth, els.depth) + 1,
		}
	case 8:
		// Folded if without else, then the value.
		cond := genCond(t)
		then, value := genExpr(t, typ, depth-1), genExpr(t, typ, depth-1)
		var peak uint32
		if cond != 0 {
			peak = then.peak
		}
		return expr{
			code: concat([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(cond), []byte{wasm.OpcodeIf, blockTypeEmpty},
				then.code, []byte{wasm.OpcodeDrop, wasm.OpcodeEnd}, value.code),
			peak:  maxU32(peak, value.peak),
			depth: maxU32(then.depth+1, value.depth),
		}
	case 9:
		// br keeps the value while leaving one or two blocks.
		inner := genExpr(t, typ, depth-1)
		if rapid.Bool().Draw(t, "outer") {
			return expr{
				code: concat([]byte{wasm.OpcodeBlock, typ, wasm.OpcodeBlock, typ}, inner.code,
					[]byte{wasm.OpcodeBr, 1, wasm.OpcodeEnd, wasm.OpcodeEnd}),
				peak:  inner.peak,
				depth: inner.depth + 2,
			}
		}
		return expr{
			code:  concat([]byte{wasm.OpcodeBlock, typ}, inner.code, []byte{wasm.OpcodeBr, 0, wasm.OpcodeEnd}),
			peak:  inner.peak,
			depth: inner.depth + 1,
		}
	case 10:
		inner, cond := genExpr(t, typ, depth-1), genExpr(t, i32, depth-1)
		return expr{
			code:  concat([]byte{wasm.OpcodeBlock, typ}, inner.code, cond.code, []byte{wasm.OpcodeBrIf, 0, wasm.OpcodeEnd}),
			peak:  maxU32(inner.peak, c+cond.peak),
			depth: maxU32(inner.depth, cond.depth) + 1,
		}
	default:
		inner, index := genExpr(t, typ, depth-1), genExpr(t, i32, depth-1)
		return expr{
			code: concat([]byte{wasm.OpcodeBlock, typ, wasm.OpcodeBlock, typ}, inner.code, index.code,
				[]byte{wasm.OpcodeBrTable, 2, 0, 1, 1, wasm.OpcodeEnd, wasm.OpcodeEnd}),
			peak:  maxU32(inner.peak, c+index.peak),
			depth: maxU32(inner.depth, index.depth) + 2,
		}
	}
}

const blockTypeEmpty = 0x40

var (
	localOf = map[wasm.ValueType]byte{i32: 0, i64: 1, f64: 2}
	addOf   = map[wasm.ValueType]byte{i32: wasm.OpcodeI32Add, i64: wasm.OpcodeI64Add, f64: wasm.OpcodeF64Add}
)

func genCond(t *rapid.T) int32 {
	return rapid.SampledFrom([]int32{0, 1, -1, 42}).Draw(t, "cond")
}

func TestCompileFunctions_MaxStackCellNumIsExact(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{i32, i64, f64}}
	rapid.Check(t, func(t *rapid.T) {
		var body []byte
		var peak, depth uint32
		n := rapid.IntRange(1, 5).Draw(t, "statements")
		for i := 0; i < n; i++ {
			typ := rapid.SampledFrom([]wasm.ValueType{i32, i64, f64}).Draw(t, "type")
			e := genExpr(t, typ, rapid.IntRange(0, 4).Draw(t, "depth"))
			body = concat(body, e.code, []byte{wasm.OpcodeDrop})
			peak, depth = maxU32(peak, e.peak), maxU32(depth, e.depth)
		}
		body = append(body, wasm.OpcodeEnd)

		m := testModule(sig, nil, body)
		fn, err := compileOne(wasm.FeaturesDefault, m)
		require.NoError(t, err)
		require.Equal(t, peak, fn.MaxStackCellNum, Format(fn))
		require.Equal(t, depth+1, fn.MaxBlockNum)

		again, err := compileOne(wasm.FeaturesDefault, testModule(sig, nil, body))
		require.NoError(t, err)
		require.Equal(t, fn.Body, again.Body)
	})
}
