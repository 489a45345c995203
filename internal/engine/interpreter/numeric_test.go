package interpreter

import (
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

var testHandlers = newHandlerTable()

// exec runs the single instruction op over a fresh stack prepared by push.
func exec(op cellir.Opcode, push func(ce *callEngine)) (*callEngine, error) {
	ce := &callEngine{stack: make([]uint32, 16)}
	push(ce)
	err := testHandlers[op](ce, &cellir.Instruction{Opcode: op})
	return ce, err
}

func TestHandlers_NonTrappingFloatToIntConversion(t *testing.T) {
	_0x80000000 := uint32(0x80000000)
	_0xffffffff := uint32(0xffffffff)
	_0x8000000000000000 := uint64(0x8000000000000000)
	_0xffffffffffffffff := uint64(0xffffffffffffffff)

	tests := []struct {
		op            wasm.OpcodeMisc
		input32bit    []float32
		input64bit    []float64
		expected32bit []int32
		expected64bit []int64
	}{
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L261-L282
			op: wasm.OpcodeMiscI32TruncSatF32S,
			input32bit: []float32{
				0.0, 0.0, 0x1p-149, -0x1p-149, 1.0, 0x1.19999ap+0, 1.5, -1.0, -0x1.19999ap+0,
				-1.5, -1.9, -2.0, 2147483520.0, -2147483648.0, 2147483648.0, -2147483904.0,
				float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
			},
			expected32bit: []int32{
				0, 0, 0, 0, 1, 1, 1, -1, -1, -1, -1, -2, 2147483520, -2147483648, 0x7fffffff,
				int32(_0x80000000), 0x7fffffff, int32(_0x80000000), 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L284-L304
			op: wasm.OpcodeMiscI32TruncSatF32U,
			input32bit: []float32{
				0.0, 0.0, 0x1p-149, -0x1p-149, 1.0, 0x1.19999ap+0, 1.5, 1.9, 2.0, 2147483648, 4294967040.0,
				-0x1.ccccccp-1, -0x1.fffffep-1, 4294967296.0, -1.0, float32(math.Inf(1)), float32(math.Inf(-1)),
				float32(math.NaN()),
			},
			expected32bit: []int32{
				0, 0, 0, 0, 1, 1, 1, 1, 2, -2147483648, -256, 0, 0, int32(_0xffffffff), 0x00000000,
				int32(_0xffffffff), 0x00000000, 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L355-L378
			op: wasm.OpcodeMiscI64TruncSatF32S,
			input32bit: []float32{
				0.0, 0.0, 0x1p-149, -0x1p-149, 1.0, 0x1.19999ap+0, 1.5, -1.0, -0x1.19999ap+0, -1.5, -1.9, -2.0, 4294967296,
				-4294967296, 9223371487098961920.0, -9223372036854775808.0, 9223372036854775808.0, -9223373136366403584.0,
				float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
			},
			expected64bit: []int64{
				0, 0, 0, 0, 1, 1, 1, -1, -1, -1, -1, -2, 4294967296, -4294967296, 9223371487098961920, -9223372036854775808,
				0x7fffffffffffffff, int64(_0x8000000000000000), 0x7fffffffffffffff, int64(_0x8000000000000000), 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L380-L398
			op: wasm.OpcodeMiscI64TruncSatF32U,
			input32bit: []float32{
				0.0, 0.0, 0x1p-149, -0x1p-149, 1.0, 0x1.19999ap+0, 1.5, 4294967296,
				18446742974197923840.0, -0x1.ccccccp-1, -0x1.fffffep-1, 18446744073709551616.0, -1.0,
				float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
			},
			expected64bit: []int64{
				0, 0, 0, 0, 1, 1, 1,
				4294967296, -1099511627776, 0, 0, int64(_0xffffffffffffffff), 0x0000000000000000,
				int64(_0xffffffffffffffff), 0x0000000000000000, 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L306-L327
			op: wasm.OpcodeMiscI32TruncSatF64S,
			input64bit: []float64{
				0.0, 0.0, 0x0.0000000000001p-1022, -0x0.0000000000001p-1022, 1.0, 0x1.199999999999ap+0, 1.5, -1.0,
				-0x1.199999999999ap+0, -1.5, -1.9, -2.0, 2147483647.0, -2147483648.0, 2147483648.0,
				-2147483649.0, math.Inf(1), math.Inf(-1), math.NaN(),
			},
			expected32bit: []int32{
				0, 0, 0, 0, 1, 1, 1, -1, -1, -1, -1, -2,
				2147483647, -2147483648, 0x7fffffff, int32(_0x80000000), 0x7fffffff, int32(_0x80000000), 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L329-L353
			op: wasm.OpcodeMiscI32TruncSatF64U,
			input64bit: []float64{
				0.0, 0.0, 0x0.0000000000001p-1022, -0x0.0000000000001p-1022, 1.0, 0x1.199999999999ap+0, 1.5, 1.9, 2.0,
				2147483648, 4294967295.0, -0x1.ccccccccccccdp-1, -0x1.fffffffffffffp-1, 1e8, 4294967296.0, -1.0, 1e16, 1e30,
				9223372036854775808, math.Inf(1), math.Inf(-1), math.NaN(),
			},
			expected32bit: []int32{
				0, 0, 0, 0, 1, 1, 1, 1, 2, -2147483648, -1,
				0, 0, 100000000, int32(_0xffffffff), 0x00000000, int32(_0xffffffff), int32(_0xffffffff), int32(_0xffffffff),
				int32(_0xffffffff), 0x00000000, 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L400-L423
			op: wasm.OpcodeMiscI64TruncSatF64S,
			input64bit: []float64{
				0.0, 0.0, 0x0.0000000000001p-1022, -0x0.0000000000001p-1022, 1.0, 0x1.199999999999ap+0, 1.5, -1.0,
				-0x1.199999999999ap+0, -1.5, -1.9, -2.0, 4294967296, -4294967296, 9223372036854774784.0, -9223372036854775808.0,
				9223372036854775808.0, -9223372036854777856.0, math.Inf(1), math.Inf(-1), math.NaN(),
			},
			expected64bit: []int64{
				0, 0, 0, 0, 1, 1, 1, -1, -1, -1, -1, -2,
				4294967296, -4294967296, 9223372036854774784, -9223372036854775808, 0x7fffffffffffffff,
				int64(_0x8000000000000000), 0x7fffffffffffffff, int64(_0x8000000000000000), 0,
			},
		},
		{
			// https://github.com/WebAssembly/spec/blob/c8fd933fa51eb0b511bce027b573aef7ee373726/test/core/conversions.wast#L425-L447
			op: wasm.OpcodeMiscI64TruncSatF64U,
			input64bit: []float64{
				0.0, 0.0, 0x0.0000000000001p-1022, -0x0.0000000000001p-1022, 1.0, 0x1.199999999999ap+0, 1.5, 4294967295, 4294967296,
				18446744073709549568.0, -0x1.ccccccccccccdp-1, -0x1.fffffffffffffp-1, 1e8, 1e16, 9223372036854775808,
				18446744073709551616.0, -1.0, math.Inf(1), math.Inf(-1), math.NaN(),
			},
			expected64bit: []int64{
				0, 0, 0, 0, 1, 1, 1, 0xffffffff, 0x100000000, -2048, 0, 0, 100000000, 10000000000000000,
				-9223372036854775808, int64(_0xffffffffffffffff), 0x0000000000000000, int64(_0xffffffffffffffff),
				0x0000000000000000, 0,
			},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(wasm.MiscInstructionName(tc.op), func(t *testing.T) {
			in32bit := len(tc.input32bit) > 0
			casenum := len(tc.input32bit)
			if !in32bit {
				casenum = len(tc.input64bit)
			}
			for i := 0; i < casenum; i++ {
				i := i
				t.Run(strconv.Itoa(i), func(t *testing.T) {
					ce, err := exec(cellir.MiscOp(tc.op), func(ce *callEngine) {
						if in32bit {
							ce.pushF32(tc.input32bit[i])
						} else {
							ce.pushF64(tc.input64bit[i])
						}
					})
					require.NoError(t, err)
					if len(tc.expected32bit) > 0 {
						require.Equal(t, tc.expected32bit[i], int32(ce.pop32()))
					} else {
						require.Equal(t, tc.expected64bit[i], int64(ce.pop64()))
					}
					require.Zero(t, ce.sp)
				})
			}
		})
	}
}

func TestHandlers_TrappingFloatToIntConversion(t *testing.T) {
	tests := []struct {
		op          wasm.Opcode
		in32        *float32
		in64        *float64
		expected    uint64
		expectedErr error
	}{
		{op: wasm.OpcodeI32TruncF32S, in32: ptrF32(-1.5), expected: uint64(uint32(0xffffffff))},
		{op: wasm.OpcodeI32TruncF32S, in32: ptrF32(2147483648), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{op: wasm.OpcodeI32TruncF32S, in32: ptrF32(-2147483648), expected: 0x80000000},
		{op: wasm.OpcodeI32TruncF32S, in32: ptrF32(float32(math.NaN())), expectedErr: wasm.ErrRuntimeInvalidConversionToInteger},
		{op: wasm.OpcodeI32TruncF32U, in32: ptrF32(-0.9), expected: 0},
		{op: wasm.OpcodeI32TruncF32U, in32: ptrF32(-1), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{op: wasm.OpcodeI32TruncF64S, in64: ptrF64(-2147483648.9), expected: 0x80000000},
		{op: wasm.OpcodeI32TruncF64S, in64: ptrF64(-2147483649), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{op: wasm.OpcodeI32TruncF64U, in64: ptrF64(4294967295.9), expected: 0xffffffff},
		{op: wasm.OpcodeI32TruncF64U, in64: ptrF64(math.Inf(1)), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{op: wasm.OpcodeI64TruncF64S, in64: ptrF64(-9223372036854775808), expected: 1 << 63},
		{op: wasm.OpcodeI64TruncF64S, in64: ptrF64(9223372036854775808), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{op: wasm.OpcodeI64TruncF64U, in64: ptrF64(18446744073709549568), expected: 18446744073709549568},
		{op: wasm.OpcodeI64TruncF64U, in64: ptrF64(math.NaN()), expectedErr: wasm.ErrRuntimeInvalidConversionToInteger},
		{op: wasm.OpcodeI64TruncF32U, in32: ptrF32(18446744073709551616), expectedErr: wasm.ErrRuntimeIntegerOverflow},
	}

	for i, tt := range tests {
		tc := tt
		t.Run(fmt.Sprintf("%d/%s", i, wasm.InstructionName(tc.op)), func(t *testing.T) {
			ce, err := exec(cellir.Opcode(tc.op), func(ce *callEngine) {
				if tc.in32 != nil {
					ce.pushF32(*tc.in32)
				} else {
					ce.pushF64(*tc.in64)
				}
			})
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			switch tc.op {
			case wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U:
				require.Equal(t, tc.expected, ce.pop64())
			default:
				require.Equal(t, uint32(tc.expected), ce.pop32())
			}
		})
	}
}

func ptrF32(v float32) *float32 { return &v }

func ptrF64(v float64) *float64 { return &v }

func TestHandlers_SignExtend(t *testing.T) {
	t.Run("32bit", func(t *testing.T) {
		tests := []struct {
			in       int32
			expected int32
			opcode   wasm.Opcode
		}{
			// https://github.com/WebAssembly/spec/blob/ee4a6c40afa22e3e4c58610ce75186aafc22344e/test/core/i32.wast#L270-L276
			{in: 0, expected: 0, opcode: wasm.OpcodeI32Extend8S},
			{in: 0x7f, expected: 127, opcode: wasm.OpcodeI32Extend8S},
			{in: 0x80, expected: -128, opcode: wasm.OpcodeI32Extend8S},
			{in: 0xff, expected: -1, opcode: wasm.OpcodeI32Extend8S},
			{in: 0x012345_00, expected: 0, opcode: wasm.OpcodeI32Extend8S},
			{in: -19088768 /* = 0xfedcba_80 bit pattern */, expected: -0x80, opcode: wasm.OpcodeI32Extend8S},
			{in: -1, expected: -1, opcode: wasm.OpcodeI32Extend8S},

			// https://github.com/WebAssembly/spec/blob/ee4a6c40afa22e3e4c58610ce75186aafc22344e/test/core/i32.wast#L278-L284
			{in: 0, expected: 0, opcode: wasm.OpcodeI32Extend16S},
			{in: 0x7fff, expected: 32767, opcode: wasm.OpcodeI32Extend16S},
			{in: 0x8000, expected: -32768, opcode: wasm.OpcodeI32Extend16S},
			{in: 0xffff, expected: -1, opcode: wasm.OpcodeI32Extend16S},
			{in: 0x0123_0000, expected: 0, opcode: wasm.OpcodeI32Extend16S},
			{in: -19103744 /* = 0xfedc_8000 bit pattern */, expected: -0x8000, opcode: wasm.OpcodeI32Extend16S},
			{in: -1, expected: -1, opcode: wasm.OpcodeI32Extend16S},
		}

		for _, tt := range tests {
			tc := tt
			t.Run(fmt.Sprintf("%s(i32.const(0x%x))", wasm.InstructionName(tc.opcode), tc.in), func(t *testing.T) {
				ce, err := exec(cellir.Opcode(tc.opcode), func(ce *callEngine) { ce.push32(uint32(tc.in)) })
				require.NoError(t, err)
				require.Equal(t, tc.expected, int32(ce.pop32()))
			})
		}
	})
	t.Run("64bit", func(t *testing.T) {
		tests := []struct {
			in       int64
			expected int64
			opcode   wasm.Opcode
		}{
			// https://github.com/WebAssembly/spec/blob/ee4a6c40afa22e3e4c58610ce75186aafc22344e/test/core/i64.wast#L271-L277
			{in: 0, expected: 0, opcode: wasm.OpcodeI64Extend8S},
			{in: 0x7f, expected: 127, opcode: wasm.OpcodeI64Extend8S},
			{in: 0x80, expected: -128, opcode: wasm.OpcodeI64Extend8S},
			{in: 0xff, expected: -1, opcode: wasm.OpcodeI64Extend8S},
			{in: 0x01234567_89abcd_00, expected: 0, opcode: wasm.OpcodeI64Extend8S},
			{in: 81985529216486784 /* = 0xfedcba98_765432_80 bit pattern */, expected: -0x80, opcode: wasm.OpcodeI64Extend8S},
			{in: -1, expected: -1, opcode: wasm.OpcodeI64Extend8S},

			// https://github.com/WebAssembly/spec/blob/ee4a6c40afa22e3e4c58610ce75186aafc22344e/test/core/i64.wast#L279-L285
			{in: 0, expected: 0, opcode: wasm.OpcodeI64Extend16S},
			{in: 0x7fff, expected: 32767, opcode: wasm.OpcodeI64Extend16S},
			{in: 0x8000, expected: -32768, opcode: wasm.OpcodeI64Extend16S},
			{in: 0xffff, expected: -1, opcode: wasm.OpcodeI64Extend16S},
			{in: 0x12345678_9abc_0000, expected: 0, opcode: wasm.OpcodeI64Extend16S},
			{in: 81985529216466944 /* = 0xfedcba98_7654_8000 bit pattern */, expected: -0x8000, opcode: wasm.OpcodeI64Extend16S},
			{in: -1, expected: -1, opcode: wasm.OpcodeI64Extend16S},

			// https://github.com/WebAssembly/spec/blob/ee4a6c40afa22e3e4c58610ce75186aafc22344e/test/core/i64.wast#L287-L296
			{in: 0, expected: 0, opcode: wasm.OpcodeI64Extend32S},
			{in: 0x7fff, expected: 32767, opcode: wasm.OpcodeI64Extend32S},
			{in: 0x8000, expected: 32768, opcode: wasm.OpcodeI64Extend32S},
			{in: 0xffff, expected: 65535, opcode: wasm.OpcodeI64Extend32S},
			{in: 0x7fffffff, expected: 0x7fffffff, opcode: wasm.OpcodeI64Extend32S},
			{in: 0x80000000, expected: -0x80000000, opcode: wasm.OpcodeI64Extend32S},
			{in: 0xffffffff, expected: -1, opcode: wasm.OpcodeI64Extend32S},
			{in: 0x01234567_00000000, expected: 0, opcode: wasm.OpcodeI64Extend32S},
			{in: -81985529054232576 /* = 0xfedcba98_80000000 bit pattern */, expected: -0x80000000, opcode: wasm.OpcodeI64Extend32S},
			{in: -1, expected: -1, opcode: wasm.OpcodeI64Extend32S},
		}

		for _, tt := range tests {
			tc := tt
			t.Run(fmt.Sprintf("%s(i64.const(0x%x))", wasm.InstructionName(tc.opcode), tc.in), func(t *testing.T) {
				ce, err := exec(cellir.Opcode(tc.opcode), func(ce *callEngine) { ce.push64(uint64(tc.in)) })
				require.NoError(t, err)
				require.Equal(t, tc.expected, int64(ce.pop64()))
			})
		}
	})
}

func TestHandlers_IntegerDivision(t *testing.T) {
	const minI32, minI64 = uint32(0x80000000), uint64(1 << 63)
	m1x32, m1x64 := ^uint32(0), ^uint64(0)

	tests := []struct {
		name        string
		op          wasm.Opcode
		v1, v2      uint64
		expected    uint64
		expectedErr error
	}{
		{name: "i32.div_s overflow", op: wasm.OpcodeI32DivS, v1: uint64(minI32), v2: uint64(m1x32), expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{name: "i32.div_s by zero", op: wasm.OpcodeI32DivS, v1: 1, v2: 0, expectedErr: wasm.ErrRuntimeIntegerDivideByZero},
		{name: "i32.div_s", op: wasm.OpcodeI32DivS, v1: uint64(uint32(0xfffffff9)), v2: 2, expected: uint64(uint32(0xfffffffd))},
		{name: "i32.div_u by zero", op: wasm.OpcodeI32DivU, v1: 1, v2: 0, expectedErr: wasm.ErrRuntimeIntegerDivideByZero},
		{name: "i32.div_u", op: wasm.OpcodeI32DivU, v1: uint64(minI32), v2: 2, expected: 0x40000000},
		{name: "i32.rem_s min by -1", op: wasm.OpcodeI32RemS, v1: uint64(minI32), v2: uint64(m1x32), expected: 0},
		{name: "i32.rem_s sign of dividend", op: wasm.OpcodeI32RemS, v1: uint64(uint32(0xfffffff9)), v2: 2, expected: uint64(m1x32)},
		{name: "i32.rem_u by zero", op: wasm.OpcodeI32RemU, v1: 1, v2: 0, expectedErr: wasm.ErrRuntimeIntegerDivideByZero},
		{name: "i64.div_s overflow", op: wasm.OpcodeI64DivS, v1: minI64, v2: m1x64, expectedErr: wasm.ErrRuntimeIntegerOverflow},
		{name: "i64.div_s by zero", op: wasm.OpcodeI64DivS, v1: 1, v2: 0, expectedErr: wasm.ErrRuntimeIntegerDivideByZero},
		{name: "i64.div_u", op: wasm.OpcodeI64DivU, v1: m1x64, v2: 2, expected: m1x64 >> 1},
		{name: "i64.rem_s min by -1", op: wasm.OpcodeI64RemS, v1: minI64, v2: m1x64, expected: 0},
		{name: "i64.rem_u by zero", op: wasm.OpcodeI64RemU, v1: 1, v2: 0, expectedErr: wasm.ErrRuntimeIntegerDivideByZero},
	}

	for _, tt := range tests {
		tc := tt
		is64 := tc.op >= wasm.OpcodeI64DivS
		t.Run(tc.name, func(t *testing.T) {
			ce, err := exec(cellir.Opcode(tc.op), func(ce *callEngine) {
				ce.pushValue(is64, tc.v1)
				ce.pushValue(is64, tc.v2)
			})
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, ce.popValue(is64))
			require.Zero(t, ce.sp)
		})
	}
}

func TestHandlers_Float(t *testing.T) {
	tests := []struct {
		name     string
		op       wasm.Opcode
		v1, v2   float64
		expected float64
	}{
		{name: "f64.min negative zero", op: wasm.OpcodeF64Min, v1: 0, v2: math.Copysign(0, -1), expected: math.Copysign(0, -1)},
		{name: "f64.max", op: wasm.OpcodeF64Max, v1: -1, v2: 2, expected: 2},
		{name: "f64.copysign", op: wasm.OpcodeF64Copysign, v1: 3, v2: -0.5, expected: -3},
		{name: "f64.div", op: wasm.OpcodeF64Div, v1: 1, v2: 0, expected: math.Inf(1)},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			ce, err := exec(cellir.Opcode(tc.op), func(ce *callEngine) {
				ce.pushF64(tc.v1)
				ce.pushF64(tc.v2)
			})
			require.NoError(t, err)
			require.Equal(t, math.Float64bits(tc.expected), math.Float64bits(ce.popF64()))
		})
	}

	t.Run("f32.nearest", func(t *testing.T) {
		ce, err := exec(cellir.Opcode(wasm.OpcodeF32Nearest), func(ce *callEngine) { ce.pushF32(2.5) })
		require.NoError(t, err)
		require.Equal(t, float32(2), ce.popF32())
	})
	t.Run("f32.neg keeps NaN payload", func(t *testing.T) {
		ce, err := exec(cellir.Opcode(wasm.OpcodeF32Neg), func(ce *callEngine) { ce.push32(0x7fc00001) })
		require.NoError(t, err)
		require.Equal(t, uint32(0xffc00001), ce.pop32())
	})
	t.Run("f64.lt NaN", func(t *testing.T) {
		ce, err := exec(cellir.Opcode(wasm.OpcodeF64Lt), func(ce *callEngine) {
			ce.pushF64(math.NaN())
			ce.pushF64(1)
		})
		require.NoError(t, err)
		require.Zero(t, ce.pop32())
	})
	t.Run("i64.rotr", func(t *testing.T) {
		ce, err := exec(cellir.Opcode(wasm.OpcodeI64Rotr), func(ce *callEngine) {
			ce.push64(1)
			ce.push64(65)
		})
		require.NoError(t, err)
		require.Equal(t, uint64(1<<63), ce.pop64())
	})
}
