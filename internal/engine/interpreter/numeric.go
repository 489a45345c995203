package interpreter

import (
	"math"
	"math/bits"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/moremath"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

func registerNumeric(t *handlerTable) {
	registerComparisons(t)
	registerIntegerArithmetic(t)
	registerFloatArithmetic(t)
	registerConversions(t)
}

// The closures below take and return raw operands so that one handler body serves each shape of operator.

func unop32(f func(v uint32) uint32) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		ce.stack[ce.sp-1] = f(ce.stack[ce.sp-1])
		ce.pc++
		return nil
	}
}

func binop32(f func(v1, v2 uint32) uint32) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		v2 := ce.pop32()
		ce.stack[ce.sp-1] = f(ce.stack[ce.sp-1], v2)
		ce.pc++
		return nil
	}
}

func unop64(f func(v uint64) uint64) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		ce.push64(f(ce.pop64()))
		ce.pc++
		return nil
	}
}

func binop64(f func(v1, v2 uint64) uint64) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		v2 := ce.pop64()
		ce.push64(f(ce.pop64(), v2))
		ce.pc++
		return nil
	}
}

// cmp64 compares two 64-bit operands into an i32.
func cmp64(f func(v1, v2 uint64) bool) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		v2 := ce.pop64()
		ce.push32(b2i(f(ce.pop64(), v2)))
		ce.pc++
		return nil
	}
}

// trapping64 is binop64 for operators that can trap.
func trapping64(f func(v1, v2 uint64) (uint64, error)) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		v2 := ce.pop64()
		r, err := f(ce.pop64(), v2)
		if err != nil {
			return err
		}
		ce.push64(r)
		ce.pc++
		return nil
	}
}

func trapping32(f func(v1, v2 uint32) (uint32, error)) handler {
	return func(ce *callEngine, _ *cellir.Instruction) error {
		v2 := ce.pop32()
		r, err := f(ce.pop32(), v2)
		if err != nil {
			return err
		}
		ce.push32(r)
		ce.pc++
		return nil
	}
}

func b2i(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func f32(v uint32) float32 { return math.Float32frombits(v) }

func f64(v uint64) float64 { return math.Float64frombits(v) }

func registerComparisons(t *handlerTable) {
	t[wasm.OpcodeI32Eqz] = unop32(func(v uint32) uint32 { return b2i(v == 0) })
	t[wasm.OpcodeI32Eq] = binop32(func(a, b uint32) uint32 { return b2i(a == b) })
	t[wasm.OpcodeI32Ne] = binop32(func(a, b uint32) uint32 { return b2i(a != b) })
	t[wasm.OpcodeI32LtS] = binop32(func(a, b uint32) uint32 { return b2i(int32(a) < int32(b)) })
	t[wasm.OpcodeI32LtU] = binop32(func(a, b uint32) uint32 { return b2i(a < b) })
	t[wasm.OpcodeI32GtS] = binop32(func(a, b uint32) uint32 { return b2i(int32(a) > int32(b)) })
	t[wasm.OpcodeI32GtU] = binop32(func(a, b uint32) uint32 { return b2i(a > b) })
	t[wasm.OpcodeI32LeS] = binop32(func(a, b uint32) uint32 { return b2i(int32(a) <= int32(b)) })
	t[wasm.OpcodeI32LeU] = binop32(func(a, b uint32) uint32 { return b2i(a <= b) })
	t[wasm.OpcodeI32GeS] = binop32(func(a, b uint32) uint32 { return b2i(int32(a) >= int32(b)) })
	t[wasm.OpcodeI32GeU] = binop32(func(a, b uint32) uint32 { return b2i(a >= b) })

	t[wasm.OpcodeI64Eqz] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.push32(b2i(ce.pop64() == 0))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeI64Eq] = cmp64(func(a, b uint64) bool { return a == b })
	t[wasm.OpcodeI64Ne] = cmp64(func(a, b uint64) bool { return a != b })
	t[wasm.OpcodeI64LtS] = cmp64(func(a, b uint64) bool { return int64(a) < int64(b) })
	t[wasm.OpcodeI64LtU] = cmp64(func(a, b uint64) bool { return a < b })
	t[wasm.OpcodeI64GtS] = cmp64(func(a, b uint64) bool { return int64(a) > int64(b) })
	t[wasm.OpcodeI64GtU] = cmp64(func(a, b uint64) bool { return a > b })
	t[wasm.OpcodeI64LeS] = cmp64(func(a, b uint64) bool { return int64(a) <= int64(b) })
	t[wasm.OpcodeI64LeU] = cmp64(func(a, b uint64) bool { return a <= b })
	t[wasm.OpcodeI64GeS] = cmp64(func(a, b uint64) bool { return int64(a) >= int64(b) })
	t[wasm.OpcodeI64GeU] = cmp64(func(a, b uint64) bool { return a >= b })

	t[wasm.OpcodeF32Eq] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) == f32(b)) })
	t[wasm.OpcodeF32Ne] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) != f32(b)) })
	t[wasm.OpcodeF32Lt] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) < f32(b)) })
	t[wasm.OpcodeF32Gt] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) > f32(b)) })
	t[wasm.OpcodeF32Le] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) <= f32(b)) })
	t[wasm.OpcodeF32Ge] = binop32(func(a, b uint32) uint32 { return b2i(f32(a) >= f32(b)) })

	t[wasm.OpcodeF64Eq] = cmp64(func(a, b uint64) bool { return f64(a) == f64(b) })
	t[wasm.OpcodeF64Ne] = cmp64(func(a, b uint64) bool { return f64(a) != f64(b) })
	t[wasm.OpcodeF64Lt] = cmp64(func(a, b uint64) bool { return f64(a) < f64(b) })
	t[wasm.OpcodeF64Gt] = cmp64(func(a, b uint64) bool { return f64(a) > f64(b) })
	t[wasm.OpcodeF64Le] = cmp64(func(a, b uint64) bool { return f64(a) <= f64(b) })
	t[wasm.OpcodeF64Ge] = cmp64(func(a, b uint64) bool { return f64(a) >= f64(b) })
}

func registerIntegerArithmetic(t *handlerTable) {
	t[wasm.OpcodeI32Clz] = unop32(func(v uint32) uint32 { return uint32(bits.LeadingZeros32(v)) })
	t[wasm.OpcodeI32Ctz] = unop32(func(v uint32) uint32 { return uint32(bits.TrailingZeros32(v)) })
	t[wasm.OpcodeI32Popcnt] = unop32(func(v uint32) uint32 { return uint32(bits.OnesCount32(v)) })
	t[wasm.OpcodeI32Add] = binop32(func(a, b uint32) uint32 { return a + b })
	t[wasm.OpcodeI32Sub] = binop32(func(a, b uint32) uint32 { return a - b })
	t[wasm.OpcodeI32Mul] = binop32(func(a, b uint32) uint32 { return a * b })
	t[wasm.OpcodeI32DivS] = trapping32(func(a, b uint32) (uint32, error) {
		switch {
		case b == 0:
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return 0, wasm.ErrRuntimeIntegerOverflow
		}
		return uint32(int32(a) / int32(b)), nil
	})
	t[wasm.OpcodeI32DivU] = trapping32(func(a, b uint32) (uint32, error) {
		if b == 0 {
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		}
		return a / b, nil
	})
	t[wasm.OpcodeI32RemS] = trapping32(func(a, b uint32) (uint32, error) {
		switch {
		case b == 0:
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		case int32(b) == -1:
			return 0, nil
		}
		return uint32(int32(a) % int32(b)), nil
	})
	t[wasm.OpcodeI32RemU] = trapping32(func(a, b uint32) (uint32, error) {
		if b == 0 {
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		}
		return a % b, nil
	})
	t[wasm.OpcodeI32And] = binop32(func(a, b uint32) uint32 { return a & b })
	t[wasm.OpcodeI32Or] = binop32(func(a, b uint32) uint32 { return a | b })
	t[wasm.OpcodeI32Xor] = binop32(func(a, b uint32) uint32 { return a ^ b })
	t[wasm.OpcodeI32Shl] = binop32(func(a, b uint32) uint32 { return a << (b % 32) })
	t[wasm.OpcodeI32ShrS] = binop32(func(a, b uint32) uint32 { return uint32(int32(a) >> (b % 32)) })
	t[wasm.OpcodeI32ShrU] = binop32(func(a, b uint32) uint32 { return a >> (b % 32) })
	t[wasm.OpcodeI32Rotl] = binop32(func(a, b uint32) uint32 { return bits.RotateLeft32(a, int(b%32)) })
	t[wasm.OpcodeI32Rotr] = binop32(func(a, b uint32) uint32 { return bits.RotateLeft32(a, -int(b%32)) })

	t[wasm.OpcodeI64Clz] = unop64(func(v uint64) uint64 { return uint64(bits.LeadingZeros64(v)) })
	t[wasm.OpcodeI64Ctz] = unop64(func(v uint64) uint64 { return uint64(bits.TrailingZeros64(v)) })
	t[wasm.OpcodeI64Popcnt] = unop64(func(v uint64) uint64 { return uint64(bits.OnesCount64(v)) })
	t[wasm.OpcodeI64Add] = binop64(func(a, b uint64) uint64 { return a + b })
	t[wasm.OpcodeI64Sub] = binop64(func(a, b uint64) uint64 { return a - b })
	t[wasm.OpcodeI64Mul] = binop64(func(a, b uint64) uint64 { return a * b })
	t[wasm.OpcodeI64DivS] = trapping64(func(a, b uint64) (uint64, error) {
		switch {
		case b == 0:
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return 0, wasm.ErrRuntimeIntegerOverflow
		}
		return uint64(int64(a) / int64(b)), nil
	})
	t[wasm.OpcodeI64DivU] = trapping64(func(a, b uint64) (uint64, error) {
		if b == 0 {
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		}
		return a / b, nil
	})
	t[wasm.OpcodeI64RemS] = trapping64(func(a, b uint64) (uint64, error) {
		switch {
		case b == 0:
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		case int64(b) == -1:
			return 0, nil
		}
		return uint64(int64(a) % int64(b)), nil
	})
	t[wasm.OpcodeI64RemU] = trapping64(func(a, b uint64) (uint64, error) {
		if b == 0 {
			return 0, wasm.ErrRuntimeIntegerDivideByZero
		}
		return a % b, nil
	})
	t[wasm.OpcodeI64And] = binop64(func(a, b uint64) uint64 { return a & b })
	t[wasm.OpcodeI64Or] = binop64(func(a, b uint64) uint64 { return a | b })
	t[wasm.OpcodeI64Xor] = binop64(func(a, b uint64) uint64 { return a ^ b })
	t[wasm.OpcodeI64Shl] = binop64(func(a, b uint64) uint64 { return a << (b % 64) })
	t[wasm.OpcodeI64ShrS] = binop64(func(a, b uint64) uint64 { return uint64(int64(a) >> (b % 64)) })
	t[wasm.OpcodeI64ShrU] = binop64(func(a, b uint64) uint64 { return a >> (b % 64) })
	t[wasm.OpcodeI64Rotl] = binop64(func(a, b uint64) uint64 { return bits.RotateLeft64(a, int(b%64)) })
	t[wasm.OpcodeI64Rotr] = binop64(func(a, b uint64) uint64 { return bits.RotateLeft64(a, -int(b%64)) })

	t[wasm.OpcodeI32Extend8S] = unop32(func(v uint32) uint32 { return uint32(int8(v)) })
	t[wasm.OpcodeI32Extend16S] = unop32(func(v uint32) uint32 { return uint32(int16(v)) })
	t[wasm.OpcodeI64Extend8S] = unop64(func(v uint64) uint64 { return uint64(int8(v)) })
	t[wasm.OpcodeI64Extend16S] = unop64(func(v uint64) uint64 { return uint64(int16(v)) })
	t[wasm.OpcodeI64Extend32S] = unop64(func(v uint64) uint64 { return uint64(int32(v)) })
}

func registerFloatArithmetic(t *handlerTable) {
	f32un := func(f func(v float32) float32) handler {
		return unop32(func(v uint32) uint32 { return math.Float32bits(f(f32(v))) })
	}
	f32bin := func(f func(a, b float32) float32) handler {
		return binop32(func(a, b uint32) uint32 { return math.Float32bits(f(f32(a), f32(b))) })
	}
	f64un := func(f func(v float64) float64) handler {
		return unop64(func(v uint64) uint64 { return math.Float64bits(f(f64(v))) })
	}
	f64bin := func(f func(a, b float64) float64) handler {
		return binop64(func(a, b uint64) uint64 { return math.Float64bits(f(f64(a), f64(b))) })
	}

	// abs, neg and copysign only touch the sign bit, so NaN payloads pass through.
	t[wasm.OpcodeF32Abs] = unop32(func(v uint32) uint32 { return v &^ (1 << 31) })
	t[wasm.OpcodeF32Neg] = unop32(func(v uint32) uint32 { return v ^ (1 << 31) })
	t[wasm.OpcodeF32Ceil] = f32un(func(v float32) float32 { return float32(math.Ceil(float64(v))) })
	t[wasm.OpcodeF32Floor] = f32un(func(v float32) float32 { return float32(math.Floor(float64(v))) })
	t[wasm.OpcodeF32Trunc] = f32un(func(v float32) float32 { return float32(math.Trunc(float64(v))) })
	t[wasm.OpcodeF32Nearest] = f32un(moremath.WasmCompatNearestF32)
	t[wasm.OpcodeF32Sqrt] = f32un(func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
	t[wasm.OpcodeF32Add] = f32bin(func(a, b float32) float32 { return a + b })
	t[wasm.OpcodeF32Sub] = f32bin(func(a, b float32) float32 { return a - b })
	t[wasm.OpcodeF32Mul] = f32bin(func(a, b float32) float32 { return a * b })
	t[wasm.OpcodeF32Div] = f32bin(func(a, b float32) float32 { return a / b })
	t[wasm.OpcodeF32Min] = f32bin(moremath.WasmCompatMin32)
	t[wasm.OpcodeF32Max] = f32bin(moremath.WasmCompatMax32)
	t[wasm.OpcodeF32Copysign] = binop32(moremath.Copysign32)

	t[wasm.OpcodeF64Abs] = unop64(func(v uint64) uint64 { return v &^ (1 << 63) })
	t[wasm.OpcodeF64Neg] = unop64(func(v uint64) uint64 { return v ^ (1 << 63) })
	t[wasm.OpcodeF64Ceil] = f64un(math.Ceil)
	t[wasm.OpcodeF64Floor] = f64un(math.Floor)
	t[wasm.OpcodeF64Trunc] = f64un(math.Trunc)
	t[wasm.OpcodeF64Nearest] = f64un(moremath.WasmCompatNearestF64)
	t[wasm.OpcodeF64Sqrt] = f64un(math.Sqrt)
	t[wasm.OpcodeF64Add] = f64bin(func(a, b float64) float64 { return a + b })
	t[wasm.OpcodeF64Sub] = f64bin(func(a, b float64) float64 { return a - b })
	t[wasm.OpcodeF64Mul] = f64bin(func(a, b float64) float64 { return a * b })
	t[wasm.OpcodeF64Div] = f64bin(func(a, b float64) float64 { return a / b })
	t[wasm.OpcodeF64Min] = f64bin(moremath.WasmCompatMin64)
	t[wasm.OpcodeF64Max] = f64bin(moremath.WasmCompatMax64)
	t[wasm.OpcodeF64Copysign] = binop64(moremath.Copysign64)
}

// truncRange is the open interval of truncated values an integer type can hold. The bounds are exact float64
// values.
type truncRange struct {
	lo, hi float64
	signed bool
	is64   bool
}

var (
	truncI32S = truncRange{lo: -2147483649, hi: 2147483648, signed: true}
	truncI32U = truncRange{lo: -1, hi: 4294967296}
	truncI64S = truncRange{lo: math.Nextafter(-1<<63, math.Inf(-1)), hi: 1 << 63, signed: true, is64: true}
	truncI64U = truncRange{lo: -1, hi: 18446744073709551616, is64: true}
)

// trunc converts v toward zero, trapping on NaN and on results outside r.
func (r truncRange) trunc(v float64) (uint64, error) {
	if math.IsNaN(v) {
		return 0, wasm.ErrRuntimeInvalidConversionToInteger
	}
	v = math.Trunc(v)
	if v <= r.lo || v >= r.hi {
		return 0, wasm.ErrRuntimeIntegerOverflow
	}
	return r.convert(v), nil
}

// sat is trunc saturating to the bounds of r, with NaN giving zero.
func (r truncRange) sat(v float64) uint64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= r.lo:
		if !r.signed {
			return 0
		}
		if r.is64 {
			return 1 << 63
		}
		return 1 << 31
	case v >= r.hi:
		switch {
		case r.signed && r.is64:
			return math.MaxInt64
		case r.signed:
			return math.MaxInt32
		case r.is64:
			return math.MaxUint64
		default:
			return math.MaxUint32
		}
	}
	return r.convert(math.Trunc(v))
}

func (r truncRange) convert(v float64) uint64 {
	switch {
	case r.signed && r.is64:
		return uint64(int64(v))
	case r.signed:
		return uint64(uint32(int32(v)))
	default:
		return uint64(v)
	}
}

func registerConversions(t *handlerTable) {
	truncF32 := func(r truncRange) handler {
		return func(ce *callEngine, _ *cellir.Instruction) error {
			v, err := r.trunc(float64(ce.popF32()))
			if err != nil {
				return err
			}
			ce.pushTruncated(r, v)
			ce.pc++
			return nil
		}
	}
	truncF64 := func(r truncRange) handler {
		return func(ce *callEngine, _ *cellir.Instruction) error {
			v, err := r.trunc(ce.popF64())
			if err != nil {
				return err
			}
			ce.pushTruncated(r, v)
			ce.pc++
			return nil
		}
	}
	satF32 := func(r truncRange) handler {
		return func(ce *callEngine, _ *cellir.Instruction) error {
			ce.pushTruncated(r, r.sat(float64(ce.popF32())))
			ce.pc++
			return nil
		}
	}
	satF64 := func(r truncRange) handler {
		return func(ce *callEngine, _ *cellir.Instruction) error {
			ce.pushTruncated(r, r.sat(ce.popF64()))
			ce.pc++
			return nil
		}
	}

	t[wasm.OpcodeI32WrapI64] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.sp--
		ce.pc++
		return nil
	}
	t[wasm.OpcodeI32TruncF32S] = truncF32(truncI32S)
	t[wasm.OpcodeI32TruncF32U] = truncF32(truncI32U)
	t[wasm.OpcodeI32TruncF64S] = truncF64(truncI32S)
	t[wasm.OpcodeI32TruncF64U] = truncF64(truncI32U)
	t[wasm.OpcodeI64ExtendI32S] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.push64(uint64(int32(ce.pop32())))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeI64ExtendI32U] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.push32(0)
		ce.pc++
		return nil
	}
	t[wasm.OpcodeI64TruncF32S] = truncF32(truncI64S)
	t[wasm.OpcodeI64TruncF32U] = truncF32(truncI64U)
	t[wasm.OpcodeI64TruncF64S] = truncF64(truncI64S)
	t[wasm.OpcodeI64TruncF64U] = truncF64(truncI64U)

	t[wasm.OpcodeF32ConvertI32S] = unop32(func(v uint32) uint32 { return math.Float32bits(float32(int32(v))) })
	t[wasm.OpcodeF32ConvertI32U] = unop32(func(v uint32) uint32 { return math.Float32bits(float32(v)) })
	t[wasm.OpcodeF32ConvertI64S] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF32(float32(int64(ce.pop64())))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeF32ConvertI64U] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF32(float32(ce.pop64()))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeF32DemoteF64] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF32(float32(ce.popF64()))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeF64ConvertI32S] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF64(float64(int32(ce.pop32())))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeF64ConvertI32U] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF64(float64(ce.pop32()))
		ce.pc++
		return nil
	}
	t[wasm.OpcodeF64ConvertI64S] = unop64(func(v uint64) uint64 { return math.Float64bits(float64(int64(v))) })
	t[wasm.OpcodeF64ConvertI64U] = unop64(func(v uint64) uint64 { return math.Float64bits(float64(v)) })
	t[wasm.OpcodeF64PromoteF32] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.pushF64(float64(ce.popF32()))
		ce.pc++
		return nil
	}

	// Reinterpretation keeps the cells as they are.
	t[wasm.OpcodeI32ReinterpretF32] = next
	t[wasm.OpcodeI64ReinterpretF64] = next
	t[wasm.OpcodeF32ReinterpretI32] = next
	t[wasm.OpcodeF64ReinterpretI64] = next

	t[cellir.MiscOp(wasm.OpcodeMiscI32TruncSatF32S)] = satF32(truncI32S)
	t[cellir.MiscOp(wasm.OpcodeMiscI32TruncSatF32U)] = satF32(truncI32U)
	t[cellir.MiscOp(wasm.OpcodeMiscI32TruncSatF64S)] = satF64(truncI32S)
	t[cellir.MiscOp(wasm.OpcodeMiscI32TruncSatF64U)] = satF64(truncI32U)
	t[cellir.MiscOp(wasm.OpcodeMiscI64TruncSatF32S)] = satF32(truncI64S)
	t[cellir.MiscOp(wasm.OpcodeMiscI64TruncSatF32U)] = satF32(truncI64U)
	t[cellir.MiscOp(wasm.OpcodeMiscI64TruncSatF64S)] = satF64(truncI64S)
	t[cellir.MiscOp(wasm.OpcodeMiscI64TruncSatF64U)] = satF64(truncI64U)
}

// pushTruncated pushes a truncation result in the width of r.
func (ce *callEngine) pushTruncated(r truncRange, v uint64) {
	if r.is64 {
		ce.push64(v)
	} else {
		ce.push32(uint32(v))
	}
}
