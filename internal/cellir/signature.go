package cellir

import (
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// valueTypeUnknown is the type of a value popped from the polymorphic stack of unreachable code.
const valueTypeUnknown wasm.ValueType = 0

// signature represents how an opcode manipulates the operand stack in terms of value types.
type signature struct {
	in, out []wasm.ValueType
}

const (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64
	f32 = wasm.ValueTypeF32
	f64 = wasm.ValueTypeF64
)

var (
	signature_None_I32      = &signature{out: []wasm.ValueType{i32}}
	signature_I32_None      = &signature{in: []wasm.ValueType{i32}}
	signature_I32_I32       = &signature{in: []wasm.ValueType{i32}, out: []wasm.ValueType{i32}}
	signature_I32_I64       = &signature{in: []wasm.ValueType{i32}, out: []wasm.ValueType{i64}}
	signature_I32_F32       = &signature{in: []wasm.ValueType{i32}, out: []wasm.ValueType{f32}}
	signature_I32_F64       = &signature{in: []wasm.ValueType{i32}, out: []wasm.ValueType{f64}}
	signature_I64_I32       = &signature{in: []wasm.ValueType{i64}, out: []wasm.ValueType{i32}}
	signature_I64_I64       = &signature{in: []wasm.ValueType{i64}, out: []wasm.ValueType{i64}}
	signature_I64_F32       = &signature{in: []wasm.ValueType{i64}, out: []wasm.ValueType{f32}}
	signature_I64_F64       = &signature{in: []wasm.ValueType{i64}, out: []wasm.ValueType{f64}}
	signature_F32_I32       = &signature{in: []wasm.ValueType{f32}, out: []wasm.ValueType{i32}}
	signature_F32_I64       = &signature{in: []wasm.ValueType{f32}, out: []wasm.ValueType{i64}}
	signature_F32_F32       = &signature{in: []wasm.ValueType{f32}, out: []wasm.ValueType{f32}}
	signature_F32_F64       = &signature{in: []wasm.ValueType{f32}, out: []wasm.ValueType{f64}}
	signature_F64_I32       = &signature{in: []wasm.ValueType{f64}, out: []wasm.ValueType{i32}}
	signature_F64_I64       = &signature{in: []wasm.ValueType{f64}, out: []wasm.ValueType{i64}}
	signature_F64_F32       = &signature{in: []wasm.ValueType{f64}, out: []wasm.ValueType{f32}}
	signature_F64_F64       = &signature{in: []wasm.ValueType{f64}, out: []wasm.ValueType{f64}}
	signature_I32I32_None   = &signature{in: []wasm.ValueType{i32, i32}}
	signature_I32I32_I32    = &signature{in: []wasm.ValueType{i32, i32}, out: []wasm.ValueType{i32}}
	signature_I32I64_None   = &signature{in: []wasm.ValueType{i32, i64}}
	signature_I32F32_None   = &signature{in: []wasm.ValueType{i32, f32}}
	signature_I32F64_None   = &signature{in: []wasm.ValueType{i32, f64}}
	signature_I32I64_I64    = &signature{in: []wasm.ValueType{i32, i64}, out: []wasm.ValueType{i64}}
	signature_I64I64_I32    = &signature{in: []wasm.ValueType{i64, i64}, out: []wasm.ValueType{i32}}
	signature_I64I64_I64    = &signature{in: []wasm.ValueType{i64, i64}, out: []wasm.ValueType{i64}}
	signature_F32F32_I32    = &signature{in: []wasm.ValueType{f32, f32}, out: []wasm.ValueType{i32}}
	signature_F32F32_F32    = &signature{in: []wasm.ValueType{f32, f32}, out: []wasm.ValueType{f32}}
	signature_F64F64_I32    = &signature{in: []wasm.ValueType{f64, f64}, out: []wasm.ValueType{i32}}
	signature_F64F64_F64    = &signature{in: []wasm.ValueType{f64, f64}, out: []wasm.ValueType{f64}}
	signature_I32I32I32_I32 = &signature{in: []wasm.ValueType{i32, i32, i32}, out: []wasm.ValueType{i32}}
	signature_I32I32I64_I32 = &signature{in: []wasm.ValueType{i32, i32, i64}, out: []wasm.ValueType{i32}}
	signature_I32I64I64_I32 = &signature{in: []wasm.ValueType{i32, i64, i64}, out: []wasm.ValueType{i32}}
	signature_I32I64I64_I64 = &signature{in: []wasm.ValueType{i32, i64, i64}, out: []wasm.ValueType{i64}}
)

// numericSignature returns the signature of the numeric and conversion opcodes, which take no immediates.
func numericSignature(op wasm.Opcode) (*signature, bool) {
	switch op {
	case wasm.OpcodeI32Eqz:
		return signature_I32_I32, true
	case wasm.OpcodeI32Eq, wasm.OpcodeI32Ne, wasm.OpcodeI32LtS,
		wasm.OpcodeI32LtU, wasm.OpcodeI32GtS, wasm.OpcodeI32GtU,
		wasm.OpcodeI32LeS, wasm.OpcodeI32LeU, wasm.OpcodeI32GeS,
		wasm.OpcodeI32GeU:
		return signature_I32I32_I32, true
	case wasm.OpcodeI64Eqz:
		return signature_I64_I32, true
	case wasm.OpcodeI64Eq, wasm.OpcodeI64Ne, wasm.OpcodeI64LtS,
		wasm.OpcodeI64LtU, wasm.OpcodeI64GtS, wasm.OpcodeI64GtU,
		wasm.OpcodeI64LeS, wasm.OpcodeI64LeU, wasm.OpcodeI64GeS,
		wasm.OpcodeI64GeU:
		return signature_I64I64_I32, true
	case wasm.OpcodeF32Eq, wasm.OpcodeF32Ne, wasm.OpcodeF32Lt,
		wasm.OpcodeF32Gt, wasm.OpcodeF32Le, wasm.OpcodeF32Ge:
		return signature_F32F32_I32, true
	case wasm.OpcodeF64Eq, wasm.OpcodeF64Ne, wasm.OpcodeF64Lt,
		wasm.OpcodeF64Gt, wasm.OpcodeF64Le, wasm.OpcodeF64Ge:
		return signature_F64F64_I32, true
	case wasm.OpcodeI32Clz, wasm.OpcodeI32Ctz, wasm.OpcodeI32Popcnt:
		return signature_I32_I32, true
	case wasm.OpcodeI32Add, wasm.OpcodeI32Sub, wasm.OpcodeI32Mul,
		wasm.OpcodeI32DivS, wasm.OpcodeI32DivU, wasm.OpcodeI32RemS,
		wasm.OpcodeI32RemU, wasm.OpcodeI32And, wasm.OpcodeI32Or,
		wasm.OpcodeI32Xor, wasm.OpcodeI32Shl, wasm.OpcodeI32ShrS,
		wasm.OpcodeI32ShrU, wasm.OpcodeI32Rotl, wasm.OpcodeI32Rotr:
		return signature_I32I32_I32, true
	case wasm.OpcodeI64Clz, wasm.OpcodeI64Ctz, wasm.OpcodeI64Popcnt:
		return signature_I64_I64, true
	case wasm.OpcodeI64Add, wasm.OpcodeI64Sub, wasm.OpcodeI64Mul,
		wasm.OpcodeI64DivS, wasm.OpcodeI64DivU, wasm.OpcodeI64RemS,
		wasm.OpcodeI64RemU, wasm.OpcodeI64And, wasm.OpcodeI64Or,
		wasm.OpcodeI64Xor, wasm.OpcodeI64Shl, wasm.OpcodeI64ShrS,
		wasm.OpcodeI64ShrU, wasm.OpcodeI64Rotl, wasm.OpcodeI64Rotr:
		return signature_I64I64_I64, true
	case wasm.OpcodeF32Abs, wasm.OpcodeF32Neg, wasm.OpcodeF32Ceil,
		wasm.OpcodeF32Floor, wasm.OpcodeF32Trunc, wasm.OpcodeF32Nearest,
		wasm.OpcodeF32Sqrt:
		return signature_F32_F32, true
	case wasm.OpcodeF32Add, wasm.OpcodeF32Sub, wasm.OpcodeF32Mul,
		wasm.OpcodeF32Div, wasm.OpcodeF32Min, wasm.OpcodeF32Max,
		wasm.OpcodeF32Copysign:
		return signature_F32F32_F32, true
	case wasm.OpcodeF64Abs, wasm.OpcodeF64Neg, wasm.OpcodeF64Ceil,
		wasm.OpcodeF64Floor, wasm.OpcodeF64Trunc, wasm.OpcodeF64Nearest,
		wasm.OpcodeF64Sqrt:
		return signature_F64_F64, true
	case wasm.OpcodeF64Add, wasm.OpcodeF64Sub, wasm.OpcodeF64Mul,
		wasm.OpcodeF64Div, wasm.OpcodeF64Min, wasm.OpcodeF64Max,
		wasm.OpcodeF64Copysign:
		return signature_F64F64_F64, true
	case wasm.OpcodeI32WrapI64:
		return signature_I64_I32, true
	case wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U:
		return signature_F32_I32, true
	case wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U:
		return signature_F64_I32, true
	case wasm.OpcodeI64ExtendI32S, wasm.OpcodeI64ExtendI32U:
		return signature_I32_I64, true
	case wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U:
		return signature_F32_I64, true
	case wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U:
		return signature_F64_I64, true
	case wasm.OpcodeF32ConvertI32S, wasm.OpcodeF32ConvertI32U:
		return signature_I32_F32, true
	case wasm.OpcodeF32ConvertI64S, wasm.OpcodeF32ConvertI64U:
		return signature_I64_F32, true
	case wasm.OpcodeF32DemoteF64:
		return signature_F64_F32, true
	case wasm.OpcodeF64ConvertI32S, wasm.OpcodeF64ConvertI32U:
		return signature_I32_F64, true
	case wasm.OpcodeF64ConvertI64S, wasm.OpcodeF64ConvertI64U:
		return signature_I64_F64, true
	case wasm.OpcodeF64PromoteF32:
		return signature_F32_F64, true
	case wasm.OpcodeI32ReinterpretF32:
		return signature_F32_I32, true
	case wasm.OpcodeI64ReinterpretF64:
		return signature_F64_I64, true
	case wasm.OpcodeF32ReinterpretI32:
		return signature_I32_F32, true
	case wasm.OpcodeF64ReinterpretI64:
		return signature_I64_F64, true
	case wasm.OpcodeI32Extend8S, wasm.OpcodeI32Extend16S:
		return signature_I32_I32, true
	case wasm.OpcodeI64Extend8S, wasm.OpcodeI64Extend16S, wasm.OpcodeI64Extend32S:
		return signature_I64_I64, true
	}
	return nil, false
}

// miscSignature returns the signature of the saturating truncation opcodes.
func miscSignature(op wasm.OpcodeMisc) (*signature, bool) {
	switch op {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF32U:
		return signature_F32_I32, true
	case wasm.OpcodeMiscI32TruncSatF64S, wasm.OpcodeMiscI32TruncSatF64U:
		return signature_F64_I32, true
	case wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF32U:
		return signature_F32_I64, true
	case wasm.OpcodeMiscI64TruncSatF64S, wasm.OpcodeMiscI64TruncSatF64U:
		return signature_F64_I64, true
	}
	return nil, false
}

// memorySignature returns the signature of the plain loads and stores, the byte size they access and the
// specialized Opcode they lower to.
func memorySignature(op wasm.Opcode) (sig *signature, size uint32, lowered Opcode) {
	switch op {
	case wasm.OpcodeI32Load:
		return signature_I32_I32, 4, OpLoad32
	case wasm.OpcodeI64Load:
		return signature_I32_I64, 8, OpLoad64
	case wasm.OpcodeF32Load:
		return signature_I32_F32, 4, OpLoad32
	case wasm.OpcodeF64Load:
		return signature_I32_F64, 8, OpLoad64
	case wasm.OpcodeI32Load8S:
		return signature_I32_I32, 1, OpI32Load8S
	case wasm.OpcodeI32Load8U:
		return signature_I32_I32, 1, OpI32Load8U
	case wasm.OpcodeI32Load16S:
		return signature_I32_I32, 2, OpI32Load16S
	case wasm.OpcodeI32Load16U:
		return signature_I32_I32, 2, OpI32Load16U
	case wasm.OpcodeI64Load8S:
		return signature_I32_I64, 1, OpI64Load8S
	case wasm.OpcodeI64Load8U:
		return signature_I32_I64, 1, OpI64Load8U
	case wasm.OpcodeI64Load16S:
		return signature_I32_I64, 2, OpI64Load16S
	case wasm.OpcodeI64Load16U:
		return signature_I32_I64, 2, OpI64Load16U
	case wasm.OpcodeI64Load32S:
		return signature_I32_I64, 4, OpI64Load32S
	case wasm.OpcodeI64Load32U:
		return signature_I32_I64, 4, OpI64Load32U
	case wasm.OpcodeI32Store:
		return signature_I32I32_None, 4, OpStore32
	case wasm.OpcodeI64Store:
		return signature_I32I64_None, 8, OpStore64
	case wasm.OpcodeF32Store:
		return signature_I32F32_None, 4, OpStore32
	case wasm.OpcodeF64Store:
		return signature_I32F64_None, 8, OpStore64
	case wasm.OpcodeI32Store8:
		return signature_I32I32_None, 1, OpI32Store8
	case wasm.OpcodeI32Store16:
		return signature_I32I32_None, 2, OpI32Store16
	case wasm.OpcodeI64Store8:
		return signature_I32I64_None, 1, OpI64Store8
	case wasm.OpcodeI64Store16:
		return signature_I32I64_None, 2, OpI64Store16
	case wasm.OpcodeI64Store32:
		return signature_I32I64_None, 4, OpI64Store32
	}
	return nil, 0, 0
}

// AtomicAccess returns the byte size an atomic load, store or read-modify-write accesses, and whether its value
// operand is an i64. Read-modify-write opcodes come in groups of seven per operator, in the order i32, i64, i32 8u,
// i32 16u, i64 8u, i64 16u and i64 32u.
func AtomicAccess(op wasm.OpcodeAtomic) (size uint32, is64 bool) {
	switch op {
	case wasm.OpcodeAtomicMemoryNotify, wasm.OpcodeAtomicMemoryWait32:
		return 4, false
	case wasm.OpcodeAtomicMemoryWait64:
		return 8, true
	case wasm.OpcodeAtomicI32Load, wasm.OpcodeAtomicI32Store:
		return 4, false
	case wasm.OpcodeAtomicI64Load, wasm.OpcodeAtomicI64Store:
		return 8, true
	case wasm.OpcodeAtomicI32Load8U, wasm.OpcodeAtomicI32Store8:
		return 1, false
	case wasm.OpcodeAtomicI32Load16U, wasm.OpcodeAtomicI32Store16:
		return 2, false
	case wasm.OpcodeAtomicI64Load8U, wasm.OpcodeAtomicI64Store8:
		return 1, true
	case wasm.OpcodeAtomicI64Load16U, wasm.OpcodeAtomicI64Store16:
		return 2, true
	case wasm.OpcodeAtomicI64Load32U, wasm.OpcodeAtomicI64Store32:
		return 4, true
	}
	if op >= wasm.OpcodeAtomicI32RmwAdd && op <= wasm.OpcodeAtomicI64Rmw32UCmpxchg {
		switch (op - wasm.OpcodeAtomicI32RmwAdd) % 7 {
		case 0:
			return 4, false
		case 1:
			return 8, true
		case 2:
			return 1, false
		case 3:
			return 2, false
		case 4:
			return 1, true
		case 5:
			return 2, true
		case 6:
			return 4, true
		}
	}
	return 0, false
}

// AtomicRmwOp is the operator of an atomic read-modify-write opcode.
type AtomicRmwOp byte

const (
	AtomicRmwAdd AtomicRmwOp = iota
	AtomicRmwSub
	AtomicRmwAnd
	AtomicRmwOr
	AtomicRmwXor
	AtomicRmwXchg
	AtomicRmwCmpxchg
)

// AtomicRmw returns the operator of a read-modify-write opcode, or false if op is not one.
func AtomicRmw(op wasm.OpcodeAtomic) (AtomicRmwOp, bool) {
	if op < wasm.OpcodeAtomicI32RmwAdd || op > wasm.OpcodeAtomicI64Rmw32UCmpxchg {
		return 0, false
	}
	return AtomicRmwOp((op - wasm.OpcodeAtomicI32RmwAdd) / 7), true
}

// atomicSignature returns the signature of an atomic opcode other than fence.
func atomicSignature(op wasm.OpcodeAtomic) (*signature, bool) {
	switch op {
	case wasm.OpcodeAtomicMemoryNotify:
		return signature_I32I32_I32, true
	case wasm.OpcodeAtomicMemoryWait32:
		return signature_I32I32I64_I32, true
	case wasm.OpcodeAtomicMemoryWait64:
		return signature_I32I64I64_I32, true
	case wasm.OpcodeAtomicI32Load, wasm.OpcodeAtomicI32Load8U, wasm.OpcodeAtomicI32Load16U:
		return signature_I32_I32, true
	case wasm.OpcodeAtomicI64Load, wasm.OpcodeAtomicI64Load8U, wasm.OpcodeAtomicI64Load16U, wasm.OpcodeAtomicI64Load32U:
		return signature_I32_I64, true
	case wasm.OpcodeAtomicI32Store, wasm.OpcodeAtomicI32Store8, wasm.OpcodeAtomicI32Store16:
		return signature_I32I32_None, true
	case wasm.OpcodeAtomicI64Store, wasm.OpcodeAtomicI64Store8, wasm.OpcodeAtomicI64Store16, wasm.OpcodeAtomicI64Store32:
		return signature_I32I64_None, true
	}
	rmw, ok := AtomicRmw(op)
	if !ok {
		return nil, false
	}
	_, is64 := AtomicAccess(op)
	switch {
	case rmw == AtomicRmwCmpxchg && is64:
		return signature_I32I64I64_I64, true
	case rmw == AtomicRmwCmpxchg:
		return signature_I32I32I32_I32, true
	case is64:
		return signature_I32I64_I64, true
	default:
		return signature_I32I32_I32, true
	}
}
