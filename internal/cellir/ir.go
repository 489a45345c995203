// Package cellir validates WebAssembly function bodies and lowers them to an instruction list addressed in 32-bit
// stack cells. The source bytes are never modified.
package cellir

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

// Opcode is an IR operation. Numeric and conversion operators keep their single-byte WebAssembly opcode, prefixed
// operators are offset by opMiscBase or opAtomicBase, and the rest are specialized by operand width.
type Opcode uint16

const (
	OpUnreachable = Opcode(wasm.OpcodeUnreachable)
	// OpBlock is a no-op marker. U1 is the IR index after the block's end.
	OpBlock = Opcode(wasm.OpcodeBlock)
	// OpLoop is a no-op marker. U1 is the IR index after the loop's end.
	OpLoop = Opcode(wasm.OpcodeLoop)
	// OpIf pops an i32 and jumps to U1 when it is zero. U1 is the first instruction of the else arm, or the end
	// when there is none. U2 is the IR index after the end.
	OpIf = Opcode(wasm.OpcodeIf)
	// OpElse ends the then arm of an if by jumping to U1, the IR index after the end.
	OpElse = Opcode(wasm.OpcodeElse)
	// OpBr keeps the top Cells cells, moves them down to stack height U2 and jumps to U1.
	OpBr = Opcode(wasm.OpcodeBr)
	// OpBrIf pops an i32 and behaves like OpBr when it is not zero.
	OpBrIf = Opcode(wasm.OpcodeBrIf)
	// OpBrTable pops an i32 index into Table, clamped to the last (default) entry, and branches there keeping the
	// top Cells cells.
	OpBrTable = Opcode(wasm.OpcodeBrTable)
	// OpReturn returns the top Cells cells to the caller.
	OpReturn = Opcode(wasm.OpcodeReturn)
	// OpCall calls the function at index U1.
	OpCall = Opcode(wasm.OpcodeCall)
	// OpCallIndirect pops an i32 table offset and calls the function there, which must have type index U1.
	OpCallIndirect = Opcode(wasm.OpcodeCallIndirect)
	// OpMemorySize pushes the current page count.
	OpMemorySize = Opcode(wasm.OpcodeMemorySize)
	// OpMemoryGrow pops a page delta and pushes the previous page count, or -1 on failure.
	OpMemoryGrow = Opcode(wasm.OpcodeMemoryGrow)
)

// Width specialized operations. Unless stated, U1 is a cell offset (locals and globals) or the static memory offset
// (loads and stores).
const (
	OpDrop32 Opcode = 0x100 + iota
	OpDrop64
	OpSelect32
	OpSelect64
	OpLocalGet32
	OpLocalGet64
	OpLocalSet32
	OpLocalSet64
	OpLocalTee32
	OpLocalTee64
	OpGlobalGet32
	OpGlobalGet64
	OpGlobalSet32
	OpGlobalSet64
	// OpConst32 pushes the low 32 bits of U1. It serves i32.const and f32.const.
	OpConst32
	// OpConst64 pushes U1 as two cells. It serves i64.const and f64.const.
	OpConst64
	// OpLoad32 serves i32.load and f32.load.
	OpLoad32
	// OpLoad64 serves i64.load and f64.load.
	OpLoad64
	OpI32Load8S
	OpI32Load8U
	OpI32Load16S
	OpI32Load16U
	OpI64Load8S
	OpI64Load8U
	OpI64Load16S
	OpI64Load16U
	OpI64Load32S
	OpI64Load32U
	// OpStore32 serves i32.store and f32.store.
	OpStore32
	// OpStore64 serves i64.store and f64.store.
	OpStore64
	OpI32Store8
	OpI32Store16
	OpI64Store8
	OpI64Store16
	OpI64Store32
	opSpecializedEnd
)

const (
	opMiscBase   Opcode = 0x200
	opAtomicBase Opcode = 0x300

	// OpcodeCount bounds every Opcode value.
	OpcodeCount = 0x400
)

// MiscOp returns the Opcode of an operator prefixed by wasm.OpcodeMiscPrefix.
func MiscOp(op wasm.OpcodeMisc) Opcode {
	return opMiscBase | Opcode(op)
}

// AtomicOp returns the Opcode of an operator prefixed by wasm.OpcodeAtomicPrefix. For these, U1 is the static memory
// offset.
func AtomicOp(op wasm.OpcodeAtomic) Opcode {
	return opAtomicBase | Opcode(op)
}

// IsMisc returns the wasm.OpcodeMisc of op if it was prefixed by wasm.OpcodeMiscPrefix.
func (op Opcode) IsMisc() (wasm.OpcodeMisc, bool) {
	return wasm.OpcodeMisc(op), op&0xff00 == opMiscBase
}

// IsAtomic returns the wasm.OpcodeAtomic of op if it was prefixed by wasm.OpcodeAtomicPrefix.
func (op Opcode) IsAtomic() (wasm.OpcodeAtomic, bool) {
	return wasm.OpcodeAtomic(op), op&0xff00 == opAtomicBase
}

var specializedNames = [...]string{
	OpDrop32 - 0x100:       "drop.32",
	OpDrop64 - 0x100:       "drop.64",
	OpSelect32 - 0x100:     "select.32",
	OpSelect64 - 0x100:     "select.64",
	OpLocalGet32 - 0x100:   "local.get.32",
	OpLocalGet64 - 0x100:   "local.get.64",
	OpLocalSet32 - 0x100:   "local.set.32",
	OpLocalSet64 - 0x100:   "local.set.64",
	OpLocalTee32 - 0x100:   "local.tee.32",
	OpLocalTee64 - 0x100:   "local.tee.64",
	OpGlobalGet32 - 0x100:  "global.get.32",
	OpGlobalGet64 - 0x100:  "global.get.64",
	OpGlobalSet32 - 0x100:  "global.set.32",
	OpGlobalSet64 - 0x100:  "global.set.64",
	OpConst32 - 0x100:      "const.32",
	OpConst64 - 0x100:      "const.64",
	OpLoad32 - 0x100:       "load.32",
	OpLoad64 - 0x100:       "load.64",
	OpI32Load8S - 0x100:    "i32.load8_s",
	OpI32Load8U - 0x100:    "i32.load8_u",
	OpI32Load16S - 0x100:   "i32.load16_s",
	OpI32Load16U - 0x100:   "i32.load16_u",
	OpI64Load8S - 0x100:    "i64.load8_s",
	OpI64Load8U - 0x100:    "i64.load8_u",
	OpI64Load16S - 0x100:   "i64.load16_s",
	OpI64Load16U - 0x100:   "i64.load16_u",
	OpI64Load32S - 0x100:   "i64.load32_s",
	OpI64Load32U - 0x100:   "i64.load32_u",
	OpStore32 - 0x100:      "store.32",
	OpStore64 - 0x100:      "store.64",
	OpI32Store8 - 0x100:    "i32.store8",
	OpI32Store16 - 0x100:   "i32.store16",
	OpI64Store8 - 0x100:    "i64.store8",
	OpI64Store16 - 0x100:   "i64.store16",
	OpI64Store32 - 0x100:   "i64.store32",
}

// String returns the name of the operation. Ex. "i32.add", "local.get.64" or "i32.trunc_sat_f32_s"
func (op Opcode) String() string {
	switch {
	case op < 0x100:
		return wasm.InstructionName(wasm.Opcode(op))
	case op < opSpecializedEnd:
		return specializedNames[op-0x100]
	}
	if misc, ok := op.IsMisc(); ok {
		return wasm.MiscInstructionName(misc)
	}
	if atomic, ok := op.IsAtomic(); ok {
		return wasm.AtomicInstructionName(atomic)
	}
	return fmt.Sprintf("op(%#x)", uint16(op))
}

// Branch is one destination of OpBrTable.
type Branch struct {
	// Target is the IR index to continue at.
	Target uint32
	// Height is the operand stack height, in cells above the frame's locals, the kept cells are moved to.
	Height uint32
}

// Instruction is a union of all IR operations. See each Opcode for the meaning of the fields.
type Instruction struct {
	Opcode Opcode
	U1, U2 uint64
	// Cells is the count of cells a branch or return keeps.
	Cells uint32
	// Table holds the OpBrTable destinations, the default last.
	Table []Branch
}

// String implements fmt.Stringer
func (i *Instruction) String() string {
	switch i.Opcode {
	case OpBr, OpBrIf:
		return fmt.Sprintf("%s ->%d height=%d keep=%d", i.Opcode, i.U1, i.U2, i.Cells)
	case OpBrTable:
		var b strings.Builder
		b.WriteString(i.Opcode.String())
		for _, t := range i.Table {
			fmt.Fprintf(&b, " ->%d@%d", t.Target, t.Height)
		}
		fmt.Fprintf(&b, " keep=%d", i.Cells)
		return b.String()
	case OpIf:
		return fmt.Sprintf("%s else->%d end->%d", i.Opcode, i.U1, i.U2)
	case OpBlock, OpLoop, OpElse:
		return fmt.Sprintf("%s ->%d", i.Opcode, i.U1)
	case OpReturn:
		return fmt.Sprintf("%s keep=%d", i.Opcode, i.Cells)
	case OpUnreachable, OpMemorySize, OpMemoryGrow, OpDrop32, OpDrop64, OpSelect32, OpSelect64:
		return i.Opcode.String()
	}
	if i.Opcode < 0x100 {
		return i.Opcode.String()
	}
	if misc, ok := i.Opcode.IsMisc(); ok && misc <= wasm.OpcodeMiscI64TruncSatF64U {
		return i.Opcode.String()
	}
	return fmt.Sprintf("%s %d", i.Opcode, i.U1)
}

// BlockAddr is the position of a block-like instruction in the source body, and of its else and end opcodes.
// Else is zero when the block has none.
type BlockAddr struct {
	Start, Else, End uint64
}

// CompiledFunction is the IR of one function defined by a module.
type CompiledFunction struct {
	// Index is the function's position in the module's function index namespace.
	Index wasm.Index
	Type  *wasm.FunctionType
	Body  []Instruction
	// SourceOffsets is the position in the module binary of the source instruction of each entry in Body.
	SourceOffsets []uint64

	// ParamCellNum is the cells the parameters occupy, at the beginning of the locals.
	ParamCellNum uint32
	// LocalCellNum is the cells of the parameters and declared locals.
	LocalCellNum uint32
	// ResultCellNum is the cells OpReturn keeps.
	ResultCellNum uint32

	// LocalTypes are the parameter types followed by the declared locals.
	LocalTypes []wasm.ValueType
	// LocalOffsets is the cell offset of each entry in LocalTypes.
	LocalOffsets []uint32

	// MaxStackCellNum is the highest operand stack height, above the locals, any instruction in Body reaches.
	MaxStackCellNum uint32
	// MaxBlockNum is the deepest block nesting, counting the function body.
	MaxBlockNum uint32

	// Blocks are the source addresses of every block, loop and if, in order of their start.
	Blocks []BlockAddr
}

// FrameCellNum is the cells a call frame of this function needs for locals and operands.
func (f *CompiledFunction) FrameCellNum() uint32 {
	return f.LocalCellNum + f.MaxStackCellNum
}

// Format returns a listing of Body, one instruction per line.
func Format(f *CompiledFunction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "func[%d] %s locals=%d max_stack=%d max_block=%d\n",
		f.Index, f.Type, f.LocalCellNum, f.MaxStackCellNum, f.MaxBlockNum)
	for i := range f.Body {
		fmt.Fprintf(&b, "%4d: %s\n", i, f.Body[i].String())
	}
	return b.String()
}
