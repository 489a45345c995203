package cellir

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/ieee754"
	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

var errStackUnderflow = errors.New("stack underflow")

// CompileFunctions validates every function defined by the module and lowers it to IR. The module must have passed
// wasm.Module Validate, and is not modified.
func CompileFunctions(enabledFeatures wasm.Features, module *wasm.Module) ([]*CompiledFunction, error) {
	if len(module.FunctionSection) != len(module.CodeSection) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d",
			len(module.FunctionSection), len(module.CodeSection))
	}
	c := newCompiler(enabledFeatures, module)
	ret := make([]*CompiledFunction, len(module.CodeSection))
	for i, code := range module.CodeSection {
		idx := module.ImportFunctionCount + wasm.Index(i)
		typeIdx := module.FunctionSection[i]
		if typeIdx >= wasm.Index(len(module.TypeSection)) {
			return nil, fmt.Errorf("invalid %s: unknown type index %d", module.FuncDesc(idx), typeIdx)
		}
		fn, err := c.compile(idx, module.TypeSection[typeIdx], code)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", module.FuncDesc(idx), err)
		}
		ret[i] = fn
	}
	return ret, nil
}

// compiler is reused across the functions of one module.
type compiler struct {
	enabledFeatures wasm.Features
	module          *wasm.Module
	globals         []*wasm.GlobalType
	globalOffsets   []uint32
	hasMemory       bool
	hasTable        bool

	body       []byte
	bodyOffset uint64
	pc         uint64
	fn         *CompiledFunction
	result     []Instruction
	// offsets is the source address of each instruction in result.
	offsets []uint64
	// start is the body position of the instruction being lowered.
	start uint64
	stack      typeStack
	controls   controlStack
	cache      blockAddrCache

	// suppressed counts the enclosing dead arms of folded ifs. Nothing is emitted while it is positive.
	suppressed int

	// lastConst is the IR index of the latest i32.const, or -1.
	lastConst int
	// lastConstEnd is the source address just after that i32.const.
	lastConstEnd uint64
	// lastConstMax is typeStack.max before that i32.const was pushed.
	lastConstMax uint32
}

func newCompiler(enabledFeatures wasm.Features, module *wasm.Module) *compiler {
	c := &compiler{
		enabledFeatures: enabledFeatures,
		module:          module,
		globals:         module.AllGlobalTypes(),
		hasMemory:       module.MemoryType() != nil,
		hasTable:        module.TableType() != nil,
	}
	c.globalOffsets = make([]uint32, len(c.globals))
	var offset uint32
	for i, g := range c.globals {
		c.globalOffsets[i] = offset
		offset += cellsOf(g.ValType)
	}
	return c
}

func (c *compiler) reset(code *wasm.Code) {
	c.body = code.Body
	c.bodyOffset = code.BodyOffset
	c.pc = 0
	c.result = nil
	c.offsets = nil
	c.stack = typeStack{cells: c.stack.cells[:0]}
	c.controls = controlStack{frames: c.controls.frames[:0]}
	c.cache.reset()
	c.suppressed = 0
	c.lastConst = -1
}

func (c *compiler) compile(idx wasm.Index, sig *wasm.FunctionType, code *wasm.Code) (*CompiledFunction, error) {
	c.reset(code)
	fn := &CompiledFunction{Index: idx, Type: sig}
	c.fn = fn

	fn.LocalTypes = make([]wasm.ValueType, 0, len(sig.Params)+len(code.LocalTypes))
	fn.LocalTypes = append(fn.LocalTypes, sig.Params...)
	fn.LocalTypes = append(fn.LocalTypes, code.LocalTypes...)
	fn.LocalOffsets = make([]uint32, len(fn.LocalTypes))
	var offset uint32
	for i, t := range fn.LocalTypes {
		fn.LocalOffsets[i] = offset
		offset += cellsOf(t)
	}
	fn.ParamCellNum = cellsOfTypes(sig.Params)
	fn.LocalCellNum = offset
	fn.ResultCellNum = cellsOfTypes(sig.Results)

	c.controls.push(&controlFrame{kind: controlKindFunction, results: sig.Results, blockIndex: -1, marker: -1})
	for len(c.controls.frames) > 0 {
		if c.pc >= uint64(len(c.body)) {
			return nil, errors.New("function body not terminated by end")
		}
		if err := c.next(); err != nil {
			return nil, err
		}
	}
	if remaining := uint64(len(c.body)) - c.pc; remaining != 0 {
		return nil, fmt.Errorf("%d bytes after the end of the function body", remaining)
	}

	fn.Body = c.result
	fn.SourceOffsets = c.offsets
	fn.MaxStackCellNum = c.stack.max
	fn.MaxBlockNum = c.controls.max
	return fn, nil
}

// next validates and lowers the instruction at pc.
func (c *compiler) next() error {
	start := c.pc
	c.start = start
	op := c.body[c.pc]
	c.pc++
	name, err := c.lower(op, start)
	if err != nil {
		return fmt.Errorf("%s at %#x: %w", name, c.bodyOffset+start, err)
	}
	return nil
}

// lower handles one instruction and returns its text name for error messages.
func (c *compiler) lower(op wasm.Opcode, start uint64) (string, error) {
	name := wasm.InstructionName(op)
	frame := c.controls.top()

	switch op {
	case wasm.OpcodeUnreachable:
		c.emit(Instruction{Opcode: OpUnreachable})
		c.markUnreachable()
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		return name, c.lowerBlock(op, start, frame)
	case wasm.OpcodeElse:
		return name, c.lowerElse(start, frame)
	case wasm.OpcodeEnd:
		return name, c.lowerEnd(start, frame)
	case wasm.OpcodeBr:
		depth, err := c.readU32()
		if err != nil {
			return name, err
		}
		target, err := c.controls.label(depth)
		if err != nil {
			return name, err
		}
		if err = c.stack.popTypes(frame, target.labelTypes()); err != nil {
			return name, err
		}
		if err = c.emitBranch(OpBr, target); err != nil {
			return name, err
		}
		c.markUnreachable()
	case wasm.OpcodeBrIf:
		depth, err := c.readU32()
		if err != nil {
			return name, err
		}
		target, err := c.controls.label(depth)
		if err != nil {
			return name, err
		}
		if err = c.stack.popType(frame, i32); err != nil {
			return name, err
		}
		types := target.labelTypes()
		if err = c.stack.popTypes(frame, types); err != nil {
			return name, err
		}
		c.stack.pushTypes(types)
		return name, c.emitBranch(OpBrIf, target)
	case wasm.OpcodeBrTable:
		return name, c.lowerBrTable(frame)
	case wasm.OpcodeReturn:
		if err := c.stack.popTypes(frame, c.fn.Type.Results); err != nil {
			return name, err
		}
		c.emit(Instruction{Opcode: OpReturn, Cells: c.fn.ResultCellNum})
		c.markUnreachable()
	case wasm.OpcodeCall:
		idx, err := c.readU32()
		if err != nil {
			return name, err
		}
		if idx >= c.module.FunctionCount() {
			return name, fmt.Errorf("unknown function index %d", idx)
		}
		t := c.module.TypeOfFunction(idx)
		if t == nil {
			return name, fmt.Errorf("unknown type of function index %d", idx)
		}
		if err = c.stack.popTypes(frame, t.Params); err != nil {
			return name, err
		}
		c.stack.pushTypes(t.Results)
		c.emit(Instruction{Opcode: OpCall, U1: uint64(idx)})
	case wasm.OpcodeCallIndirect:
		typeIdx, err := c.readU32()
		if err != nil {
			return name, err
		}
		if err = c.readZeroByte(); err != nil {
			return name, err
		}
		if !c.hasTable {
			return name, errors.New("table not found")
		}
		if typeIdx >= wasm.Index(len(c.module.TypeSection)) {
			return name, fmt.Errorf("unknown type index %d", typeIdx)
		}
		t := c.module.TypeSection[typeIdx]
		if err = c.stack.popType(frame, i32); err != nil {
			return name, err
		}
		if err = c.stack.popTypes(frame, t.Params); err != nil {
			return name, err
		}
		c.stack.pushTypes(t.Results)
		c.emit(Instruction{Opcode: OpCallIndirect, U1: uint64(typeIdx)})
	case wasm.OpcodeDrop:
		t, err := c.stack.pop(frame)
		if err != nil {
			return name, err
		}
		c.emit(Instruction{Opcode: widthOp(t, OpDrop32, OpDrop64)})
	case wasm.OpcodeSelect:
		if err := c.stack.popType(frame, i32); err != nil {
			return name, err
		}
		t2, err := c.stack.pop(frame)
		if err != nil {
			return name, err
		}
		t1, err := c.stack.pop(frame)
		if err != nil {
			return name, err
		}
		t := t1
		if t == valueTypeUnknown {
			t = t2
		} else if t2 != valueTypeUnknown && t1 != t2 {
			return name, fmt.Errorf("type mismatch: operands have different types %s and %s",
				wasm.ValueTypeName(t1), wasm.ValueTypeName(t2))
		}
		c.stack.push(t)
		c.emit(Instruction{Opcode: widthOp(t, OpSelect32, OpSelect64)})
	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		return name, c.lowerLocal(op, frame)
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		return name, c.lowerGlobal(op, frame)
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		if err := c.readZeroByte(); err != nil {
			return name, err
		}
		if !c.hasMemory {
			return name, errors.New("memory instruction requires memory")
		}
		if op == wasm.OpcodeMemoryGrow {
			if err := c.stack.popType(frame, i32); err != nil {
				return name, err
			}
		}
		c.stack.push(i32)
		c.emit(Instruction{Opcode: Opcode(op)})
	case wasm.OpcodeI32Const:
		v, n, err := leb128.LoadInt32(c.body[c.pc:])
		if err != nil {
			return name, fmt.Errorf("read immediate: %w", err)
		}
		c.pc += n
		maxBefore := c.stack.max
		c.stack.push(i32)
		if idx, ok := c.emit(Instruction{Opcode: OpConst32, U1: uint64(uint32(v))}); ok {
			c.lastConst, c.lastConstEnd, c.lastConstMax = int(idx), c.pc, maxBefore
		}
	case wasm.OpcodeI64Const:
		v, n, err := leb128.LoadInt64(c.body[c.pc:])
		if err != nil {
			return name, fmt.Errorf("read immediate: %w", err)
		}
		c.pc += n
		c.stack.push(i64)
		c.emit(Instruction{Opcode: OpConst64, U1: uint64(v)})
	case wasm.OpcodeF32Const:
		v, err := ieee754.DecodeFloat32Bits(bytes.NewReader(c.body[c.pc:]))
		if err != nil {
			return name, fmt.Errorf("read immediate: %w", err)
		}
		c.pc += 4
		c.stack.push(f32)
		c.emit(Instruction{Opcode: OpConst32, U1: uint64(v)})
	case wasm.OpcodeF64Const:
		v, err := ieee754.DecodeFloat64Bits(bytes.NewReader(c.body[c.pc:]))
		if err != nil {
			return name, fmt.Errorf("read immediate: %w", err)
		}
		c.pc += 8
		c.stack.push(f64)
		c.emit(Instruction{Opcode: OpConst64, U1: v})
	case wasm.OpcodeMiscPrefix:
		return c.lowerMisc(frame)
	case wasm.OpcodeAtomicPrefix:
		return c.lowerAtomic(frame)
	default:
		if sig, size, lowered := memorySignature(op); sig != nil {
			return name, c.lowerMemoryAccess(frame, sig, size, lowered)
		}
		sig, ok := numericSignature(op)
		if !ok {
			return name, fmt.Errorf("invalid instruction %#x", op)
		}
		if op >= wasm.OpcodeI32Extend8S && op <= wasm.OpcodeI64Extend32S {
			if err := c.enabledFeatures.Require(wasm.FeatureSignExtensionOps); err != nil {
				return name, fmt.Errorf("invalid as %w", err)
			}
		}
		if err := c.applySignature(frame, sig); err != nil {
			return name, err
		}
		c.emit(Instruction{Opcode: Opcode(op)})
	}
	return name, nil
}

func (c *compiler) applySignature(frame *controlFrame, sig *signature) error {
	if err := c.stack.popTypes(frame, sig.in); err != nil {
		return err
	}
	c.stack.pushTypes(sig.out)
	return nil
}

func (c *compiler) lowerBlock(op wasm.Opcode, start uint64, frame *controlFrame) error {
	results, err := c.readBlockType()
	if err != nil {
		return err
	}

	folded, cond := false, uint32(0)
	if op == wasm.OpcodeIf {
		if c.lastConst >= 0 && c.lastConst == len(c.result)-1 && c.lastConstEnd == start {
			folded, cond = true, uint32(c.result[c.lastConst].U1)
			c.result = c.result[:c.lastConst]
			c.offsets = c.offsets[:c.lastConst]
			if _, err = c.stack.pop(frame); err != nil {
				return err
			}
			c.stack.max = c.lastConstMax
			c.lastConst = -1
		} else if err = c.stack.popType(frame, i32); err != nil {
			return err
		}
	}

	f := &controlFrame{
		results:    results,
		height:     c.stack.height(),
		addr:       BlockAddr{Start: start},
		blockIndex: len(c.fn.Blocks),
		marker:     -1,
	}
	c.fn.Blocks = append(c.fn.Blocks, f.addr)

	var opcode Opcode
	switch {
	case folded:
		f.kind, f.folded, opcode = controlKindIf, true, OpBlock
	case op == wasm.OpcodeIf:
		f.kind, opcode = controlKindIf, OpIf
	case op == wasm.OpcodeLoop:
		f.kind, opcode = controlKindLoop, OpLoop
	default:
		f.kind, opcode = controlKindBlock, OpBlock
	}
	if idx, ok := c.emit(Instruction{Opcode: opcode}); ok {
		f.marker = int(idx)
	}
	f.continueAt = uint32(len(c.result))
	if folded && cond == 0 {
		f.suppressed = true
		c.suppress(1)
	}
	c.controls.push(f)
	return nil
}

// checkFrameResults verifies the stack holds exactly the frame's results above its entry height.
func (c *compiler) checkFrameResults(frame *controlFrame) error {
	if err := c.stack.popTypes(frame, frame.results); err != nil {
		return err
	}
	if h := c.stack.height(); h != frame.height {
		return fmt.Errorf("type mismatch: %d cells remaining at the end of %s", h-frame.height, frame.kind)
	}
	return nil
}

func (c *compiler) lowerElse(start uint64, frame *controlFrame) error {
	if frame.kind != controlKindIf {
		return errors.New("else without matching if")
	}
	if err := c.checkFrameResults(frame); err != nil {
		return err
	}
	frame.addr.Else = start

	if frame.folded {
		if frame.suppressed {
			frame.suppressed = false
			c.suppress(-1)
		} else {
			frame.suppressed = true
			c.suppress(1)
		}
	} else {
		if idx, ok := c.emit(Instruction{Opcode: OpElse}); ok {
			frame.pending = append(frame.pending, fixup{inst: idx, slot: -1})
		}
		if frame.marker >= 0 {
			c.result[frame.marker].U1 = uint64(len(c.result))
		}
	}
	frame.kind = controlKindElse
	frame.unreachable = false
	c.stack.truncate(frame.height)
	return nil
}

func (c *compiler) lowerEnd(start uint64, frame *controlFrame) error {
	if err := c.checkFrameResults(frame); err != nil {
		return err
	}
	if frame.kind == controlKindIf && len(frame.results) > 0 {
		return fmt.Errorf("type mismatch: if without else must not produce %d results", len(frame.results))
	}
	c.controls.pop()
	if frame.suppressed {
		c.suppress(-1)
	}

	if frame.kind == controlKindFunction {
		idx, _ := c.emit(Instruction{Opcode: OpReturn, Cells: c.fn.ResultCellNum})
		c.resolvePending(frame, idx)
		return nil
	}

	end := uint32(len(c.result))
	c.resolvePending(frame, end)
	if frame.marker >= 0 {
		m := &c.result[frame.marker]
		switch m.Opcode {
		case OpIf:
			if frame.kind == controlKindIf {
				m.U1 = uint64(end)
			}
			m.U2 = uint64(end)
		default:
			m.U1 = uint64(end)
		}
	}

	frame.addr.End = start
	if cached, ok := c.cache.lookup(frame.addr.Start); ok && cached != frame.addr {
		return fmt.Errorf("BUG: block at %#x was resolved to else %#x end %#x, but has else %#x end %#x",
			frame.addr.Start, cached.Else, cached.End, frame.addr.Else, frame.addr.End)
	}
	c.fn.Blocks[frame.blockIndex] = frame.addr

	c.stack.pushTypes(frame.results)
	return nil
}

func (c *compiler) resolvePending(frame *controlFrame, target uint32) {
	for _, f := range frame.pending {
		if f.slot < 0 {
			c.result[f.inst].U1 = uint64(target)
		} else {
			c.result[f.inst].Table[f.slot].Target = target
		}
	}
	frame.pending = nil
}

// branchTo returns the destination of a branch to target. Forward branches are left for resolvePending.
func (c *compiler) branchTo(target *controlFrame) (b Branch, cells uint32, forward bool, err error) {
	if target.kind == controlKindLoop {
		return Branch{Target: target.continueAt, Height: target.height}, 0, false, nil
	}
	if target.kind != controlKindFunction {
		// A branch out of a block needs the address of its end, which is found by scanning ahead.
		if _, err = c.cache.resolve(c.body, target.addr.Start); err != nil {
			return
		}
	}
	return Branch{Height: target.height}, cellsOfTypes(target.results), true, nil
}

func (c *compiler) emitBranch(op Opcode, target *controlFrame) error {
	b, cells, forward, err := c.branchTo(target)
	if err != nil {
		return err
	}
	idx, ok := c.emit(Instruction{Opcode: op, U1: uint64(b.Target), U2: uint64(b.Height), Cells: cells})
	if ok && forward {
		target.pending = append(target.pending, fixup{inst: idx, slot: -1})
	}
	return nil
}

func (c *compiler) lowerBrTable(frame *controlFrame) error {
	n, err := c.readU32()
	if err != nil {
		return err
	}
	if uint64(n) >= uint64(len(c.body))-c.pc {
		return fmt.Errorf("too many targets: %d", n)
	}
	depths := make([]uint32, n+1)
	for i := range depths {
		if depths[i], err = c.readU32(); err != nil {
			return err
		}
	}
	if err = c.stack.popType(frame, i32); err != nil {
		return err
	}

	targets := make([]*controlFrame, len(depths))
	for i, d := range depths {
		if targets[i], err = c.controls.label(d); err != nil {
			return err
		}
	}
	defaultTypes := targets[n].labelTypes()
	for _, t := range targets[:n] {
		if !equalTypes(t.labelTypes(), defaultTypes) {
			return fmt.Errorf("type mismatch: label types %v differ from the default %v",
				typeNames(t.labelTypes()), typeNames(defaultTypes))
		}
	}
	if err = c.stack.popTypes(frame, defaultTypes); err != nil {
		return err
	}

	inst := Instruction{Opcode: OpBrTable, Cells: cellsOfTypes(defaultTypes), Table: make([]Branch, len(targets))}
	forwards := make([]bool, len(targets))
	for i, t := range targets {
		var b Branch
		if b, _, forwards[i], err = c.branchTo(t); err != nil {
			return err
		}
		inst.Table[i] = b
	}
	if idx, ok := c.emit(inst); ok {
		for i, t := range targets {
			if forwards[i] {
				t.pending = append(t.pending, fixup{inst: idx, slot: i})
			}
		}
	}
	c.markUnreachable()
	return nil
}

func (c *compiler) lowerLocal(op wasm.Opcode, frame *controlFrame) error {
	idx, err := c.readU32()
	if err != nil {
		return err
	}
	if idx >= uint32(len(c.fn.LocalTypes)) {
		return fmt.Errorf("unknown local index %d", idx)
	}
	t := c.fn.LocalTypes[idx]
	offset := uint64(c.fn.LocalOffsets[idx])
	switch op {
	case wasm.OpcodeLocalGet:
		c.stack.push(t)
		c.emit(Instruction{Opcode: widthOp(t, OpLocalGet32, OpLocalGet64), U1: offset})
	case wasm.OpcodeLocalSet:
		if err = c.stack.popType(frame, t); err != nil {
			return err
		}
		c.emit(Instruction{Opcode: widthOp(t, OpLocalSet32, OpLocalSet64), U1: offset})
	default:
		if err = c.stack.popType(frame, t); err != nil {
			return err
		}
		c.stack.push(t)
		c.emit(Instruction{Opcode: widthOp(t, OpLocalTee32, OpLocalTee64), U1: offset})
	}
	return nil
}

func (c *compiler) lowerGlobal(op wasm.Opcode, frame *controlFrame) error {
	idx, err := c.readU32()
	if err != nil {
		return err
	}
	if idx >= uint32(len(c.globals)) {
		return fmt.Errorf("unknown global index %d", idx)
	}
	g := c.globals[idx]
	offset := uint64(c.globalOffsets[idx])
	if op == wasm.OpcodeGlobalGet {
		c.stack.push(g.ValType)
		c.emit(Instruction{Opcode: widthOp(g.ValType, OpGlobalGet32, OpGlobalGet64), U1: offset})
		return nil
	}
	if !g.Mutable {
		return fmt.Errorf("global.set on immutable global %d", idx)
	}
	if err = c.stack.popType(frame, g.ValType); err != nil {
		return err
	}
	c.emit(Instruction{Opcode: widthOp(g.ValType, OpGlobalSet32, OpGlobalSet64), U1: offset})
	return nil
}

func (c *compiler) lowerMemoryAccess(frame *controlFrame, sig *signature, size uint32, lowered Opcode) error {
	align, offset, err := c.readMemArg()
	if err != nil {
		return err
	}
	if !c.hasMemory {
		return errors.New("memory instruction requires memory")
	}
	if align >= 32 || uint32(1)<<align > size {
		return fmt.Errorf("invalid memory alignment: 2^%d > %d", align, size)
	}
	if err = c.applySignature(frame, sig); err != nil {
		return err
	}
	c.emit(Instruction{Opcode: lowered, U1: uint64(offset)})
	return nil
}

func (c *compiler) lowerMisc(frame *controlFrame) (string, error) {
	sub, err := c.readU32()
	if err != nil {
		return "misc prefix", err
	}
	if sub > 0xff {
		return "misc prefix", fmt.Errorf("invalid instruction 0xfc %#x", sub)
	}
	op := wasm.OpcodeMisc(sub)
	name := wasm.MiscInstructionName(op)
	sig, ok := miscSignature(op)
	if !ok {
		return name, fmt.Errorf("invalid instruction 0xfc %#x", sub)
	}
	if err = c.enabledFeatures.Require(wasm.FeatureNonTrappingFloatToIntConversion); err != nil {
		return name, fmt.Errorf("invalid as %w", err)
	}
	if err = c.applySignature(frame, sig); err != nil {
		return name, err
	}
	c.emit(Instruction{Opcode: MiscOp(op)})
	return name, nil
}

func (c *compiler) lowerAtomic(frame *controlFrame) (string, error) {
	sub, err := c.readU32()
	if err != nil {
		return "atomic prefix", err
	}
	if sub > 0xff {
		return "atomic prefix", fmt.Errorf("invalid instruction 0xfe %#x", sub)
	}
	op := wasm.OpcodeAtomic(sub)
	name := wasm.AtomicInstructionName(op)
	if err = c.enabledFeatures.Require(wasm.FeatureThreads); err != nil {
		return name, fmt.Errorf("invalid as %w", err)
	}
	if op == wasm.OpcodeAtomicFence {
		if err = c.readZeroByte(); err != nil {
			return name, err
		}
		c.emit(Instruction{Opcode: AtomicOp(op)})
		return name, nil
	}
	sig, ok := atomicSignature(op)
	if !ok {
		return name, fmt.Errorf("invalid instruction 0xfe %#x", sub)
	}
	align, offset, err := c.readMemArg()
	if err != nil {
		return name, err
	}
	if !c.hasMemory {
		return name, errors.New("memory instruction requires memory")
	}
	size, _ := AtomicAccess(op)
	if align >= 32 || uint32(1)<<align != size {
		return name, fmt.Errorf("invalid memory alignment: 2^%d != %d", align, size)
	}
	if err = c.applySignature(frame, sig); err != nil {
		return name, err
	}
	c.emit(Instruction{Opcode: AtomicOp(op), U1: uint64(offset)})
	return name, nil
}

// suppress enters or leaves the dead arm of a folded if. Stack growth there is not counted.
func (c *compiler) suppress(delta int) {
	c.suppressed += delta
	c.stack.frozen = c.suppressed > 0
}

// emit appends inst unless inside the dead arm of a folded if.
func (c *compiler) emit(inst Instruction) (uint32, bool) {
	if c.suppressed > 0 {
		return 0, false
	}
	c.result = append(c.result, inst)
	c.offsets = append(c.offsets, c.bodyOffset+c.start)
	return uint32(len(c.result) - 1), true
}

func (c *compiler) markUnreachable() {
	frame := c.controls.top()
	c.stack.truncate(frame.height)
	frame.unreachable = true
}

func (c *compiler) readU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(c.body[c.pc:])
	if err != nil {
		return 0, fmt.Errorf("read immediate: %w", err)
	}
	c.pc += n
	return v, nil
}

func (c *compiler) readZeroByte() error {
	if c.pc >= uint64(len(c.body)) {
		return fmt.Errorf("read immediate: %w", io.ErrUnexpectedEOF)
	}
	b := c.body[c.pc]
	c.pc++
	if b != 0 {
		return fmt.Errorf("zero byte expected, but was %#x", b)
	}
	return nil
}

func (c *compiler) readMemArg() (align, offset uint32, err error) {
	if align, err = c.readU32(); err != nil {
		return
	}
	offset, err = c.readU32()
	return
}

// readBlockType reads the result type of a block. Only the empty type and single value types are supported.
func (c *compiler) readBlockType() ([]wasm.ValueType, error) {
	if c.pc >= uint64(len(c.body)) {
		return nil, fmt.Errorf("read block type: %w", io.ErrUnexpectedEOF)
	}
	b := c.body[c.pc]
	c.pc++
	switch b {
	case 0x40:
		return nil, nil
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		return []wasm.ValueType{b}, nil
	}
	return nil, fmt.Errorf("invalid block type: %#x", b)
}

// widthOp picks the operation for the cell width of t. Unknown values from unreachable code take the 32-bit form.
func widthOp(t wasm.ValueType, op32, op64 Opcode) Opcode {
	if cellsOf(t) == 2 {
		return op64
	}
	return op32
}

func equalTypes(a, b []wasm.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeNames(types []wasm.ValueType) []string {
	ret := make([]string, len(types))
	for i, t := range types {
		ret[i] = wasm.ValueTypeName(t)
	}
	return ret
}
