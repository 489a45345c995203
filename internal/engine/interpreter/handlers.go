package interpreter

import (
	"fmt"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// handler executes one instruction and advances or redirects the program counter. A returned error is a trap.
type handler func(ce *callEngine, inst *cellir.Instruction) error

// handlerTable maps every cellir.Opcode to its handler. It is built once per engine.
type handlerTable [cellir.OpcodeCount]handler

func newHandlerTable() *handlerTable {
	t := &handlerTable{}
	for i := range t {
		t[i] = invalidOpcode
	}

	t[cellir.OpUnreachable] = func(*callEngine, *cellir.Instruction) error { return wasm.ErrRuntimeUnreachable }
	t[cellir.OpBlock] = next
	t[cellir.OpLoop] = next
	t[cellir.OpIf] = opIf
	t[cellir.OpElse] = opElse
	t[cellir.OpBr] = opBr
	t[cellir.OpBrIf] = opBrIf
	t[cellir.OpBrTable] = opBrTable
	t[cellir.OpReturn] = opReturn
	t[cellir.OpCall] = opCall
	t[cellir.OpCallIndirect] = opCallIndirect

	t[cellir.OpDrop32] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.sp--
		ce.pc++
		return nil
	}
	t[cellir.OpDrop64] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.sp -= 2
		ce.pc++
		return nil
	}
	t[cellir.OpSelect32] = opSelect32
	t[cellir.OpSelect64] = opSelect64
	t[cellir.OpLocalGet32] = opLocalGet32
	t[cellir.OpLocalGet64] = opLocalGet64
	t[cellir.OpLocalSet32] = opLocalSet32
	t[cellir.OpLocalSet64] = opLocalSet64
	t[cellir.OpLocalTee32] = opLocalTee32
	t[cellir.OpLocalTee64] = opLocalTee64
	t[cellir.OpGlobalGet32] = opGlobalGet32
	t[cellir.OpGlobalGet64] = opGlobalGet64
	t[cellir.OpGlobalSet32] = opGlobalSet32
	t[cellir.OpGlobalSet64] = opGlobalSet64
	t[cellir.OpConst32] = func(ce *callEngine, inst *cellir.Instruction) error {
		ce.push32(uint32(inst.U1))
		ce.pc++
		return nil
	}
	t[cellir.OpConst64] = func(ce *callEngine, inst *cellir.Instruction) error {
		ce.push64(inst.U1)
		ce.pc++
		return nil
	}

	registerMemory(t)
	registerNumeric(t)
	registerAtomic(t)
	return t
}

func invalidOpcode(_ *callEngine, inst *cellir.Instruction) error {
	return fmt.Errorf("BUG: invalid IR opcode %s", inst.Opcode)
}

func next(ce *callEngine, _ *cellir.Instruction) error {
	ce.pc++
	return nil
}

func opIf(ce *callEngine, inst *cellir.Instruction) error {
	if ce.pop32() == 0 {
		ce.pc = int(inst.U1)
	} else {
		ce.pc++
	}
	return nil
}

func opElse(ce *callEngine, inst *cellir.Instruction) error {
	ce.pc = int(inst.U1)
	return nil
}

// branch moves the top keep cells down to height and continues at target.
func (ce *callEngine) branch(target uint32, height, keep uint32) {
	dst := ce.opBase + height
	if src := ce.sp - keep; src != dst {
		copy(ce.stack[dst:dst+keep], ce.stack[src:ce.sp])
	}
	ce.sp = dst + keep
	ce.pc = int(target)
}

func opBr(ce *callEngine, inst *cellir.Instruction) error {
	if err := ce.checkTerminated(); err != nil {
		return err
	}
	ce.branch(uint32(inst.U1), uint32(inst.U2), inst.Cells)
	return nil
}

func opBrIf(ce *callEngine, inst *cellir.Instruction) error {
	if ce.pop32() == 0 {
		ce.pc++
		return nil
	}
	return opBr(ce, inst)
}

func opBrTable(ce *callEngine, inst *cellir.Instruction) error {
	if err := ce.checkTerminated(); err != nil {
		return err
	}
	i := ce.pop32()
	if last := uint32(len(inst.Table) - 1); i > last {
		i = last
	}
	b := inst.Table[i]
	ce.branch(b.Target, b.Height, inst.Cells)
	return nil
}

func opReturn(ce *callEngine, inst *cellir.Instruction) error {
	n := inst.Cells
	copy(ce.stack[ce.base:ce.base+n], ce.stack[ce.sp-n:ce.sp])
	ce.returnTo(ce.base + n)
	return nil
}

func opCall(ce *callEngine, inst *cellir.Instruction) error {
	if err := ce.checkTerminated(); err != nil {
		return err
	}
	callee := &ce.me.functions[inst.U1]
	return ce.callFunction(callee, ce.sp-callee.paramCells)
}

func opCallIndirect(ce *callEngine, inst *cellir.Instruction) error {
	if err := ce.checkTerminated(); err != nil {
		return err
	}
	table := ce.me.instance.Table
	if table == nil {
		return wasm.ErrRuntimeUndefinedElement
	}
	idx, err := table.Lookup(ce.pop32())
	if err != nil {
		return err
	}
	callee := &ce.me.functions[idx]
	expected := ce.me.compiled.source.TypeSection[inst.U1]
	if !callee.instance.Type.EqualsSignature(expected.Params, expected.Results) {
		return wasm.ErrRuntimeIndirectCallTypeMismatch
	}
	return ce.callFunction(callee, ce.sp-callee.paramCells)
}

func opSelect32(ce *callEngine, _ *cellir.Instruction) error {
	c, v2, v1 := ce.pop32(), ce.pop32(), ce.pop32()
	if c == 0 {
		v1 = v2
	}
	ce.push32(v1)
	ce.pc++
	return nil
}

func opSelect64(ce *callEngine, _ *cellir.Instruction) error {
	c := ce.pop32()
	v2, v1 := ce.pop64(), ce.pop64()
	if c == 0 {
		v1 = v2
	}
	ce.push64(v1)
	ce.pc++
	return nil
}

func opLocalGet32(ce *callEngine, inst *cellir.Instruction) error {
	ce.push32(ce.stack[ce.base+uint32(inst.U1)])
	ce.pc++
	return nil
}

func opLocalGet64(ce *callEngine, inst *cellir.Instruction) error {
	i := ce.base + uint32(inst.U1)
	ce.stack[ce.sp], ce.stack[ce.sp+1] = ce.stack[i], ce.stack[i+1]
	ce.sp += 2
	ce.pc++
	return nil
}

func opLocalSet32(ce *callEngine, inst *cellir.Instruction) error {
	ce.stack[ce.base+uint32(inst.U1)] = ce.pop32()
	ce.pc++
	return nil
}

func opLocalSet64(ce *callEngine, inst *cellir.Instruction) error {
	i := ce.base + uint32(inst.U1)
	ce.sp -= 2
	ce.stack[i], ce.stack[i+1] = ce.stack[ce.sp], ce.stack[ce.sp+1]
	ce.pc++
	return nil
}

func opLocalTee32(ce *callEngine, inst *cellir.Instruction) error {
	ce.stack[ce.base+uint32(inst.U1)] = ce.stack[ce.sp-1]
	ce.pc++
	return nil
}

func opLocalTee64(ce *callEngine, inst *cellir.Instruction) error {
	i := ce.base + uint32(inst.U1)
	ce.stack[i], ce.stack[i+1] = ce.stack[ce.sp-2], ce.stack[ce.sp-1]
	ce.pc++
	return nil
}

func opGlobalGet32(ce *callEngine, inst *cellir.Instruction) error {
	ce.push32(ce.globals[inst.U1])
	ce.pc++
	return nil
}

func opGlobalGet64(ce *callEngine, inst *cellir.Instruction) error {
	ce.push32(ce.globals[inst.U1])
	ce.push32(ce.globals[inst.U1+1])
	ce.pc++
	return nil
}

func opGlobalSet32(ce *callEngine, inst *cellir.Instruction) error {
	ce.globals[inst.U1] = ce.pop32()
	ce.pc++
	return nil
}

func opGlobalSet64(ce *callEngine, inst *cellir.Instruction) error {
	ce.globals[inst.U1+1] = ce.pop32()
	ce.globals[inst.U1] = ce.pop32()
	ce.pc++
	return nil
}
