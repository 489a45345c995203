package interpreter

import (
	"encoding/binary"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// atomicAccess pops the address of an atomic operation and returns the offset it designates. Atomic accesses must
// be naturally aligned.
func (ce *callEngine) atomicAccess(offset uint64, size uint32) (uint32, error) {
	ea := offset + uint64(ce.pop32())
	if ea+uint64(size) > uint64(len(ce.mem.Bytes())) {
		return 0, wasm.ErrRuntimeOutOfBoundsMemoryAccess
	}
	if ea%uint64(size) != 0 {
		return 0, wasm.ErrRuntimeUnalignedAtomic
	}
	return uint32(ea), nil
}

func readSized(b []byte, size uint32) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func writeSized(b []byte, size uint32, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// popValue pops an operand of the width is64 selects.
func (ce *callEngine) popValue(is64 bool) uint64 {
	if is64 {
		return ce.pop64()
	}
	return uint64(ce.pop32())
}

func (ce *callEngine) pushValue(is64 bool, v uint64) {
	if is64 {
		ce.push64(v)
	} else {
		ce.push32(uint32(v))
	}
}

func registerAtomic(t *handlerTable) {
	t[cellir.AtomicOp(wasm.OpcodeAtomicFence)] = next
	t[cellir.AtomicOp(wasm.OpcodeAtomicMemoryNotify)] = opAtomicNotify
	t[cellir.AtomicOp(wasm.OpcodeAtomicMemoryWait32)] = opAtomicWait
	t[cellir.AtomicOp(wasm.OpcodeAtomicMemoryWait64)] = opAtomicWait

	for op := wasm.OpcodeAtomicI32Load; op <= wasm.OpcodeAtomicI64Load32U; op++ {
		t[cellir.AtomicOp(op)] = atomicLoad(op)
	}
	for op := wasm.OpcodeAtomicI32Store; op <= wasm.OpcodeAtomicI64Store32; op++ {
		t[cellir.AtomicOp(op)] = atomicStore(op)
	}
	for op := wasm.OpcodeAtomicI32RmwAdd; op <= wasm.OpcodeAtomicI64Rmw32UCmpxchg; op++ {
		t[cellir.AtomicOp(op)] = atomicRmw(op)
	}
}

func atomicLoad(op wasm.OpcodeAtomic) handler {
	size, is64 := cellir.AtomicAccess(op)
	return func(ce *callEngine, inst *cellir.Instruction) error {
		off, err := ce.atomicAccess(inst.U1, size)
		if err != nil {
			return err
		}
		ce.mem.Mux.Lock()
		v := readSized(ce.mem.Bytes()[off:], size)
		ce.mem.Mux.Unlock()
		ce.pushValue(is64, v)
		ce.pc++
		return nil
	}
}

func atomicStore(op wasm.OpcodeAtomic) handler {
	size, is64 := cellir.AtomicAccess(op)
	return func(ce *callEngine, inst *cellir.Instruction) error {
		v := ce.popValue(is64)
		off, err := ce.atomicAccess(inst.U1, size)
		if err != nil {
			return err
		}
		ce.mem.Mux.Lock()
		writeSized(ce.mem.Bytes()[off:], size, v)
		ce.mem.Mux.Unlock()
		ce.pc++
		return nil
	}
}

func atomicRmw(op wasm.OpcodeAtomic) handler {
	size, is64 := cellir.AtomicAccess(op)
	rmw, _ := cellir.AtomicRmw(op)
	mask := uint64(1)<<(size*8) - 1 // all ones when size is 8
	return func(ce *callEngine, inst *cellir.Instruction) error {
		v := ce.popValue(is64) & mask
		var expected uint64
		if rmw == cellir.AtomicRmwCmpxchg {
			expected = ce.popValue(is64) & mask
		}
		off, err := ce.atomicAccess(inst.U1, size)
		if err != nil {
			return err
		}

		ce.mem.Mux.Lock()
		b := ce.mem.Bytes()[off:]
		old := readSized(b, size)
		switch rmw {
		case cellir.AtomicRmwAdd:
			writeSized(b, size, old+v)
		case cellir.AtomicRmwSub:
			writeSized(b, size, old-v)
		case cellir.AtomicRmwAnd:
			writeSized(b, size, old&v)
		case cellir.AtomicRmwOr:
			writeSized(b, size, old|v)
		case cellir.AtomicRmwXor:
			writeSized(b, size, old^v)
		case cellir.AtomicRmwXchg:
			writeSized(b, size, v)
		case cellir.AtomicRmwCmpxchg:
			if old == expected {
				writeSized(b, size, v)
			}
		}
		ce.mem.Mux.Unlock()

		ce.pushValue(is64, old)
		ce.pc++
		return nil
	}
}

func opAtomicWait(ce *callEngine, inst *cellir.Instruction) error {
	op, _ := inst.Opcode.IsAtomic()
	size, is64 := cellir.AtomicAccess(op)
	timeout := int64(ce.pop64())
	expected := ce.popValue(is64)
	off, err := ce.atomicAccess(inst.U1, size)
	if err != nil {
		return err
	}
	if !ce.mem.Shared {
		return wasm.ErrRuntimeExpectedSharedMemory
	}
	var ret uint32
	if is64 {
		ret = ce.mem.Wait64(off, expected, timeout)
	} else {
		ret = ce.mem.Wait32(off, uint32(expected), timeout)
	}
	ce.push32(ret)
	ce.pc++
	return nil
}

// opAtomicNotify wakes waiters. Nothing can wait on a non-shared memory, so it then reports zero.
func opAtomicNotify(ce *callEngine, inst *cellir.Instruction) error {
	count := ce.pop32()
	off, err := ce.atomicAccess(inst.U1, 4)
	if err != nil {
		return err
	}
	var woken uint32
	if ce.mem.Shared {
		woken = ce.mem.Notify(off, count)
	}
	ce.push32(woken)
	ce.pc++
	return nil
}
