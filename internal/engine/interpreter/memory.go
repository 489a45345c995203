package interpreter

import (
	"encoding/binary"

	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// access pops the dynamic address and returns the size bytes at it plus the static offset. The slice aliases the
// memory, so it must not be kept across anything that grows it.
func (ce *callEngine) access(offset uint64, size uint64) ([]byte, error) {
	ea := offset + uint64(ce.pop32())
	buf := ce.mem.Bytes()
	if ea+size > uint64(len(buf)) {
		return nil, wasm.ErrRuntimeOutOfBoundsMemoryAccess
	}
	return buf[ea : ea+size], nil
}

func registerMemory(t *handlerTable) {
	t[cellir.OpMemorySize] = func(ce *callEngine, _ *cellir.Instruction) error {
		ce.push32(ce.mem.Pages())
		ce.pc++
		return nil
	}
	t[cellir.OpMemoryGrow] = func(ce *callEngine, _ *cellir.Instruction) error {
		prev, ok := ce.mem.Grow(ce.pop32())
		if !ok {
			prev = 0xffffffff
		}
		ce.push32(prev)
		ce.pc++
		return nil
	}

	load := func(size uint64, push func(ce *callEngine, b []byte)) handler {
		return func(ce *callEngine, inst *cellir.Instruction) error {
			b, err := ce.access(inst.U1, size)
			if err != nil {
				return err
			}
			push(ce, b)
			ce.pc++
			return nil
		}
	}
	t[cellir.OpLoad32] = load(4, func(ce *callEngine, b []byte) { ce.push32(binary.LittleEndian.Uint32(b)) })
	t[cellir.OpLoad64] = load(8, func(ce *callEngine, b []byte) { ce.push64(binary.LittleEndian.Uint64(b)) })
	t[cellir.OpI32Load8S] = load(1, func(ce *callEngine, b []byte) { ce.push32(uint32(int8(b[0]))) })
	t[cellir.OpI32Load8U] = load(1, func(ce *callEngine, b []byte) { ce.push32(uint32(b[0])) })
	t[cellir.OpI32Load16S] = load(2, func(ce *callEngine, b []byte) {
		ce.push32(uint32(int16(binary.LittleEndian.Uint16(b))))
	})
	t[cellir.OpI32Load16U] = load(2, func(ce *callEngine, b []byte) {
		ce.push32(uint32(binary.LittleEndian.Uint16(b)))
	})
	t[cellir.OpI64Load8S] = load(1, func(ce *callEngine, b []byte) { ce.push64(uint64(int8(b[0]))) })
	t[cellir.OpI64Load8U] = load(1, func(ce *callEngine, b []byte) { ce.push64(uint64(b[0])) })
	t[cellir.OpI64Load16S] = load(2, func(ce *callEngine, b []byte) {
		ce.push64(uint64(int16(binary.LittleEndian.Uint16(b))))
	})
	t[cellir.OpI64Load16U] = load(2, func(ce *callEngine, b []byte) {
		ce.push64(uint64(binary.LittleEndian.Uint16(b)))
	})
	t[cellir.OpI64Load32S] = load(4, func(ce *callEngine, b []byte) {
		ce.push64(uint64(int32(binary.LittleEndian.Uint32(b))))
	})
	t[cellir.OpI64Load32U] = load(4, func(ce *callEngine, b []byte) {
		ce.push64(uint64(binary.LittleEndian.Uint32(b)))
	})

	// Stores pop the value before the address.
	store32 := func(size uint64, put func(b []byte, v uint32)) handler {
		return func(ce *callEngine, inst *cellir.Instruction) error {
			v := ce.pop32()
			b, err := ce.access(inst.U1, size)
			if err != nil {
				return err
			}
			put(b, v)
			ce.pc++
			return nil
		}
	}
	store64 := func(size uint64, put func(b []byte, v uint64)) handler {
		return func(ce *callEngine, inst *cellir.Instruction) error {
			v := ce.pop64()
			b, err := ce.access(inst.U1, size)
			if err != nil {
				return err
			}
			put(b, v)
			ce.pc++
			return nil
		}
	}
	t[cellir.OpStore32] = store32(4, binary.LittleEndian.PutUint32)
	t[cellir.OpI32Store8] = store32(1, func(b []byte, v uint32) { b[0] = byte(v) })
	t[cellir.OpI32Store16] = store32(2, func(b []byte, v uint32) { binary.LittleEndian.PutUint16(b, uint16(v)) })
	t[cellir.OpStore64] = store64(8, binary.LittleEndian.PutUint64)
	t[cellir.OpI64Store8] = store64(1, func(b []byte, v uint64) { b[0] = byte(v) })
	t[cellir.OpI64Store16] = store64(2, func(b []byte, v uint64) { binary.LittleEndian.PutUint16(b, uint16(v)) })
	t[cellir.OpI64Store32] = store64(4, func(b []byte, v uint64) { binary.LittleEndian.PutUint32(b, uint32(v)) })
}
