package cellir

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/cellvm/internal/leb128"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// blockAddrCacheSize is the count of direct-mapped slots. It must be a power of two.
const blockAddrCacheSize = 64

// blockAddrCache remembers the else and end addresses of blocks found while scanning a function body, keyed by the
// address of the block opcode. Entries evicted from their slot by a collision move to conflicts.
type blockAddrCache struct {
	slots     [blockAddrCacheSize]BlockAddr
	conflicts map[uint64]BlockAddr
}

func (c *blockAddrCache) reset() {
	c.slots = [blockAddrCacheSize]BlockAddr{}
	c.conflicts = nil
}

func blockAddrSlot(start uint64) uint64 {
	return (start ^ start>>6) & (blockAddrCacheSize - 1)
}

func (c *blockAddrCache) lookup(start uint64) (BlockAddr, bool) {
	if s := c.slots[blockAddrSlot(start)]; s.End != 0 && s.Start == start {
		return s, true
	}
	a, ok := c.conflicts[start]
	return a, ok
}

func (c *blockAddrCache) insert(a BlockAddr) {
	slot := &c.slots[blockAddrSlot(a.Start)]
	if slot.End != 0 && slot.Start != a.Start {
		if c.conflicts == nil {
			c.conflicts = map[uint64]BlockAddr{}
		}
		c.conflicts[slot.Start] = *slot
	}
	*slot = a
}

// resolve returns the else and end addresses of the block starting at start, scanning forward on a miss. Every
// block nested in the scanned range is cached as well.
func (c *blockAddrCache) resolve(body []byte, start uint64) (BlockAddr, error) {
	if a, ok := c.lookup(start); ok {
		return a, nil
	}
	if err := c.scan(body, start); err != nil {
		return BlockAddr{}, err
	}
	a, _ := c.lookup(start)
	return a, nil
}

// scan walks from the block opcode at start to its matching end.
func (c *blockAddrCache) scan(body []byte, start uint64) error {
	r := bytes.NewReader(body)
	open := []BlockAddr{}
	pc := start
	for {
		if pc >= uint64(len(body)) {
			return fmt.Errorf("block at %#x: function body not terminated by end", start)
		}
		op := body[pc]
		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			open = append(open, BlockAddr{Start: pc})
		case wasm.OpcodeElse:
			if len(open) > 0 {
				open[len(open)-1].Else = pc
			}
		case wasm.OpcodeEnd:
			if len(open) > 0 {
				a := open[len(open)-1]
				a.End = pc
				c.insert(a)
				open = open[:len(open)-1]
				if len(open) == 0 {
					return nil
				}
			}
		}
		next, err := skipInstruction(r, op, pc)
		if err != nil {
			return err
		}
		pc = next
	}
}

// skipInstruction returns the address after the instruction op at pc. Opcodes without immediates, including unknown
// ones, are one byte long.
func skipInstruction(r *bytes.Reader, op byte, pc uint64) (uint64, error) {
	if _, err := r.Seek(int64(pc)+1, io.SeekStart); err != nil {
		return 0, err
	}
	var err error
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		_, _, err = leb128.DecodeInt33AsInt64(r)
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		_, _, err = leb128.DecodeUint32(r)
	case wasm.OpcodeBrTable:
		var n uint32
		if n, _, err = leb128.DecodeUint32(r); err == nil {
			for i := uint32(0); i <= n && err == nil; i++ {
				_, _, err = leb128.DecodeUint32(r)
			}
		}
	case wasm.OpcodeCallIndirect:
		if _, _, err = leb128.DecodeUint32(r); err == nil {
			_, err = r.ReadByte()
		}
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		_, err = r.ReadByte()
	case wasm.OpcodeI32Const:
		_, _, err = leb128.DecodeInt32(r)
	case wasm.OpcodeI64Const:
		_, _, err = leb128.DecodeInt64(r)
	case wasm.OpcodeF32Const:
		_, err = r.Seek(4, io.SeekCurrent)
	case wasm.OpcodeF64Const:
		_, err = r.Seek(8, io.SeekCurrent)
	case wasm.OpcodeMiscPrefix:
		_, _, err = leb128.DecodeUint32(r)
	case wasm.OpcodeAtomicPrefix:
		var sub uint32
		if sub, _, err = leb128.DecodeUint32(r); err == nil {
			if sub == uint32(wasm.OpcodeAtomicFence) {
				_, err = r.ReadByte()
			} else {
				err = skipMemArg(r)
			}
		}
	default:
		if op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32 {
			err = skipMemArg(r)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("scan %s at %#x: %w", wasm.InstructionName(op), pc, err)
	}
	return uint64(r.Size() - int64(r.Len())), nil
}

func skipMemArg(r *bytes.Reader) error {
	if _, _, err := leb128.DecodeUint32(r); err != nil {
		return err
	}
	_, _, err := leb128.DecodeUint32(r)
	return err
}
