package wasm

import (
	"encoding/binary"
	"sync"
)

const (
	// HeapSizeMin and HeapSizeMax bound the heap size requested at instantiation.
	HeapSizeMin = uint32(512)
	HeapSizeMax = uint32(1 << 30)

	heapAlign      = uint32(8)
	heapHeaderSize = uint32(8)
	heapMinSplit   = heapHeaderSize + heapAlign
	heapUsedFlag   = uint32(1)
	heapNilOffset  = ^uint32(0)
	heapSizeMask   = ^(heapAlign - 1)
)

// AlignHeapSize rounds size up to 8 bytes and clamps it to [HeapSizeMin, HeapSizeMax]. Zero stays zero: no heap.
func AlignHeapSize(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	if size > HeapSizeMax {
		return HeapSizeMax
	}
	size = (size + heapAlign - 1) &^ (heapAlign - 1)
	if size < HeapSizeMin {
		return HeapSizeMin
	}
	return size
}

// Heap is a first-fit allocator over a region of linear memory, so the pointers it returns are plain app addresses.
//
// Every block starts with an 8-byte header in linear memory: the block size including the header with the low bit
// set when used, then the offset of the next free block (free blocks only). Free blocks are kept in address order
// and coalesced on Free.
type Heap struct {
	mu       sync.Mutex
	mem      *MemoryInstance
	base     uint32
	end      uint32
	freeHead uint32
}

// NewHeap formats [base, base+size) of mem as one free block.
func NewHeap(mem *MemoryInstance, base, size uint32) *Heap {
	size &= heapSizeMask
	h := &Heap{mem: mem, base: base, end: base + size, freeHead: heapNilOffset}
	if size >= heapMinSplit {
		h.writeHeader(base, size, heapNilOffset)
		h.freeHead = base
	}
	return h
}

// Base returns the app address of the heap region.
func (h *Heap) Base() uint32 {
	return h.base
}

// Size returns the length of the heap region.
func (h *Heap) Size() uint32 {
	return h.end - h.base
}

// Contains returns true if ptr is inside the heap region.
func (h *Heap) Contains(ptr uint32) bool {
	return ptr >= h.base && ptr < h.end
}

func (h *Heap) header(off uint32) (size uint32, used bool, next uint32) {
	b := h.mem.buffer[off:]
	word := binary.LittleEndian.Uint32(b)
	return word & heapSizeMask, word&heapUsedFlag != 0, binary.LittleEndian.Uint32(b[4:])
}

func (h *Heap) writeHeader(off, size, next uint32) {
	b := h.mem.buffer[off:]
	binary.LittleEndian.PutUint32(b, size)
	binary.LittleEndian.PutUint32(b[4:], next)
}

func (h *Heap) markUsed(off, size uint32) {
	binary.LittleEndian.PutUint32(h.mem.buffer[off:], size|heapUsedFlag)
}

// Malloc returns the app address of size zeroed bytes, or zero if no free block is large enough.
func (h *Heap) Malloc(size uint32) uint32 {
	if size == 0 || size > h.end-h.base {
		return 0
	}
	need := (size+heapAlign-1)&heapSizeMask + heapHeaderSize

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := heapNilOffset
	for cur, steps := h.freeHead, h.maxBlocks(); cur != heapNilOffset && steps > 0; steps-- {
		if !h.validOffset(cur) {
			return 0
		}
		blockSize, used, next := h.header(cur)
		if used || blockSize < heapHeaderSize || cur+blockSize > h.end {
			// Wasm overwrote the heap metadata.
			return 0
		}
		if blockSize >= need {
			if blockSize-need >= heapMinSplit {
				rest := cur + need
				h.writeHeader(rest, blockSize-need, next)
				next = rest
				blockSize = need
			}
			h.unlinkFree(prev, next)
			h.markUsed(cur, blockSize)
			ptr := cur + heapHeaderSize
			clear(h.mem.buffer[ptr : cur+blockSize])
			return ptr
		}
		prev, cur = cur, next
	}
	return 0
}

func (h *Heap) validOffset(off uint32) bool {
	return off >= h.base && off <= h.end-heapHeaderSize
}

// maxBlocks bounds free list walks, which only exceeds it when wasm corrupted the list into a cycle.
func (h *Heap) maxBlocks() uint32 {
	return (h.end-h.base)/heapMinSplit + 1
}

func (h *Heap) unlinkFree(prev, next uint32) {
	if prev == heapNilOffset {
		h.freeHead = next
		return
	}
	size, _, _ := h.header(prev)
	h.writeHeader(prev, size, next)
}

// Free returns a block allocated by Malloc. Unknown pointers are ignored.
func (h *Heap) Free(ptr uint32) {
	if ptr < h.base+heapHeaderSize || ptr >= h.end {
		return
	}
	off := ptr - heapHeaderSize

	h.mu.Lock()
	defer h.mu.Unlock()

	size, used, _ := h.header(off)
	if !used || size < heapHeaderSize || off+size > h.end {
		return
	}

	// Find the free neighbours around off in address order.
	prev := heapNilOffset
	cur := h.freeHead
	for steps := h.maxBlocks(); cur != heapNilOffset && cur < off && steps > 0; steps-- {
		if !h.validOffset(cur) {
			return
		}
		_, _, next := h.header(cur)
		prev, cur = cur, next
	}

	// Merge with the following free block.
	next := cur
	if cur != heapNilOffset && off+size == cur && h.validOffset(cur) {
		curSize, _, curNext := h.header(cur)
		size += curSize
		next = curNext
	}
	h.writeHeader(off, size, next)

	// Merge into the preceding free block.
	if prev != heapNilOffset {
		prevSize, _, _ := h.header(prev)
		if prev+prevSize == off {
			h.writeHeader(prev, prevSize+size, next)
			return
		}
		h.writeHeader(prev, prevSize, off)
		return
	}
	h.freeHead = off
}

// FreeBytes returns the sum of free block sizes, including their headers.
func (h *Heap) FreeBytes() (n uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cur, steps := h.freeHead, h.maxBlocks(); cur != heapNilOffset && steps > 0; steps-- {
		if !h.validOffset(cur) {
			return
		}
		size, _, next := h.header(cur)
		n += size
		cur = next
	}
	return
}
