package wasm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/cellvm/internal/platform"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryLimitPages is maximum number of pages defined (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryLimitPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// MemoryInstance represents a memory instance in a store, and implements api.Memory.
//
// A shared memory reserves Max pages when created and never moves its buffer: growing only publishes a larger size,
// so concurrent threads can keep computing addresses into it. A non-shared memory may reallocate on Grow and must
// only be used by the thread that owns the instance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0.
type MemoryInstance struct {
	Min, Max uint32
	Shared   bool

	// buffer holds the current bytes of a non-shared memory, or the whole reservation of a shared one.
	buffer []byte
	// size is the current length in bytes.
	size atomic.Uint64

	// Mux is held by atomic instructions for the duration of their read-modify-write, and by Grow on shared memory.
	Mux sync.Mutex

	waiters map[uint32][]chan struct{}

	// Heap is the embedded allocator backing Module.Malloc, or nil.
	Heap *Heap
}

// NewMemoryInstance allocates minPages of zeroed memory that can grow to maxPages.
func NewMemoryInstance(minPages, maxPages uint32, shared bool) (*MemoryInstance, error) {
	m := &MemoryInstance{Min: minPages, Max: maxPages, Shared: shared}
	minBytes := MemoryPagesToBytesNum(minPages)
	if shared {
		b, err := platform.ReserveMemory(MemoryPagesToBytesNum(maxPages))
		if err != nil {
			return nil, fmt.Errorf("reserve %d pages (%s) of shared memory: %w", maxPages, PagesToUnitOfBytes(maxPages), err)
		}
		m.buffer = b
	} else {
		m.buffer = make([]byte, minBytes)
	}
	m.size.Store(minBytes)
	return m, nil
}

// Close releases a shared memory reservation.
func (m *MemoryInstance) Close() error {
	if m.Shared {
		b := m.buffer
		m.buffer = nil
		m.size.Store(0)
		return platform.ReleaseMemory(b)
	}
	return nil
}

// Bytes returns the current contents. The slice is a view: re-read it after any call that may grow the memory.
func (m *MemoryInstance) Bytes() []byte {
	return m.buffer[:m.size.Load()]
}

// Size implements the same method as documented on api.Memory.
func (m *MemoryInstance) Size() uint32 {
	return uint32(m.size.Load())
}

// Pages implements the same method as documented on api.Memory.
func (m *MemoryInstance) Pages() uint32 {
	return memoryBytesNumToPages(m.size.Load())
}

// Grow extends the memory by deltaPages. It returns the previous size in pages, or false if the result would exceed
// Max, in which case nothing changes.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	if m.Shared {
		m.Mux.Lock()
		defer m.Mux.Unlock()
	}
	currentPages := m.Pages()
	if deltaPages == 0 {
		return currentPages, true
	}
	if uint64(currentPages)+uint64(deltaPages) > uint64(m.Max) {
		return 0, false
	}
	newBytes := MemoryPagesToBytesNum(currentPages + deltaPages)
	if !m.Shared {
		m.buffer = append(m.buffer, make([]byte, newBytes-uint64(len(m.buffer)))...)
	}
	m.size.Store(newBytes)
	return currentPages, true
}

// hasSize returns true if Len is sufficient for byteCount at the given offset.
func (m *MemoryInstance) hasSize(offset uint32, byteCount uint64) bool {
	return uint64(offset)+byteCount <= m.size.Load() // uint64 prevents overflow on add
}

// ReadByte implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if !m.hasSize(offset, 1) {
		return 0, false
	}
	return m.buffer[offset], true
}

// ReadUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buffer[offset:]), true
}

// ReadUint64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buffer[offset:]), true
}

// Read implements the same method as documented on api.Memory.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, uint64(byteCount)) {
		return nil, false
	}
	return m.buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if !m.hasSize(offset, 1) {
		return false
	}
	m.buffer[offset] = v
	return true
}

// WriteUint32Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buffer[offset:], v)
	return true
}

// WriteUint64Le implements the same method as documented on api.Memory.
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buffer[offset:], v)
	return true
}

// Write implements the same method as documented on api.Memory.
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.buffer[offset:], val)
	return true
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// memoryBytesNumToPages converts the given number of bytes into the number of pages.
func memoryBytesNumToPages(bytesNum uint64) (pages uint32) {
	return uint32(bytesNum >> MemoryPageSizeInBits)
}
