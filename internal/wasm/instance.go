package wasm

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/logging"
)

const (
	exceptionPrefix = "Exception: "
	// ExceptionOutOfMemory is set when Malloc cannot satisfy a request.
	ExceptionOutOfMemory = "out of memory"
)

// ModuleInstance is the mutable realization of a Module: its globals, memory, table and functions. It implements
// api.Module.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#module-instances%E2%91%A0
type ModuleInstance struct {
	id, name string

	// Source is the module this was instantiated from.
	Source *Module

	Functions []*FunctionInstance
	Globals   []*GlobalInstance
	// GlobalData holds the cells of every global. See GlobalInstance.Offset
	GlobalData []uint32
	// Mem is the linear memory, or nil.
	Mem   *MemoryInstance
	Table *TableInstance

	// StackSize is the size in bytes of the operand stack arena of each call from the host.
	StackSize uint32

	// Engine implements function calls for this instance.
	Engine ModuleEngine

	// OnClose is called once, after Close released the instance.
	OnClose func()

	Logger *zap.Logger

	exception  atomic.Pointer[string]
	terminated atomic.Bool
	closed     atomic.Bool
}

// compile-time check to ensure ModuleInstance implements api.Module
var _ api.Module = &ModuleInstance{}

// String implements fmt.Stringer
func (m *ModuleInstance) String() string {
	return fmt.Sprintf("Module[%s]", m.name)
}

// Name implements api.Module Name
func (m *ModuleInstance) Name() string {
	return m.name
}

// ID implements api.Module ID
func (m *ModuleInstance) ID() string {
	return m.id
}

// Exception implements api.Module Exception
func (m *ModuleInstance) Exception() string {
	if p := m.exception.Load(); p != nil {
		return *p
	}
	return ""
}

// SetException implements api.Module SetException
func (m *ModuleInstance) SetException(msg string) {
	if msg == "" {
		m.exception.Store(nil)
		return
	}
	s := exceptionPrefix + msg
	m.exception.Store(&s)
}

// ExceptionMessage returns the exception without its prefix, or empty.
func (m *ModuleInstance) ExceptionMessage() string {
	if p := m.exception.Load(); p != nil {
		return (*p)[len(exceptionPrefix):]
	}
	return ""
}

// ClearException empties the exception slot.
func (m *ModuleInstance) ClearException() {
	m.exception.Store(nil)
}

// Terminate implements api.Module Terminate
func (m *ModuleInstance) Terminate() {
	m.terminated.Store(true)
}

// Terminated returns true once Terminate was called. The interpreter polls this at branches and calls.
func (m *ModuleInstance) Terminated() bool {
	return m.terminated.Load()
}

// Closed returns true once Close was called.
func (m *ModuleInstance) Closed() bool {
	return m.closed.Load()
}

// Close implements api.Module Close
func (m *ModuleInstance) Close(context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.Terminate()
	err := m.release()
	logging.Or(m.Logger).Debug("instance closed", zap.String("module", m.name), zap.String("id", m.id), zap.Error(err))
	if m.OnClose != nil {
		m.OnClose()
	}
	return err
}

// release frees what the instance allocated. It is used by Close and to tear down a failed instantiation.
func (m *ModuleInstance) release() (err error) {
	if m.Engine != nil {
		err = multierr.Append(err, m.Engine.Close())
	}
	if m.Mem != nil {
		err = multierr.Append(err, m.Mem.Close())
	}
	return
}

// Memory implements api.Module Memory
func (m *ModuleInstance) Memory() api.Memory {
	if m.Mem == nil {
		return nil
	}
	return m.Mem
}

func (m *ModuleInstance) export(name string, et ExternType) *Export {
	exp, ok := m.Source.Exports[name]
	if !ok || exp.Type != et {
		return nil
	}
	return exp
}

// ExportedFunction implements api.Module ExportedFunction
func (m *ModuleInstance) ExportedFunction(name string) api.Function {
	exp := m.export(name, ExternTypeFunc)
	if exp == nil {
		return nil
	}
	return m.Functions[exp.Index]
}

// ExportedMemory implements api.Module ExportedMemory
func (m *ModuleInstance) ExportedMemory(name string) api.Memory {
	if m.export(name, ExternTypeMemory) == nil || m.Mem == nil {
		return nil
	}
	return m.Mem
}

// ExportedGlobal implements api.Module ExportedGlobal
func (m *ModuleInstance) ExportedGlobal(name string) api.Global {
	exp := m.export(name, ExternTypeGlobal)
	if exp == nil {
		return nil
	}
	g := m.Globals[exp.Index]
	if g.Decl.Mutable {
		return mutableGlobal{g}
	}
	return g
}

// Malloc implements api.Module Malloc
func (m *ModuleInstance) Malloc(size uint32) uint32 {
	var ptr uint32
	if m.Mem != nil && m.Mem.Heap != nil {
		ptr = m.Mem.Heap.Malloc(size)
	}
	if ptr == 0 {
		m.SetException(ExceptionOutOfMemory)
	}
	return ptr
}

// Free implements api.Module Free
func (m *ModuleInstance) Free(ptr uint32) {
	if ptr != 0 && m.Mem != nil && m.Mem.Heap != nil {
		m.Mem.Heap.Free(ptr)
	}
}

// DupData implements api.Module DupData
func (m *ModuleInstance) DupData(data []byte) uint32 {
	ptr := m.Malloc(uint32(len(data)))
	if ptr != 0 {
		copy(m.Mem.Bytes()[ptr:], data)
	}
	return ptr
}

// ValidateAppAddr implements api.Module ValidateAppAddr
func (m *ModuleInstance) ValidateAppAddr(offset, size uint32) bool {
	if m.Mem == nil || !m.Mem.hasSize(offset, uint64(size)) {
		m.SetException(ErrRuntimeOutOfBoundsMemoryAccess.Error())
		return false
	}
	return true
}

// ValidateAppStrAddr implements api.Module ValidateAppStrAddr
func (m *ModuleInstance) ValidateAppStrAddr(offset uint32) bool {
	if m.Mem != nil {
		buf := m.Mem.Bytes()
		for i := uint64(offset); i < uint64(len(buf)); i++ {
			if buf[i] == 0 {
				return true
			}
		}
	}
	m.SetException(ErrRuntimeOutOfBoundsMemoryAccess.Error())
	return false
}

// AppAddrToNative implements api.Module AppAddrToNative
func (m *ModuleInstance) AppAddrToNative(offset uint32) unsafe.Pointer {
	if m.Mem == nil {
		return nil
	}
	buf := m.Mem.Bytes()
	if uint64(offset) >= uint64(len(buf)) {
		return nil
	}
	return unsafe.Pointer(&buf[offset])
}

// NativeToAppAddr implements api.Module NativeToAppAddr
func (m *ModuleInstance) NativeToAppAddr(p unsafe.Pointer) (uint32, bool) {
	if m.Mem == nil || p == nil {
		return 0, false
	}
	buf := m.Mem.Bytes()
	if len(buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&buf[0]))
	addr := uintptr(p)
	if addr < base || addr-base >= uintptr(len(buf)) {
		return 0, false
	}
	return uint32(addr - base), true
}

// AppAddrRange implements api.Module AppAddrRange
func (m *ModuleInstance) AppAddrRange(offset uint32) (start, end uint32, ok bool) {
	if m.Mem == nil {
		return 0, 0, false
	}
	size := uint64(m.Mem.Size())
	if uint64(offset) >= size {
		return 0, 0, false
	}
	// Linear memory is a single region, so its bounds are the answer for any valid offset. end is exclusive.
	return 0, uint32(size), true
}
