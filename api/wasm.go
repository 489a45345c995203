// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
	"unsafe"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the text format name of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0 (20191205).
//
// Values cross the API encoded as uint64:
//   - ValueTypeI32 - uint64(uint32(v))
//   - ValueTypeI64 - uint64(v)
//   - ValueTypeF32 - EncodeF32 and DecodeF32
//   - ValueTypeF64 - EncodeF64 and DecodeF64
//
// Inside the interpreter a value occupies cells: ValueTypeI32 and ValueTypeF32 take one 32-bit cell, ValueTypeI64 and
// ValueTypeF64 take two. See ValueTypeCells.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the text format name of the given ValueType, or "unknown".
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// ValueTypeCells returns the count of 32-bit cells a value of the given type occupies.
func ValueTypeCells(t ValueType) uint32 {
	if t == ValueTypeI64 || t == ValueTypeF64 {
		return 2
	}
	return 1
}

// Module is an instantiated module: the host embedder's handle on its exports, linear memory and exception slot.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in cellvm.
type Module interface {
	fmt.Stringer

	// Name is the name this module was instantiated with.
	Name() string

	// ID uniquely identifies this instance for the lifetime of the process.
	ID() string

	// Memory returns the memory defined or imported by this module, or nil if it has none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module or nil if it wasn't.
	ExportedGlobal(name string) Global

	// Malloc allocates size bytes from the embedded heap and returns the app address, or zero after setting the
	// "out of memory" exception.
	Malloc(size uint32) uint32

	// Free releases an app address returned by Malloc. Zero and unknown addresses are ignored.
	Free(ptr uint32)

	// DupData copies data into a fresh heap allocation and returns its app address, or zero on failure.
	DupData(data []byte) uint32

	// ValidateAppAddr returns true if [offset, offset+size) is inside linear memory. It sets the
	// "out of bounds memory access" exception otherwise.
	ValidateAppAddr(offset, size uint32) bool

	// ValidateAppStrAddr returns true if a NUL-terminated string starts at offset and ends inside linear memory.
	ValidateAppStrAddr(offset uint32) bool

	// AppAddrToNative returns a pointer to the byte at offset, or nil if offset is not inside linear memory.
	//
	// Note: The pointer is invalidated by growing a non-shared memory.
	AppAddrToNative(offset uint32) unsafe.Pointer

	// NativeToAppAddr reverses AppAddrToNative. It returns false if p does not point into linear memory.
	NativeToAppAddr(p unsafe.Pointer) (uint32, bool)

	// AppAddrRange returns the bounds of the linear memory region containing offset.
	AppAddrRange(offset uint32) (start, end uint32, ok bool)

	// Exception returns the message of the last trap, prefixed by "Exception: ", or empty if the last call succeeded.
	Exception() string

	// SetException records a trap message. Host functions call this to fail the wasm function that called them.
	SetException(msg string)

	// Terminate requests that running calls on this module stop at the next branch or call. It is cooperative: host
	// functions are not interrupted.
	Terminate()

	// Close releases resources allocated for this Module.
	Close(context.Context) error
}

// FunctionDefinition describes a function exported or defined by a module.
type FunctionDefinition interface {
	// Index is the position in the module's function index namespace, imports first.
	Index() uint32

	// Name is the name from the name section, or empty.
	Name() string

	// ExportNames are the names this function is exported as.
	ExportNames() []string

	// ParamTypes are the possibly empty sequence of value types accepted by the function.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types returned by the function.
	//
	// Note: In WebAssembly 1.0 (20191205), there can be at most one result.
	ResultTypes() []ValueType
}

// Function is a function exported from an instantiated module.
type Function interface {
	// Definition is metadata about this function.
	Definition() FunctionDefinition

	// Call invokes the function with parameters encoded according to ParamTypes. Up to one result is returned,
	// encoded according to ResultTypes.
	//
	// A trap is returned as an error whose message starts with "wasm error: ", and the same message is available from
	// Module.Exception.
	//
	// Note: When the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is a global exported from an instantiated module.
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime.
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(v uint64)
}

// Memory allows restricted access to a module's linear memory. All values are little-endian.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint32

	// Pages returns the size in pages.
	Pages() uint32

	// Grow increases memory by the delta in pages. The return val is the previous memory size in pages, or false if
	// the delta was ignored as it exceeds max memory.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte at the offset or returns false if out of range.
	ReadByte(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 at the offset or returns false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// ReadUint64Le reads a uint64 at the offset or returns false if out of range.
	ReadUint64Le(offset uint32) (uint64, bool)

	// Read returns a view, not a copy, of byteCount bytes at the offset or returns false if out of range.
	Read(offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte at the offset or returns false if out of range.
	WriteByte(offset uint32, v byte) bool

	// WriteUint32Le writes the value at the offset or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// WriteUint64Le writes the value at the offset or returns false if out of range.
	WriteUint64Le(offset uint32, v uint64) bool

	// Write writes the slice at the offset or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// RawFunction is a host function using the raw cell calling convention. On entry cells holds the parameters laid
// out as in the interpreter's operand stack. Results are written back from cells[0]; cells is at least as long as
// the larger of the parameter and result cell counts.
//
// A non-nil error, or a call to Module.SetException, traps the calling wasm function.
type RawFunction func(ctx context.Context, mod Module, cells []uint32) error

// ImportResolver supplies host functions for a module's function imports.
//
// Resolve returns nil when (moduleName, name) is unknown. Otherwise, it returns either a RawFunction or a Go func
// whose parameters are an optional context.Context, an optional Module, then values of type int32, uint32, int64,
// uint64, float32 or float64, and whose results are such values optionally followed by an error. Unresolved imports
// are not fatal at instantiation, but calling one traps.
type ImportResolver interface {
	Resolve(moduleName, name string) any
}

// GlobalResolver is optionally implemented by an ImportResolver to supply the values of imported globals.
type GlobalResolver interface {
	ResolveGlobal(moduleName, name string, t ValueType) (uint64, bool)
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See DecodeF64
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
