package wasm

import "errors"

// All the errors are returned by Engine during the execution of Wasm functions, and they indicate that the Wasm
// virtual machine's state is unrecoverable. Their messages are what Module.Exception reports after "Exception: ".
var (
	// ErrRuntimeStackOverflow indicates a call needed a frame larger than what remains of the exec env's stack.
	ErrRuntimeStackOverflow = errors.New("wasm operand stack overflow")
	// ErrRuntimeCallStackOverflow indicates the nesting of calls, including host re-entrance, exceeded the ceiling.
	ErrRuntimeCallStackOverflow = errors.New("native stack overflow")
	// ErrRuntimeInvalidConversionToInteger indicates the Wasm function tries to
	// convert NaN floating point value to integers during trunc variant instructions.
	ErrRuntimeInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrRuntimeIntegerOverflow indicates that an integer arithmetic resulted in
	// overflow value. For example, INT32_MIN / -1 or truncating a float too large for the target integer.
	ErrRuntimeIntegerOverflow = errors.New("integer overflow")
	// ErrRuntimeIntegerDivideByZero indicates that an integer div or rem instructions
	// was executed with 0 as the divisor.
	ErrRuntimeIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrRuntimeUnreachable means "unreachable" instruction was executed by the program.
	ErrRuntimeUnreachable = errors.New("unreachable")
	// ErrRuntimeOutOfBoundsMemoryAccess indicates that the program tried to access the
	// region beyond the linear memory.
	ErrRuntimeOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrRuntimeUndefinedElement means the call_indirect operand was outside the table.
	ErrRuntimeUndefinedElement = errors.New("undefined element")
	// ErrRuntimeUninitializedElement means the call_indirect target slot was never initialized by an element segment.
	ErrRuntimeUninitializedElement = errors.New("uninitialized element")
	// ErrRuntimeIndirectCallTypeMismatch indicates that the type check failed during call_indirect.
	ErrRuntimeIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrRuntimeUnalignedAtomic indicates an atomic instruction used an address not aligned to its access width.
	ErrRuntimeUnalignedAtomic = errors.New("unaligned atomic")
	// ErrRuntimeExpectedSharedMemory indicates memory.atomic.wait was used on a memory that is not shared.
	ErrRuntimeExpectedSharedMemory = errors.New("expected shared memory")
	// ErrRuntimeUnlinkedImport indicates a call to a function import the ImportResolver did not resolve.
	ErrRuntimeUnlinkedImport = errors.New("failed to call unlinked import function")
	// ErrRuntimeTerminated indicates the call observed the terminate flag set by Module.Terminate or a done context.
	ErrRuntimeTerminated = errors.New("wasm execution terminated")
	// ErrRuntimeHostException wraps a message set by a host function through Module.SetException.
	ErrRuntimeHostException = errors.New("host exception")
)
