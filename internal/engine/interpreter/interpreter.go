package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/cellir"
	"github.com/tetratelabs/cellvm/internal/jitbridge"
	"github.com/tetratelabs/cellvm/internal/wasm"
	"github.com/tetratelabs/cellvm/internal/wasmdebug"
)

// moduleEngine implements wasm.ModuleEngine
type moduleEngine struct {
	parent   *engine
	compiled *compiledModule
	instance *wasm.ModuleInstance
	// functions is index-correlated with instance.Functions.
	functions []function
}

// function is a callable in the function index namespace of an instance.
type function struct {
	moduleEngine *moduleEngine
	instance     *wasm.FunctionInstance
	// ir is nil for imports.
	ir *cellir.CompiledFunction
	// native is the code of a native compiled function, or nil.
	native                  jitbridge.Code
	paramCells, resultCells uint32
}

// callFrame is a suspended caller.
type callFrame struct {
	f *function
	// pc is the index of the call instruction.
	pc int
	// base is the cell index of the first local.
	base uint32
}

// execEnv is the stack arena and call stack shared by every call on one goroutine, including calls re-entering from
// host functions.
type execEnv struct {
	stack []uint32
	// top is the first cell not reserved by an active frame.
	top uint32

	frames  []callFrame
	ceiling int
}

type execEnvKey struct{}

func newExecEnv(stackSize uint32, ceiling int) *execEnv {
	return &execEnv{stack: make([]uint32, stackSize/4), ceiling: ceiling}
}

// callEngine runs one call from the embedder, a host function or native code, in an execEnv.
type callEngine struct {
	ctx      context.Context
	env      *execEnv
	me       *moduleEngine
	handlers *handlerTable

	stack   []uint32
	globals []uint32
	mem     *wasm.MemoryInstance

	// entry is the length of env.frames when the call began. Returning while it is reached completes the call.
	entry int
	done  bool

	// The registers of the running function.
	fn     *function
	body   []cellir.Instruction
	pc     int
	base   uint32
	opBase uint32
	sp     uint32
}

// Close implements the same method as documented on wasm.ModuleEngine.
func (me *moduleEngine) Close() error {
	return nil
}

// Call implements the same method as documented on wasm.ModuleEngine.
func (me *moduleEngine) Call(ctx context.Context, f *wasm.FunctionInstance, params ...uint64) (results []uint64, err error) {
	if f.Module != me.instance {
		return nil, fmt.Errorf("function %s is not in module %s", f.DebugName(), me.instance.Name())
	}
	if len(params) != len(f.Type.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(f.Type.Params), len(params))
	}
	fn := &me.functions[f.Index]
	inst := me.instance

	env, nested := ctx.Value(execEnvKey{}).(*execEnv)
	if !nested {
		env = newExecEnv(inst.StackSize, me.parent.callStackCeiling)
		ctx = context.WithValue(ctx, execEnvKey{}, env)
		if me.parent.closeOnContextDone && ctx.Done() != nil {
			stop := context.AfterFunc(ctx, inst.Terminate)
			defer stop()
		}
	}

	inst.ClearException()
	cells := make([]uint32, maxU32(fn.paramCells, fn.resultCells))
	encodeCells(cells, f.Type.Params, params)

	err = me.execute(ctx, env, fn, cells)
	if err != nil {
		trap, _ := wasmdebug.AsTrap(err)
		inst.SetException(trap.Message())
		if !nested {
			me.parent.metrics.Called(trapReason(err))
		}
		me.parent.logger.Debug("call trapped",
			zap.String("module", inst.Name()), zap.String("function", f.DebugName()), zap.Error(err))
		return nil, err
	}
	if !nested {
		me.parent.metrics.Called("")
	}
	return decodeCells(cells, f.Type.Results), nil
}

// execute calls fn in env. cells holds the parameter cells on entry and receives the result cells. Errors are
// *wasmdebug.Trap.
func (me *moduleEngine) execute(ctx context.Context, env *execEnv, fn *function, cells []uint32) error {
	ce := &callEngine{
		ctx:      ctx,
		env:      env,
		me:       me,
		handlers: me.parent.handlers,
		stack:    env.stack,
		globals:  me.instance.GlobalData,
		mem:      me.instance.Mem,
		entry:    len(env.frames),
	}

	base := env.top
	savedTop := env.top
	defer func() { env.top = savedTop }()

	err := ce.checkTerminated()
	if err == nil {
		if n := maxU32(fn.paramCells, fn.resultCells); uint64(base)+uint64(n) > uint64(len(env.stack)) {
			err = wasm.ErrRuntimeStackOverflow
		} else {
			copy(env.stack[base:], cells[:fn.paramCells])
			env.top = base + n
			err = ce.callFunction(fn, base)
		}
	}
	if err == nil {
		err = ce.run()
	}
	if err != nil {
		return ce.trap(err)
	}
	copy(cells, env.stack[base:base+fn.resultCells])
	return nil
}

// run dispatches instructions until the entry function returns.
func (ce *callEngine) run() error {
	for !ce.done {
		inst := &ce.body[ce.pc]
		if err := ce.handlers[inst.Opcode](ce, inst); err != nil {
			return err
		}
	}
	return nil
}

func (ce *callEngine) checkTerminated() error {
	if ce.me.instance.Terminated() {
		return wasm.ErrRuntimeTerminated
	}
	return nil
}

// callFunction calls fn, whose parameters are the cells from base. Interpreted functions continue in run. Others
// complete before this returns.
func (ce *callEngine) callFunction(fn *function, base uint32) error {
	if ce.fn != nil {
		if len(ce.env.frames) >= ce.env.ceiling {
			return wasm.ErrRuntimeCallStackOverflow
		}
		ce.env.frames = append(ce.env.frames, callFrame{f: ce.fn, pc: ce.pc, base: ce.base})
	}
	ce.fn = fn

	switch {
	case fn.ir == nil:
		if err := ce.callHost(fn, base); err != nil {
			return err
		}
	case fn.native != nil:
		if err := ce.callNative(fn, base); err != nil {
			return err
		}
	default:
		ir := fn.ir
		if uint64(base)+uint64(ir.FrameCellNum()) > uint64(len(ce.stack)) {
			return wasm.ErrRuntimeStackOverflow
		}
		clear(ce.stack[base+ir.ParamCellNum : base+ir.LocalCellNum])
		ce.body, ce.pc, ce.base = ir.Body, 0, base
		ce.opBase = base + ir.LocalCellNum
		ce.sp = ce.opBase
		ce.env.top = ce.opBase + ir.MaxStackCellNum
		return nil
	}
	ce.returnTo(base + fn.resultCells)
	return nil
}

// returnTo resumes the caller with its operand stack ending at sp, or completes the call.
func (ce *callEngine) returnTo(sp uint32) {
	frames := ce.env.frames
	if len(frames) == ce.entry {
		ce.done = true
		return
	}
	caller := frames[len(frames)-1]
	ce.env.frames = frames[:len(frames)-1]

	ir := caller.f.ir
	ce.fn, ce.body, ce.pc, ce.base = caller.f, ir.Body, caller.pc+1, caller.base
	ce.opBase = caller.base + ir.LocalCellNum
	ce.sp = sp
	ce.env.top = ce.opBase + ir.MaxStackCellNum
}

// trapReasons are the fixed set of trap classes counted by metrics. Host exceptions come first as their cause may
// wrap anything.
var trapReasons = []error{
	wasm.ErrRuntimeHostException,
	wasm.ErrRuntimeStackOverflow,
	wasm.ErrRuntimeCallStackOverflow,
	wasm.ErrRuntimeInvalidConversionToInteger,
	wasm.ErrRuntimeIntegerOverflow,
	wasm.ErrRuntimeIntegerDivideByZero,
	wasm.ErrRuntimeUnreachable,
	wasm.ErrRuntimeOutOfBoundsMemoryAccess,
	wasm.ErrRuntimeUndefinedElement,
	wasm.ErrRuntimeUninitializedElement,
	wasm.ErrRuntimeIndirectCallTypeMismatch,
	wasm.ErrRuntimeUnalignedAtomic,
	wasm.ErrRuntimeExpectedSharedMemory,
	wasm.ErrRuntimeUnlinkedImport,
	wasm.ErrRuntimeTerminated,
}

// trapReason returns the message of the sentinel err matches, or "other". Unlike the trap message, it never carries
// text from host functions.
func trapReason(err error) string {
	for _, sentinel := range trapReasons {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "other"
}

// hostError is a failure reported by a host function, either as its error or through api.Module SetException.
type hostError struct {
	msg   string
	cause error
}

// Error implements error
func (e *hostError) Error() string {
	return e.msg
}

// Is allows errors.Is(err, wasm.ErrRuntimeHostException).
func (e *hostError) Is(target error) bool {
	return target == wasm.ErrRuntimeHostException
}

// Unwrap returns the error the host function returned, if any.
func (e *hostError) Unwrap() error {
	return e.cause
}

func (ce *callEngine) callHost(fn *function, base uint32) (err error) {
	host := fn.instance.Host
	if host == nil {
		return wasm.ErrRuntimeUnlinkedImport
	}
	end := uint64(base) + uint64(maxU32(fn.paramCells, fn.resultCells))
	if end > uint64(len(ce.stack)) {
		return wasm.ErrRuntimeStackOverflow
	}
	savedTop := ce.env.top
	if uint32(end) > ce.env.top {
		ce.env.top = uint32(end)
	}
	defer func() {
		ce.env.top = savedTop
		if r := recover(); r != nil {
			err = &hostError{msg: fmt.Sprintf("%s panicked: %v", host.Name, r)}
		}
	}()

	inst := ce.me.instance
	if err = host.Call(ce.ctx, inst, fn.instance.Type, ce.stack[base:end]); err != nil {
		if trap, ok := wasmdebug.AsTrap(err); ok {
			return trap.Unwrap()
		}
		return &hostError{msg: err.Error(), cause: err}
	}
	if msg := inst.ExceptionMessage(); msg != "" {
		return &hostError{msg: msg}
	}
	return nil
}

func (ce *callEngine) callNative(fn *function, base uint32) error {
	end := uint64(base) + uint64(maxU32(fn.paramCells, fn.resultCells))
	if end > uint64(len(ce.stack)) {
		return wasm.ErrRuntimeStackOverflow
	}
	savedTop := ce.env.top
	if uint32(end) > ce.env.top {
		ce.env.top = uint32(end)
	}
	defer func() { ce.env.top = savedTop }()

	if err := fn.native.Call(&nativeEnv{ce: ce}, ce.stack[base:end]); err != nil {
		if trap, ok := wasmdebug.AsTrap(err); ok {
			return trap.Unwrap()
		}
		return err
	}
	return nil
}

// trap unwinds the frames of this call and returns err with the stack trace of the call.
func (ce *callEngine) trap(err error) error {
	builder := wasmdebug.NewErrorBuilder()
	if ce.fn != nil {
		ce.addFrame(builder, ce.fn, ce.pc)
	}
	for i := len(ce.env.frames) - 1; i >= ce.entry; i-- {
		f := ce.env.frames[i]
		ce.addFrame(builder, f.f, f.pc)
	}
	ce.env.frames = ce.env.frames[:ce.entry]
	return builder.FromTrap(err)
}

func (ce *callEngine) addFrame(builder wasmdebug.ErrorBuilder, fn *function, pc int) {
	var sources []string
	if ir := fn.ir; ir != nil && fn.native == nil && pc < len(ir.SourceOffsets) {
		sources = fn.moduleEngine.compiled.dwarf.Line(ir.SourceOffsets[pc])
	}
	t := fn.instance.Type
	builder.AddFrame(fn.instance.DebugName(), t.Params, t.Results, sources)
}

// nativeEnv implements jitbridge.Env
type nativeEnv struct {
	ce *callEngine
}

// Context implements jitbridge.Env Context
func (n *nativeEnv) Context() context.Context {
	return n.ce.ctx
}

// Module implements jitbridge.Env Module
func (n *nativeEnv) Module() api.Module {
	return n.ce.me.instance
}

// Memory implements jitbridge.Env Memory
func (n *nativeEnv) Memory() *wasm.MemoryInstance {
	return n.ce.mem
}

// Globals implements jitbridge.Env Globals
func (n *nativeEnv) Globals() []uint32 {
	return n.ce.globals
}

// CallFunction implements jitbridge.Env CallFunction
func (n *nativeEnv) CallFunction(index wasm.Index, cells []uint32) error {
	me := n.ce.me
	if index >= wasm.Index(len(me.functions)) {
		return fmt.Errorf("unknown function index %d", index)
	}
	return me.execute(n.ce.ctx, n.ce.env, &me.functions[index], cells)
}

func (ce *callEngine) push32(v uint32) {
	ce.stack[ce.sp] = v
	ce.sp++
}

func (ce *callEngine) pop32() uint32 {
	ce.sp--
	return ce.stack[ce.sp]
}

func (ce *callEngine) push64(v uint64) {
	ce.stack[ce.sp] = uint32(v)
	ce.stack[ce.sp+1] = uint32(v >> 32)
	ce.sp += 2
}

func (ce *callEngine) pop64() uint64 {
	ce.sp -= 2
	return uint64(ce.stack[ce.sp]) | uint64(ce.stack[ce.sp+1])<<32
}

func (ce *callEngine) pushF32(v float32) {
	ce.push32(math.Float32bits(v))
}

func (ce *callEngine) popF32() float32 {
	return math.Float32frombits(ce.pop32())
}

func (ce *callEngine) pushF64(v float64) {
	ce.push64(math.Float64bits(v))
}

func (ce *callEngine) popF64() float64 {
	return math.Float64frombits(ce.pop64())
}

func cellsOf(types []wasm.ValueType) (n uint32) {
	for _, t := range types {
		n += api.ValueTypeCells(t)
	}
	return
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// encodeCells lays out values of the given types as operand stack cells, low word first.
func encodeCells(cells []uint32, types []wasm.ValueType, values []uint64) {
	var i int
	for j, t := range types {
		v := values[j]
		cells[i] = uint32(v)
		i++
		if api.ValueTypeCells(t) == 2 {
			cells[i] = uint32(v >> 32)
			i++
		}
	}
}

// decodeCells reverses encodeCells.
func decodeCells(cells []uint32, types []wasm.ValueType) []uint64 {
	values := make([]uint64, len(types))
	var i int
	for j, t := range types {
		v := uint64(cells[i])
		i++
		if api.ValueTypeCells(t) == 2 {
			v |= uint64(cells[i]) << 32
			i++
		}
		values[j] = v
	}
	return values
}
