package cellir

import (
	"fmt"

	"github.com/tetratelabs/cellvm/api"
	"github.com/tetratelabs/cellvm/internal/wasm"
)

// typeStack records one type tag per live operand cell. A 64-bit value occupies two cells with the same tag.
type typeStack struct {
	cells []wasm.ValueType
	// max is the highest len(cells) seen while not frozen.
	max uint32
	// frozen is set while validating code that emits nothing.
	frozen bool
}

func (s *typeStack) height() uint32 {
	return uint32(len(s.cells))
}

func (s *typeStack) push(t wasm.ValueType) {
	s.cells = append(s.cells, t)
	if cellsOf(t) == 2 {
		s.cells = append(s.cells, t)
	}
	if h := s.height(); h > s.max && !s.frozen {
		s.max = h
	}
}

func (s *typeStack) truncate(height uint32) {
	s.cells = s.cells[:height]
}

// pop removes the top value above the frame. In unreachable code an empty frame yields valueTypeUnknown.
func (s *typeStack) pop(frame *controlFrame) (wasm.ValueType, error) {
	h := s.height()
	if h == frame.height {
		if frame.unreachable {
			return valueTypeUnknown, nil
		}
		return 0, errStackUnderflow
	}
	t := s.cells[h-1]
	n := cellsOf(t)
	if h-n < frame.height || (n == 2 && s.cells[h-2] != t) {
		return 0, fmt.Errorf("BUG: %s value split at cell %d", wasm.ValueTypeName(t), h-1)
	}
	s.cells = s.cells[:h-n]
	return t, nil
}

// popType pops a value which must have the type want.
func (s *typeStack) popType(frame *controlFrame, want wasm.ValueType) error {
	got, err := s.pop(frame)
	if err != nil {
		return fmt.Errorf("%w: expected %s", err, wasm.ValueTypeName(want))
	}
	if got != valueTypeUnknown && want != valueTypeUnknown && got != want {
		return fmt.Errorf("type mismatch: expected %s, but was %s", wasm.ValueTypeName(want), wasm.ValueTypeName(got))
	}
	return nil
}

// popTypes pops values in reverse order of types.
func (s *typeStack) popTypes(frame *controlFrame, types []wasm.ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := s.popType(frame, types[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *typeStack) pushTypes(types []wasm.ValueType) {
	for _, t := range types {
		s.push(t)
	}
}

// cellsOf returns the cells a value of the type occupies. Unknown values occupy one.
func cellsOf(t wasm.ValueType) uint32 {
	if t == valueTypeUnknown {
		return 1
	}
	return api.ValueTypeCells(t)
}

func cellsOfTypes(types []wasm.ValueType) (n uint32) {
	for _, t := range types {
		n += cellsOf(t)
	}
	return
}

type controlKind byte

const (
	controlKindFunction controlKind = iota
	controlKindBlock
	controlKindLoop
	controlKindIf
	controlKindElse
)

func (k controlKind) String() string {
	switch k {
	case controlKindFunction:
		return "function"
	case controlKindBlock:
		return "block"
	case controlKindLoop:
		return "loop"
	case controlKindIf:
		return "if"
	case controlKindElse:
		return "else"
	}
	return "unknown"
}

// fixup is an emitted branch whose target is the end of a frame, resolved when the frame closes.
type fixup struct {
	inst uint32
	// slot is the index into Instruction.Table, or -1 for U1.
	slot int
}

// controlFrame is an open block, loop, if or the function body itself.
type controlFrame struct {
	kind    controlKind
	results []wasm.ValueType
	// height is the operand stack height at entry.
	height uint32
	// unreachable is set after an unconditional branch until the frame ends or its else arm begins.
	unreachable bool

	// addr is the source addresses of the frame, filled in as they are known.
	addr BlockAddr
	// blockIndex is the position of addr in CompiledFunction.Blocks, or -1 for the function body.
	blockIndex int

	// marker is the IR index of the OpBlock, OpLoop or OpIf opening the frame, or -1 if it was not emitted.
	marker int
	// continueAt is the IR index a loop branches back to.
	continueAt uint32
	// pending are emitted branches to the end of this frame.
	pending []fixup

	// folded is set for an if whose condition was an i32.const, lowered as a block.
	folded bool
	// suppressed is set while the current arm of a folded if is dead and emits nothing.
	suppressed bool
}

// labelTypes are the types a branch to this frame carries.
func (f *controlFrame) labelTypes() []wasm.ValueType {
	if f.kind == controlKindLoop {
		return nil
	}
	return f.results
}

// controlStack is the stack of open frames, the function body at the bottom.
type controlStack struct {
	frames []*controlFrame
	max    uint32
}

func (s *controlStack) push(f *controlFrame) {
	s.frames = append(s.frames, f)
	if n := uint32(len(s.frames)); n > s.max {
		s.max = n
	}
}

func (s *controlStack) pop() *controlFrame {
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

func (s *controlStack) top() *controlFrame {
	return s.frames[len(s.frames)-1]
}

// label returns the frame a branch of the given depth targets.
func (s *controlStack) label(depth uint32) (*controlFrame, error) {
	if depth >= uint32(len(s.frames)) {
		return nil, fmt.Errorf("unknown label %d", depth)
	}
	return s.frames[len(s.frames)-1-int(depth)], nil
}
