// Package wasmdebug formats the errors a trap surfaces at the embedder's call boundary, and resolves source lines from
// DWARF custom sections when a module carries them.
package wasmdebug

import (
	"errors"
	"strings"

	"github.com/tetratelabs/cellvm/api"
)

// MaxFrames is the maximum number of frames in a stack trace.
const MaxFrames = 30

// signature returns a formatted signature similar to how it is defined in Go.
//
// * params are in parentheses
// * return types are not in parentheses if there is only one
// Ex. signature("x.y", []api.ValueType{api.ValueTypeI32}, nil) == "x.y(i32)"
func signature(funcName string, paramTypes []api.ValueType, resultTypes []api.ValueType) string {
	var b strings.Builder
	b.WriteString(funcName)
	b.WriteByte('(')
	for i, t := range paramTypes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteByte(')')
	switch len(resultTypes) {
	case 0:
	case 1:
		b.WriteByte(' ')
		b.WriteString(api.ValueTypeName(resultTypes[0]))
	default:
		b.WriteString(" (")
		for i, t := range resultTypes {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(api.ValueTypeName(t))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// ErrorBuilder collects the frames of a trapped call chain, innermost first.
type ErrorBuilder interface {
	// AddFrame adds the next frame. sources are the source lines of the trapping instruction, if known.
	AddFrame(funcName string, paramTypes, resultTypes []api.ValueType, sources []string)

	// FromTrap returns an error wrapping trap, whose message is the trap and the stack trace.
	// Ex. "wasm error: unreachable\nwasm stack trace:\n\tm.f()"
	FromTrap(trap error) error
}

// NewErrorBuilder returns a new ErrorBuilder.
func NewErrorBuilder() ErrorBuilder {
	return &stackTrace{}
}

type stackTrace struct {
	frameCount int
	lines      []string
}

// AddFrame implements ErrorBuilder.AddFrame
func (s *stackTrace) AddFrame(funcName string, paramTypes, resultTypes []api.ValueType, sources []string) {
	if s.frameCount == MaxFrames {
		return
	}
	s.frameCount++
	s.lines = append(s.lines, signature(funcName, paramTypes, resultTypes))
	for _, source := range sources {
		s.lines = append(s.lines, "\t"+source)
	}
	if s.frameCount == MaxFrames {
		s.lines = append(s.lines, "... maybe followed by omitted frames")
	}
}

// FromTrap implements ErrorBuilder.FromTrap
func (s *stackTrace) FromTrap(trap error) error {
	stack := strings.Join(s.lines, "\n\t")
	if stack != "" {
		stack = "\n\t" + stack
	}
	return &Trap{cause: trap, stack: "wasm stack trace:" + stack}
}

// Trap is the error of a call that trapped.
type Trap struct {
	cause error
	stack string
}

// Error implements error
func (t *Trap) Error() string {
	return "wasm error: " + t.cause.Error() + "\n" + t.stack
}

// Unwrap returns the trap reason, usually one of the wasm.ErrRuntime sentinels.
func (t *Trap) Unwrap() error {
	return t.cause
}

// Message returns the trap reason without the stack trace.
func (t *Trap) Message() string {
	return t.cause.Error()
}

// AsTrap returns the Trap in err's chain, if any.
func AsTrap(err error) (*Trap, bool) {
	var t *Trap
	ok := errors.As(err, &t)
	return t, ok
}
