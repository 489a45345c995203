package wasm

import "fmt"

const (
	// ElementUninitialized marks a table slot no element segment wrote.
	ElementUninitialized = ^uint32(0)

	// MaximumTableElements is the ceiling on table min and max, also the maximum function index.
	MaximumTableElements = uint32(1 << 27)
)

// TableInstance represents a table of funcref elements in a module instance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	// Elements holds function indexes of the owning instance, or ElementUninitialized.
	Elements []Index

	// Min is the initial element count and cannot grow to accommodate ElementSegment.
	Min uint32

	// Max if present is the maximum elements in this table, or nil if unbounded.
	Max *uint32
}

// NewTableInstance returns a table of t.Min uninitialized elements, or an error when t.Min is over
// MaximumTableElements.
func NewTableInstance(t *Table) (*TableInstance, error) {
	if err := validateTable(t); err != nil {
		return nil, err
	}
	elements := make([]Index, t.Min)
	for i := range elements {
		elements[i] = ElementUninitialized
	}
	return &TableInstance{Elements: elements, Min: t.Min, Max: t.Max}, nil
}

func validateTable(t *Table) error {
	if t.Min > MaximumTableElements {
		return fmt.Errorf("table min %d must be at most %d", t.Min, MaximumTableElements)
	}
	if t.Max != nil {
		if *t.Max < t.Min {
			return fmt.Errorf("table size minimum must not be greater than maximum")
		} else if *t.Max > MaximumTableElements {
			return fmt.Errorf("table max %d must be at most %d", *t.Max, MaximumTableElements)
		}
	}
	return nil
}

// Lookup returns the function index at the table offset, or the trap to raise.
func (t *TableInstance) Lookup(offset uint32) (Index, error) {
	if offset >= uint32(len(t.Elements)) {
		return 0, ErrRuntimeUndefinedElement
	}
	idx := t.Elements[offset]
	if idx == ElementUninitialized {
		return 0, ErrRuntimeUninitializedElement
	}
	return idx, nil
}
