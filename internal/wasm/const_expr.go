package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/cellvm/internal/leb128"
)

func constExprIndex(expr *ConstantExpression) (Index, error) {
	idx, _, err := leb128.LoadUint32(expr.Data)
	if err != nil {
		return 0, fmt.Errorf("read global index: %w", err)
	}
	return idx, nil
}

// validateConstExpression checks expr yields expectedType. A global.get may reference any global in the index
// namespace, including one defined later: Module.globalInitOrder resolves the order.
func (m *Module) validateConstExpression(globals []*GlobalType, expr *ConstantExpression, expectedType ValueType) error {
	var actualType ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		if _, _, err := leb128.LoadInt32(expr.Data); err != nil {
			return fmt.Errorf("read i32: %w", err)
		}
		actualType = ValueTypeI32
	case OpcodeI64Const:
		if _, _, err := leb128.LoadInt64(expr.Data); err != nil {
			return fmt.Errorf("read i64: %w", err)
		}
		actualType = ValueTypeI64
	case OpcodeF32Const:
		if len(expr.Data) != 4 {
			return fmt.Errorf("read f32: got %d bytes", len(expr.Data))
		}
		actualType = ValueTypeF32
	case OpcodeF64Const:
		if len(expr.Data) != 8 {
			return fmt.Errorf("read f64: got %d bytes", len(expr.Data))
		}
		actualType = ValueTypeF64
	case OpcodeGlobalGet:
		idx, err := constExprIndex(expr)
		if err != nil {
			return err
		}
		if idx >= Index(len(globals)) {
			return fmt.Errorf("global index out of range: %d >= %d", idx, len(globals))
		}
		actualType = globals[idx].ValType
	default:
		return fmt.Errorf("invalid opcode for const expression: 0x%x", expr.Opcode)
	}

	if actualType != expectedType {
		return fmt.Errorf("const expression type mismatch: expected %s but was %s",
			ValueTypeName(expectedType), ValueTypeName(actualType))
	}
	return nil
}

// EvaluateConstExpression returns the raw bits of the value expr yields. globalValue reads the already initialized
// global at the given index.
func EvaluateConstExpression(expr *ConstantExpression, globalValue func(Index) uint64) (uint64, error) {
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.LoadInt32(expr.Data)
		return uint64(uint32(v)), err
	case OpcodeI64Const:
		v, _, err := leb128.LoadInt64(expr.Data)
		return uint64(v), err
	case OpcodeF32Const:
		return uint64(binary.LittleEndian.Uint32(expr.Data)), nil
	case OpcodeF64Const:
		return binary.LittleEndian.Uint64(expr.Data), nil
	case OpcodeGlobalGet:
		idx, err := constExprIndex(expr)
		if err != nil {
			return 0, err
		}
		return globalValue(idx), nil
	}
	return 0, fmt.Errorf("invalid opcode for const expression: 0x%x", expr.Opcode)
}
