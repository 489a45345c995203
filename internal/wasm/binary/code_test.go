package binary

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

func TestEncodeCode_RunsOfLocals(t *testing.T) {
	i32, i64 := wasm.ValueTypeI32, wasm.ValueTypeI64
	c := &wasm.Code{LocalTypes: []wasm.ValueType{i32, i32, i64, i32}, Body: []byte{wasm.OpcodeEnd}}
	require.Equal(t, []byte{
		0x08, // size
		0x03, // 3 declarations
		0x02, i32, 0x01, i64, 0x01, i32,
		wasm.OpcodeEnd,
	}, encodeCode(c))
}

func TestDecodeCode(t *testing.T) {
	t.Run("body ends at declared size", func(t *testing.T) {
		// No trailing end opcode: the declared size alone terminates the body.
		c, err := decodeCode(bytes.NewReader([]byte{0x03, 0x00, wasm.OpcodeNop, wasm.OpcodeNop, 0xff}))
		require.NoError(t, err)
		require.Equal(t, []byte{wasm.OpcodeNop, wasm.OpcodeNop}, c.Body)
		require.Equal(t, uint64(2), c.BodyOffset)
	})

	tests := []struct {
		name        string
		input       []byte
		expectedErr string
	}{
		{
			name:        "size past end",
			input:       []byte{0x05, 0x00},
			expectedErr: "code size 5 exceeds the remaining 1 bytes: unexpected EOF",
		},
		{
			name:        "local declarations past size",
			input:       []byte{0x02, 0x01, 0x01, wasm.ValueTypeI32},
			expectedErr: "EOF",
		},
		{
			name:        "invalid local type",
			input:       []byte{0x03, 0x01, 0x01, 0x40},
			expectedErr: "invalid local type: 0x40",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeCode(bytes.NewReader(tc.input))
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestDecodeLimitsType(t *testing.T) {
	four := uint32(4)
	tests := []struct {
		name        string
		input       []byte
		allowShared bool
		min         uint32
		max         *uint32
		shared      bool
		expectedErr string
	}{
		{name: "min", input: []byte{0x00, 0x02}, min: 2},
		{name: "min max", input: []byte{0x01, 0x02, 0x04}, min: 2, max: &four},
		{name: "shared", input: []byte{0x03, 0x02, 0x04}, allowShared: true, min: 2, max: &four, shared: true},
		{name: "shared not allowed", input: []byte{0x03, 0x02, 0x04}, expectedErr: "invalid byte for limits: 0x3 != 0x00 or 0x01"},
		{name: "bad flag", input: []byte{0x04, 0x02}, allowShared: true, expectedErr: "invalid byte for limits: 0x4 != 0x00 or 0x01"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			min, max, shared, err := decodeLimitsType(bytes.NewReader(tc.input), tc.allowShared)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.min, min)
			require.Equal(t, tc.max, max)
			require.Equal(t, tc.shared, shared)
			require.Equal(t, tc.input, encodeLimitsType(min, max, shared))
		})
	}
}

func TestDecodeConstantExpression(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected *wasm.ConstantExpression
	}{
		{
			name:     "i32.const",
			input:    []byte{wasm.OpcodeI32Const, 0x7f, wasm.OpcodeEnd},
			expected: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0x7f}},
		},
		{
			name:     "i64.const",
			input:    []byte{wasm.OpcodeI64Const, 0x80, 0x01, wasm.OpcodeEnd},
			expected: &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: []byte{0x80, 0x01}},
		},
		{
			name:     "f32.const",
			input:    []byte{wasm.OpcodeF32Const, 0x00, 0x00, 0xc0, 0x7f, wasm.OpcodeEnd},
			expected: &wasm.ConstantExpression{Opcode: wasm.OpcodeF32Const, Data: []byte{0x00, 0x00, 0xc0, 0x7f}},
		},
		{
			name:     "global.get",
			input:    []byte{wasm.OpcodeGlobalGet, 0x02, wasm.OpcodeEnd},
			expected: &wasm.ConstantExpression{Opcode: wasm.OpcodeGlobalGet, Data: []byte{0x02}},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			actual, err := decodeConstantExpression(bytes.NewReader(tc.input))
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual)
			require.Equal(t, tc.input, encodeConstantExpression(actual))
		})
	}

	t.Run("unsupported opcode", func(t *testing.T) {
		_, err := decodeConstantExpression(bytes.NewReader([]byte{wasm.OpcodeI32Add, wasm.OpcodeEnd}))
		require.EqualError(t, err, "invalid byte for const expression opt code: 0x6a")
	})
}

func TestDecodeNameSection_SkipsUnknownSubsection(t *testing.T) {
	data := encodeNameSubsection(7, []byte{1, 2, 3})
	data = append(data, encodeNameSubsection(subsectionIDModuleName, encodeSizePrefixed([]byte("m")))...)

	ns, err := decodeNameSection(bytes.NewReader(data), uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, &wasm.NameSection{ModuleName: "m"}, ns)
}
