package wasmdebug

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/cellvm/api"
)

func TestSignature(t *testing.T) {
	i32, i64, f32, f64 := api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64
	tests := []struct {
		name                    string
		paramTypes, resultTypes []api.ValueType
		expected                string
	}{
		{name: "v_v", expected: "x.y()"},
		{name: "i32_v", paramTypes: []api.ValueType{i32}, expected: "x.y(i32)"},
		{name: "i32f64_v", paramTypes: []api.ValueType{i32, f64}, expected: "x.y(i32,f64)"},
		{name: "v_i64", resultTypes: []api.ValueType{i64}, expected: "x.y() i64"},
		{name: "v_i64f32", resultTypes: []api.ValueType{i64, f32}, expected: "x.y() (i64,f32)"},
		{name: "i32_i64", paramTypes: []api.ValueType{i32}, resultTypes: []api.ValueType{i64}, expected: "x.y(i32) i64"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, signature("x.y", tc.paramTypes, tc.resultTypes))
		})
	}
}

var (
	errTrap      = errors.New("unreachable")
	i32          = api.ValueTypeI32
	i32i32i32i32 = []api.ValueType{i32, i32, i32, i32}
)

func TestErrorBuilder(t *testing.T) {
	tests := []struct {
		name        string
		build       func(ErrorBuilder) error
		expectedErr string
	}{
		{
			name: "no frames",
			build: func(builder ErrorBuilder) error {
				return builder.FromTrap(errTrap)
			},
			expectedErr: `wasm error: unreachable
wasm stack trace:`,
		},
		{
			name: "one",
			build: func(builder ErrorBuilder) error {
				builder.AddFrame("x.y", nil, nil, nil)
				return builder.FromTrap(errTrap)
			},
			expectedErr: `wasm error: unreachable
wasm stack trace:
	x.y()`,
		},
		{
			name: "two with source",
			build: func(builder ErrorBuilder) error {
				builder.AddFrame("env.fd_write", i32i32i32i32, []api.ValueType{i32}, []string{"0x2a: main.c:73:6"})
				builder.AddFrame("x.y", nil, nil, nil)
				return builder.FromTrap(errTrap)
			},
			expectedErr: `wasm error: unreachable
wasm stack trace:
	env.fd_write(i32,i32,i32,i32) i32
		0x2a: main.c:73:6
	x.y()`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build(NewErrorBuilder())
			require.ErrorIs(t, err, errTrap)
			require.EqualError(t, err, tc.expectedErr)

			trap, ok := AsTrap(err)
			require.True(t, ok)
			require.Equal(t, "unreachable", trap.Message())
		})
	}
}

func TestErrorBuilder_MaxFrames(t *testing.T) {
	builder := NewErrorBuilder().(*stackTrace)
	for i := 0; i < MaxFrames+10; i++ {
		builder.AddFrame("x.y", nil, nil, []string{"a.go:1:2", "b.go:3:4"})
	}
	require.Equal(t, MaxFrames, builder.frameCount)
	require.Equal(t, MaxFrames*3 /* frame + two sources */ +1, len(builder.lines))
	require.Equal(t, "... maybe followed by omitted frames", builder.lines[len(builder.lines)-1])
}

func TestAsTrap(t *testing.T) {
	_, ok := AsTrap(errors.New("other"))
	require.False(t, ok)
}
