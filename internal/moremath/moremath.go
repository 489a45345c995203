// Package moremath holds floating point helpers whose results must match WebAssembly rather than Go's math package.
package moremath

import "math"

const (
	f32SignMask = uint32(1) << 31
	f64SignMask = uint64(1) << 63
)

// WasmCompatMin64 is math.Min, except NaN propagates even if the other operand is -Inf.
//
// See https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L74-L91
func WasmCompatMin64(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		// min(+0, -0) is -0, so pick whichever has its sign bit set.
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax64 is math.Max, except NaN propagates even if the other operand is +Inf.
//
// See https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L42-L59
func WasmCompatMax64(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatMin32 is WasmCompatMin64 for float32 operands.
func WasmCompatMin32(x, y float32) float32 {
	return float32(WasmCompatMin64(float64(x), float64(y)))
}

// WasmCompatMax32 is WasmCompatMax64 for float32 operands.
func WasmCompatMax32(x, y float32) float32 {
	return float32(WasmCompatMax64(float64(x), float64(y)))
}

// Copysign32 returns x with the sign bit of y. Only bits are moved, so NaN payloads survive.
func Copysign32(x, y uint32) uint32 {
	return x&^f32SignMask | y&f32SignMask
}

// Copysign64 is Copysign32 for 64-bit patterns.
func Copysign64(x, y uint64) uint64 {
	return x&^f64SignMask | y&f64SignMask
}

// WasmCompatNearestF32 rounds to the nearest integer, ties to even, preserving the sign of zero.
func WasmCompatNearestF32(f float32) float32 {
	return float32(WasmCompatNearestF64(float64(f)))
}

// WasmCompatNearestF64 rounds to the nearest integer, ties to even, preserving the sign of zero.
func WasmCompatNearestF64(f float64) float64 {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	r := math.RoundToEven(f)
	if r == 0 {
		// -0.4 rounds to -0, not +0.
		return math.Copysign(0, f)
	}
	return r
}
