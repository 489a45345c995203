package wasm

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/tetratelabs/cellvm/api"
)

// FunctionKind identifies how a HostFunc is called.
type FunctionKind byte

const (
	// FunctionKindRaw is an api.RawFunction: cells are passed through.
	FunctionKindRaw FunctionKind = iota
	// FunctionKindGoNoContext is a Go func with a signature matching FunctionType.
	FunctionKindGoNoContext
	// FunctionKindGoContext is like FunctionKindGoNoContext, except arg zero is a context.Context.
	FunctionKindGoContext
	// FunctionKindGoModule is like FunctionKindGoNoContext, except arg zero is an api.Module.
	FunctionKindGoModule
	// FunctionKindGoContextModule is like FunctionKindGoNoContext, except args zero and one are a context.Context and
	// an api.Module.
	FunctionKindGoContextModule
)

// HostFunc binds an import to the Go function the api.ImportResolver returned for it.
type HostFunc struct {
	// Name is the import name. Ex. "env.log"
	Name string

	Kind FunctionKind

	raw            api.RawFunction
	goFunc         reflect.Value
	paramKinds     []reflect.Kind
	hasErrorResult bool
}

var (
	moduleType    = reflect.TypeOf((*api.Module)(nil)).Elem()
	goContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
)

// NewHostFunc returns a HostFunc for fn, which is either an api.RawFunction or a Go func whose signature matches t.
func NewHostFunc(name string, fn any, t *FunctionType) (*HostFunc, error) {
	switch fn := fn.(type) {
	case api.RawFunction:
		return &HostFunc{Name: name, Kind: FunctionKindRaw, raw: fn}, nil
	case func(context.Context, api.Module, []uint32) error:
		return &HostFunc{Name: name, Kind: FunctionKindRaw, raw: fn}, nil
	}

	v := reflect.ValueOf(fn)
	kind, ft, paramKinds, hasErrorResult, err := getFunctionType(name, v)
	if err != nil {
		return nil, err
	}
	if !t.EqualsSignature(ft.Params, ft.Results) {
		return nil, fmt.Errorf("%s signature mismatch: import expects %s, but func is %s", name, t, ft)
	}
	return &HostFunc{
		Name:           name,
		Kind:           kind,
		goFunc:         v,
		paramKinds:     paramKinds,
		hasErrorResult: hasErrorResult,
	}, nil
}

// Call invokes the function. cells holds the parameters on entry and receives the results; it is at least as long
// as the larger of t.ParamNumInCells and t.ResultNumInCells.
func (h *HostFunc) Call(ctx context.Context, mod api.Module, t *FunctionType, cells []uint32) error {
	if h.Kind == FunctionKindRaw {
		return h.raw(ctx, mod, cells)
	}

	var in []reflect.Value
	switch h.Kind {
	case FunctionKindGoContext:
		in = append(make([]reflect.Value, 0, 1+len(t.Params)), reflect.ValueOf(&ctx).Elem())
	case FunctionKindGoModule:
		in = append(make([]reflect.Value, 0, 1+len(t.Params)), reflect.ValueOf(&mod).Elem())
	case FunctionKindGoContextModule:
		in = append(make([]reflect.Value, 0, 2+len(t.Params)), reflect.ValueOf(&ctx).Elem(), reflect.ValueOf(&mod).Elem())
	default:
		in = make([]reflect.Value, 0, len(t.Params))
	}

	var cell uint32
	for i, k := range h.paramKinds {
		var raw uint64
		if api.ValueTypeCells(t.Params[i]) == 2 {
			raw = uint64(cells[cell]) | uint64(cells[cell+1])<<32
			cell += 2
		} else {
			raw = uint64(cells[cell])
			cell++
		}
		in = append(in, decodeArg(k, raw))
	}

	out := h.goFunc.Call(in)
	if h.hasErrorResult {
		if errV := out[len(out)-1]; !errV.IsNil() {
			return errV.Interface().(error)
		}
		out = out[:len(out)-1]
	}

	cell = 0
	for i, v := range out {
		raw := encodeResult(v)
		if api.ValueTypeCells(t.Results[i]) == 2 {
			cells[cell], cells[cell+1] = uint32(raw), uint32(raw>>32)
			cell += 2
		} else {
			cells[cell] = uint32(raw)
			cell++
		}
	}
	return nil
}

func decodeArg(k reflect.Kind, raw uint64) reflect.Value {
	switch k {
	case reflect.Int32:
		return reflect.ValueOf(int32(raw))
	case reflect.Uint32:
		return reflect.ValueOf(uint32(raw))
	case reflect.Int64:
		return reflect.ValueOf(int64(raw))
	case reflect.Uint64:
		return reflect.ValueOf(raw)
	case reflect.Float32:
		return reflect.ValueOf(math.Float32frombits(uint32(raw)))
	case reflect.Float64:
		return reflect.ValueOf(math.Float64frombits(raw))
	}
	panic(fmt.Errorf("BUG: unsupported kind %s", k))
}

func encodeResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	}
	panic(fmt.Errorf("BUG: unsupported kind %s", v.Kind()))
}

// getFunctionType returns the function type corresponding to the function signature or errs if invalid.
func getFunctionType(name string, fn reflect.Value) (fk FunctionKind, ft *FunctionType, paramKinds []reflect.Kind, hasErrorResult bool, err error) {
	if fn.Kind() != reflect.Func {
		err = fmt.Errorf("%s is a %s, but should be a Func", name, fn.Kind().String())
		return
	}
	p := fn.Type()

	pOffset := 0
	pCount := p.NumIn()
	fk = FunctionKindGoNoContext
	if pCount > 0 && p.In(0) == goContextType {
		fk = FunctionKindGoContext
		pOffset = 1
		if pCount > 1 && p.In(1) == moduleType {
			fk = FunctionKindGoContextModule
			pOffset = 2
		}
	} else if pCount > 0 && p.In(0) == moduleType {
		fk = FunctionKindGoModule
		pOffset = 1
	}
	pCount -= pOffset

	rCount := p.NumOut()
	if rCount > 0 && p.Out(rCount-1) == errorType {
		hasErrorResult = true
		rCount--
	}
	if rCount > 1 {
		err = fmt.Errorf("%s has more than one result", name)
		return
	}

	ft = &FunctionType{Params: make([]ValueType, pCount), Results: make([]ValueType, rCount)}
	paramKinds = make([]reflect.Kind, pCount)
	for i := 0; i < pCount; i++ {
		pI := p.In(i + pOffset)
		t, ok := getTypeOf(pI.Kind())
		if !ok {
			if pI == goContextType || pI == moduleType {
				err = fmt.Errorf("%s param[%d] is a %s, which may be defined only as a leading param", name, i+pOffset, pI)
			} else {
				err = fmt.Errorf("%s param[%d] is unsupported: %s", name, i+pOffset, pI.Kind())
			}
			return
		}
		ft.Params[i] = t
		paramKinds[i] = pI.Kind()
	}

	if rCount == 0 {
		ft.CacheNumInCells()
		return
	}
	result := p.Out(0)
	t, ok := getTypeOf(result.Kind())
	if !ok {
		err = fmt.Errorf("%s result[0] is unsupported: %s", name, result.Kind())
		return
	}
	ft.Results[0] = t
	ft.CacheNumInCells()
	return
}

func getTypeOf(kind reflect.Kind) (ValueType, bool) {
	switch kind {
	case reflect.Float64:
		return ValueTypeF64, true
	case reflect.Float32:
		return ValueTypeF32, true
	case reflect.Int32, reflect.Uint32:
		return ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return ValueTypeI64, true
	default:
		return 0x00, false
	}
}
