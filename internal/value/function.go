package value

import "github.com/ravel-lang/ravel/internal/ravelerr"

var TFunction = NewType("function", TAny)
var TClosure = NewType("closure", TAny)

// Function wraps a native (Go-implemented) global such as print, after,
// every, or open.
type Function struct {
	Name string
	Fn   func(args []Value) (Value, error)
}

func NewFunction(name string, fn func(args []Value) (Value, error)) *Function {
	return &Function{Name: name, Fn: fn}
}

func (*Function) Kind() Kind  { return KFunction }
func (*Function) Type() *Type { return TFunction }

// ClosureInfo is the subset of internal/compile's ClosureInfo that the
// value package's Closure variant needs to remain opaque about: it just
// carries it through to whatever ClosureCaller is installed by
// internal/vm, without internal/value importing internal/compile or
// internal/vm (which would create an import cycle, since both of those
// import internal/value for the Value type itself).
type ClosureInfo interface {
	Name() string
}

// Closure is compiled code plus its captured reference cells.
type Closure struct {
	Info     ClosureInfo
	Upvalues []*Ref
}

func (*Closure) Kind() Kind  { return KClosure }
func (*Closure) Type() *Type { return TClosure }

// ClosureCaller is installed by internal/vm at program startup (see
// vm.init). It is the one deliberate indirection that lets a Closure's
// `call` capability hook re-enter the bytecode interpreter without this
// package depending on it.
var ClosureCaller func(c *Closure, args []Value) (Value, error)

func init() {
	TFunction.CallFn = func(v Value, args []Value) (Value, error) {
		return v.(*Function).Fn(args)
	}
	TClosure.CallFn = func(v Value, args []Value) (Value, error) {
		if ClosureCaller == nil {
			return nil, ravelerr.New(ravelerr.InternalError, "no interpreter installed to run closures")
		}
		return ClosureCaller(v.(*Closure), args)
	}
}

// Call invokes v via its type's `call` capability hook, wrapping a
// non-callable value in a TypeError (NewType's default already does
// this; Call just gives callers a clean single entry point).
func Call(v Value, args []Value) (Value, error) {
	return v.Type().CallFn(v, args)
}
