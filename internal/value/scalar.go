package value

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/ravel-lang/ravel/internal/ravelerr"
)

// Types for the scalar variants. Declared as package vars (not consts)
// since *Type carries function-valued hooks.
var (
	TNil    = NewType("nil", TAny)
	TSome   = NewType("some", TAny)
	TInt    = NewType("integer", TAny)
	TReal   = NewType("real", TAny)
	TString = NewType("string", TAny)
)

func init() {
	TNil.HashFn = func(Value) uint64 { return 0 }
	TSome.HashFn = func(Value) uint64 { return 1 }

	TInt.HashFn = func(v Value) uint64 { return uint64(v.(IntValue)) }
	TReal.HashFn = func(v Value) uint64 {
		bits := math.Float64bits(float64(v.(RealValue)))
		return bits
	}
	TString.HashFn = func(v Value) uint64 {
		h := fnv.New64a()
		h.Write([]byte(v.(*StringValue).S))
		return h.Sum64()
	}

	Register("+", []*Type{TInt, TInt}, func(args []Value) (Value, error) {
		return IntValue(int64(args[0].(IntValue)) + int64(args[1].(IntValue))), nil
	})
	Register("+", []*Type{TReal, TReal}, func(args []Value) (Value, error) {
		return RealValue(float64(args[0].(RealValue)) + float64(args[1].(RealValue))), nil
	})
	Register("+", []*Type{TInt, TReal}, func(args []Value) (Value, error) {
		return RealValue(float64(args[0].(IntValue)) + float64(args[1].(RealValue))), nil
	})
	Register("+", []*Type{TReal, TInt}, func(args []Value) (Value, error) {
		return RealValue(float64(args[0].(RealValue)) + float64(args[1].(IntValue))), nil
	})

	Register("-", []*Type{TInt, TInt}, func(args []Value) (Value, error) {
		return IntValue(int64(args[0].(IntValue)) - int64(args[1].(IntValue))), nil
	})
	Register("-", []*Type{TReal, TReal}, func(args []Value) (Value, error) {
		return RealValue(float64(args[0].(RealValue)) - float64(args[1].(RealValue))), nil
	})

	Register("*", []*Type{TInt, TInt}, func(args []Value) (Value, error) {
		return IntValue(int64(args[0].(IntValue)) * int64(args[1].(IntValue))), nil
	})
	Register("*", []*Type{TReal, TReal}, func(args []Value) (Value, error) {
		return RealValue(float64(args[0].(RealValue)) * float64(args[1].(RealValue))), nil
	})

	Register("/", []*Type{TReal, TReal}, func(args []Value) (Value, error) {
		b := float64(args[1].(RealValue))
		if b == 0 {
			return nil, ravelerr.New(ravelerr.MethodError, "division by zero")
		}
		return RealValue(float64(args[0].(RealValue)) / b), nil
	})
	// Deliberately no (integer, integer) "/" specialization: integer
	// division by an integer divisor is not defined for this method,
	// matching the end-to-end scenario in spec.md #3 (1/0 dispatches to
	// MethodError, not a runtime divide trap).

	Register("?", []*Type{TInt, TInt}, func(args []Value) (Value, error) {
		return IntValue(compareInt(int64(args[0].(IntValue)), int64(args[1].(IntValue)))), nil
	})
	Register("?", []*Type{TReal, TReal}, func(args []Value) (Value, error) {
		return IntValue(compareReal(float64(args[0].(RealValue)), float64(args[1].(RealValue)))), nil
	})
	Register("?", []*Type{TString, TString}, func(args []Value) (Value, error) {
		a, b := args[0].(*StringValue).S, args[1].(*StringValue).S
		switch {
		case a < b:
			return IntValue(-1), nil
		case a > b:
			return IntValue(1), nil
		default:
			return IntValue(0), nil
		}
	})

	Register("string", []*Type{TNil}, func(args []Value) (Value, error) { return NewString("nil"), nil })
	Register("string", []*Type{TSome}, func(args []Value) (Value, error) { return NewString("some"), nil })
	Register("string", []*Type{TInt}, func(args []Value) (Value, error) {
		return NewString(fmt.Sprintf("%d", int64(args[0].(IntValue)))), nil
	})
	Register("string", []*Type{TReal}, func(args []Value) (Value, error) {
		return NewString(fmt.Sprintf("%g", float64(args[0].(RealValue)))), nil
	})
	Register("string", []*Type{TString}, func(args []Value) (Value, error) { return args[0], nil })
}

func compareInt(a, b int64) int64 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareReal(a, b float64) int64 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Nil is the engine's single nil value, also standing in for "false".
var Nil Value = NilValue{}

// Some is the unit "present/true" value.
var Some Value = SomeValue{}

type NilValue struct{}

func (NilValue) Kind() Kind  { return KNil }
func (NilValue) Type() *Type { return TNil }

type SomeValue struct{}

func (SomeValue) Kind() Kind  { return KSome }
func (SomeValue) Type() *Type { return TSome }

// Truthy implements the engine-wide rule that nil is false and every
// other value (including 0 and "") is true.
func Truthy(v Value) bool {
	_, isNil := v.(NilValue)
	return !isNil
}

// BoolValue maps a Go bool onto the nil/some truthiness convention used
// throughout comparisons and control flow.
func BoolValue(b bool) Value {
	if b {
		return Some
	}
	return Nil
}

type IntValue int64

func (IntValue) Kind() Kind  { return KInt }
func (IntValue) Type() *Type { return TInt }

type RealValue float64

func (RealValue) Kind() Kind  { return KReal }
func (RealValue) Type() *Type { return TReal }

// StringValue is an immutable byte sequence with a cached length.
type StringValue struct {
	S string
}

func NewString(s string) *StringValue { return &StringValue{S: s} }

func (*StringValue) Kind() Kind  { return KString }
func (*StringValue) Type() *Type { return TString }
func (s *StringValue) Len() int  { return len(s.S) }
