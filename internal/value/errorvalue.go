package value

import (
	"fmt"
	"strings"

	"github.com/ravel-lang/ravel/internal/ravelerr"
)

var TError = NewType("error", TAny)

// TErrorValue is the subtype `catch` converts a raised Error into: an
// ordinary inspectable value (`e:type`, `e:message`) that doesn't
// re-raise just by being touched.
var TErrorValue = NewType("error.caught", TError)

// ErrorValue wraps a *ravelerr.Error as a language value. Raised errors
// and caught errors share this representation; TErrorValue vs TError is
// what lets `on err do ... end` distinguish "currently unwinding" from
// "already caught" without a second Go type.
type ErrorValue struct {
	Err    *ravelerr.Error
	caught bool
}

func NewErrorValue(err *ravelerr.Error) *ErrorValue {
	return &ErrorValue{Err: err}
}

func (e *ErrorValue) Kind() Kind { return KError }
func (e *ErrorValue) Type() *Type {
	if e.caught {
		return TErrorValue
	}
	return TError
}

// Catch returns a copy of e marked as caught, the way `on err do` turns
// a propagating error into an ordinary value.
func (e *ErrorValue) Catch() *ErrorValue {
	c := *e
	c.caught = true
	return &c
}

func (e *ErrorValue) TraceString() string {
	var sb strings.Builder
	for _, f := range e.Err.Trace {
		fmt.Fprintf(&sb, "\t%s:%d\n", f.Source, f.Line)
	}
	return sb.String()
}

func init() {
	Register("type", []*Type{TError}, func(args []Value) (Value, error) {
		return NewString(string(args[0].(*ErrorValue).Err.Kind)), nil
	})
	Register("message", []*Type{TError}, func(args []Value) (Value, error) {
		return NewString(args[0].(*ErrorValue).Err.Message), nil
	})
	Register("trace", []*Type{TError}, func(args []Value) (Value, error) {
		l := NewList()
		for _, f := range args[0].(*ErrorValue).Err.Trace {
			pair := NewList(NewString(f.Source), IntValue(int64(f.Line)))
			l.Append(pair)
		}
		return l, nil
	})
	Register("string", []*Type{TError}, func(args []Value) (Value, error) {
		ev := args[0].(*ErrorValue)
		return NewString(ev.Err.Error()), nil
	})
}
