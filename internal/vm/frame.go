// Package vm implements RAVEL's stack-threaded interpreter (spec.md §4.D):
// a single dispatch loop over internal/compile's instruction graph, frames
// sized by ClosureInfo.FrameSize, and try/catch unwinding bounded by
// ravelerr.MaxTraceFrames. It is the one package that bridges
// internal/compile (which never imports internal/store) and internal/store/
// internal/listener (which never import internal/compile): vm.go's
// OpSchemaDecl/OpInsert/.../OpWhenAttach cases are where a *compile.Instr's
// static schema/field names turn into actual store and listener calls.
package vm

import (
	"github.com/ravel-lang/ravel/internal/compile"
	"github.com/ravel-lang/ravel/internal/value"
)

// Frame is one function activation: its local slots (always *value.Ref
// cells, even for parameters — spec.md §4.D: "references are fresh so the
// caller's arguments are copied by value on entry"), its closure's
// captured upvalue cells, the operand evaluation stack compiled
// expressions push onto, and the active try/catch target stack.
type Frame struct {
	Slots    []*value.Ref
	Upvalues []*value.Ref

	stack []value.Value
	tries []tryState
}

// tryState is one active `on err do` scope: where to resume on error
// (target) and how far to unwind the operand stack first (stackLen),
// mirroring spec.md §4.D's "jump to the current try target" after
// truncating whatever partial expression was mid-evaluation.
type tryState struct {
	target   *compile.Instr
	stackLen int
}

func newFrame(size int, upvalues []*value.Ref) *Frame {
	slots := make([]*value.Ref, size)
	for i := range slots {
		slots[i] = value.NewRef(value.Nil)
	}
	return &Frame{Slots: slots, Upvalues: upvalues}
}

func (fr *Frame) push(v value.Value) { fr.stack = append(fr.stack, v) }

func (fr *Frame) pop() value.Value {
	n := len(fr.stack) - 1
	v := fr.stack[n]
	fr.stack = fr.stack[:n]
	return v
}

func (fr *Frame) top() value.Value { return fr.stack[len(fr.stack)-1] }

func (fr *Frame) dup() { fr.push(fr.top()) }

// popN returns the top n values in the order they were pushed (index 0
// is the oldest of the n), leaving the stack with those n entries
// removed.
func (fr *Frame) popN(n int) []value.Value {
	start := len(fr.stack) - n
	out := append([]value.Value(nil), fr.stack[start:]...)
	fr.stack = fr.stack[:start]
	return out
}

// bindParams copies args into fr's leading slots per spec.md §4.D /
// §4.C's variadic convention: a negative paramCount means |paramCount|-1
// ordinary fixed parameters followed by one collector parameter bound to
// every remaining argument as a list. Missing arguments bind to Nil,
// never leaving a slot's Ref unset.
func bindParams(fr *Frame, paramCount int, args []value.Value) {
	if paramCount >= 0 {
		for i := 0; i < paramCount; i++ {
			fr.Slots[i] = value.NewRef(argAt(args, i))
		}
		return
	}
	fixed := -paramCount - 1
	for i := 0; i < fixed; i++ {
		fr.Slots[i] = value.NewRef(argAt(args, i))
	}
	rest := value.NewList()
	if len(args) > fixed {
		for _, a := range args[fixed:] {
			rest.Append(a)
		}
	}
	fr.Slots[fixed] = value.NewRef(rest)
}

func argAt(args []value.Value, i int) value.Value {
	if i < len(args) {
		return args[i]
	}
	return value.Nil
}
