// Package value implements RAVEL's tagged-value runtime: the Value sum
// type, its Type/capability-hook machinery, and the built-in variants
// (nil, some, integer, real, string, list, tree, reference, method,
// function, closure, error, string buffer, iterator). The relational
// store, listener network and event loop each define their own Value
// variants (Instance, Schema, Index, Listener, Event) that satisfy this
// package's Value interface directly, so this package never imports
// them.
package value

import "github.com/ravel-lang/ravel/internal/ravelerr"

// Kind is a small stable integer identifying a Value's variant, used as
// the hot-path discriminator instead of a type switch or reflection.
type Kind uint8

const (
	KNil Kind = iota
	KSome
	KInt
	KReal
	KString
	KList
	KTree
	KRef
	KMethod
	KFunction
	KClosure
	KError
	KStringBuffer
	KIterator
	KInstance
	KSchema
	KIndex
	KListener
	KEvent
	KFile
)

func (k Kind) String() string {
	switch k {
	case KNil:
		return "nil"
	case KSome:
		return "some"
	case KInt:
		return "integer"
	case KReal:
		return "real"
	case KString:
		return "string"
	case KList:
		return "list"
	case KTree:
		return "tree"
	case KRef:
		return "reference"
	case KMethod:
		return "method"
	case KFunction:
		return "function"
	case KClosure:
		return "closure"
	case KError:
		return "error"
	case KStringBuffer:
		return "stringbuffer"
	case KIterator:
		return "iterator"
	case KInstance:
		return "instance"
	case KSchema:
		return "schema"
	case KIndex:
		return "index"
	case KListener:
		return "listener"
	case KEvent:
		return "event"
	case KFile:
		return "file"
	default:
		return "unknown"
	}
}

// Value is the tagged sum every piece of engine state flows through.
// Concrete variants are Go structs (usually used as *T); Kind and Type
// are cheap accessors used by the dispatcher and the VM's hot loop.
type Value interface {
	Kind() Kind
	Type() *Type
}

// HashFunc computes a deterministic hash for a value, required to agree
// with whatever equality Compare implements for the same Type.
type HashFunc func(v Value) uint64

// CallFunc implements the `call` capability hook.
type CallFunc func(v Value, args []Value) (Value, error)

// DerefFunc implements the `deref` capability hook.
type DerefFunc func(v Value) (Value, error)

// AssignFunc implements the `assign` capability hook.
type AssignFunc func(v Value, newValue Value) error

// NextFunc implements the `next` capability hook: advances v in place
// and reports whether it produced another element.
type NextFunc func(v Value) (bool, error)

// KeyFunc implements the `key` capability hook: the current key of an
// iterator-like value.
type KeyFunc func(v Value) (Value, error)

// TAny is the root of the type DAG: every built-in and user-defined
// schema type ultimately descends from it, which is what lets a method
// register a wildcard specialization (e.g. append(list, any)).
var TAny = NewType("any", nil)

// Type is one node of the type DAG. Parent forms the inheritance chain;
// Ancestors is the precomputed walk from the type itself up to the root,
// used by method dispatch and by schema field inheritance.
type Type struct {
	Name      string
	Parent    *Type
	Ancestors []*Type // self first, root last

	HashFn   HashFunc
	CallFn   CallFunc
	DerefFn  DerefFunc
	AssignFn AssignFunc
	NextFn   NextFunc
	KeyFn    KeyFunc
}

// NewType registers a type under parent (nil for a root type) and
// precomputes its ancestor chain. Capability hooks default to the
// package-level defaults and can be overridden on the returned Type.
func NewType(name string, parent *Type) *Type {
	t := &Type{Name: name, Parent: parent}
	if parent == nil {
		t.Ancestors = []*Type{t}
	} else {
		t.Ancestors = make([]*Type, 0, len(parent.Ancestors)+1)
		t.Ancestors = append(t.Ancestors, t)
		t.Ancestors = append(t.Ancestors, parent.Ancestors...)
	}
	t.HashFn = defaultHash
	t.CallFn = defaultCall(name)
	t.DerefFn = defaultDeref
	t.AssignFn = defaultAssign(name)
	t.NextFn = defaultNext(name)
	t.KeyFn = defaultKey(name)
	return t
}

// IsA reports whether t equals or descends from anc.
func (t *Type) IsA(anc *Type) bool {
	for _, a := range t.Ancestors {
		if a == anc {
			return true
		}
	}
	return false
}

func defaultHash(v Value) uint64 {
	// Identity hash: stable for the value's lifetime but not
	// content-addressed. Overridden by every built-in scalar/container
	// type with a content hash.
	return uint64(uintptr(ptrOf(v)))
}

func defaultCall(name string) CallFunc {
	return func(v Value, args []Value) (Value, error) {
		return nil, ravelerr.New(ravelerr.TypeError, "%s is not callable", name)
	}
}

func defaultDeref(v Value) (Value, error) {
	// Identity deref: reading a non-reference just yields itself.
	return v, nil
}

func defaultAssign(name string) AssignFunc {
	return func(v Value, newValue Value) error {
		return ravelerr.New(ravelerr.TypeError, "%s is not assignable", name)
	}
}

func defaultNext(name string) NextFunc {
	return func(v Value) (bool, error) {
		return false, ravelerr.New(ravelerr.TypeError, "%s is not iterable", name)
	}
}

func defaultKey(name string) KeyFunc {
	return func(v Value) (Value, error) {
		return nil, ravelerr.New(ravelerr.TypeError, "%s is not iterable", name)
	}
}
