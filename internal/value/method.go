package value

import (
	"strings"

	"github.com/ravel-lang/ravel/internal/ravelerr"
)

// Callback is the Go implementation behind one registered specialization
// of a method.
type Callback func(args []Value) (Value, error)

// methodNode is one level of the discrimination trie: children are keyed
// by the exact Type registered at this argument position.
type methodNode struct {
	children map[*Type]*methodNode
	fn       Callback
	hasFn    bool
}

func newMethodNode() *methodNode {
	return &methodNode{children: make(map[*Type]*methodNode)}
}

// Method is a named multi-dispatch operation: a root trie node plus the
// name used in traces and in `:name` selector syntax.
type Method struct {
	Name string
	root *methodNode
}

func (*Method) Kind() Kind  { return KMethod }
func (*Method) Type() *Type { return TMethod }

var TMethod = NewType("method", TAny)

// methods is the global table every Register/Dispatch call goes through.
// The language has no namespacing for methods, matching the source's
// single flat method table.
var methods = map[string]*Method{}

// Register adds one specialization of a method for an exact argument
// type tuple. Re-registering the same tuple replaces the callback.
func Register(name string, types []*Type, fn Callback) *Method {
	m, ok := methods[name]
	if !ok {
		m = &Method{Name: name, root: newMethodNode()}
		methods[name] = m
	}
	node := m.root
	for _, t := range types {
		child, ok := node.children[t]
		if !ok {
			child = newMethodNode()
			node.children[t] = child
		}
		node = child
	}
	node.fn = fn
	node.hasFn = true
	return m
}

// Lookup returns the named method value (for `:name` selector syntax),
// registering an empty one if it doesn't exist yet so the value can be
// passed around and populated later.
func Lookup(name string) *Method {
	m, ok := methods[name]
	if !ok {
		m = &Method{Name: name, root: newMethodNode()}
		methods[name] = m
	}
	return m
}

// Dispatch finds the most specific registered specialization for args,
// walking each argument's ancestor chain in argument order as spec.md
// describes, and invokes it.
func Dispatch(name string, args []Value) (Value, error) {
	m, ok := methods[name]
	if !ok {
		return nil, methodError(name, args)
	}
	return m.Call(args)
}

// Call dispatches on this specific method value.
func (m *Method) Call(args []Value) (Value, error) {
	fn, ok := search(m.root, args, 0)
	if !ok {
		return nil, methodError(m.Name, args)
	}
	return fn(args)
}

func search(node *methodNode, args []Value, i int) (Callback, bool) {
	if i == len(args) {
		if node.hasFn {
			return node.fn, true
		}
		return nil, false
	}
	t := args[i].Type()
	for _, anc := range t.Ancestors {
		child, ok := node.children[anc]
		if !ok {
			continue
		}
		if fn, ok := search(child, args, i+1); ok {
			return fn, true
		}
	}
	return nil, false
}

func methodError(name string, args []Value) error {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Type().Name
	}
	return ravelerr.New(ravelerr.MethodError, "no matching method for %s(%s)", name, strings.Join(names, ", "))
}

// Hash computes v's deterministic hash, preferring a registered "hash"
// method specialization over the type's default HashFn so user-defined
// schemas/instances can override hashing semantics.
func Hash(v Value) uint64 {
	if m, ok := methods["hash"]; ok {
		if fn, ok := search(m.root, []Value{v}, 0); ok {
			if result, err := fn([]Value{v}); err == nil {
				if iv, ok := result.(IntValue); ok {
					return uint64(iv)
				}
			}
		}
	}
	return v.Type().HashFn(v)
}

// Compare invokes the `?` method, returning -1/0/1. Used by tree and
// index ordering. CompareError wraps a missing specialization.
func Compare(a, b Value) (int, error) {
	r, err := Dispatch("?", []Value{a, b})
	if err != nil {
		return 0, ravelerr.New(ravelerr.CompareError, "values of type %s and %s are not ordered", a.Type().Name, b.Type().Name)
	}
	iv, ok := r.(IntValue)
	if !ok {
		return 0, ravelerr.New(ravelerr.CompareError, "? method for %s, %s did not return an integer", a.Type().Name, b.Type().Name)
	}
	return int(iv), nil
}
