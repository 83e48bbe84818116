package value

import (
	"hash/fnv"

	"github.com/ravel-lang/ravel/internal/ravelerr"
)

var TList = NewType("list", TAny)

type listNode struct {
	prev, next *listNode
	val        Value
}

// List is a doubly linked sequence with a running length count.
// Indexing accepts negative positions counted from the tail.
type List struct {
	head, tail *listNode
	length     int
}

func NewList(vals ...Value) *List {
	l := &List{}
	for _, v := range vals {
		l.Append(v)
	}
	return l
}

func (*List) Kind() Kind  { return KList }
func (*List) Type() *Type { return TList }

func (l *List) Len() int { return l.length }

func (l *List) Append(v Value) {
	n := &listNode{val: v}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.length++
}

func (l *List) Prepend(v Value) {
	n := &listNode{val: v}
	if l.head == nil {
		l.head, l.tail = n, n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.length++
}

// nodeAt resolves a 0-based (or, when negative, tail-relative) index.
func (l *List) nodeAt(index int) *listNode {
	if index < 0 {
		index += l.length
	}
	if index < 0 || index >= l.length {
		return nil
	}
	// Walk from whichever end is closer.
	if index <= l.length/2 {
		n := l.head
		for i := 0; i < index; i++ {
			n = n.next
		}
		return n
	}
	n := l.tail
	for i := l.length - 1; i > index; i-- {
		n = n.prev
	}
	return n
}

func (l *List) At(index int) (Value, bool) {
	n := l.nodeAt(index)
	if n == nil {
		return nil, false
	}
	return n.val, true
}

func (l *List) SetAt(index int, v Value) bool {
	n := l.nodeAt(index)
	if n == nil {
		return false
	}
	n.val = v
	return true
}

// Each walks the list front to back; fn returning false stops the walk.
func (l *List) Each(fn func(i int, v Value) bool) {
	i := 0
	for n := l.head; n != nil; n = n.next {
		if !fn(i, n.val) {
			return
		}
		i++
	}
}

// Slice materializes the list as a Go slice, used by internal/listener to
// unpack a key closure's returned list into key values.
func (l *List) Slice() []Value {
	out := make([]Value, 0, l.length)
	l.Each(func(_ int, v Value) bool { out = append(out, v); return true })
	return out
}

// listIterator walks a List via the Next/Key/Deref capability hooks.
type listIterator struct {
	node  *listNode
	index int
	first bool
}

var TIterator = NewType("iterator", TAny)

func (*listIterator) Kind() Kind  { return KIterator }
func (*listIterator) Type() *Type { return TIterator }

func init() {
	TList.HashFn = func(v Value) uint64 {
		h := fnv.New64a()
		v.(*List).Each(func(_ int, item Value) bool {
			var b [8]byte
			hv := Hash(item)
			for i := 0; i < 8; i++ {
				b[i] = byte(hv >> (8 * i))
			}
			h.Write(b[:])
			return true
		})
		return h.Sum64()
	}

	Register("iterate", []*Type{TList}, func(args []Value) (Value, error) {
		l := args[0].(*List)
		return &listIterator{node: l.head, first: true}, nil
	})

	TIterator.NextFn = func(v Value) (bool, error) {
		it, ok := v.(*listIterator)
		if !ok {
			return false, ravelerr.New(ravelerr.TypeError, "not a list iterator")
		}
		if it.first {
			it.first = false
		} else if it.node != nil {
			it.node = it.node.next
			it.index++
		}
		return it.node != nil, nil
	}
	TIterator.KeyFn = func(v Value) (Value, error) {
		it := v.(*listIterator)
		return IntValue(int64(it.index)), nil
	}
	TIterator.DerefFn = func(v Value) (Value, error) {
		it := v.(*listIterator)
		if it.node == nil {
			return Nil, nil
		}
		return it.node.val, nil
	}

	Register("append", []*Type{TList, TAny}, func(args []Value) (Value, error) {
		l := args[0].(*List)
		l.Append(args[1])
		return l, nil
	})

	Register("[]", []*Type{TList, TInt}, func(args []Value) (Value, error) {
		l := args[0].(*List)
		idx := int(args[1].(IntValue))
		v, ok := l.At(idx)
		if !ok {
			return nil, ravelerr.New(ravelerr.ParamError, "list index %d out of bounds (length %d)", idx, l.Len())
		}
		return v, nil
	})
	Register("[]=", []*Type{TList, TInt, TAny}, func(args []Value) (Value, error) {
		l := args[0].(*List)
		idx := int(args[1].(IntValue))
		if !l.SetAt(idx, args[2]) {
			return nil, ravelerr.New(ravelerr.ParamError, "list index %d out of bounds (length %d)", idx, l.Len())
		}
		return args[2], nil
	})
	Register("string", []*Type{TList}, func(args []Value) (Value, error) {
		l := args[0].(*List)
		var sb StringBuffer
		sb.writeBytes([]byte("["))
		first := true
		var walkErr error
		l.Each(func(_ int, item Value) bool {
			if !first {
				sb.writeBytes([]byte(", "))
			}
			first = false
			if err := sb.Append(item); err != nil {
				walkErr = err
				return false
			}
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
		sb.writeBytes([]byte("]"))
		return NewString(sb.String()), nil
	})
}
