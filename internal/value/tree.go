package value

var TTree = NewType("tree", TAny)

// Tree is the language-level ordered map: an AVL tree keyed by
// (hash(key), key) with ties broken by the registered `?` method.
type Tree struct {
	avl *AVL
}

func NewTree() *Tree {
	t := &Tree{}
	t.avl = NewAVL(func(a, b Value) (int, error) { return Compare(a, b) })
	return t
}

func (*Tree) Kind() Kind  { return KTree }
func (*Tree) Type() *Type { return TTree }

func (t *Tree) Len() int { return t.avl.Len() }

func (t *Tree) Get(key Value) (Value, bool, error) {
	return t.avl.Find(Hash(key), key)
}

func (t *Tree) Set(key, val Value) (Value, bool, error) {
	return t.avl.Insert(Hash(key), key, val)
}

func (t *Tree) Delete(key Value) (bool, error) {
	return t.avl.Remove(Hash(key), key)
}

func (t *Tree) Each(fn func(key, val Value) bool) {
	t.avl.Each(fn)
}

// treeIterator walks (key, value) pairs in order.
type treeIterator struct {
	pairs []treePair
	pos   int
	first bool
}

type treePair struct{ key, val Value }

func init() {
	Register("iterate", []*Type{TTree}, func(args []Value) (Value, error) {
		tr := args[0].(*Tree)
		it := &treeIterator{first: true, pos: -1}
		tr.Each(func(k, v Value) bool {
			it.pairs = append(it.pairs, treePair{k, v})
			return true
		})
		return it, nil
	})

	TIterator.NextFn = wrapNext(TIterator.NextFn, func(v Value) (bool, bool, error) {
		it, ok := v.(*treeIterator)
		if !ok {
			return false, false, nil
		}
		it.pos++
		return true, it.pos < len(it.pairs), nil
	})
	TIterator.KeyFn = wrapKey(TIterator.KeyFn, func(v Value) (bool, Value, error) {
		it, ok := v.(*treeIterator)
		if !ok {
			return false, nil, nil
		}
		if it.pos < 0 || it.pos >= len(it.pairs) {
			return true, Nil, nil
		}
		return true, it.pairs[it.pos].key, nil
	})
	TIterator.DerefFn = wrapDeref(TIterator.DerefFn, func(v Value) (bool, Value, error) {
		it, ok := v.(*treeIterator)
		if !ok {
			return false, nil, nil
		}
		if it.pos < 0 || it.pos >= len(it.pairs) {
			return true, Nil, nil
		}
		return true, it.pairs[it.pos].val, nil
	})

	Register("get", []*Type{TTree, TAny}, func(args []Value) (Value, error) {
		v, ok, err := args[0].(*Tree).Get(args[1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return Nil, nil
		}
		return v, nil
	})
	Register("set", []*Type{TTree, TAny, TAny}, func(args []Value) (Value, error) {
		_, _, err := args[0].(*Tree).Set(args[1], args[2])
		return args[0], err
	})
	Register("[]", []*Type{TTree, TAny}, func(args []Value) (Value, error) {
		v, ok, err := args[0].(*Tree).Get(args[1])
		if err != nil {
			return nil, err
		}
		if !ok {
			return Nil, nil
		}
		return v, nil
	})
	Register("[]=", []*Type{TTree, TAny, TAny}, func(args []Value) (Value, error) {
		_, _, err := args[0].(*Tree).Set(args[1], args[2])
		return args[2], err
	})
	Register("string", []*Type{TTree}, func(args []Value) (Value, error) {
		tr := args[0].(*Tree)
		var sb StringBuffer
		sb.writeBytes([]byte("{"))
		first := true
		var walkErr error
		tr.Each(func(k, v Value) bool {
			if !first {
				sb.writeBytes([]byte(", "))
			}
			first = false
			if err := sb.Append(k); err != nil {
				walkErr = err
				return false
			}
			sb.writeBytes([]byte(" is "))
			if err := sb.Append(v); err != nil {
				walkErr = err
				return false
			}
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
		sb.writeBytes([]byte("}"))
		return NewString(sb.String()), nil
	})
}

func (*treeIterator) Kind() Kind  { return KIterator }
func (*treeIterator) Type() *Type { return TIterator }

// wrapNext/wrapKey/wrapDeref let distinct concrete iterator
// implementations (list vs. tree vs. index) share one Type's capability
// hooks: each tries its own concrete type first and otherwise falls back
// to the previously installed hook, chaining at init() time.
func wrapNext(prev NextFunc, try func(Value) (handled bool, hasMore bool, err error)) NextFunc {
	return func(v Value) (bool, error) {
		if handled, hasMore, err := try(v); handled {
			return hasMore, err
		}
		return prev(v)
	}
}

func wrapKey(prev KeyFunc, try func(Value) (handled bool, key Value, err error)) KeyFunc {
	return func(v Value) (Value, error) {
		if handled, key, err := try(v); handled {
			return key, err
		}
		return prev(v)
	}
}

func wrapDeref(prev DerefFunc, try func(Value) (handled bool, val Value, err error)) DerefFunc {
	return func(v Value) (Value, error) {
		if handled, val, err := try(v); handled {
			return val, err
		}
		return prev(v)
	}
}
