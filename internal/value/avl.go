package value

// AVLCompare breaks a hash tie between two keys, returning -1/0/1. It is
// the Go translation of the original engine's "?" tie-break described in
// spec.md #3: ordering is primarily by hash, falling back to this
// comparator only when hashes collide.
type AVLCompare func(a, b Value) (int, error)

type avlNode struct {
	left, right *avlNode
	height      int
	hash        uint64
	key         Value
	val         Value
}

func nodeHeight(n *avlNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func nodeBalance(n *avlNode) int {
	if n == nil {
		return 0
	}
	return nodeHeight(n.left) - nodeHeight(n.right)
}

func updateHeight(n *avlNode) {
	lh, rh := nodeHeight(n.left), nodeHeight(n.right)
	if lh > rh {
		n.height = lh + 1
	} else {
		n.height = rh + 1
	}
}

func rotateLeft(n *avlNode) *avlNode {
	r := n.right
	n.right = r.left
	r.left = n
	updateHeight(n)
	updateHeight(r)
	return r
}

func rotateRight(n *avlNode) *avlNode {
	l := n.left
	n.left = l.right
	l.right = n
	updateHeight(n)
	updateHeight(l)
	return l
}

func rebalance(n *avlNode) *avlNode {
	updateHeight(n)
	bal := nodeBalance(n)
	if bal > 1 {
		if nodeBalance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bal < -1 {
		if nodeBalance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// AVL is an order-balanced tree keyed by (hash, key) with ties broken by
// cmp. It backs both the `tree` value variant and the relational store's
// per-field-set indices.
type AVL struct {
	root  *avlNode
	cmp   AVLCompare
	count int
}

func NewAVL(cmp AVLCompare) *AVL {
	return &AVL{cmp: cmp}
}

func (t *AVL) Len() int { return t.count }

// Depth reports the tree's height, exercised directly by the AVL
// balance-invariant tests in spec.md #8.
func (t *AVL) Depth() int { return nodeHeight(t.root) }

func (t *AVL) locate(hash uint64, key Value) (*avlNode, error) {
	n := t.root
	for n != nil {
		if hash < n.hash {
			n = n.left
			continue
		}
		if hash > n.hash {
			n = n.right
			continue
		}
		c, err := t.cmp(key, n.key)
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return n, nil
		}
		if c < 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil, nil
}

// Find returns the value stored for key, if present.
func (t *AVL) Find(hash uint64, key Value) (Value, bool, error) {
	n, err := t.locate(hash, key)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	return n.val, true, nil
}

// Insert sets key -> val, returning the previous value if key already
// existed.
func (t *AVL) Insert(hash uint64, key, val Value) (Value, bool, error) {
	var old Value
	var existed bool
	var insertErr error
	t.root = t.insert(t.root, hash, key, val, &old, &existed, &insertErr)
	if insertErr != nil {
		return nil, false, insertErr
	}
	if !existed {
		t.count++
	}
	return old, existed, nil
}

func (t *AVL) insert(n *avlNode, hash uint64, key, val Value, old *Value, existed *bool, errOut *error) *avlNode {
	if n == nil {
		return &avlNode{hash: hash, key: key, val: val, height: 1}
	}
	if *errOut != nil {
		return n
	}
	if hash < n.hash {
		n.left = t.insert(n.left, hash, key, val, old, existed, errOut)
		return rebalance(n)
	}
	if hash > n.hash {
		n.right = t.insert(n.right, hash, key, val, old, existed, errOut)
		return rebalance(n)
	}
	c, err := t.cmp(key, n.key)
	if err != nil {
		*errOut = err
		return n
	}
	switch {
	case c == 0:
		*old = n.val
		*existed = true
		n.val = val
		return n
	case c < 0:
		n.left = t.insert(n.left, hash, key, val, old, existed, errOut)
	default:
		n.right = t.insert(n.right, hash, key, val, old, existed, errOut)
	}
	return rebalance(n)
}

// Remove deletes key, reporting whether it was present.
func (t *AVL) Remove(hash uint64, key Value) (bool, error) {
	var removed bool
	var removeErr error
	t.root = t.remove(t.root, hash, key, &removed, &removeErr)
	if removeErr != nil {
		return false, removeErr
	}
	if removed {
		t.count--
	}
	return removed, nil
}

func (t *AVL) remove(n *avlNode, hash uint64, key Value, removed *bool, errOut *error) *avlNode {
	if n == nil || *errOut != nil {
		return n
	}
	if hash < n.hash {
		n.left = t.remove(n.left, hash, key, removed, errOut)
		if *errOut != nil {
			return n
		}
		return rebalance(n)
	}
	if hash > n.hash {
		n.right = t.remove(n.right, hash, key, removed, errOut)
		if *errOut != nil {
			return n
		}
		return rebalance(n)
	}
	c, err := t.cmp(key, n.key)
	if err != nil {
		*errOut = err
		return n
	}
	switch {
	case c < 0:
		n.left = t.remove(n.left, hash, key, removed, errOut)
		return rebalance(n)
	case c > 0:
		n.right = t.remove(n.right, hash, key, removed, errOut)
		return rebalance(n)
	}
	*removed = true
	if n.left == nil {
		return n.right
	}
	if n.right == nil {
		return n.left
	}
	succ := n.right
	for succ.left != nil {
		succ = succ.left
	}
	n.hash, n.key, n.val = succ.hash, succ.key, succ.val
	dummy := false
	n.right = t.remove(n.right, succ.hash, succ.key, &dummy, errOut)
	return rebalance(n)
}

// Each walks the tree in key order (hash, then comparator) front to
// back; fn returning false stops the walk early.
func (t *AVL) Each(fn func(key, val Value) bool) {
	var walk func(n *avlNode) bool
	walk = func(n *avlNode) bool {
		if n == nil {
			return true
		}
		if !walk(n.left) {
			return false
		}
		if !fn(n.key, n.val) {
			return false
		}
		return walk(n.right)
	}
	walk(t.root)
}
