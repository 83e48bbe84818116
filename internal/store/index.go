package store

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/ravel-lang/ravel/internal/value"
)

// Index is an AVL tree over one field-name tuple of a schema, ordered by
// (hash of the tuple, comparator tie-break) the same way value.Tree is —
// spec.md #3 describes both as the same underlying structure. Parent
// points at the same-named index one schema level up, when this schema
// inherited or duplicated it, so insert/delete can walk the whole chain.
type Index struct {
	Schema *Schema
	Fields []string
	Tree   *value.AVL
	Parent *Index
}

func (*Index) Kind() value.Kind  { return value.KIndex }
func (*Index) Type() *value.Type { return TIndex }

func newIndex(sch *Schema, fields []string, parent *Index) *Index {
	return &Index{
		Schema: sch,
		Fields: append([]string(nil), fields...),
		Tree:   value.NewAVL(tupleCompare),
		Parent: parent,
	}
}

// tupleValue wraps a field-value tuple so it can serve as an AVL key;
// only tupleCompare ever inspects it, so Kind/Type are nominal.
type tupleValue struct{ vals []value.Value }

var tupleValueType = value.NewType("index-key", value.TAny)

func (tupleValue) Kind() value.Kind  { return value.KTree }
func (tupleValue) Type() *value.Type { return tupleValueType }

func tupleCompare(a, b value.Value) (int, error) {
	ta, tb := a.(tupleValue), b.(tupleValue)
	for i := range ta.vals {
		c, err := value.Compare(ta.vals[i], tb.vals[i])
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	return 0, nil
}

func tupleHash(vals []value.Value) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint64(b[:], value.Hash(v))
		h.Write(b[:])
	}
	return h.Sum64()
}

// fieldValues reads idx.Fields off inst in order.
func (idx *Index) fieldValues(inst *Instance) ([]value.Value, error) {
	vals := make([]value.Value, len(idx.Fields))
	for i, f := range idx.Fields {
		v, err := inst.ReadField(f)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// insert places inst into idx and every ancestor index linked via
// Parent, matching spec.md §4.E's "insertion into a child schema's index
// also inserts into each ancestor index over the same field set".
func (idx *Index) insert(inst *Instance) error {
	vals, err := idx.fieldValues(inst)
	if err != nil {
		return err
	}
	key := tupleValue{vals: vals}
	h := tupleHash(vals)
	for cur := idx; cur != nil; cur = cur.Parent {
		if _, _, err := cur.Tree.Insert(h, key, inst); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) remove(inst *Instance) error {
	vals, err := idx.fieldValues(inst)
	if err != nil {
		return err
	}
	key := tupleValue{vals: vals}
	h := tupleHash(vals)
	for cur := idx; cur != nil; cur = cur.Parent {
		if _, err := cur.Tree.Remove(h, key); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds the instance whose idx.Fields values equal values.
func (idx *Index) Lookup(values []value.Value) (*Instance, bool, error) {
	key := tupleValue{vals: values}
	h := tupleHash(values)
	v, ok, err := idx.Tree.Find(h, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return v.(*Instance), true, nil
}
