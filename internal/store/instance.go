package store

import (
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// Instance is one row of a Schema: a flat slot array for its Value
// fields plus the doubly linked list pointers that thread it through
// its schema's live-instance list, and the head of its own
// (instance-level) listener list once a narrow listener migrates onto
// it (spec.md §4.F).
type Instance struct {
	Schema *Schema
	Slots  []value.Value

	prev, next *Instance

	Listeners ListenerHandle
}

func (*Instance) Kind() value.Kind    { return value.KInstance }
func (i *Instance) Type() *value.Type { return i.Schema.ValType }

// ReadField resolves name against i's schema, following the field kind:
// Value reads the slot, Constant returns its fixed value, Instance
// returns i itself, and Computed invokes its closure with its dependent
// fields' current values as positional arguments (no memoization, per
// spec.md §4.E).
func (i *Instance) ReadField(name string) (value.Value, error) {
	f, ok := i.Schema.Fields[name]
	if !ok {
		return nil, ravelerr.New(ravelerr.FieldError, "%s has no field %q", i.Schema.Name, name)
	}
	switch f.Kind {
	case FieldValue:
		return i.Slots[f.Slot], nil
	case FieldConstant:
		return f.Const, nil
	case FieldInstance:
		return i, nil
	case FieldComputed:
		args := make([]value.Value, len(f.DepNames))
		for j, dep := range f.DepNames {
			v, err := i.ReadField(dep)
			if err != nil {
				return nil, err
			}
			args[j] = v
		}
		return value.Call(f.Closure, args)
	default:
		return nil, ravelerr.New(ravelerr.InternalError, "unknown field kind for %q", name)
	}
}

func newInstance(sch *Schema) *Instance {
	slots := make([]value.Value, sch.ValueSlots)
	for i := range slots {
		slots[i] = value.Nil
	}
	return &Instance{Schema: sch, Slots: slots}
}

func (i *Instance) setFields(names []string, vals []value.Value) error {
	for idx, name := range names {
		f, ok := i.Schema.Fields[name]
		if !ok {
			return ravelerr.New(ravelerr.FieldError, "%s has no field %q", i.Schema.Name, name)
		}
		if f.Kind != FieldValue {
			return ravelerr.New(ravelerr.SchemaError, "field %q of %s is not assignable", name, i.Schema.Name)
		}
		i.Slots[f.Slot] = vals[idx]
	}
	return nil
}

func (i *Instance) fieldNamesIndexed(names []string) bool {
	for _, n := range names {
		if i.Schema.IndexedFields[n] {
			return true
		}
	}
	return false
}
