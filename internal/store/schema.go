// Package store implements RAVEL's relational layer: schemas, their
// fields and AVL-indexed tuples, and the instance lifecycle
// (insert/signal/update/delete) from spec.md §3/§4.E. It deliberately
// never imports internal/listener: the listener network subscribes to
// store mutations through package-level hook variables (OnInsert,
// OnSignal, OnDelete) it installs at init, the same inversion
// internal/value uses for ClosureCaller — store is the innermost of the
// two and must stay free of the import cycle.
package store

import (
	"strings"

	"github.com/ravel-lang/ravel/internal/logutil"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
	"go.uber.org/zap"
)

// TRoot is the common ancestor of every schema's value.Type, letting a
// method registered once against it (or against an intermediate
// schema's type) dispatch for every descendant schema's instances —
// the same parent-chain trick spec.md's DESIGN NOTES §9 describes for
// built-in type dispatch, reused here for user-declared relations.
var TRoot = value.NewType("instance", value.TAny)

// TSchema / TIndex give Schema and Index values their own place in the
// tagged-value Kind space so they can flow through the stack, be
// printed, and be compared by identity like any other reference value.
var (
	TSchema = value.NewType("schema", value.TAny)
	TIndex  = value.NewType("index", value.TAny)
)

func init() {
	value.Register("string", []*value.Type{TRoot}, func(args []value.Value) (value.Value, error) {
		inst := args[0].(*Instance)
		return value.NewString("<" + inst.Schema.Name + ">"), nil
	})
	value.Register("self", []*value.Type{TRoot}, func(args []value.Value) (value.Value, error) {
		return args[0], nil
	})
	value.Register("string", []*value.Type{TSchema}, func(args []value.Value) (value.Value, error) {
		return value.NewString("schema:" + args[0].(*Schema).Name), nil
	})
}

// FieldKind is one of spec.md §3's four field kinds.
type FieldKind int

const (
	FieldValue FieldKind = iota
	FieldComputed
	FieldConstant
	FieldInstance
)

// Field describes one column of a Schema. Value fields own a flat-slot
// index; Computed fields carry the dependent field names read off the
// instance and passed positionally to Closure (no memoization, matching
// spec.md §4.E); Constant fields always yield the same value; Instance
// fields (spec.md's implicit "self") yield the instance itself.
type Field struct {
	Name     string
	Kind     FieldKind
	Slot     int
	DepNames []string
	Closure  *value.Closure
	Const    value.Value
}

// ListenerHandle is satisfied by *listener.Listener. Schema and Instance
// hold these opaquely (an intrusive singly linked list) so the listener
// network can attach/detach itself without this package importing
// internal/listener, which imports internal/store for these very types.
type ListenerHandle interface {
	NextListener() ListenerHandle
	SetNextListener(ListenerHandle)
}

// Schema is a named relation: its field map (own + inherited), its
// indices by field-name tuple, the doubly linked list of live
// instances, and the head of its schema-level listener list.
type Schema struct {
	Name    string
	Parent  *Schema
	ValType *value.Type

	Fields     map[string]*Field
	FieldOrder []string
	ValueSlots int

	Indices         map[string]*Index
	IndexOrder      []string
	IndexedFields   map[string]bool

	head, tail *Instance
	count      int

	Listeners ListenerHandle

	log *zap.Logger
}

func (*Schema) Kind() value.Kind  { return value.KSchema }
func (s *Schema) Type() *value.Type { return TSchema }

// schemas is the process-wide registry programs reach into by name from
// insert/signal/update/delete/exists/when forms; spec.md §6 states the
// store "exposes no direct global handle" beyond this name-based lookup.
var schemas = map[string]*Schema{}

func GetSchema(name string) (*Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}

// AllSchemas returns every declared schema, used only by
// internal/introspect's read-only debug snapshot — ordinary script
// execution never needs to enumerate schemas, it always names one.
func AllSchemas() []*Schema {
	out := make([]*Schema, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, s)
	}
	return out
}

// Logger, when non-nil, is used for every schema's per-instance
// operational logging, following the teacher's pattern of a
// package-level *zap.Logger injected once and specialized per component
// via .With(...). cmd/ravel installs this from its constructed root
// logger.
var Logger *zap.Logger = logutil.Nop()

// DefSpec is a computed field's static description: its name, its
// dependent field names (its closure's own declared parameters), and
// the already-compiled closure itself.
type DefSpec struct {
	Name string
	Deps []string
	Fn   *value.Closure
}

func indexKey(fields []string) string { return strings.Join(fields, "\x00") }

// DeclareSchema registers a new schema, copying Parent's field map and
// parallel index trees (spec.md §4.E: "a child schema copies its
// parent's field map and allocates a parallel index tree per parent
// index, sharing the parent's field descriptors"). Re-declaring a name
// already in use is a SchemaError: spec.md §3 states schemas are
// "created once and never destroyed".
func DeclareSchema(name, parentName string, vars []string, defs []DefSpec, indices [][]string) (*Schema, error) {
	if _, exists := schemas[name]; exists {
		return nil, ravelerr.New(ravelerr.SchemaError, "schema %q already declared", name)
	}
	sch := &Schema{
		Name:          name,
		Fields:        map[string]*Field{},
		Indices:       map[string]*Index{},
		IndexedFields: map[string]bool{},
		log:           Logger.With(zap.String("schema", name)),
	}

	if parentName != "" {
		parent, ok := schemas[parentName]
		if !ok {
			return nil, ravelerr.New(ravelerr.SchemaError, "unknown parent schema %q", parentName)
		}
		sch.Parent = parent
		sch.ValType = value.NewType(name, parent.ValType)
		sch.ValueSlots = parent.ValueSlots
		for _, fname := range parent.FieldOrder {
			sch.Fields[fname] = parent.Fields[fname]
			sch.FieldOrder = append(sch.FieldOrder, fname)
		}
		for _, key := range parent.IndexOrder {
			pidx := parent.Indices[key]
			idx := newIndex(sch, pidx.Fields, pidx)
			sch.Indices[key] = idx
			sch.IndexOrder = append(sch.IndexOrder, key)
			sch.markIndexed(pidx.Fields)
		}
	} else {
		sch.ValType = value.NewType(name, TRoot)
	}
	sch.Fields["self"] = &Field{Name: "self", Kind: FieldInstance}

	for _, v := range vars {
		if _, exists := sch.Fields[v]; exists {
			return nil, ravelerr.New(ravelerr.SchemaError, "field %q already declared on schema %q", v, name)
		}
		slot := sch.ValueSlots
		sch.ValueSlots++
		sch.Fields[v] = &Field{Name: v, Kind: FieldValue, Slot: slot}
		sch.FieldOrder = append(sch.FieldOrder, v)
		registerFieldAccessor(sch, v)
	}
	for _, d := range defs {
		if _, exists := sch.Fields[d.Name]; exists {
			return nil, ravelerr.New(ravelerr.SchemaError, "field %q already declared on schema %q", d.Name, name)
		}
		sch.Fields[d.Name] = &Field{Name: d.Name, Kind: FieldComputed, DepNames: d.Deps, Closure: d.Fn}
		sch.FieldOrder = append(sch.FieldOrder, d.Name)
		registerFieldAccessor(sch, d.Name)
	}

	schemas[name] = sch
	for _, tuple := range indices {
		if _, err := EnsureIndex(sch, tuple); err != nil {
			return nil, err
		}
	}
	return sch, nil
}

// registerFieldAccessor installs the zero-argument multi-method that
// lets ordinary script code read a field via `inst:FieldName` — the
// same dispatch trie every other operator goes through, registered once
// against the declaring schema's own type so every descendant schema
// inherits it through ordinary ancestor-chain dispatch (spec.md's
// parent-chain dispatch, reused for field access rather than treating
// it as a special case).
func registerFieldAccessor(sch *Schema, name string) {
	value.Register(name, []*value.Type{sch.ValType}, func(args []value.Value) (value.Value, error) {
		inst, ok := args[0].(*Instance)
		if !ok {
			return nil, ravelerr.New(ravelerr.TypeError, "%s is not an instance", name)
		}
		return inst.ReadField(name)
	})
}

func (s *Schema) markIndexed(fields []string) {
	for _, f := range fields {
		s.IndexedFields[f] = true
	}
}

// EnsureIndex returns the schema's index over fields, creating it
// (auto-creating any unknown field name as a fresh value field, per
// spec.md §4.E) if it doesn't already exist; a newly created index is
// filled with the schema's already-live instances. Re-requesting the same
// field tuple is idempotent, the SPEC_FULL.md supplement grounded on
// original_source/ra_schema.c's merge-on-redeclare behavior.
func EnsureIndex(sch *Schema, fields []string) (*Index, error) {
	key := indexKey(fields)
	if idx, ok := sch.Indices[key]; ok {
		return idx, nil
	}
	for _, fname := range fields {
		if _, ok := sch.Fields[fname]; !ok {
			slot := sch.ValueSlots
			sch.ValueSlots++
			sch.Fields[fname] = &Field{Name: fname, Kind: FieldValue, Slot: slot}
			sch.FieldOrder = append(sch.FieldOrder, fname)
			registerFieldAccessor(sch, fname)
		}
	}
	idx := newIndex(sch, fields, nil)
	var fillErr error
	sch.Each(func(inst *Instance) bool {
		for len(inst.Slots) < sch.ValueSlots {
			inst.Slots = append(inst.Slots, value.Nil)
		}
		fillErr = idx.insert(inst)
		return fillErr == nil
	})
	if fillErr != nil {
		return nil, fillErr
	}
	sch.Indices[key] = idx
	sch.IndexOrder = append(sch.IndexOrder, key)
	sch.markIndexed(fields)
	return idx, nil
}

// FirstInstance answers a broad (no key fields) lookup: the head of the
// schema's live-instance list in insertion order, or ok=false if empty.
func (s *Schema) FirstInstance() (*Instance, bool) {
	if s.head == nil {
		return nil, false
	}
	return s.head, true
}

func (s *Schema) Len() int { return s.count }

func (s *Schema) appendInstance(inst *Instance) {
	inst.prev, inst.next = s.tail, nil
	if s.tail != nil {
		s.tail.next = inst
	} else {
		s.head = inst
	}
	s.tail = inst
	s.count++
}

func (s *Schema) unlinkInstance(inst *Instance) {
	if inst.prev != nil {
		inst.prev.next = inst.next
	} else {
		s.head = inst.next
	}
	if inst.next != nil {
		inst.next.prev = inst.prev
	} else {
		s.tail = inst.prev
	}
	inst.prev, inst.next = nil, nil
	s.count--
}

// Each walks live instances in schema (insertion) order.
func (s *Schema) Each(fn func(*Instance) bool) {
	for i := s.head; i != nil; i = i.next {
		if !fn(i) {
			return
		}
	}
}

// IsDescendantOf reports whether s is sch or a descendant of sch,
// mirroring value.Type.IsA for the schema inheritance chain.
func (s *Schema) IsDescendantOf(sch *Schema) bool {
	for cur := s; cur != nil; cur = cur.Parent {
		if cur == sch {
			return true
		}
	}
	return false
}
