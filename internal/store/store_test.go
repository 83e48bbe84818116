package store

import (
	"testing"

	faker "github.com/go-faker/faker/v4"

	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// fakeClosureInfo lets these tests build a *value.Closure without
// depending on internal/compile/internal/vm (which would create an
// import cycle back into this package): computed fields only need
// something that satisfies value.ClosureInfo and a value.ClosureCaller
// that knows how to run it.
type fakeClosureInfo struct{ name string }

func (f fakeClosureInfo) Name() string { return f.name }

// fakeClosure wraps a Go func as a *value.Closure, installing a
// ClosureCaller (idempotently; later calls just replace the dispatch
// table entry) that recognizes this specific closure by identity.
var fakeImpls = map[*value.Closure]func(args []value.Value) (value.Value, error){}

func init() {
	value.ClosureCaller = func(c *value.Closure, args []value.Value) (value.Value, error) {
		fn, ok := fakeImpls[c]
		if !ok {
			return nil, ravelerr.New(ravelerr.InternalError, "no fake implementation installed for this closure")
		}
		return fn(args)
	}
}

func newFakeClosure(name string, fn func(args []value.Value) (value.Value, error)) *value.Closure {
	c := &value.Closure{Info: fakeClosureInfo{name: name}}
	fakeImpls[c] = fn
	return c
}

func TestDeclareSchemaAndInsert(t *testing.T) {
	sch, err := DeclareSchema("test_Person", "", []string{"Name", "Age"}, nil, nil)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if sch.ValueSlots != 2 {
		t.Fatalf("expected 2 value slots, got %d", sch.ValueSlots)
	}

	inst, err := Insert("test_Person", []string{"Name", "Age"}, []value.Value{value.NewString("A"), value.IntValue(20)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	name, err := inst.ReadField("Name")
	if err != nil || name.(*value.StringValue).S != "A" {
		t.Fatalf("ReadField(Name): %v err=%v", name, err)
	}
	if sch.Len() != 1 {
		t.Fatalf("expected 1 live instance, got %d", sch.Len())
	}
}

func TestRedeclaringSchemaIsSchemaError(t *testing.T) {
	if _, err := DeclareSchema("test_Dup", "", []string{"X"}, nil, nil); err != nil {
		t.Fatalf("first declare: %v", err)
	}
	_, err := DeclareSchema("test_Dup", "", []string{"X"}, nil, nil)
	if _, ok := ravelerr.As(err, ravelerr.SchemaError); !ok {
		t.Fatalf("expected SchemaError on redeclare, got %v", err)
	}
}

func TestSchemaInheritanceCopiesFieldsAndIndices(t *testing.T) {
	parent, err := DeclareSchema("test_Animal", "", []string{"Name"}, nil, [][]string{{"Name"}})
	if err != nil {
		t.Fatalf("declare parent: %v", err)
	}
	child, err := DeclareSchema("test_Dog", "test_Animal", []string{"Breed"}, nil, nil)
	if err != nil {
		t.Fatalf("declare child: %v", err)
	}
	if _, ok := child.Fields["Name"]; !ok {
		t.Fatalf("child must inherit parent's Name field")
	}
	if len(child.IndexOrder) != len(parent.IndexOrder) {
		t.Fatalf("child must inherit parent's index set, got %d vs %d", len(child.IndexOrder), len(parent.IndexOrder))
	}
	// child's own instance type must descend from the parent's, so a
	// method registered against the parent's ValType dispatches for
	// child instances too (spec.md §4.E's parent-chain dispatch).
	if !child.ValType.IsA(parent.ValType) {
		t.Fatalf("child.ValType must descend from parent.ValType")
	}
}

func TestInsertPopulatesEveryAncestorIndex(t *testing.T) {
	parent, _ := DeclareSchema("test_Base", "", []string{"K"}, nil, [][]string{{"K"}})
	DeclareSchema("test_Derived", "test_Base", []string{"Extra"}, nil, nil)

	inst, err := Insert("test_Derived", []string{"K", "Extra"}, []value.Value{value.IntValue(7), value.NewString("x")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The derived schema's own copy of the index must contain inst...
	childSchema, _ := GetSchema("test_Derived")
	childIdx := childSchema.Indices[indexKey([]string{"K"})]
	got, ok, err := childIdx.Lookup([]value.Value{value.IntValue(7)})
	if err != nil || !ok || got != inst {
		t.Fatalf("child index lookup: got=%v ok=%v err=%v", got, ok, err)
	}

	// ...and so must the parent schema's index over the same field set,
	// per spec.md §4.E: "insertion into a child schema's index also
	// inserts into each ancestor index".
	parentIdx := parent.Indices[indexKey([]string{"K"})]
	got, ok, err = parentIdx.Lookup([]value.Value{value.IntValue(7)})
	if err != nil || !ok || got != inst {
		t.Fatalf("parent index lookup: got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestUpdateRewritesNonIndexedFields(t *testing.T) {
	DeclareSchema("test_Counter", "", []string{"K", "V"}, nil, [][]string{{"K"}})
	Insert("test_Counter", []string{"K", "V"}, []value.Value{value.IntValue(1), value.IntValue(10)})

	if err := Update("test_Counter", []string{"K"}, []value.Value{value.IntValue(1)}, []string{"V"}, []value.Value{value.IntValue(20)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	inst, found, err := Lookup("test_Counter", []string{"K"}, []value.Value{value.IntValue(1)})
	if err != nil || !found {
		t.Fatalf("lookup after update: found=%v err=%v", found, err)
	}
	v, _ := inst.ReadField("V")
	if v != value.IntValue(20) {
		t.Fatalf("expected V=20 after update, got %v", v)
	}
}

func TestUpdateOfIndexedFieldIsRejected(t *testing.T) {
	DeclareSchema("test_Keyed", "", []string{"K"}, nil, [][]string{{"K"}})
	Insert("test_Keyed", []string{"K"}, []value.Value{value.IntValue(1)})

	err := Update("test_Keyed", []string{"K"}, []value.Value{value.IntValue(1)}, []string{"K"}, []value.Value{value.IntValue(2)})
	if _, ok := ravelerr.As(err, ravelerr.SchemaError); !ok {
		t.Fatalf("expected SchemaError for updating an indexed field, got %v", err)
	}
}

func TestDeleteUnlinksFromSchemaAndEveryIndex(t *testing.T) {
	DeclareSchema("test_Gone", "", []string{"K"}, nil, [][]string{{"K"}})
	Insert("test_Gone", []string{"K"}, []value.Value{value.IntValue(1)})
	sch, _ := GetSchema("test_Gone")
	if sch.Len() != 1 {
		t.Fatalf("expected 1 instance before delete")
	}

	if err := Delete("test_Gone", []string{"K"}, []value.Value{value.IntValue(1)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if sch.Len() != 0 {
		t.Fatalf("expected 0 instances after delete, got %d", sch.Len())
	}
	if _, found, _ := Lookup("test_Gone", []string{"K"}, []value.Value{value.IntValue(1)}); found {
		t.Fatalf("deleted instance must not be found by index lookup")
	}
}

func TestSignalDoesNotEnlistOrIndex(t *testing.T) {
	DeclareSchema("test_Event", "", []string{"K"}, nil, [][]string{{"K"}})
	sch, _ := GetSchema("test_Event")

	if _, err := Signal("test_Event", []string{"K"}, []value.Value{value.IntValue(9)}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sch.Len() != 0 {
		t.Fatalf("signal must not enlist an instance, got len %d", sch.Len())
	}
	if _, found, _ := Lookup("test_Event", []string{"K"}, []value.Value{value.IntValue(9)}); found {
		t.Fatalf("signal must not appear in any index")
	}
}

func TestComputedFieldInvokesClosureWithDependentFields(t *testing.T) {
	doubled := newFakeClosure("doubled", func(args []value.Value) (value.Value, error) {
		return value.IntValue(int64(args[0].(value.IntValue)) * 2), nil
	})
	_, err := DeclareSchema("test_Computed", "", []string{"N"}, []DefSpec{
		{Name: "Doubled", Deps: []string{"N"}, Fn: doubled},
	}, nil)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	inst, err := Insert("test_Computed", []string{"N"}, []value.Value{value.IntValue(21)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, err := inst.ReadField("Doubled")
	if err != nil {
		t.Fatalf("read computed field: %v", err)
	}
	if v != value.IntValue(42) {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestWritingComputedFieldIsSchemaError(t *testing.T) {
	doubled := newFakeClosure("doubled2", func(args []value.Value) (value.Value, error) {
		return value.Nil, nil
	})
	DeclareSchema("test_ComputedW", "", nil, []DefSpec{{Name: "D", Deps: nil, Fn: doubled}}, nil)
	_, err := Insert("test_ComputedW", []string{"D"}, []value.Value{value.IntValue(1)})
	if _, ok := ravelerr.As(err, ravelerr.SchemaError); !ok {
		t.Fatalf("expected SchemaError writing a non-value field, got %v", err)
	}
}

func TestReadingUnknownFieldIsFieldError(t *testing.T) {
	DeclareSchema("test_Bare", "", []string{"X"}, nil, nil)
	inst, _ := Insert("test_Bare", nil, nil)
	_, err := inst.ReadField("NoSuchField")
	if _, ok := ravelerr.As(err, ravelerr.FieldError); !ok {
		t.Fatalf("expected FieldError, got %v", err)
	}
}

func TestInstanceFieldReturnsItself(t *testing.T) {
	DeclareSchema("test_Self", "", []string{"X"}, nil, nil)
	inst, _ := Insert("test_Self", []string{"X"}, []value.Value{value.IntValue(1)})
	v, err := inst.ReadField("self")
	if err != nil || v != inst {
		t.Fatalf("self field should return the instance itself, got %v err=%v", v, err)
	}
}

func TestEnsureIndexAutoCreatesUnknownField(t *testing.T) {
	sch, _ := DeclareSchema("test_AutoIdx", "", nil, nil, nil)
	if _, ok := sch.Fields["NewField"]; ok {
		t.Fatalf("NewField should not exist yet")
	}
	if _, err := EnsureIndex(sch, []string{"NewField"}); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if _, ok := sch.Fields["NewField"]; !ok {
		t.Fatalf("EnsureIndex should auto-create the missing field")
	}
}

func TestIndexLookupAcrossFakerGeneratedInstances(t *testing.T) {
	DeclareSchema("test_FakePerson", "", []string{"Email", "Name"}, nil, [][]string{{"Email"}})

	type row struct {
		email, name string
	}
	rows := make([]row, 50)
	for i := range rows {
		rows[i] = row{email: faker.Email(), name: faker.Name()}
		if _, err := Insert("test_FakePerson", []string{"Email", "Name"},
			[]value.Value{value.NewString(rows[i].email), value.NewString(rows[i].name)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	sch, _ := GetSchema("test_FakePerson")
	if sch.Len() != len(rows) {
		t.Fatalf("expected %d live instances, got %d", len(rows), sch.Len())
	}

	// Every generated email must resolve back to its own row through the
	// unique index, not to a neighbor's.
	for _, r := range rows {
		inst, found, err := Lookup("test_FakePerson", []string{"Email"}, []value.Value{value.NewString(r.email)})
		if err != nil || !found {
			t.Fatalf("lookup %q: found=%v err=%v", r.email, found, err)
		}
		name, err := inst.ReadField("Name")
		if err != nil || name.(*value.StringValue).S != r.name {
			t.Fatalf("expected Name %q for %q, got %v (err=%v)", r.name, r.email, name, err)
		}
	}
}

func TestLookupBroadReturnsFirstInsertedInstance(t *testing.T) {
	DeclareSchema("test_Broad", "", []string{"K"}, nil, nil)
	first, _ := Insert("test_Broad", []string{"K"}, []value.Value{value.IntValue(1)})
	Insert("test_Broad", []string{"K"}, []value.Value{value.IntValue(2)})

	got, found, err := Lookup("test_Broad", nil, nil)
	if err != nil || !found || got != first {
		t.Fatalf("expected the first inserted instance, got %v found=%v err=%v", got, found, err)
	}
}
