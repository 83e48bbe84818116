package listener

import (
	"sync"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"

	"github.com/ravel-lang/ravel/internal/loop"
	"github.com/ravel-lang/ravel/internal/store"
	"github.com/ravel-lang/ravel/internal/value"
)

// fakeClosureInfo/fakeImpls let these tests build *value.Closure values
// without depending on internal/compile or internal/vm, which would
// create an import cycle back into this package (vm imports listener).
type fakeClosureInfo struct{ name string }

func (f fakeClosureInfo) Name() string { return f.name }

var (
	fakeMu    sync.Mutex
	fakeImpls = map[*value.Closure]func(args []value.Value) (value.Value, error){}
)

func init() {
	value.ClosureCaller = func(c *value.Closure, args []value.Value) (value.Value, error) {
		fakeMu.Lock()
		fn := fakeImpls[c]
		fakeMu.Unlock()
		return fn(args)
	}
	loop.Start()
}

func newFakeClosure(name string, fn func(args []value.Value) (value.Value, error)) *value.Closure {
	c := &value.Closure{Info: fakeClosureInfo{name: name}}
	fakeMu.Lock()
	fakeImpls[c] = fn
	fakeMu.Unlock()
	return c
}

// noKeyClosure is the zero-parameter head key function a broad (no
// KeyNames) clause is compiled with; its result is never inspected by
// Attach, only a narrow head's is.
func noKeyClosure() *value.Closure {
	return newFakeClosure("nokey", func(args []value.Value) (value.Value, error) { return value.Nil, nil })
}

// recorder collects action invocations under a mutex, since they run on
// internal/loop's dispatcher goroutine rather than the test goroutine.
type recorder struct {
	mu   sync.Mutex
	logs [][]value.Value
}

func (r *recorder) closure() *value.Closure {
	return newFakeClosure("action", func(args []value.Value) (value.Value, error) {
		r.mu.Lock()
		r.logs = append(r.logs, append([]value.Value(nil), args...))
		r.mu.Unlock()
		return value.Nil, nil
	})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

func (r *recorder) snapshot() [][]value.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]value.Value, len(r.logs))
	copy(out, r.logs)
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestBroadHeadFiresOnEveryInsert(t *testing.T) {
	store.DeclareSchema("lt_Broad", "", []string{"K"}, nil, nil)
	rec := &recorder{}
	_, err := Attach([]StepSpec{
		{Schema: "lt_Broad", BindField: []string{"K"}, KeyFn: noKeyClosure()},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	store.Insert("lt_Broad", []string{"K"}, []value.Value{value.IntValue(1)})
	store.Insert("lt_Broad", []string{"K"}, []value.Value{value.IntValue(2)})

	waitUntil(t, func() bool { return rec.count() == 2 })
	logs := rec.snapshot()
	if logs[0][0] != value.IntValue(1) || logs[1][0] != value.IntValue(2) {
		t.Fatalf("expected bindings in insert order [1] then [2], got %v", logs)
	}
}

func TestNarrowHeadMigratesOntoMatchingInstance(t *testing.T) {
	store.DeclareSchema("lt_Narrow", "", []string{"K", "V"}, nil, [][]string{{"K"}})
	store.Insert("lt_Narrow", []string{"K", "V"}, []value.Value{value.IntValue(5), value.IntValue(0)})

	rec := &recorder{}
	keyFn := newFakeClosure("key5", func(args []value.Value) (value.Value, error) {
		return value.NewList(value.IntValue(5)), nil
	})
	l, err := Attach([]StepSpec{
		{Schema: "lt_Narrow", KeyNames: []string{"K"}, BindField: []string{"V"}, KeyFn: keyFn},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	inst, found, err := store.Lookup("lt_Narrow", []string{"K"}, []value.Value{value.IntValue(5)})
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if inst.Listeners != store.ListenerHandle(l) {
		t.Fatalf("narrow head should migrate directly onto the matching instance at Attach time")
	}

	// A later update of that same instance fires it (matched via the
	// instance's own listener list, not the schema's).
	store.Update("lt_Narrow", []string{"K"}, []value.Value{value.IntValue(5)}, []string{"V"}, []value.Value{value.IntValue(9)})
	waitUntil(t, func() bool { return rec.count() == 1 })
	if rec.snapshot()[0][0] != value.IntValue(9) {
		t.Fatalf("expected bound V=9, got %v", rec.snapshot()[0])
	}
}

func TestNarrowHeadWaitsOnSchemaUntilMatchingInsert(t *testing.T) {
	store.DeclareSchema("lt_Wait", "", []string{"K"}, nil, [][]string{{"K"}})

	rec := &recorder{}
	keyFn := newFakeClosure("key7", func(args []value.Value) (value.Value, error) {
		return value.NewList(value.IntValue(7)), nil
	})
	l, err := Attach([]StepSpec{
		{Schema: "lt_Wait", KeyNames: []string{"K"}, BindField: []string{"K"}, KeyFn: keyFn},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	sch, _ := store.GetSchema("lt_Wait")
	if sch.Listeners != store.ListenerHandle(l) {
		t.Fatalf("listener with no matching instance yet must sit on the schema list")
	}

	// A non-matching insert must not fire or migrate it.
	store.Insert("lt_Wait", []string{"K"}, []value.Value{value.IntValue(1)})
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("non-matching insert must not fire the listener")
	}

	store.Insert("lt_Wait", []string{"K"}, []value.Value{value.IntValue(7)})
	waitUntil(t, func() bool { return rec.count() == 1 })
}

func TestCreatedFlagSuppressesUpdateFire(t *testing.T) {
	store.DeclareSchema("lt_Created", "", []string{"K"}, nil, [][]string{{"K"}})
	rec := &recorder{}
	_, err := Attach([]StepSpec{
		{Schema: "lt_Created", BindField: []string{"K"}, KeyFn: noKeyClosure()},
	}, rec.closure(), true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	store.Insert("lt_Created", []string{"K"}, []value.Value{value.IntValue(1)})
	waitUntil(t, func() bool { return rec.count() == 1 })

	store.Update("lt_Created", []string{"K"}, []value.Value{value.IntValue(1)}, nil, nil)
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("a Created listener must not fire on update, got %d fires", rec.count())
	}
}

func TestNegatedHeadFiresOnlyOnDelete(t *testing.T) {
	store.DeclareSchema("lt_Negated", "", []string{"K"}, nil, [][]string{{"K"}})
	rec := &recorder{}
	keyFn := newFakeClosure("key1", func(args []value.Value) (value.Value, error) {
		return value.NewList(value.IntValue(1)), nil
	})
	_, err := Attach([]StepSpec{
		{Schema: "lt_Negated", Negated: true, KeyNames: []string{"K"}, KeyFn: keyFn},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	store.Insert("lt_Negated", []string{"K"}, []value.Value{value.IntValue(1)})
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("a Negated head must not fire on insert, got %d fires", rec.count())
	}

	store.Delete("lt_Negated", []string{"K"}, []value.Value{value.IntValue(1)})
	waitUntil(t, func() bool { return rec.count() == 1 })
}

func TestJoinAcrossTwoSchemasWithNegatedSecondClause(t *testing.T) {
	// Mirrors spec.md §8 scenario 5's shape (when P(k := K), not Q[K := k]
	// do ... end) but orders mutations so the negation's match is
	// evaluated, at each P insert's own time, against whatever Q rows
	// already exist then — matches are decided at mutation time, not
	// re-evaluated retroactively by a later Q insert (spec.md §4.F
	// describes propagation strictly forward from the mutated schema).
	store.DeclareSchema("lt_P", "", []string{"K"}, nil, nil)
	store.DeclareSchema("lt_Q", "", []string{"K"}, nil, nil)

	rec := &recorder{}
	qKeyFn := newFakeClosure("qkey", func(args []value.Value) (value.Value, error) {
		return value.NewList(args[0]), nil
	})
	_, err := Attach([]StepSpec{
		{Schema: "lt_P", BindField: []string{"K"}, BindAlias: []string{"k"}, KeyFn: noKeyClosure()},
		{Schema: "lt_Q", Negated: true, KeyNames: []string{"K"}, KeyFn: qKeyFn},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	store.Insert("lt_Q", []string{"K"}, []value.Value{value.IntValue(1)})
	store.Insert("lt_P", []string{"K"}, []value.Value{value.IntValue(1)}) // Q[1] exists: no match
	store.Insert("lt_P", []string{"K"}, []value.Value{value.IntValue(2)}) // Q[2] absent: matches

	waitUntil(t, func() bool { return rec.count() == 1 })
	time.Sleep(20 * time.Millisecond) // make sure a spurious second fire doesn't show up late
	logs := rec.snapshot()
	if len(logs) != 1 || logs[0][0] != value.IntValue(2) {
		t.Fatalf("expected exactly one fire bound to K=2, got %v", logs)
	}
}

func TestBroadHeadFiresOnceForEachFakerGeneratedRow(t *testing.T) {
	store.DeclareSchema("lt_FakeRoster", "", []string{"Name", "Email"}, nil, [][]string{{"Email"}})
	rec := &recorder{}
	_, err := Attach([]StepSpec{
		{Schema: "lt_FakeRoster", BindField: []string{"Email"}, KeyFn: noKeyClosure()},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	emails := make([]string, 25)
	for i := range emails {
		emails[i] = faker.Email()
		store.Insert("lt_FakeRoster", []string{"Name", "Email"},
			[]value.Value{value.NewString(faker.Name()), value.NewString(emails[i])})
	}

	waitUntil(t, func() bool { return rec.count() == len(emails) })
	logs := rec.snapshot()
	for i, want := range emails {
		if got := logs[i][0].(*value.StringValue).S; got != want {
			t.Fatalf("fire %d: expected email %q in insert order, got %q", i, want, got)
		}
	}
}

func TestDeleteWithNoNegatedListenersIsQuiet(t *testing.T) {
	store.DeclareSchema("lt_Plain", "", []string{"K"}, nil, nil)
	rec := &recorder{}
	_, err := Attach([]StepSpec{
		{Schema: "lt_Plain", BindField: []string{"K"}, KeyFn: noKeyClosure()},
	}, rec.closure(), false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	store.Insert("lt_Plain", []string{"K"}, []value.Value{value.IntValue(1)})
	waitUntil(t, func() bool { return rec.count() == 1 })

	store.Delete("lt_Plain", []string{"K"}, []value.Value{value.IntValue(1)})
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("a non-negated head must not fire again on delete, got %d fires", rec.count())
	}
}
