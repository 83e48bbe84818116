// Package listener implements RAVEL's reactive join network (spec.md
// §4.F): `when` clauses compile down to a Listener attached at a schema
// or instance, and this package is what turns internal/store's
// OnInsert/OnSignal/OnDelete hooks into actually walking join plans and
// enqueuing actions onto internal/loop. It mirrors internal/store's own
// import-cycle inversion (see store.OnInsert's doc comment): store never
// imports this package, this package installs itself into store's hook
// variables from its own init, the same way internal/vm installs itself
// into value.ClosureCaller.
package listener

import (
	"strconv"

	"github.com/ravel-lang/ravel/internal/logutil"
	"github.com/ravel-lang/ravel/internal/loop"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/store"
	"github.com/ravel-lang/ravel/internal/value"
	"go.uber.org/zap"
)

func init() {
	store.OnInsert = onInsert
	store.OnSignal = onSignal
	store.OnDelete = onDelete

	value.Register("string", []*value.Type{TListener}, func(args []value.Value) (value.Value, error) {
		return value.NewString("<listener>"), nil
	})
}

// Logger is the listener network's operational logger, overridden by
// cmd/ravel the way internal/store.Logger and internal/loop.Logger are.
var Logger = logutil.Nop()

// Observer, when non-nil, is notified every time a join plan fully
// matches and its action is enqueued — internal/introspect's websocket
// push taps this read-only, the same shape as internal/loop.Observer.
var Observer func(schema string)

var TListener = value.NewType("listener", value.TAny)

// StepSpec is what internal/vm hands Attach for one clause of a `when`:
// the already-compiled key-function closure plus the static plan data
// from compile.StepPlan, kept free of any internal/compile types so this
// package's only dependency on the compiler is through the Closure
// values vm already ran to completion.
type StepSpec struct {
	Schema    string
	Negated   bool
	KeyNames  []string
	BindField []string
	BindAlias []string
	KeyFn     *value.Closure
}

type step struct {
	schema    string
	negated   bool
	keyNames  []string
	bindField []string
	keyFn     *value.Closure
}

// Listener is one attached reactive join: its ordered steps (head plus
// the chain that follows), the action closure invoked once every step
// matches, and — only while the head is narrow and unmatched — the
// ground key values saved for later matching against new instances.
type Listener struct {
	steps  []step
	action *value.Closure

	// created restricts the head's insert-triggered fire to brand-new
	// rows, spec.md §4.F point 3 ("fires only for new inserts, not
	// updates").
	created bool

	groundKey    []value.Value
	hasGroundKey bool

	next store.ListenerHandle
}

func (*Listener) Kind() value.Kind                         { return value.KListener }
func (*Listener) Type() *value.Type                        { return TListener }
func (l *Listener) NextListener() store.ListenerHandle     { return l.next }
func (l *Listener) SetNextListener(n store.ListenerHandle) { l.next = n }

// Attach links a new Listener per spec.md §4.F: a narrow head (non-empty
// KeyNames) looks its ground key up immediately — if an instance already
// matches, the listener links directly onto that instance; otherwise it
// waits on the schema's list with its ground key saved. A broad head
// (no KeyNames) always links on the schema.
func Attach(specs []StepSpec, action *value.Closure, created bool) (*Listener, error) {
	if len(specs) == 0 {
		return nil, ravelerr.New(ravelerr.InternalError, "when requires at least one clause")
	}
	steps := make([]step, len(specs))
	for i, sp := range specs {
		steps[i] = step{schema: sp.Schema, negated: sp.Negated, keyNames: sp.KeyNames, bindField: sp.BindField, keyFn: sp.KeyFn}
	}
	l := &Listener{steps: steps, action: action, created: created}

	head := steps[0]
	sch, ok := store.GetSchema(head.schema)
	if !ok {
		return nil, ravelerr.New(ravelerr.SchemaError, "unknown schema %q", head.schema)
	}

	if len(head.keyNames) == 0 {
		l.next = sch.Listeners
		sch.Listeners = l
		return l, nil
	}

	keyVals, err := evalKey(head.keyFn, nil)
	if err != nil {
		return nil, err
	}
	inst, found, err := store.Lookup(head.schema, head.keyNames, keyVals)
	if err != nil {
		return nil, err
	}
	if found {
		l.next = inst.Listeners
		inst.Listeners = l
		return l, nil
	}

	l.groundKey = keyVals
	l.hasGroundKey = true
	l.next = sch.Listeners
	sch.Listeners = l
	return l, nil
}

// evalKey calls a step's key closure with the bindings accumulated so
// far and unpacks its result: a *value.List of KeyNames-many values, or
// Nil (the broad zero-parameter form compileWhen emits when a clause has
// no Keys) which maps to no key values at all.
func evalKey(fn *value.Closure, bindings []value.Value) ([]value.Value, error) {
	r, err := value.Call(fn, bindings)
	if err != nil {
		return nil, err
	}
	l, ok := r.(*value.List)
	if !ok {
		return nil, nil
	}
	return l.Slice(), nil
}

// fire runs the join starting after the already-bound head, per
// spec.md §4.F: "fire the listener's join starting after its head (head
// is already bound to I)".
func (l *Listener) fire(inst *store.Instance) error {
	head := l.steps[0]
	var bindings []value.Value
	if !head.negated {
		for _, f := range head.bindField {
			v, err := inst.ReadField(f)
			if err != nil {
				return err
			}
			bindings = append(bindings, v)
		}
	}
	return l.continueChain(1, bindings)
}

// continueChain walks steps[from:], calling each step's key function
// with the bindings accumulated so far, looking up (or requiring the
// absence of) the matching instance, and appending its bound fields.
// Reaching the end enqueues the action; any step that fails to match
// quietly drops the whole chain (spec.md §4.F: "If all steps succeed").
func (l *Listener) continueChain(from int, bindings []value.Value) error {
	for i := from; i < len(l.steps); i++ {
		st := l.steps[i]
		keyVals, err := evalKey(st.keyFn, bindings)
		if err != nil {
			return err
		}
		inst, found, err := store.Lookup(st.schema, st.keyNames, keyVals)
		if err != nil {
			return err
		}
		if found == st.negated {
			return nil
		}
		if !st.negated {
			for _, f := range st.bindField {
				v, err := inst.ReadField(f)
				if err != nil {
					return err
				}
				bindings = append(bindings, v)
			}
		}
	}
	action := l.action
	fired := append([]value.Value(nil), bindings...)
	Logger.Debug("listener matched", zap.String("schema", l.steps[0].schema), logutil.Values("bindings", boundFields(fired)...))
	if Observer != nil {
		Observer(l.steps[0].schema)
	}
	loop.Enqueue(func() error {
		_, err := value.Call(action, fired)
		return err
	})
	return nil
}

// groundKeyMatches tests a schema-level narrow listener's saved ground
// key against a candidate instance's current field values, using the
// language's own "=" multi-method rather than Go equality so user-
// overridden comparisons (e.g. a "?" specialization) are honored.
func groundKeyMatches(l *Listener, inst *store.Instance) (bool, error) {
	head := l.steps[0]
	for i, name := range head.keyNames {
		v, err := inst.ReadField(name)
		if err != nil {
			return false, err
		}
		eq, err := value.Dispatch("=", []value.Value{v, l.groundKey[i]})
		if err != nil {
			return false, err
		}
		if !value.Truthy(eq) {
			return false, nil
		}
	}
	return true, nil
}

// shouldFireHead applies spec.md §4.F point 3's created/negated filters
// before a candidate listener is even considered for ground-key
// matching or firing.
func shouldFireHead(l *Listener, created, isDelete bool) bool {
	head := l.steps[0]
	if isDelete {
		return head.negated
	}
	if head.negated {
		return false
	}
	return !l.created || created
}

func onInsert(sch *store.Schema, inst *store.Instance, created bool) {
	walkInstanceListeners(inst, created, false)
	for s := sch; s != nil; s = s.Parent {
		migrateAndFire(s, inst, created)
	}
}

// onSignal fires schema-level listeners against a transient instance
// without ever migrating them onto it (SPEC_FULL.md's Open Question
// decision: signal's instance is about to be discarded, so there is
// nothing useful to migrate a narrow listener onto).
func onSignal(sch *store.Schema, inst *store.Instance) {
	for s := sch; s != nil; s = s.Parent {
		fireSchemaListenersNoMigrate(s, inst, true)
	}
}

func onDelete(sch *store.Schema, inst *store.Instance) {
	walkInstanceListeners(inst, false, true)
	for s := sch; s != nil; s = s.Parent {
		fireSchemaListenersDeleteOnly(s, inst)
	}
}

func walkInstanceListeners(inst *store.Instance, created, isDelete bool) {
	for h := inst.Listeners; h != nil; h = h.NextListener() {
		l, ok := h.(*Listener)
		if !ok {
			continue
		}
		if !shouldFireHead(l, created, isDelete) {
			continue
		}
		if err := l.fire(inst); err != nil {
			logFireError(err)
		}
	}
}

// migrateAndFire walks sch's own listener list on an insert/update of
// inst, migrating any narrow listener whose ground key now matches onto
// inst's own listener list (spec.md §4.F point 2) and firing both
// migrated-narrow and broad matches.
func migrateAndFire(sch *store.Schema, inst *store.Instance, created bool) {
	var prev store.ListenerHandle
	h := sch.Listeners
	for h != nil {
		next := h.NextListener()
		l, ok := h.(*Listener)
		if !ok {
			prev, h = h, next
			continue
		}
		if !shouldFireHead(l, created, false) {
			prev, h = h, next
			continue
		}

		matched := true
		migrate := false
		if l.hasGroundKey {
			m, err := groundKeyMatches(l, inst)
			if err != nil {
				logFireError(err)
				prev, h = h, next
				continue
			}
			matched = m
			migrate = m
		}

		if migrate {
			if prev == nil {
				sch.Listeners = next
			} else {
				prev.SetNextListener(next)
			}
			l.hasGroundKey = false
			l.groundKey = nil
			l.next = inst.Listeners
			inst.Listeners = l
		} else {
			prev = h
		}
		h = next

		if matched {
			if err := l.fire(inst); err != nil {
				logFireError(err)
			}
		}
	}
}

func fireSchemaListenersNoMigrate(sch *store.Schema, inst *store.Instance, created bool) {
	for h := sch.Listeners; h != nil; h = h.NextListener() {
		l, ok := h.(*Listener)
		if !ok {
			continue
		}
		if !shouldFireHead(l, created, false) {
			continue
		}
		if l.hasGroundKey {
			match, err := groundKeyMatches(l, inst)
			if err != nil {
				logFireError(err)
				continue
			}
			if !match {
				continue
			}
		}
		if err := l.fire(inst); err != nil {
			logFireError(err)
		}
	}
}

// fireSchemaListenersDeleteOnly re-fires only Negated-head listeners, per
// spec.md §4.F's delete semantics, without migrating or unlinking
// anything (the instance is already on its way out of every index).
func fireSchemaListenersDeleteOnly(sch *store.Schema, inst *store.Instance) {
	for h := sch.Listeners; h != nil; h = h.NextListener() {
		l, ok := h.(*Listener)
		if !ok {
			continue
		}
		if !l.steps[0].negated {
			continue
		}
		if l.hasGroundKey {
			match, err := groundKeyMatches(l, inst)
			if err != nil {
				logFireError(err)
				continue
			}
			if !match {
				continue
			}
		}
		if err := l.fire(inst); err != nil {
			logFireError(err)
		}
	}
}

// boundFields renders a fired join's bound tuple as positional zap
// fields ("0", "1", ...) for logutil.Values, falling back to the
// error's own string on a malformed display conversion rather than
// failing the whole log line.
func boundFields(bound []value.Value) []zap.Field {
	fields := make([]zap.Field, len(bound))
	for i, v := range bound {
		s, err := value.ToDisplayString(v)
		if err != nil {
			s = "<" + err.Error() + ">"
		}
		fields[i] = zap.String(strconv.Itoa(i), s)
	}
	return fields
}

func logFireError(err error) {
	if re, ok := err.(*ravelerr.Error); ok {
		Logger.Error("listener fire error", zap.String("kind", string(re.Kind)), zap.String("message", re.Message))
		return
	}
	Logger.Error("listener fire error", zap.Error(err))
}
