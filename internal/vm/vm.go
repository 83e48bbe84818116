package vm

import (
	"github.com/ravel-lang/ravel/internal/compile"
	"github.com/ravel-lang/ravel/internal/listener"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/store"
	"github.com/ravel-lang/ravel/internal/value"
)

func init() {
	value.ClosureCaller = runClosure
}

// Run executes a whole compiled program as its zero-argument,
// zero-upvalue top-level closure.
func Run(info *compile.ClosureInfo) (value.Value, error) {
	fr := newFrame(info.FrameSize, nil)
	return runFrame(fr, info.Entry)
}

// Session is a persistent REPL frame: internal/console compiles one
// command at a time against a single growing funcCtx (see
// compile.Builder.CompileCommand), so the interpreter side needs one
// frame whose Slots grow to match without losing earlier bindings.
type Session struct {
	frame *Frame
}

func NewSession() *Session {
	return &Session{frame: &Frame{}}
}

// Exec runs one compiled command's instruction graph against the
// session's persistent frame, extending it to frameSize first.
func (s *Session) Exec(entry *compile.Instr, frameSize int) (value.Value, error) {
	for len(s.frame.Slots) < frameSize {
		s.frame.Slots = append(s.frame.Slots, value.NewRef(value.Nil))
	}
	s.frame.stack = s.frame.stack[:0]
	s.frame.tries = s.frame.tries[:0]
	return runFrame(s.frame, entry)
}

func runClosure(c *value.Closure, args []value.Value) (value.Value, error) {
	info, ok := c.Info.(*compile.ClosureInfo)
	if !ok {
		return nil, ravelerr.New(ravelerr.InternalError, "closure info is not a compiled function")
	}
	fr := newFrame(info.FrameSize, c.Upvalues)
	bindParams(fr, info.ParamCount, args)
	return runFrame(fr, info.Entry)
}

// runFrame walks the instruction graph from entry, dispatching one Instr
// at a time via step, handling try/catch unwinding at this level so step
// itself never has to know about the tryStack's control-flow
// consequences beyond recording/discarding scopes.
func runFrame(fr *Frame, entry *compile.Instr) (value.Value, error) {
	ins := entry
	for ins != nil {
		next, result, done, err := step(fr, ins)
		if err != nil {
			re := liftError(err, ins)
			if n := len(fr.tries); n > 0 {
				t := fr.tries[n-1]
				fr.tries = fr.tries[:n-1]
				fr.stack = fr.stack[:t.stackLen]
				fr.push(value.NewErrorValue(re).Catch())
				ins = t.target
				continue
			}
			return nil, re
		}
		if done {
			return result, nil
		}
		ins = next
	}
	return value.Nil, nil
}

func liftError(err error, ins *compile.Instr) *ravelerr.Error {
	re, ok := err.(*ravelerr.Error)
	if !ok {
		re = ravelerr.New(ravelerr.InternalError, "%s", err.Error())
	}
	return re.WithFrame(ins.Source, ins.Line)
}

// step executes one instruction and reports where to go next. done=true
// only for OpReturn, whose result is the frame's final value.
func step(fr *Frame, ins *compile.Instr) (next *compile.Instr, result value.Value, done bool, err error) {
	switch ins.Op {
	case compile.OpPush:
		fr.push(ins.Value)

	case compile.OpPop:
		fr.pop()

	case compile.OpPop2:
		fr.pop()
		fr.pop()

	case compile.OpEnter:
		for i := 0; i < ins.N; i++ {
			fr.Slots[ins.Slot+i] = value.NewRef(value.Nil)
		}

	case compile.OpExit:
		top := fr.pop()
		fr.popN(ins.N)
		fr.push(top)

	case compile.OpLocal:
		fr.push(fr.Slots[ins.Slot].Get())

	case compile.OpLocalRef:
		fr.push(fr.Slots[ins.Slot])

	case compile.OpUpvalue:
		fr.push(fr.Upvalues[ins.Slot].Get())

	case compile.OpUpvalueRef:
		fr.push(fr.Upvalues[ins.Slot])

	case compile.OpGlobal:
		g, gerr := value.LookupGlobal(ins.Name)
		if gerr != nil {
			return nil, nil, false, gerr
		}
		fr.push(g)

	case compile.OpVar:
		v := fr.pop()
		dv, derr := value.Deref(v)
		if derr != nil {
			return nil, nil, false, derr
		}
		fr.Slots[ins.Slot] = value.NewRef(dv)

	case compile.OpAssign:
		ref := fr.pop()
		val := fr.pop()
		if aerr := value.Assign(ref, val); aerr != nil {
			return nil, nil, false, aerr
		}
		fr.push(val)

	case compile.OpCall:
		args := fr.popN(ins.N)
		callee := fr.pop()
		r, cerr := value.Call(callee, args)
		if cerr != nil {
			return nil, nil, false, cerr
		}
		fr.push(r)

	case compile.OpMethodCall:
		args := fr.popN(ins.N)
		r, merr := value.Dispatch(ins.Name, args)
		if merr != nil {
			return nil, nil, false, merr
		}
		fr.push(r)

	case compile.OpJump:
		return ins.Branch, nil, false, nil

	case compile.OpIfFalse:
		if !value.Truthy(fr.pop()) {
			return ins.Branch, nil, false, nil
		}

	case compile.OpIfTrue:
		if value.Truthy(fr.pop()) {
			return ins.Branch, nil, false, nil
		}

	case compile.OpDup:
		fr.dup()

	case compile.OpIterate:
		src := fr.pop()
		it, ierr := value.Dispatch("iterate", []value.Value{src})
		if ierr != nil {
			return nil, nil, false, ierr
		}
		fr.push(it)

	case compile.OpAdvance:
		has, nerr := value.Next(fr.top())
		if nerr != nil {
			return nil, nil, false, nerr
		}
		if !has {
			return ins.Branch, nil, false, nil
		}

	case compile.OpCur:
		cur, derr := value.Deref(fr.top())
		if derr != nil {
			return nil, nil, false, derr
		}
		fr.push(cur)

	case compile.OpKey:
		k, kerr := value.IterKey(fr.top())
		if kerr != nil {
			return nil, nil, false, kerr
		}
		fr.push(k)

	case compile.OpClosure:
		ups := make([]*value.Ref, len(ins.Upvals))
		for i, src := range ins.Upvals {
			if src.FromUpvalue {
				ups[i] = fr.Upvalues[src.Index]
			} else {
				ups[i] = fr.Slots[src.Index]
			}
		}
		fr.push(&value.Closure{Info: ins.Closure, Upvalues: ups})

	case compile.OpTry:
		fr.tries = append(fr.tries, tryState{target: ins.Branch, stackLen: len(fr.stack)})

	case compile.OpCatch:
		if n := len(fr.tries); n > 0 {
			fr.tries = fr.tries[:n-1]
		}

	case compile.OpList:
		items := fr.popN(ins.N)
		l := value.NewList(items...)
		fr.push(l)

	case compile.OpTree:
		items := fr.popN(ins.N * 2)
		t := value.NewTree()
		for i := 0; i < ins.N; i++ {
			if _, _, serr := t.Set(items[2*i], items[2*i+1]); serr != nil {
				return nil, nil, false, serr
			}
		}
		fr.push(t)

	case compile.OpBuildString:
		items := fr.popN(ins.N)
		var sb value.StringBuffer
		for _, item := range items {
			if aerr := sb.Append(item); aerr != nil {
				return nil, nil, false, aerr
			}
		}
		fr.push(value.NewString(sb.String()))

	case compile.OpReturn:
		var v value.Value = value.Nil
		if len(fr.stack) > 0 {
			v = fr.pop()
		}
		return nil, v, true, nil

	case compile.OpSchemaDecl:
		r, serr := execSchemaDecl(fr, ins)
		if serr != nil {
			return nil, nil, false, serr
		}
		fr.push(r)

	case compile.OpInsert:
		vals := fr.popN(len(ins.Names))
		inst, ierr := store.Insert(ins.Schema, ins.Names, vals)
		if ierr != nil {
			return nil, nil, false, ierr
		}
		fr.push(inst)

	case compile.OpSignal:
		vals := fr.popN(len(ins.Names))
		inst, ierr := store.Signal(ins.Schema, ins.Names, vals)
		if ierr != nil {
			return nil, nil, false, ierr
		}
		fr.push(inst)

	case compile.OpUpdate:
		vals := fr.popN(len(ins.Names))
		keyNames, fieldNames := ins.Names[:ins.N], ins.Names[ins.N:]
		keyVals, fieldVals := vals[:ins.N], vals[ins.N:]
		if uerr := store.Update(ins.Schema, keyNames, keyVals, fieldNames, fieldVals); uerr != nil {
			return nil, nil, false, uerr
		}
		fr.push(value.Nil)

	case compile.OpDelete:
		vals := fr.popN(len(ins.Names))
		if derr := store.Delete(ins.Schema, ins.Names, vals); derr != nil {
			return nil, nil, false, derr
		}
		fr.push(value.Nil)

	case compile.OpIndexLookup:
		vals := fr.popN(len(ins.Names))
		inst, found, lerr := store.Lookup(ins.Schema, ins.Names, vals)
		if lerr != nil {
			return nil, nil, false, lerr
		}
		if found == ins.Negated {
			return ins.Branch, nil, false, nil
		}
		if ins.Negated {
			fr.push(value.Nil)
		} else {
			fr.push(inst)
		}

	case compile.OpFieldRead:
		recv := fr.pop()
		inst, ok := recv.(*store.Instance)
		if !ok {
			return nil, nil, false, ravelerr.New(ravelerr.TypeError, "%s is not an instance", ins.Name)
		}
		v, rerr := inst.ReadField(ins.Name)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		fr.push(v)

	case compile.OpWhenAttach:
		r, werr := execWhenAttach(fr, ins)
		if werr != nil {
			return nil, nil, false, werr
		}
		fr.push(r)

	default:
		return nil, nil, false, ravelerr.New(ravelerr.InternalError, "unhandled opcode %d", ins.Op)
	}
	return ins.Next, nil, false, nil
}

// execSchemaDecl pops one compiled closure per computed-field def (in
// declaration order, matching compileSchemaDecl's emission order) and
// hands them to store.DeclareSchema alongside the static SchemaSpec.
func execSchemaDecl(fr *Frame, ins *compile.Instr) (value.Value, error) {
	spec := ins.Decl
	closures := fr.popN(len(spec.Defs))
	defs := make([]store.DefSpec, len(spec.Defs))
	for i, name := range spec.Defs {
		c, ok := closures[i].(*value.Closure)
		if !ok {
			return nil, ravelerr.New(ravelerr.InternalError, "computed field %q did not compile to a closure", name)
		}
		defs[i] = store.DefSpec{Name: name, Deps: spec.DefDeps[i], Fn: c}
	}
	return store.DeclareSchema(spec.Name, spec.Parent, spec.Vars, defs, spec.Indices)
}

// execWhenAttach pops N step key-closures followed by one action
// closure (compileWhen's emission order) and attaches a new reactive
// listener for the join they describe.
func execWhenAttach(fr *Frame, ins *compile.Instr) (value.Value, error) {
	plan := ins.When
	vals := fr.popN(ins.N + 1)
	actionClosure, ok := vals[ins.N].(*value.Closure)
	if !ok {
		return nil, ravelerr.New(ravelerr.InternalError, "when action did not compile to a closure")
	}
	steps := make([]listener.StepSpec, ins.N)
	for i := 0; i < ins.N; i++ {
		kc, ok := vals[i].(*value.Closure)
		if !ok {
			return nil, ravelerr.New(ravelerr.InternalError, "when step key did not compile to a closure")
		}
		sp := plan.Steps[i]
		steps[i] = listener.StepSpec{
			Schema:    sp.Schema,
			Negated:   sp.Negated,
			KeyNames:  sp.KeyNames,
			BindField: sp.BindField,
			BindAlias: sp.BindAlias,
			KeyFn:     kc,
		}
	}
	return listener.Attach(steps, actionClosure, plan.Created)
}
