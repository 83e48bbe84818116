package compile

import (
	"github.com/ravel-lang/ravel/internal/parse"
	"github.com/ravel-lang/ravel/internal/value"
)

// at stamps an instruction with its source position and feeds it through
// the enclosing function's content hash before returning it, so every
// Instr literal in this file is created the same way.
func (b *Builder) at(pos parse.Pos, i *Instr) *Instr {
	i.Line = pos.Line
	return b.emit(i)
}

// CompileProgram compiles a whole script as a zero-parameter top-level
// closure, matching spec.md §4.C's entry-point convention.
func (b *Builder) CompileProgram(prog *parse.Block) (*ClosureInfo, error) {
	start, exits, err := b.compileBlock(prog)
	if err != nil {
		return nil, err
	}
	ret := b.at(prog.Position(), &Instr{Op: OpReturn})
	patch(exits, ret)
	return b.finish("main", start, 0), nil
}

// CompileCommand compiles one REPL command against the Builder's existing,
// never-popped top-level funcCtx, so names declared by an earlier command
// remain valid slots for later ones (internal/console keeps one Builder
// and one growing frame for the whole session rather than recompiling a
// fresh program each time).
func (b *Builder) CompileCommand(cmd *parse.Block) (entry *Instr, frameSize int, err error) {
	start, exits, err := b.compileBlock(cmd)
	if err != nil {
		return nil, 0, err
	}
	ret := b.at(cmd.Position(), &Instr{Op: OpReturn})
	patch(exits, ret)
	return start, b.fc.maxSlot, nil
}

func (b *Builder) finish(name string, entry *Instr, paramCount int) *ClosureInfo {
	info := &ClosureInfo{
		NameStr:    name,
		Entry:      entry,
		FrameSize:  b.fc.maxSlot,
		ParamCount: paramCount,
		NumUpvals:  len(b.fc.upvals),
	}
	var sum [32]byte
	copy(sum[:], b.fc.hash.Sum(nil))
	info.Hash = sum
	return info
}

// compile is the single recursive dispatcher over every parse.Node variant.
// spec.md §4 describes node compilation as a Compile(*compile.Builder)
// method on each AST node; internal/parse's Node carries no such method
// (adding one would force internal/parse to import internal/compile, which
// internal/compile already imports internal/parse — a cycle), so dispatch
// is an ordinary type switch here instead, the idiomatic-Go shape for a
// visitor when the AST package must stay independent of its consumer.
func (b *Builder) compile(n parse.Node) (*Instr, []edge, error) {
	switch v := n.(type) {
	case *parse.Literal:
		return b.compileLiteral(v)
	case *parse.Ident:
		return b.resolveRead(v.Position(), v.Name)
	case *parse.Old:
		return b.compileOld(v)
	case *parse.MethodRef:
		return b.compileMethodRef(v)
	case *parse.Block:
		return b.compileBlock(v)
	case *parse.Assign:
		return b.compileAssign(v)
	case *parse.Call:
		return b.compileCall(v)
	case *parse.BinOp:
		return b.compileBinOp(v)
	case *parse.UnOp:
		return b.compileUnOp(v)
	case *parse.Index:
		return b.compileIndex(v)
	case *parse.ListExpr:
		return b.compileListExpr(v)
	case *parse.TreeExpr:
		return b.compileTreeExpr(v)
	case *parse.InterpString:
		return b.compileInterpString(v)
	case *parse.If:
		return b.compileIf(v)
	case *parse.And:
		return b.compileAnd(v)
	case *parse.Or:
		return b.compileOr(v)
	case *parse.Loop:
		return b.compileLoop(v)
	case *parse.While:
		return b.compileWhile(v)
	case *parse.Until:
		return b.compileUntil(v)
	case *parse.Exit:
		return b.compileExit(v)
	case *parse.NextExpr:
		return b.compileNext(v)
	case *parse.For:
		return b.compileFor(v)
	case *parse.Fun:
		return b.compileFun(v)
	case *parse.Return:
		return b.compileReturn(v)
	case *parse.With:
		return b.compileWith(v)
	case *parse.SchemaDecl:
		return b.compileSchemaDecl(v)
	case *parse.Insert:
		return b.compileInsert(v)
	case *parse.Signal:
		return b.compileSignal(v)
	case *parse.Update:
		return b.compileUpdate(v)
	case *parse.Delete:
		return b.compileDelete(v)
	case *parse.Exists:
		return b.compileExists(v)
	case *parse.When:
		return b.compileWhen(v)
	default:
		return nil, nil, b.errf(n.Position().Line, "compile: unhandled node %T", n)
	}
}

// --- sequencing helpers ---

// compileBody chains statements for effect, popping every result but the
// last (the block's value); a statement with no fallthrough exits (exit,
// next, return) makes everything after it dead code, and compilation stops
// there rather than emitting unreachable instructions nothing will link to.
func (b *Builder) compileBody(nodes []parse.Node, pos parse.Pos) (*Instr, []edge, error) {
	if len(nodes) == 0 {
		push := b.at(pos, &Instr{Op: OpPush, Value: value.Nil})
		return push, []edge{&push.Next}, nil
	}
	var start *Instr
	var prevExits []edge
	for i, node := range nodes {
		ns, nexits, err := b.compile(node)
		if err != nil {
			return nil, nil, err
		}
		if start == nil {
			start = ns
		} else {
			patch(prevExits, ns)
		}
		if i == len(nodes)-1 {
			prevExits = nexits
			break
		}
		if len(nexits) == 0 {
			prevExits = nil
			break
		}
		pop := b.at(node.Position(), &Instr{Op: OpPop})
		patch(nexits, pop)
		prevExits = []edge{&pop.Next}
	}
	return start, prevExits, nil
}

// compileExprChain links N node compiles that each push exactly one value,
// keeping all N on the stack (no intermediate pops) — used for argument
// lists, list/tree literals, and interpolated-string segments.
func (b *Builder) compileExprChain(nodes []parse.Node) (*Instr, []edge, error) {
	var start *Instr
	var prevExits []edge
	for _, node := range nodes {
		ns, nexits, err := b.compile(node)
		if err != nil {
			return nil, nil, err
		}
		if start == nil {
			start = ns
		} else {
			patch(prevExits, ns)
		}
		prevExits = nexits
	}
	return start, prevExits, nil
}

func valuesOf(fields []parse.FieldAssign) []parse.Node {
	out := make([]parse.Node, len(fields))
	for i, f := range fields {
		out[i] = f.Value
	}
	return out
}

func namesOf(fields []parse.FieldAssign) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Field
	}
	return out
}

func defNames(defs []parse.FunDecl) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

// defDeps extracts each computed field's dependent-field list: its
// closure's own declared parameter names, read off the instance and
// passed positionally when the field is computed.
func defDeps(defs []parse.FunDecl) [][]string {
	out := make([][]string, len(defs))
	for i, d := range defs {
		params := d.Fun.Params
		if d.Fun.Variadic && len(params) > 0 {
			params = params[:len(params)-1]
		}
		out[i] = append([]string(nil), params...)
	}
	return out
}

// --- leaves ---

func (b *Builder) compileLiteral(n *parse.Literal) (*Instr, []edge, error) {
	var v value.Value
	switch n.Kind {
	case parse.LitNil:
		v = value.Nil
	case parse.LitSome:
		v = value.Some
	case parse.LitInt:
		v = value.IntValue(n.Int)
	case parse.LitReal:
		v = value.RealValue(n.Real)
	case parse.LitString:
		v = value.NewString(n.Str)
	}
	push := b.at(n.Position(), &Instr{Op: OpPush, Value: v})
	return push, []edge{&push.Next}, nil
}

// resolveRead compiles a read of name: local slot, enclosing upvalue, or a
// standard/console global, in that order — the same three-way lookup used
// by Ident and by Old (which rewrites to whatever name is currently being
// assigned on the innermost enclosing Assign).
func (b *Builder) resolveRead(pos parse.Pos, name string) (*Instr, []edge, error) {
	if slot, _, found := b.fc.resolveLocal(name); found {
		i := b.at(pos, &Instr{Op: OpLocal, Slot: slot})
		return i, []edge{&i.Next}, nil
	}
	if idx, found := b.fc.captureUpvalue(name); found {
		i := b.at(pos, &Instr{Op: OpUpvalue, Slot: idx})
		return i, []edge{&i.Next}, nil
	}
	i := b.at(pos, &Instr{Op: OpGlobal, Name: name})
	return i, []edge{&i.Next}, nil
}

// resolveTarget compiles an assignable reference to name: local or upvalue
// only, since globals (builtins, console bindings) aren't assignment
// targets from compiled script code.
func (b *Builder) resolveTarget(pos parse.Pos, name string) (*Instr, []edge, error) {
	if slot, constant, found := b.fc.resolveLocal(name); found {
		if constant {
			return nil, nil, b.errf(pos.Line, "cannot assign to %q: declared with def", name)
		}
		i := b.at(pos, &Instr{Op: OpLocalRef, Slot: slot})
		return i, []edge{&i.Next}, nil
	}
	if idx, found := b.fc.captureUpvalue(name); found {
		i := b.at(pos, &Instr{Op: OpUpvalueRef, Slot: idx})
		return i, []edge{&i.Next}, nil
	}
	return nil, nil, b.errf(pos.Line, "undefined name %q", name)
}

func (b *Builder) compileOld(n *parse.Old) (*Instr, []edge, error) {
	if len(b.fc.oldNames) == 0 || b.fc.oldNames[len(b.fc.oldNames)-1] == "" {
		return nil, nil, b.errf(n.Position().Line, "old used outside an assignment to a name")
	}
	return b.resolveRead(n.Position(), b.fc.oldNames[len(b.fc.oldNames)-1])
}

func (b *Builder) compileMethodRef(n *parse.MethodRef) (*Instr, []edge, error) {
	m := value.Lookup(n.Name)
	if m == nil {
		return nil, nil, b.errf(n.Position().Line, "unknown method ::%s", n.Name)
	}
	push := b.at(n.Position(), &Instr{Op: OpPush, Value: m})
	return push, []edge{&push.Next}, nil
}

// --- blocks, decls, assignment ---

func (b *Builder) compileBlock(n *parse.Block) (*Instr, []edge, error) {
	mark := b.fc.mark()
	firstSlot := -1
	for _, d := range n.Decls {
		slot := b.fc.declare(d.Name, d.Constant)
		if firstSlot < 0 {
			firstSlot = slot
		}
	}

	bodyStart, bodyExits, err := b.compileBody(n.Body, n.Position())
	if err != nil {
		b.fc.truncate(mark)
		return nil, nil, err
	}

	var start *Instr
	if len(n.Decls) > 0 {
		enter := b.at(n.Position(), &Instr{Op: OpEnter, Slot: firstSlot, N: len(n.Decls)})
		enter.Next = bodyStart
		start = enter
	} else {
		start = bodyStart
	}

	if n.Catch == nil {
		b.fc.truncate(mark)
		return start, bodyExits, nil
	}

	catchMark := b.fc.mark()
	var catchEntry *Instr
	if n.CatchName != "" {
		slot := b.fc.declare(n.CatchName, false)
		bind := b.at(n.Position(), &Instr{Op: OpVar, Slot: slot})
		catchBody, catchExits, err := b.compile(n.Catch)
		if err != nil {
			b.fc.truncate(catchMark)
			b.fc.truncate(mark)
			return nil, nil, err
		}
		bind.Next = catchBody
		catchEntry = bind
		b.fc.truncate(catchMark)

		try := b.at(n.Position(), &Instr{Op: OpTry, Branch: catchEntry})
		try.Next = start
		popTry := b.at(n.Position(), &Instr{Op: OpCatch})
		patch(bodyExits, popTry)
		b.fc.truncate(mark)
		return try, append([]edge{&popTry.Next}, catchExits...), nil
	}

	catchBody, catchExits, err := b.compile(n.Catch)
	if err != nil {
		b.fc.truncate(catchMark)
		b.fc.truncate(mark)
		return nil, nil, err
	}
	catchEntry = catchBody
	b.fc.truncate(catchMark)

	try := b.at(n.Position(), &Instr{Op: OpTry, Branch: catchEntry})
	try.Next = start
	popTry := b.at(n.Position(), &Instr{Op: OpCatch})
	patch(bodyExits, popTry)
	b.fc.truncate(mark)
	return try, append([]edge{&popTry.Next}, catchExits...), nil
}

// compileAssign handles plain-name targets (the common case, routed through
// OpAssign against an existing cell) and `recv[key] := value` (desugared
// directly to the "[]=" method, no Ref involved). `old` inside Value
// resolves against the target's own name while it's being assigned.
func (b *Builder) compileAssign(n *parse.Assign) (*Instr, []edge, error) {
	if idx, ok := n.Target.(*parse.Index); ok {
		argsStart, argsExits, err := b.compileExprChain([]parse.Node{idx.Recv, idx.Key, n.Value})
		if err != nil {
			return nil, nil, err
		}
		call := b.at(n.Position(), &Instr{Op: OpMethodCall, Name: "[]=", N: 3})
		patch(argsExits, call)
		return argsStart, []edge{&call.Next}, nil
	}

	ident, ok := n.Target.(*parse.Ident)
	if !ok {
		return nil, nil, b.errf(n.Position().Line, "cannot assign to this expression")
	}

	b.fc.oldNames = append(b.fc.oldNames, ident.Name)
	valStart, valExits, err := b.compile(n.Value)
	b.fc.oldNames = b.fc.oldNames[:len(b.fc.oldNames)-1]
	if err != nil {
		return nil, nil, err
	}

	// A decl's own initializer binds the slot directly (OpVar, same as a
	// for-loop or catch binding) rather than going through resolveTarget,
	// since that's where a def's constant guard lives and this is the
	// one write a def is supposed to allow.
	if n.IsInit {
		slot, _, found := b.fc.resolveLocal(ident.Name)
		if !found {
			return nil, nil, b.errf(ident.Position().Line, "undefined name %q", ident.Name)
		}
		dup := b.at(n.Position(), &Instr{Op: OpDup})
		patch(valExits, dup)
		bind := b.at(n.Position(), &Instr{Op: OpVar, Slot: slot})
		dup.Next = bind
		return valStart, []edge{&bind.Next}, nil
	}

	refStart, refExits, err := b.resolveTarget(ident.Position(), ident.Name)
	if err != nil {
		return nil, nil, err
	}
	patch(valExits, refStart)

	assign := b.at(n.Position(), &Instr{Op: OpAssign})
	patch(refExits, assign)
	return valStart, []edge{&assign.Next}, nil
}

// --- calls and operators ---

func (b *Builder) compileCall(n *parse.Call) (*Instr, []edge, error) {
	if n.Method == "" {
		fnStart, fnExits, err := b.compile(n.Fn)
		if err != nil {
			return nil, nil, err
		}
		argsStart, argsExits, err := b.compileExprChain(n.Args)
		if err != nil {
			return nil, nil, err
		}
		patch(fnExits, argsStart)
		call := b.at(n.Position(), &Instr{Op: OpCall, N: len(n.Args)})
		patch(argsExits, call)
		return fnStart, []edge{&call.Next}, nil
	}
	argsStart, argsExits, err := b.compileExprChain(n.Args)
	if err != nil {
		return nil, nil, err
	}
	call := b.at(n.Position(), &Instr{Op: OpMethodCall, Name: n.Method, N: len(n.Args)})
	patch(argsExits, call)
	return argsStart, []edge{&call.Next}, nil
}

func (b *Builder) compileBinOp(n *parse.BinOp) (*Instr, []edge, error) {
	argsStart, argsExits, err := b.compileExprChain([]parse.Node{n.Left, n.Right})
	if err != nil {
		return nil, nil, err
	}
	call := b.at(n.Position(), &Instr{Op: OpMethodCall, Name: n.Op, N: 2})
	patch(argsExits, call)
	return argsStart, []edge{&call.Next}, nil
}

func (b *Builder) compileUnOp(n *parse.UnOp) (*Instr, []edge, error) {
	argsStart, argsExits, err := b.compileExprChain([]parse.Node{n.Operand})
	if err != nil {
		return nil, nil, err
	}
	call := b.at(n.Position(), &Instr{Op: OpMethodCall, Name: n.Op, N: 1})
	patch(argsExits, call)
	return argsStart, []edge{&call.Next}, nil
}

func (b *Builder) compileIndex(n *parse.Index) (*Instr, []edge, error) {
	argsStart, argsExits, err := b.compileExprChain([]parse.Node{n.Recv, n.Key})
	if err != nil {
		return nil, nil, err
	}
	call := b.at(n.Position(), &Instr{Op: OpMethodCall, Name: "[]", N: 2})
	patch(argsExits, call)
	return argsStart, []edge{&call.Next}, nil
}

func (b *Builder) compileListExpr(n *parse.ListExpr) (*Instr, []edge, error) {
	start, exits, err := b.compileExprChain(n.Items)
	if err != nil {
		return nil, nil, err
	}
	lst := b.at(n.Position(), &Instr{Op: OpList, N: len(n.Items)})
	patch(exits, lst)
	return start, []edge{&lst.Next}, nil
}

func (b *Builder) compileTreeExpr(n *parse.TreeExpr) (*Instr, []edge, error) {
	items := make([]parse.Node, 0, len(n.Keys)*2)
	for i := range n.Keys {
		items = append(items, n.Keys[i], n.Vals[i])
	}
	start, exits, err := b.compileExprChain(items)
	if err != nil {
		return nil, nil, err
	}
	tr := b.at(n.Position(), &Instr{Op: OpTree, N: len(n.Keys)})
	patch(exits, tr)
	return start, []edge{&tr.Next}, nil
}

func (b *Builder) compileInterpString(n *parse.InterpString) (*Instr, []edge, error) {
	items := make([]parse.Node, len(n.Segments))
	for i, seg := range n.Segments {
		if seg.Expr != nil {
			items[i] = seg.Expr
		} else {
			items[i] = &parse.Literal{Kind: parse.LitString, Str: seg.Literal}
		}
	}
	start, exits, err := b.compileExprChain(items)
	if err != nil {
		return nil, nil, err
	}
	build := b.at(n.Position(), &Instr{Op: OpBuildString, N: len(n.Segments)})
	patch(exits, build)
	return start, []edge{&build.Next}, nil
}

// --- control flow ---

func (b *Builder) compileIf(n *parse.If) (*Instr, []edge, error) {
	cStart, cExits, err := b.compile(n.Cond)
	if err != nil {
		return nil, nil, err
	}
	test := b.at(n.Position(), &Instr{Op: OpIfFalse})
	patch(cExits, test)

	tStart, tExits, err := b.compile(n.Then)
	if err != nil {
		return nil, nil, err
	}
	test.Next = tStart

	if n.Else == nil {
		push := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
		test.Branch = push
		return cStart, append(tExits, &push.Next), nil
	}

	eStart, eExits, err := b.compile(n.Else)
	if err != nil {
		return nil, nil, err
	}
	test.Branch = eStart
	return cStart, append(tExits, eExits...), nil
}

// compileAnd/compileOr implement MLNil-is-false short-circuiting by
// duplicating Left, testing the duplicate, and discarding it only on the
// path that goes on to evaluate Right.
func (b *Builder) compileAnd(n *parse.And) (*Instr, []edge, error) {
	lStart, lExits, err := b.compile(n.Left)
	if err != nil {
		return nil, nil, err
	}
	dup := b.at(n.Position(), &Instr{Op: OpDup})
	patch(lExits, dup)
	test := b.at(n.Position(), &Instr{Op: OpIfFalse})
	dup.Next = test
	pop := b.at(n.Position(), &Instr{Op: OpPop})
	test.Next = pop
	rStart, rExits, err := b.compile(n.Right)
	if err != nil {
		return nil, nil, err
	}
	pop.Next = rStart
	return lStart, append(rExits, &test.Branch), nil
}

func (b *Builder) compileOr(n *parse.Or) (*Instr, []edge, error) {
	lStart, lExits, err := b.compile(n.Left)
	if err != nil {
		return nil, nil, err
	}
	dup := b.at(n.Position(), &Instr{Op: OpDup})
	patch(lExits, dup)
	test := b.at(n.Position(), &Instr{Op: OpIfTrue})
	dup.Next = test
	pop := b.at(n.Position(), &Instr{Op: OpPop})
	test.Next = pop
	rStart, rExits, err := b.compile(n.Right)
	if err != nil {
		return nil, nil, err
	}
	pop.Next = rStart
	return lStart, append(rExits, &test.Branch), nil
}

// --- loops ---

func (b *Builder) compileLoop(n *parse.Loop) (*Instr, []edge, error) {
	exitJoin := b.at(n.Position(), &Instr{Op: OpExit, N: 0})
	lc := &loopCtx{exitJoin: exitJoin}
	b.pushLoop(lc)
	bodyStart, bodyExits, err := b.compile(n.Body)
	b.popLoop()
	if err != nil {
		return nil, nil, err
	}
	patch(lc.nextEdges, bodyStart)
	again := b.at(n.Position(), &Instr{Op: OpPop})
	patch(bodyExits, again)
	again.Next = bodyStart
	return bodyStart, []edge{&exitJoin.Next}, nil
}

// compileWhile/compileUntil compile the `while cond` / `until cond`
// loop-guard forms, legal only inside an enclosing loop body: on the
// exiting condition they jump straight to that loop's exitJoin (pushing
// Nil as the loop's result, matching a bare `exit`); otherwise they push
// Some and let the block continue.
func (b *Builder) compileWhile(n *parse.While) (*Instr, []edge, error) {
	loop := b.currentLoop()
	if loop == nil {
		return nil, nil, b.errf(n.Position().Line, "while used outside a loop")
	}
	cStart, cExits, err := b.compile(n.Cond)
	if err != nil {
		return nil, nil, err
	}
	test := b.at(n.Position(), &Instr{Op: OpIfFalse})
	patch(cExits, test)
	pushNil := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
	test.Branch = pushNil
	jmp := b.at(n.Position(), &Instr{Op: OpJump, Branch: loop.exitJoin})
	pushNil.Next = jmp
	cont := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Some})
	test.Next = cont
	return cStart, []edge{&cont.Next}, nil
}

func (b *Builder) compileUntil(n *parse.Until) (*Instr, []edge, error) {
	loop := b.currentLoop()
	if loop == nil {
		return nil, nil, b.errf(n.Position().Line, "until used outside a loop")
	}
	cStart, cExits, err := b.compile(n.Cond)
	if err != nil {
		return nil, nil, err
	}
	test := b.at(n.Position(), &Instr{Op: OpIfTrue})
	patch(cExits, test)
	pushNil := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
	test.Branch = pushNil
	jmp := b.at(n.Position(), &Instr{Op: OpJump, Branch: loop.exitJoin})
	pushNil.Next = jmp
	cont := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Some})
	test.Next = cont
	return cStart, []edge{&cont.Next}, nil
}

func (b *Builder) compileExit(n *parse.Exit) (*Instr, []edge, error) {
	loop := b.currentLoop()
	if loop == nil {
		return nil, nil, b.errf(n.Position().Line, "exit used outside a loop")
	}
	var start *Instr
	var exits []edge
	if n.Value == nil {
		push := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
		start = push
		exits = []edge{&push.Next}
	} else {
		vs, vExits, err := b.compile(n.Value)
		if err != nil {
			return nil, nil, err
		}
		start, exits = vs, vExits
	}
	jmp := b.at(n.Position(), &Instr{Op: OpJump, Branch: loop.exitJoin})
	patch(exits, jmp)
	return start, nil, nil
}

func (b *Builder) compileNext(n *parse.NextExpr) (*Instr, []edge, error) {
	loop := b.currentLoop()
	if loop == nil {
		return nil, nil, b.errf(n.Position().Line, "next used outside a loop")
	}
	jmp := b.at(n.Position(), &Instr{Op: OpJump})
	loop.nextEdges = append(loop.nextEdges, &jmp.Next)
	return jmp, nil, nil
}

// compileFor lowers `for [var] x in e do body [else alt end]` to an
// iterator left live on the operand stack for the loop's duration (popped
// on every exit path, including a mid-body `exit`, via exitJoin's N:1
// unwind). The engine's List/Tree store plain Values rather than per-slot
// Ref cells, so there is no live cell for a non-`var` loop variable to
// alias the way the reference implementation's raw memory slots did,
// both spellings bind a fresh read-only copy each iteration.
func (b *Builder) compileFor(n *parse.For) (*Instr, []edge, error) {
	srcStart, srcExits, err := b.compile(n.Source)
	if err != nil {
		return nil, nil, err
	}
	iter := b.at(n.Position(), &Instr{Op: OpIterate})
	patch(srcExits, iter)

	mark := b.fc.mark()
	nameSlot := b.fc.declare(n.Name, false)
	keySlot := -1
	if n.Key != "" {
		keySlot = b.fc.declare(n.Key, false)
	}

	exitJoin := b.at(n.Position(), &Instr{Op: OpExit, N: 1})
	lc := &loopCtx{exitJoin: exitJoin}
	b.pushLoop(lc)

	advance := b.at(n.Position(), &Instr{Op: OpAdvance})
	iter.Next = advance

	cur := b.at(n.Position(), &Instr{Op: OpCur})
	advance.Next = cur
	bindName := b.at(n.Position(), &Instr{Op: OpVar, Slot: nameSlot})
	cur.Next = bindName
	tail := bindName
	if keySlot >= 0 {
		key := b.at(n.Position(), &Instr{Op: OpKey})
		tail.Next = key
		bindKey := b.at(n.Position(), &Instr{Op: OpVar, Slot: keySlot})
		key.Next = bindKey
		tail = bindKey
	}

	bodyStart, bodyExits, err := b.compile(n.Body)
	b.popLoop()
	if err != nil {
		b.fc.truncate(mark)
		return nil, nil, err
	}
	tail.Next = bodyStart
	patch(lc.nextEdges, advance)
	again := b.at(n.Position(), &Instr{Op: OpPop})
	patch(bodyExits, again)
	again.Next = advance
	b.fc.truncate(mark)

	pop := b.at(n.Position(), &Instr{Op: OpPop}) // drop exhausted iterator
	advance.Branch = pop

	exits := []edge{&exitJoin.Next}
	if n.Else != nil {
		elseStart, elseExits, err := b.compile(n.Else)
		if err != nil {
			return nil, nil, err
		}
		pop.Next = elseStart
		exits = append(exits, elseExits...)
	} else {
		pushNil := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
		pop.Next = pushNil
		exits = append(exits, &pushNil.Next)
	}
	return srcStart, exits, nil
}

// --- functions ---

func (b *Builder) compileFun(n *parse.Fun) (*Instr, []edge, error) {
	b.pushFunc()
	for _, p := range n.Params {
		b.fc.declare(p, false)
	}
	bodyStart, bodyExits, err := b.compile(n.Body)
	if err != nil {
		b.popFunc()
		return nil, nil, err
	}
	ret := b.at(n.Position(), &Instr{Op: OpReturn})
	patch(bodyExits, ret)
	inner := b.popFunc()

	paramCount := len(n.Params)
	if n.Variadic {
		paramCount = -len(n.Params)
	}
	info := &ClosureInfo{
		NameStr:    n.Name,
		Entry:      bodyStart,
		FrameSize:  inner.maxSlot,
		ParamCount: paramCount,
		NumUpvals:  len(inner.upvals),
	}
	var sum [32]byte
	copy(sum[:], inner.hash.Sum(nil))
	info.Hash = sum

	closure := b.at(n.Position(), &Instr{Op: OpClosure, Closure: info, Upvals: inner.upvals})
	return closure, []edge{&closure.Next}, nil
}

func (b *Builder) compileReturn(n *parse.Return) (*Instr, []edge, error) {
	if n.Value == nil {
		push := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
		ret := b.at(n.Position(), &Instr{Op: OpReturn})
		push.Next = ret
		return push, nil, nil
	}
	start, exits, err := b.compile(n.Value)
	if err != nil {
		return nil, nil, err
	}
	ret := b.at(n.Position(), &Instr{Op: OpReturn})
	patch(exits, ret)
	return start, nil, nil
}

// compileWith evaluates every init in the outer scope before any binding
// becomes visible (unlike `var`'s sequential left-to-right visibility),
// then binds them in reverse push order off the stack.
func (b *Builder) compileWith(n *parse.With) (*Instr, []edge, error) {
	initStart, initExits, err := b.compileExprChain(n.Inits)
	if err != nil {
		return nil, nil, err
	}

	mark := b.fc.mark()
	slots := make([]int, len(n.Names))
	for i, name := range n.Names {
		slots[i] = b.fc.declare(name, false)
	}

	var bindStart *Instr
	var prev *Instr
	for i := len(slots) - 1; i >= 0; i-- {
		vi := b.at(n.Position(), &Instr{Op: OpVar, Slot: slots[i]})
		if prev == nil {
			bindStart = vi
		} else {
			prev.Next = vi
		}
		prev = vi
	}
	if bindStart == nil {
		bindStart = initStart // with with no names (degenerate, still legal)
	} else {
		patch(initExits, bindStart)
	}

	bodyStart, bodyExits, err := b.compile(n.Body)
	if err != nil {
		b.fc.truncate(mark)
		return nil, nil, err
	}
	if prev != nil {
		prev.Next = bodyStart
	}
	b.fc.truncate(mark)
	return initStart, bodyExits, nil
}

// --- relational surface ---

func (b *Builder) compileSchemaDecl(n *parse.SchemaDecl) (*Instr, []edge, error) {
	var chainStart *Instr
	var chainExits []edge
	for _, fd := range n.Defs {
		cs, cExits, err := b.compile(fd.Fun)
		if err != nil {
			return nil, nil, err
		}
		if chainStart == nil {
			chainStart = cs
		} else {
			patch(chainExits, cs)
		}
		chainExits = cExits
	}

	decl := b.at(n.Position(), &Instr{Op: OpSchemaDecl, Decl: &SchemaSpec{
		Name:    n.Name,
		Parent:  n.Parent,
		Vars:    n.Vars,
		Defs:    defNames(n.Defs),
		DefDeps: defDeps(n.Defs),
		Indices: n.Indices,
	}})
	if chainStart == nil {
		chainStart = decl
	} else {
		patch(chainExits, decl)
	}
	return chainStart, []edge{&decl.Next}, nil
}

func (b *Builder) compileInsert(n *parse.Insert) (*Instr, []edge, error) {
	start, exits, err := b.compileExprChain(valuesOf(n.Fields))
	if err != nil {
		return nil, nil, err
	}
	instr := b.at(n.Position(), &Instr{Op: OpInsert, Schema: n.Schema, Names: namesOf(n.Fields)})
	patch(exits, instr)
	return start, []edge{&instr.Next}, nil
}

func (b *Builder) compileSignal(n *parse.Signal) (*Instr, []edge, error) {
	start, exits, err := b.compileExprChain(valuesOf(n.Fields))
	if err != nil {
		return nil, nil, err
	}
	instr := b.at(n.Position(), &Instr{Op: OpSignal, Schema: n.Schema, Names: namesOf(n.Fields)})
	patch(exits, instr)
	return start, []edge{&instr.Next}, nil
}

// compileUpdate packs key fields then update fields onto the stack, N
// marking the split point, since OpUpdate needs both tuples to find the
// instance and to apply the new values.
func (b *Builder) compileUpdate(n *parse.Update) (*Instr, []edge, error) {
	items := append(append([]parse.Node{}, valuesOf(n.Keys)...), valuesOf(n.Updates)...)
	start, exits, err := b.compileExprChain(items)
	if err != nil {
		return nil, nil, err
	}
	names := append(append([]string{}, namesOf(n.Keys)...), namesOf(n.Updates)...)
	instr := b.at(n.Position(), &Instr{Op: OpUpdate, Schema: n.Schema, Names: names, N: len(n.Keys)})
	patch(exits, instr)
	return start, []edge{&instr.Next}, nil
}

func (b *Builder) compileDelete(n *parse.Delete) (*Instr, []edge, error) {
	start, exits, err := b.compileExprChain(valuesOf(n.Keys))
	if err != nil {
		return nil, nil, err
	}
	instr := b.at(n.Position(), &Instr{Op: OpDelete, Schema: n.Schema, Names: namesOf(n.Keys)})
	patch(exits, instr)
	return start, []edge{&instr.Next}, nil
}

// compileExists compiles the immediate (non-reactive) chained-lookup form:
// ordinary straight-line bytecode in the current frame, since it runs once
// in place rather than being persisted for later re-invocation the way
// `when` is. Aliases bound by earlier clauses stay in scope for later
// clauses' Keys and for Then; any clause miss jumps straight to Else (or
// Nil), matching "the whole chain fails together".
func (b *Builder) compileExists(n *parse.Exists) (*Instr, []edge, error) {
	mark := b.fc.mark()
	var missEdges []edge
	var start *Instr
	var prevTail *Instr

	for _, clause := range n.Clauses {
		keyStart, keyExits, err := b.compileExprChain(valuesOf(clause.Keys))
		if err != nil {
			b.fc.truncate(mark)
			return nil, nil, err
		}
		lookup := b.at(n.Position(), &Instr{
			Op: OpIndexLookup, Schema: clause.Schema, Names: namesOf(clause.Keys), Negated: clause.Negated,
		})
		patch(keyExits, lookup)
		if start == nil {
			start = keyStart
		} else {
			prevTail.Next = keyStart
		}
		missEdges = append(missEdges, &lookup.Branch)

		tail := lookup
		if !clause.Negated && len(clause.Binds) > 0 {
			instSlot := b.fc.declare("#exists", false)
			bindInst := b.at(n.Position(), &Instr{Op: OpVar, Slot: instSlot})
			tail.Next = bindInst
			tail = bindInst
			for _, bnd := range clause.Binds {
				fieldIdent, ok := bnd.Value.(*parse.Ident)
				if !ok {
					b.fc.truncate(mark)
					return nil, nil, b.errf(n.Position().Line, "exists bind %q must name a field", bnd.Field)
				}
				aliasSlot := b.fc.declare(bnd.Field, false)
				pushInst := b.at(n.Position(), &Instr{Op: OpLocal, Slot: instSlot})
				tail.Next = pushInst
				fread := b.at(n.Position(), &Instr{Op: OpFieldRead, Name: fieldIdent.Name})
				pushInst.Next = fread
				bindAlias := b.at(n.Position(), &Instr{Op: OpVar, Slot: aliasSlot})
				fread.Next = bindAlias
				tail = bindAlias
			}
		} else {
			// OpIndexLookup always pushes exactly one value on its match
			// path (the found instance, or Nil for a Negated clause) so
			// the instruction's stack effect doesn't depend on whether
			// this clause happens to bind any aliases; discard it here
			// when nothing else will consume it.
			discard := b.at(n.Position(), &Instr{Op: OpPop})
			tail.Next = discard
			tail = discard
		}
		prevTail = tail
	}

	thenStart, thenExits, err := b.compile(n.Then)
	if err != nil {
		b.fc.truncate(mark)
		return nil, nil, err
	}
	if prevTail != nil {
		prevTail.Next = thenStart
	} else {
		start = thenStart
	}
	b.fc.truncate(mark)

	var elseStart *Instr
	var elseExits []edge
	if n.Else != nil {
		elseStart, elseExits, err = b.compile(n.Else)
		if err != nil {
			return nil, nil, err
		}
	} else {
		pushNil := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
		elseStart = pushNil
		elseExits = []edge{&pushNil.Next}
	}
	patch(missEdges, elseStart)

	return start, append(thenExits, elseExits...), nil
}

// compileWhen compiles a persisted reactive join: each step's key
// computation is its own zero-overhead closure ("little function") over
// whatever aliases earlier steps bound, since the plan outlives this
// compile pass and internal/store re-invokes it later with different
// bound values as new instances arrive. The action body is a closure over
// every alias bound across the whole chain. Both travel to OpWhenAttach on
// the operand stack (one OpClosure push per step, then the action),
// keeping WhenPlan itself free of *Instr/*ClosureInfo so internal/store
// never needs to import internal/compile.
func (b *Builder) compileWhen(n *parse.When) (*Instr, []edge, error) {
	plan := &WhenPlan{Created: n.Created}
	var aliasNames []string
	var chainStart *Instr
	var chainExits []edge

	for _, clause := range n.Clauses {
		b.pushFunc()
		for _, a := range aliasNames {
			b.fc.declare(a, false)
		}
		var keyEntry *Instr
		if len(clause.Keys) > 0 {
			keyBodyStart, keyBodyExits, err := b.compileExprChain(valuesOf(clause.Keys))
			if err != nil {
				b.popFunc()
				return nil, nil, err
			}
			lst := b.at(n.Position(), &Instr{Op: OpList, N: len(clause.Keys)})
			patch(keyBodyExits, lst)
			ret := b.at(n.Position(), &Instr{Op: OpReturn})
			lst.Next = ret
			keyEntry = keyBodyStart
		} else {
			push := b.at(n.Position(), &Instr{Op: OpPush, Value: value.Nil})
			ret := b.at(n.Position(), &Instr{Op: OpReturn})
			push.Next = ret
			keyEntry = push
		}
		innerFC := b.popFunc()
		info := &ClosureInfo{
			NameStr: "when$key", Entry: keyEntry, FrameSize: innerFC.maxSlot,
			ParamCount: len(aliasNames), NumUpvals: len(innerFC.upvals),
		}
		var sum [32]byte
		copy(sum[:], innerFC.hash.Sum(nil))
		info.Hash = sum
		keyClosure := b.at(n.Position(), &Instr{Op: OpClosure, Closure: info, Upvals: innerFC.upvals})
		if chainStart == nil {
			chainStart = keyClosure
		} else {
			patch(chainExits, keyClosure)
		}
		chainExits = []edge{&keyClosure.Next}

		step := StepPlan{Schema: clause.Schema, Negated: clause.Negated, KeyNames: namesOf(clause.Keys)}
		for _, bnd := range clause.Binds {
			fieldIdent, ok := bnd.Value.(*parse.Ident)
			if !ok {
				return nil, nil, b.errf(n.Position().Line, "when bind %q must name a field", bnd.Field)
			}
			step.BindField = append(step.BindField, fieldIdent.Name)
			step.BindAlias = append(step.BindAlias, bnd.Field)
			aliasNames = append(aliasNames, bnd.Field)
		}
		plan.Steps = append(plan.Steps, step)
	}

	b.pushFunc()
	for _, a := range aliasNames {
		b.fc.declare(a, false)
	}
	actionStart, actionExits, err := b.compile(n.Body)
	if err != nil {
		b.popFunc()
		return nil, nil, err
	}
	ret := b.at(n.Position(), &Instr{Op: OpReturn})
	patch(actionExits, ret)
	actionFC := b.popFunc()
	actionInfo := &ClosureInfo{
		NameStr: "when$action", Entry: actionStart, FrameSize: actionFC.maxSlot,
		ParamCount: len(aliasNames), NumUpvals: len(actionFC.upvals),
	}
	var asum [32]byte
	copy(asum[:], actionFC.hash.Sum(nil))
	actionInfo.Hash = asum
	actionClosure := b.at(n.Position(), &Instr{Op: OpClosure, Closure: actionInfo, Upvals: actionFC.upvals})
	patch(chainExits, actionClosure)

	attach := b.at(n.Position(), &Instr{Op: OpWhenAttach, When: plan, N: len(plan.Steps)})
	actionClosure.Next = attach
	return chainStart, []edge{&attach.Next}, nil
}
