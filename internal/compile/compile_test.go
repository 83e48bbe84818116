package compile

import (
	"strings"
	"testing"

	"github.com/ravel-lang/ravel/internal/lex"
	"github.com/ravel-lang/ravel/internal/parse"
)

func compileSource(t *testing.T, source, src string) *ClosureInfo {
	t.Helper()
	lines := strings.Split(src, "\n")
	i := 0
	sc := lex.New(source, func() (string, bool) {
		if i >= len(lines) {
			return "", false
		}
		line := lines[i]
		i++
		return line, true
	})
	prog, err := parse.ParseProgram(sc)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	b := NewBuilder(source)
	info, err := b.CompileProgram(prog)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	return info
}

func compileSourceErr(t *testing.T, src string) error {
	t.Helper()
	lines := strings.Split(src, "\n")
	i := 0
	sc := lex.New("t", func() (string, bool) {
		if i >= len(lines) {
			return "", false
		}
		line := lines[i]
		i++
		return line, true
	})
	prog, err := parse.ParseProgram(sc)
	if err != nil {
		return err
	}
	b := NewBuilder("t")
	_, err = b.CompileProgram(prog)
	return err
}

// walk follows Next pointers from entry, collecting every Op in order
// until it hits an instruction with no Next (the implicit OpReturn at
// program end has a nil Next).
func walk(entry *Instr) []Op {
	var ops []Op
	for i := entry; i != nil; i = i.Next {
		ops = append(ops, i.Op)
	}
	return ops
}

func TestCompileProgramTextuallyIdenticalSourceHasIdenticalHash(t *testing.T) {
	src := "var x := 1\nx + 2"
	a := compileSource(t, "t", src)
	b := compileSource(t, "t", src)
	if a.Hash != b.Hash {
		t.Fatalf("identical source must compile to identical content hashes, got %x vs %x", a.Hash, b.Hash)
	}
}

func TestCompileProgramDifferentSourceHasDifferentHash(t *testing.T) {
	a := compileSource(t, "t", "1 + 2")
	b := compileSource(t, "t", "1 + 3")
	if a.Hash == b.Hash {
		t.Fatalf("distinct source should not usually hash identically")
	}
}

func TestCompileSimpleArithmeticInstructionShape(t *testing.T) {
	info := compileSource(t, "t", "1 + 2")
	ops := walk(info.Entry)
	want := []Op{OpPush, OpPush, OpMethodCall, OpReturn}
	if len(ops) != len(want) {
		t.Fatalf("got ops %v, want %v", ops, want)
	}
	for i, op := range want {
		if ops[i] != op {
			t.Fatalf("op %d: got %v, want %v (full %v)", i, ops[i], op, ops)
		}
	}
	call := info.Entry.Next.Next
	if call.Op != OpMethodCall || call.Name != "+" || call.N != 2 {
		t.Fatalf("unexpected method call instruction: %+v", call)
	}
}

func TestCompileVariadicFunNegatesParamCount(t *testing.T) {
	info := compileSource(t, "t", "fun(a, ...rest) do rest end")
	if info.Entry.Op != OpClosure {
		t.Fatalf("expected top-level OpClosure, got %v", info.Entry.Op)
	}
	if got := info.Entry.Closure.ParamCount; got != -2 {
		t.Fatalf("expected ParamCount -2 (1 fixed param + variadic), got %d", got)
	}

	plain := compileSource(t, "t", "fun(a, b) do a end")
	if got := plain.Entry.Closure.ParamCount; got != 2 {
		t.Fatalf("expected ParamCount 2 for a plain two-param fun, got %d", got)
	}
}

func TestCompileIfProducesIfFalseWithBranchToElse(t *testing.T) {
	info := compileSource(t, "t", "if a then 1 else 2 end")
	test := info.Entry.Next // OpGlobal(a) -> OpIfFalse
	if test.Op != OpIfFalse {
		t.Fatalf("expected OpIfFalse after condition, got %v", test.Op)
	}
	if test.Next == nil || test.Next.Op != OpPush {
		t.Fatalf("expected then-branch OpPush on fallthrough, got %+v", test.Next)
	}
	if test.Branch == nil || test.Branch.Op != OpPush {
		t.Fatalf("expected else-branch OpPush on Branch, got %+v", test.Branch)
	}
}

func TestCompileFrameSizeTracksDeclaredLocals(t *testing.T) {
	info := compileSource(t, "t", "var x\nvar y\nvar z")
	if info.FrameSize != 3 {
		t.Fatalf("expected FrameSize 3 for three declared locals, got %d", info.FrameSize)
	}
}

func TestCompileNestedBlockLocalsDoNotLeakSlotCount(t *testing.T) {
	// A block's own slots are truncated from funcCtx.scope on exit, but
	// maxSlot (which FrameSize reports) never decreases — it is a
	// high-water mark, not a live count.
	info := compileSource(t, "t", "if 1 then\nvar x\nend\nvar y")
	if info.FrameSize < 2 {
		t.Fatalf("expected FrameSize to account for both x and y, got %d", info.FrameSize)
	}
}

func TestCompileExitOutsideLoopIsError(t *testing.T) {
	if err := compileSourceErr(t, "exit"); err == nil {
		t.Fatalf("expected a compile error for exit outside a loop")
	}
}

func TestCompileNextOutsideLoopIsError(t *testing.T) {
	if err := compileSourceErr(t, "next"); err == nil {
		t.Fatalf("expected a compile error for next outside a loop")
	}
}

func TestCompileWhileOutsideLoopIsError(t *testing.T) {
	if err := compileSourceErr(t, "while 1"); err == nil {
		t.Fatalf("expected a compile error for while outside a loop")
	}
}

func TestCompileOldOutsideAssignmentIsError(t *testing.T) {
	if err := compileSourceErr(t, "old"); err == nil {
		t.Fatalf("expected a compile error for old outside an assignment")
	}
}

func TestCompileAssignToConstantIsError(t *testing.T) {
	if err := compileSourceErr(t, "def x := 1\nx := 2"); err == nil {
		t.Fatalf("expected a compile error assigning to a def-declared name")
	}
}

func TestCompileLoopWithExitWiresExitJoin(t *testing.T) {
	info := compileSource(t, "t", "loop\nexit 1\nend")
	// The loop's own entry starts inside the body; walking Branch off the
	// OpJump emitted for `exit` should reach the same OpExit join that the
	// compileLoop call returns as its single exit edge.
	var jump *Instr
	for i, seen := info.Entry, map[*Instr]bool{}; i != nil && !seen[i]; i = i.Next {
		seen[i] = true
		if i.Op == OpJump {
			jump = i
			break
		}
	}
	if jump == nil {
		t.Fatalf("expected an OpJump instruction for the exit statement")
	}
	if jump.Branch == nil || jump.Branch.Op != OpExit {
		t.Fatalf("expected exit's jump to target an OpExit join, got %+v", jump.Branch)
	}
}

func TestCompileSchemaDeclEmitsSchemaDeclInstruction(t *testing.T) {
	info := compileSource(t, "t", "schema Person is var Name end")
	found := false
	for i := info.Entry; i != nil; i = i.Next {
		if i.Op == OpSchemaDecl {
			found = true
			if i.Decl.Name != "Person" || len(i.Decl.Vars) != 1 || i.Decl.Vars[0] != "Name" {
				t.Fatalf("unexpected schema spec: %+v", i.Decl)
			}
		}
	}
	if !found {
		t.Fatalf("expected an OpSchemaDecl instruction")
	}
}

func TestCompileWhenAttachCarriesStepPlan(t *testing.T) {
	info := compileSource(t, "t", "when P(k := K) and not Q[K := k] do 1 end")
	var attach *Instr
	for i := info.Entry; i != nil; i = i.Next {
		if i.Op == OpWhenAttach {
			attach = i
		}
	}
	if attach == nil {
		t.Fatalf("expected an OpWhenAttach instruction")
	}
	if len(attach.When.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(attach.When.Steps))
	}
	if attach.When.Steps[0].Schema != "P" || attach.When.Steps[0].Negated {
		t.Fatalf("unexpected head step: %+v", attach.When.Steps[0])
	}
	if attach.When.Steps[1].Schema != "Q" || !attach.When.Steps[1].Negated {
		t.Fatalf("unexpected second step: %+v", attach.When.Steps[1])
	}
}
