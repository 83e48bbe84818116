package parse

import (
	"strings"
	"testing"

	"github.com/ravel-lang/ravel/internal/lex"
)

func parseProgram(t *testing.T, src string) *Block {
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
	blk, err := ParseProgram(sc)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return blk
}

func parseProgramErr(t *testing.T, src string) error {
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
	_, err := ParseProgram(sc)
	return err
}

func TestParseOperatorChainIsFlatLeftAssociative(t *testing.T) {
	// Operators are user-extensible (spec.md §4.B), so there is no fixed
	// precedence table: "1 + 2 * 3" parses as ((1 + 2) * 3), strictly by
	// appearance order, not standard arithmetic precedence.
	blk := parseProgram(t, "1 + 2 * 3")
	if len(blk.Body) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(blk.Body))
	}
	top, ok := blk.Body[0].(*BinOp)
	if !ok || top.Op != "*" {
		t.Fatalf("expected top-level BinOp(*), got %#v", blk.Body[0])
	}
	inner, ok := top.Left.(*BinOp)
	if !ok || inner.Op != "+" {
		t.Fatalf("expected left child BinOp(+), got %#v", top.Left)
	}
	if lit, ok := top.Right.(*Literal); !ok || lit.Int != 3 {
		t.Fatalf("expected right operand literal 3, got %#v", top.Right)
	}
}

func TestParseVarAndDefDecls(t *testing.T) {
	blk := parseProgram(t, "var x := 1\ndef y := 2")
	if len(blk.Decls) != 2 {
		t.Fatalf("expected 2 decls, got %d", len(blk.Decls))
	}
	if blk.Decls[0].Name != "x" || blk.Decls[0].Constant {
		t.Fatalf("expected var x (non-constant), got %+v", blk.Decls[0])
	}
	if blk.Decls[1].Name != "y" || !blk.Decls[1].Constant {
		t.Fatalf("expected def y (constant), got %+v", blk.Decls[1])
	}
	if len(blk.Body) != 2 {
		t.Fatalf("expected 2 assign statements generated for the two decls, got %d", len(blk.Body))
	}
}

func TestParseIfElseifElse(t *testing.T) {
	blk := parseProgram(t, "if a then 1 elseif b then 2 else 3 end")
	ifNode, ok := blk.Body[0].(*If)
	if !ok {
		t.Fatalf("expected *If, got %#v", blk.Body[0])
	}
	elseifNode, ok := ifNode.Else.(*If)
	if !ok {
		t.Fatalf("expected elseif branch to be *If, got %#v", ifNode.Else)
	}
	if _, ok := elseifNode.Else.(*Block); !ok {
		t.Fatalf("expected final else branch to be *Block, got %#v", elseifNode.Else)
	}
}

func TestParseLoopWithExitAndNext(t *testing.T) {
	blk := parseProgram(t, "loop\nnext\nexit 5\nend")
	loopNode, ok := blk.Body[0].(*Loop)
	if !ok {
		t.Fatalf("expected *Loop, got %#v", blk.Body[0])
	}
	body := loopNode.Body.(*Block)
	if _, ok := body.Body[0].(*NextExpr); !ok {
		t.Fatalf("expected NextExpr first, got %#v", body.Body[0])
	}
	exitNode, ok := body.Body[1].(*Exit)
	if !ok || exitNode.Value == nil {
		t.Fatalf("expected Exit with a value, got %#v", body.Body[1])
	}
}

func TestParseForLoopVariants(t *testing.T) {
	blk := parseProgram(t, "for x in lst do x end")
	f := blk.Body[0].(*For)
	if f.VarCopy || f.Key != "" || f.Name != "x" {
		t.Fatalf("unexpected plain for-loop shape: %+v", f)
	}

	blk = parseProgram(t, "for var k, x in lst do x end")
	f = blk.Body[0].(*For)
	if !f.VarCopy || f.Key != "k" || f.Name != "x" {
		t.Fatalf("unexpected var/key for-loop shape: %+v", f)
	}
}

func TestParseFunLiteralWithDoBlockAndShorthand(t *testing.T) {
	blk := parseProgram(t, "fun(a, b) do a end")
	fn := blk.Body[0].(*Fun)
	if len(fn.Params) != 2 || fn.Params[0] != "a" || fn.Params[1] != "b" {
		t.Fatalf("unexpected params: %v", fn.Params)
	}
	if _, ok := fn.Body.(*Block); !ok {
		t.Fatalf("expected do-block body, got %#v", fn.Body)
	}

	blk = parseProgram(t, "fun(a) a")
	fn = blk.Body[0].(*Fun)
	if _, ok := fn.Body.(*Ident); !ok {
		t.Fatalf("expected shorthand expression body, got %#v", fn.Body)
	}
}

func TestParseFunLiteralWithVariadicRestParam(t *testing.T) {
	blk := parseProgram(t, "fun(a, ...rest) do a end")
	fn := blk.Body[0].(*Fun)
	if !fn.Variadic {
		t.Fatalf("expected Variadic=true, got %+v", fn)
	}
	if len(fn.Params) != 2 || fn.Params[0] != "a" || fn.Params[1] != "rest" {
		t.Fatalf("unexpected params: %v", fn.Params)
	}

	blk = parseProgram(t, "fun(a, b) do a end")
	fn = blk.Body[0].(*Fun)
	if fn.Variadic {
		t.Fatalf("plain param list must not be marked variadic")
	}
}

func TestParseSchemaDeclarationWithParentVarsDefsAndIndex(t *testing.T) {
	src := "schema Dog(Animal) is\nvar Name, Breed\nfun Greeting() do 'hi' end\nindex Name\nend"
	blk := parseProgram(t, src)
	decl := blk.Body[0].(*SchemaDecl)
	if decl.Name != "Dog" || decl.Parent != "Animal" {
		t.Fatalf("unexpected name/parent: %+v", decl)
	}
	if len(decl.Vars) != 2 || decl.Vars[0] != "Name" || decl.Vars[1] != "Breed" {
		t.Fatalf("unexpected vars: %v", decl.Vars)
	}
	if len(decl.Defs) != 1 || decl.Defs[0].Name != "Greeting" {
		t.Fatalf("unexpected defs: %+v", decl.Defs)
	}
	if len(decl.Indices) != 1 || decl.Indices[0][0] != "Name" {
		t.Fatalf("unexpected indices: %v", decl.Indices)
	}
}

func TestParseInsertSignalUpdateDelete(t *testing.T) {
	blk := parseProgram(t, "insert Person(Name := 'A', Age := 20)")
	ins := blk.Body[0].(*Insert)
	if ins.Schema != "Person" || len(ins.Fields) != 2 || ins.Fields[0].Field != "Name" {
		t.Fatalf("unexpected insert: %+v", ins)
	}

	blk = parseProgram(t, "signal Ping(K := 1)")
	sig := blk.Body[0].(*Signal)
	if sig.Schema != "Ping" || len(sig.Fields) != 1 {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	blk = parseProgram(t, "update Person(Name := 'A') is Age := 21 end")
	upd := blk.Body[0].(*Update)
	if upd.Schema != "Person" || len(upd.Keys) != 1 || len(upd.Updates) != 1 {
		t.Fatalf("unexpected update: %+v", upd)
	}

	blk = parseProgram(t, "delete Person(Name := 'A')")
	del := blk.Body[0].(*Delete)
	if del.Schema != "Person" || len(del.Keys) != 1 {
		t.Fatalf("unexpected delete: %+v", del)
	}
}

func TestParseExistsWithThenElse(t *testing.T) {
	blk := parseProgram(t, "exists Person[Name := 'A'](age := Age) then age else 0 end")
	ex := blk.Body[0].(*Exists)
	if len(ex.Clauses) != 1 {
		t.Fatalf("expected 1 clause, got %d", len(ex.Clauses))
	}
	c := ex.Clauses[0]
	if c.Schema != "Person" || c.Negated || len(c.Keys) != 1 || len(c.Binds) != 1 {
		t.Fatalf("unexpected clause: %+v", c)
	}
	if ex.Else == nil {
		t.Fatalf("expected an else branch")
	}
}

func TestParseWhenWithNegatedSecondClause(t *testing.T) {
	src := "when P(k := K) and not Q[K := k] do 1 end"
	blk := parseProgram(t, src)
	w := blk.Body[0].(*When)
	if len(w.Clauses) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(w.Clauses))
	}
	if w.Clauses[0].Schema != "P" || w.Clauses[0].Negated {
		t.Fatalf("unexpected head clause: %+v", w.Clauses[0])
	}
	if w.Clauses[1].Schema != "Q" || !w.Clauses[1].Negated {
		t.Fatalf("unexpected second clause: %+v", w.Clauses[1])
	}
	if len(w.Clauses[1].Keys) != 1 || w.Clauses[1].Keys[0].Field != "K" {
		t.Fatalf("unexpected negated-clause keys: %+v", w.Clauses[1].Keys)
	}
}

func TestParseWhenWithInsertMarksCreated(t *testing.T) {
	blk := parseProgram(t, "when insert P(k := K) do 1 end")
	w := blk.Body[0].(*When)
	if !w.Created {
		t.Fatalf("expected Created=true for `when insert ...`")
	}
}

func TestParseInterpolatedStringProducesSegments(t *testing.T) {
	blk := parseProgram(t, "'hi {x} bye'")
	s := blk.Body[0].(*InterpString)
	if len(s.Segments) != 3 {
		t.Fatalf("expected 3 segments (literal, expr, literal), got %d: %+v", len(s.Segments), s.Segments)
	}
	if s.Segments[0].Literal != "hi " || s.Segments[0].Expr != nil {
		t.Fatalf("unexpected first segment: %+v", s.Segments[0])
	}
	if id, ok := s.Segments[1].Expr.(*Ident); !ok || id.Name != "x" {
		t.Fatalf("unexpected embedded expr: %+v", s.Segments[1])
	}
	if s.Segments[2].Literal != " bye" {
		t.Fatalf("unexpected trailing segment: %+v", s.Segments[2])
	}
}

func TestParsePlainStringWithoutInterpolationIsLiteral(t *testing.T) {
	blk := parseProgram(t, "'no braces here'")
	if lit, ok := blk.Body[0].(*Literal); !ok || lit.Kind != LitString || lit.Str != "no braces here" {
		t.Fatalf("expected a plain string Literal, got %#v", blk.Body[0])
	}
}

func TestParseMissingEndIsParseError(t *testing.T) {
	if err := parseProgramErr(t, "if a then 1"); err == nil {
		t.Fatalf("expected a parse error for a dangling if with no end")
	}
}

func TestParseUnexpectedTokenIsParseError(t *testing.T) {
	if err := parseProgramErr(t, ")"); err == nil {
		t.Fatalf("expected a parse error for a stray close-paren")
	}
}
