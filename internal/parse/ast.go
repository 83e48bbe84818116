// Package parse builds an expression tree from an internal/lex token
// stream. The tree is consumed by internal/compile; parse itself performs
// no code generation, unlike the single-pass parse+compile the scanner's
// source grammar was originally built around — keeping the two separate
// is the ordinary idiomatic-Go shape for a front end and makes each
// stage independently testable.
package parse

// Pos is a source position carried by every node for error traces and
// for the compiler's per-instruction source/line annotation.
type Pos struct {
	Source string
	Line   int
}

// Node is any expression or statement in the tree. Blocks are themselves
// Nodes (a Block), so "statement" and "expression" are not distinguished
// at this layer - the language treats everything as an expression.
type Node interface {
	Position() Pos
}

type base struct{ Pos Pos }

func (b base) Position() Pos { return b.Pos }

// Literal is a scalar constant: nil, some, integer, real, or string.
type Literal struct {
	base
	Kind LiteralKind
	Int  int64
	Real float64
	Str  string
}

type LiteralKind int

const (
	LitNil LiteralKind = iota
	LitSome
	LitInt
	LitReal
	LitString
)

// Ident references a local variable by name (resolved to a frame slot or
// upvalue index by the compiler's scope stack).
type Ident struct {
	base
	Name string
}

// Old references the value an enclosing assignment's target held just
// before the assignment takes effect - resolved by the compiler to
// whatever name is currently being assigned on the innermost enclosing
// Assign, the way ml_old_expr_compile reads the compiler's Function->Self
// slot rather than any schema-specific mechanism.
type Old struct {
	base
}

// MethodRef is `::op` or `::name`, a method value without invoking it.
type MethodRef struct {
	base
	Name string
}

// Block is a sequence of expressions evaluated for side effect, yielding
// the value of the last one; Decls lists the names `var`/`def` introduced
// directly in this block's own scope (not nested blocks). At most one
// `on err do ... end` may appear, always as the block's last construct
// (parsing stops there, matching the source grammar exactly); CatchName
// is "" when absent.
type Block struct {
	base
	Decls     []Decl
	Body      []Node
	CatchName string
	Catch     Node
}

type Decl struct {
	Name     string
	Constant bool // true for `def`, false for `var`
	Init     Node // nil if uninitialized (`var` with no `:=`)
}

// Assign is `target := value`; target must compile to a reference
// (an Ident, an Old is never assignable, an index/field selector, etc).
// IsInit marks the synthesized assignment a block's own var/def decl
// emits for its initializer, so the compiler binds the slot directly
// instead of routing through the usual assignable-target check (which
// would reject a def's own initializer as a write to a constant).
type Assign struct {
	base
	Target Node
	Value  Node
	IsInit bool
}

// Call is a direct call `f(args...)` or, when Method is non-empty, a
// method-selector call `recv:name(args...)` — both desugar to the same
// underlying dispatch, differing only in how the callee is resolved.
type Call struct {
	base
	Fn       Node // nil when Method != ""
	Method   string
	Args     []Node
	Variadic bool // last arg is a `...`-spread list
}

// BinOp is user-extensible infix syntax sugar for Call{Method: Op}.
type BinOp struct {
	base
	Op          string
	Left, Right Node
}

// UnOp is prefix `not` or an operator glyph applied to one operand.
type UnOp struct {
	base
	Op      string
	Operand Node
}

// Index is `recv[key]`, sugar for Call{Method: "[]"}.
type Index struct {
	base
	Recv Node
	Key  Node
}

// ListExpr / TreeExpr desugar table constructors to list_new/tree_new.
type ListExpr struct {
	base
	Items []Node
}

type TreeExpr struct {
	base
	Keys, Vals []Node
}

// InterpString is a `'...'` literal with {expr} segments; it compiles to
// a stringbuffer build-up (NewString desugaring described in spec.md
// §4.B), not a naive Go-level concatenation, so each segment still goes
// through the multi-dispatch `string` method.
type InterpString struct {
	base
	Segments []InterpSegment
}

type InterpSegment struct {
	Literal string
	Expr    Node // nil when this segment is a plain literal run
}

// If/Elseif/Else. Elseifs share And/Or truthiness: MLNil is false.
type If struct {
	base
	Cond Node
	Then Node
	Else Node // nil, another *If (elseif), or a Block (else)
}

type And struct {
	base
	Left, Right Node
}
type Or struct {
	base
	Left, Right Node
}

type Loop struct {
	base
	Body Node
}
type While struct {
	base
	Cond Node
}
type Until struct {
	base
	Cond Node
}
type Exit struct {
	base
	Value Node // nil for a bare `exit`
}
type NextExpr struct {
	base
}

// For is `for [var] x in e do body [else alt end]`; Key additionally
// binds the iterator's current key when written `for k, x in e do ...`.
type For struct {
	base
	VarCopy bool // true when written `for var x in ...` (dereferenced copy)
	Key     string
	Name    string
	Source  Node
	Body    Node
	Else    Node
}

// Fun is a function literal; a leading `...` on the last parameter
// (`fun(a, ...rest) ...`) marks it variadic, collecting every remaining
// argument into a list.
type Fun struct {
	base
	Name     string // optional, for trace/display purposes only
	Params   []string
	Variadic bool // true when the last Params entry collects remaining args as a list
	Body     Node
}

// Return exits the enclosing Fun immediately with Value (or nil).
type Return struct {
	base
	Value Node
}

// With is `with a := expr, b := expr2, ... do body end`: a scope
// introducing one or more fresh bindings (evaluated before entry, unlike
// `var`'s sequential left-to-right visibility) around Body.
type With struct {
	base
	Names []string
	Inits []Node
	Body  Node
}

// --- relational surface ---

// SchemaDecl declares a schema and its fields/methods/indices.
type SchemaDecl struct {
	base
	Name    string
	Parent  string
	Vars    []string
	Defs    []FunDecl
	Indices [][]string
}

type FunDecl struct {
	Name string
	Fun  *Fun
}

// FieldAssign is `field := expr` inside insert/signal/update/exists args.
type FieldAssign struct {
	Field string
	Value Node
}

type Insert struct {
	base
	Schema string
	Fields []FieldAssign
}

type Signal struct {
	base
	Schema string
	Fields []FieldAssign
}

type Update struct {
	base
	Schema string
	Keys    []FieldAssign
	Updates []FieldAssign
}

type Delete struct {
	base
	Schema string
	Keys   []FieldAssign
}

// ExistsClause is one `[not] Name[k := expr,...](alias := f,...)` step
// of an `exists`/`when` chain.
type ExistsClause struct {
	Negated bool
	Schema  string
	Keys    []FieldAssign
	Binds   []FieldAssign // alias -> field name
}

type Exists struct {
	base
	Clauses []ExistsClause
	Then    Node
	Else    Node
}

// When is the reactive join declaration; Created restricts firing to
// genuinely new rows (suppressing update-triggered fires) on the head
// clause, matching spec.md §4.F's `Created` listener flag.
type When struct {
	base
	Created bool
	Clauses []ExistsClause
	Body    Node
}
