package compile

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// binding is one visible name in the current function, pushed when a
// block's `var`/`def` declares it and popped when that block exits —
// this is the lexical-shadowing stack a Go map alone can't express.
type binding struct {
	name     string
	slot     int
	constant bool
}

// loopCtx tracks the innermost enclosing loop's unwind point, so
// `exit`/`next`/`while`/`until` can reach across nested `if`/`try` without
// the compiler threading them through every call. exitJoin is built by the
// loop's own compiler before its body is compiled (an OpExit with N set to
// however many extra operand-stack slots that loop form leaves live across
// iterations — 1 for `for` loops' live iterator, 0 otherwise), so exit
// sites can link to it directly instead of through a deferred edge list.
// nextEdges collect `next`'s jump targets, patched once the loop's
// re-entry instruction is known.
type loopCtx struct {
	exitJoin  *Instr
	nextEdges []edge
}

// funcCtx is the compiler's per-function scope: its own slot space, its
// captured-upvalue list, and the loop/old-assignment stacks active while
// compiling its body.
type funcCtx struct {
	parent   *funcCtx
	scope    []binding
	maxSlot  int
	upNames  map[string]int
	upvals   []UpvalueSource
	loops    []*loopCtx
	oldNames []string // stack of names currently being assigned, for `old`
	hash     hash.Hash
}

func newFuncCtx(parent *funcCtx) *funcCtx {
	return &funcCtx{parent: parent, upNames: map[string]int{}, hash: sha256.New()}
}

func (fc *funcCtx) feed(b []byte) { fc.hash.Write(b) }

func (fc *funcCtx) feedOp(op Op) { fc.feed([]byte{byte(op)}) }

func (fc *funcCtx) feedStr(s string) { fc.feed([]byte(s)) }

func (fc *funcCtx) feedInt(n int) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	fc.feed(b[:])
}

// declare allocates a fresh slot for name in the current (innermost) block
// and returns it; shadowing an outer binding of the same name is legal and
// simply pushes a new entry that resolve finds first.
func (fc *funcCtx) declare(name string, constant bool) int {
	slot := fc.maxSlot
	fc.maxSlot++
	fc.scope = append(fc.scope, binding{name: name, slot: slot, constant: constant})
	return slot
}

// mark/truncate bracket one block's declarations for scope exit.
func (fc *funcCtx) mark() int { return len(fc.scope) }
func (fc *funcCtx) truncate(m int) { fc.scope = fc.scope[:m] }

func (fc *funcCtx) resolveLocal(name string) (slot int, constant, found bool) {
	for i := len(fc.scope) - 1; i >= 0; i-- {
		if fc.scope[i].name == name {
			return fc.scope[i].slot, fc.scope[i].constant, true
		}
	}
	return 0, false, false
}

// captureUpvalue resolves name in an enclosing function and threads it
// into fc's upvalue list (recursively capturing through intermediate
// functions when name lives further up than fc's immediate parent),
// returning fc's own upvalue index for it.
func (fc *funcCtx) captureUpvalue(name string) (int, bool) {
	if idx, ok := fc.upNames[name]; ok {
		return idx, true
	}
	if fc.parent == nil {
		return 0, false
	}
	if slot, _, found := fc.parent.resolveLocal(name); found {
		idx := len(fc.upvals)
		fc.upvals = append(fc.upvals, UpvalueSource{FromUpvalue: false, Index: slot})
		fc.upNames[name] = idx
		return idx, true
	}
	if parentUp, ok := fc.parent.captureUpvalue(name); ok {
		idx := len(fc.upvals)
		fc.upvals = append(fc.upvals, UpvalueSource{FromUpvalue: true, Index: parentUp})
		fc.upNames[name] = idx
		return idx, true
	}
	return 0, false
}

// edge is a pointer to the Instr field (Next or Branch) that should be
// patched once the compiler knows what instruction follows — the
// deferred-edge / (start, exits) builder pair spec.md's DESIGN NOTES §9
// recommends in place of pointer-patching a flat bytecode array.
type edge = **Instr

func patch(exits []edge, target *Instr) {
	for _, e := range exits {
		*e = target
	}
}

// Builder threads per-function compile state (funcCtx) through the
// recursive node compiler in compile.go.
type Builder struct {
	fc     *funcCtx
	source string
}

func NewBuilder(source string) *Builder {
	return &Builder{fc: newFuncCtx(nil), source: source}
}

func (b *Builder) errf(line int, format string, args ...interface{}) error {
	return ravelerr.New(ravelerr.ParseError, format, args...).WithFrame(b.source, line)
}

func (b *Builder) emit(i *Instr) *Instr {
	i.Source = b.source
	b.fc.feedOp(i.Op)
	b.fc.feedInt(i.N)
	b.fc.feedInt(i.Slot)
	b.fc.feedStr(i.Name)
	for _, n := range i.Names {
		b.fc.feedStr(n)
	}
	b.fc.feedStr(i.Schema)
	if i.Value != nil {
		b.fc.feedStr(i.Value.Type().Name)
		if s, err := value.ToDisplayString(i.Value); err == nil {
			b.fc.feedStr(s)
		}
	}
	return i
}

func (b *Builder) pushFunc() { b.fc = newFuncCtx(b.fc) }
func (b *Builder) popFunc() *funcCtx {
	done := b.fc
	b.fc = b.fc.parent
	return done
}

func (b *Builder) pushLoop(lc *loopCtx) { b.fc.loops = append(b.fc.loops, lc) }
func (b *Builder) popLoop()             { b.fc.loops = b.fc.loops[:len(b.fc.loops)-1] }
func (b *Builder) currentLoop() *loopCtx {
	if len(b.fc.loops) == 0 {
		return nil
	}
	return b.fc.loops[len(b.fc.loops)-1]
}
