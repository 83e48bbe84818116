package parse

import (
	"github.com/ravel-lang/ravel/internal/lex"
	"github.com/ravel-lang/ravel/internal/ravelerr"
)

// Level is one of the four expression precedence tiers from spec.md
// §4.B: EXPR_SIMPLE (term plus operator/assign chaining only) up through
// EXPR_DEFAULT (adds `and`/`or`).
type Level int

const (
	LevelSimple Level = iota
	LevelAnd
	LevelOr
	LevelDefault
)

// Parser wraps a lex.Scanner with one token of lookahead, the way the
// source scanner's Token field serves as its own lookahead cache.
type Parser struct {
	sc   *lex.Scanner
	look lex.Token
	have bool
}

func New(sc *lex.Scanner) *Parser {
	return &Parser{sc: sc}
}

func (p *Parser) peek() (lex.Token, error) {
	if !p.have {
		t, err := p.sc.Next()
		if err != nil {
			return lex.Token{}, err
		}
		p.look = t
		p.have = true
	}
	return p.look, nil
}

// accept consumes and returns the next token (with its payload fields
// intact) when it matches k; otherwise it is left for the next peek.
func (p *Parser) accept(k lex.Kind) (lex.Token, bool, error) {
	t, err := p.peek()
	if err != nil {
		return lex.Token{}, false, err
	}
	if t.Kind == k {
		p.have = false
		return t, true, nil
	}
	return lex.Token{}, false, nil
}

func (p *Parser) pos() Pos {
	return Pos{Source: p.sc.Source(), Line: p.sc.Line()}
}

func (p *Parser) errf(format string, args ...interface{}) error {
	return ravelerr.New(ravelerr.ParseError, format, args...).WithFrame(p.sc.Source(), p.sc.Line())
}

func (p *Parser) expect(k lex.Kind) (lex.Token, error) {
	if err := p.skipEOLs(); err != nil {
		return lex.Token{}, err
	}
	t, ok, err := p.accept(k)
	if err != nil {
		return lex.Token{}, err
	}
	if ok {
		return t, nil
	}
	cur, _ := p.peek()
	return lex.Token{}, p.errf("expected %s not %s", k, cur.Kind)
}

func (p *Parser) skipEOLs() error {
	for {
		_, ok, err := p.accept(lex.EOL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (p *Parser) identName() (string, error) {
	if err := p.skipEOLs(); err != nil {
		return "", err
	}
	t, err := p.expect(lex.Ident)
	if err != nil {
		return "", err
	}
	return t.Ident, nil
}

// ParseProgram parses a whole source to end of input; cmd/ravel's
// script mode and internal/introspect use it directly.
func ParseProgram(sc *lex.Scanner) (*Block, error) {
	p := New(sc)
	blk, err := p.acceptBlock()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.EOI); err != nil {
		return nil, err
	}
	return blk, nil
}

// ParseCommand parses exactly one console command: a `var` declaration
// list or a single expression, terminated by `;`/EOL/EOI. ok is false at
// end of input.
func ParseCommand(sc *lex.Scanner) (node *Block, ok bool, err error) {
	p := New(sc)
	if err := p.skipEOLs(); err != nil {
		return nil, false, err
	}
	if _, done, err := p.accept(lex.EOI); err != nil {
		return nil, false, err
	} else if done {
		return nil, false, nil
	}
	blk := &Block{base: base{p.pos()}}
	if _, isVar, err := p.accept(lex.Var); err != nil {
		return nil, false, err
	} else if isVar {
		if err := p.acceptVarList(blk); err != nil {
			return nil, false, err
		}
	} else {
		e, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, false, err
		}
		blk.Body = append(blk.Body, e)
	}
	p.accept(lex.Semicolon)
	return blk, true, nil
}

func (p *Parser) acceptVarList(blk *Block) error {
	for {
		name, err := p.identName()
		if err != nil {
			return err
		}
		decl := Decl{Name: name}
		if _, hasInit, err := p.accept(lex.Assign); err != nil {
			return err
		} else if hasInit {
			decl.Init, err = p.acceptExpression(LevelDefault)
			if err != nil {
				return err
			}
		}
		blk.Decls = append(blk.Decls, decl)
		if decl.Init != nil {
			blk.Body = append(blk.Body, &Assign{
				base:   blk.base,
				Target: &Ident{base: blk.base, Name: name},
				Value:  decl.Init,
				IsInit: true,
			})
		}
		if _, more, err := p.accept(lex.Comma); err != nil {
			return err
		} else if !more {
			return nil
		}
	}
}

// acceptBlock parses statements until it meets a token that cannot start
// one (an `end`, `else`, `elseif`, `until`, EOI, ...); that token is left
// for the caller to consume.
func (p *Parser) acceptBlock() (*Block, error) {
	blk := &Block{base: base{p.pos()}}
	for {
		if err := p.skipEOLs(); err != nil {
			return nil, err
		}
		if _, isVar, err := p.accept(lex.Var); err != nil {
			return nil, err
		} else if isVar {
			if err := p.acceptVarList(blk); err != nil {
				return nil, err
			}
			p.accept(lex.Semicolon)
			continue
		}
		if _, isDef, err := p.accept(lex.Def); err != nil {
			return nil, err
		} else if isDef {
			name, err := p.identName()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lex.Assign); err != nil {
				return nil, err
			}
			init, err := p.acceptExpression(LevelDefault)
			if err != nil {
				return nil, err
			}
			blk.Decls = append(blk.Decls, Decl{Name: name, Constant: true, Init: init})
			blk.Body = append(blk.Body, &Assign{base: blk.base, Target: &Ident{base: blk.base, Name: name}, Value: init, IsInit: true})
			p.accept(lex.Semicolon)
			continue
		}
		if _, isOn, err := p.accept(lex.On); err != nil {
			return nil, err
		} else if isOn {
			name, err := p.identName()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lex.Do); err != nil {
				return nil, err
			}
			handler, err := p.acceptBlock()
			if err != nil {
				return nil, err
			}
			blk.CatchName = name
			blk.Catch = handler
			return blk, nil
		}
		if _, isSchema, err := p.accept(lex.Schema); err != nil {
			return nil, err
		} else if isSchema {
			decl, err := p.acceptSchemaDecl()
			if err != nil {
				return nil, err
			}
			blk.Body = append(blk.Body, decl)
			p.accept(lex.Semicolon)
			continue
		}
		e, err := p.parseExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return blk, nil
		}
		blk.Body = append(blk.Body, e)
		p.accept(lex.Semicolon)
	}
}

func (p *Parser) acceptSchemaDecl() (*SchemaDecl, error) {
	start := p.pos()
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	decl := &SchemaDecl{base: base{start}, Name: name}
	if _, hasParent, err := p.accept(lex.LeftParen); err != nil {
		return nil, err
	} else if hasParent {
		decl.Parent, err = p.identName()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.RightParen); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lex.Is); err != nil {
		return nil, err
	}
	for {
		if err := p.skipEOLs(); err != nil {
			return nil, err
		}
		if _, isVar, err := p.accept(lex.Var); err != nil {
			return nil, err
		} else if isVar {
			for {
				n, err := p.identName()
				if err != nil {
					return nil, err
				}
				decl.Vars = append(decl.Vars, n)
				if _, more, err := p.accept(lex.Comma); err != nil {
					return nil, err
				} else if !more {
					break
				}
			}
			continue
		}
		if _, isFun, err := p.accept(lex.Fun); err != nil {
			return nil, err
		} else if isFun {
			fname, err := p.identName()
			if err != nil {
				return nil, err
			}
			params, variadic, err := p.parseParamList()
			if err != nil {
				return nil, err
			}
			fn := &Fun{base: base{p.pos()}, Name: fname, Params: params, Variadic: variadic}
			if _, hasDo, err := p.accept(lex.Do); err != nil {
				return nil, err
			} else if hasDo {
				fn.Body, err = p.acceptBlock()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(lex.End); err != nil {
					return nil, err
				}
			} else {
				fn.Body, err = p.acceptExpression(LevelDefault)
				if err != nil {
					return nil, err
				}
			}
			decl.Defs = append(decl.Defs, FunDecl{Name: fname, Fun: fn})
			continue
		}
		if _, isIndex, err := p.accept(lex.Index); err != nil {
			return nil, err
		} else if isIndex {
			var names []string
			for {
				n, err := p.identName()
				if err != nil {
					return nil, err
				}
				names = append(names, n)
				if _, more, err := p.accept(lex.Comma); err != nil {
					return nil, err
				} else if !more {
					break
				}
			}
			decl.Indices = append(decl.Indices, names)
			continue
		}
		if _, err := p.expect(lex.End); err != nil {
			return nil, err
		}
		break
	}
	return decl, nil
}

func (p *Parser) acceptExpression(level Level) (Node, error) {
	if err := p.skipEOLs(); err != nil {
		return nil, err
	}
	e, err := p.parseExpression(level)
	if err != nil {
		return nil, err
	}
	if e == nil {
		t, _ := p.peek()
		return nil, p.errf("expected <expression> not %s", t.Kind)
	}
	return e, nil
}

func (p *Parser) parseExpression(level Level) (Node, error) {
	e, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	for {
		start := p.pos()
		if t, isOp, err := p.accept(lex.Operator); err != nil {
			return nil, err
		} else if isOp {
			rhs, err := p.acceptFactor()
			if err != nil {
				return nil, err
			}
			e = &BinOp{base: base{start}, Op: t.Ident, Left: e, Right: rhs}
			continue
		}
		if _, isAssign, err := p.accept(lex.Assign); err != nil {
			return nil, err
		} else if isAssign {
			rhs, err := p.acceptExpression(LevelDefault)
			if err != nil {
				return nil, err
			}
			e = &Assign{base: base{start}, Target: e, Value: rhs}
			continue
		}
		break
	}
	if level >= LevelAnd {
		if _, hasAnd, err := p.accept(lex.And); err != nil {
			return nil, err
		} else if hasAnd {
			for {
				start := p.pos()
				rhs, err := p.acceptExpression(LevelSimple)
				if err != nil {
					return nil, err
				}
				e = &And{base: base{start}, Left: e, Right: rhs}
				if _, more, err := p.accept(lex.And); err != nil {
					return nil, err
				} else if !more {
					break
				}
			}
		}
	}
	if level >= LevelOr {
		if _, hasOr, err := p.accept(lex.Or); err != nil {
			return nil, err
		} else if hasOr {
			for {
				start := p.pos()
				rhs, err := p.acceptExpression(LevelAnd)
				if err != nil {
					return nil, err
				}
				e = &Or{base: base{start}, Left: e, Right: rhs}
				if _, more, err := p.accept(lex.Or); err != nil {
					return nil, err
				} else if !more {
					break
				}
			}
		}
	}
	return e, nil
}

func (p *Parser) acceptFactor() (Node, error) {
	if err := p.skipEOLs(); err != nil {
		return nil, err
	}
	e, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	if e == nil {
		t, _ := p.peek()
		return nil, p.errf("expected <factor> not %s", t.Kind)
	}
	return e, nil
}

// parseFactor parses a term followed by any chain of call/index/method
// suffixes: `f(...)`, `l[...]`, `recv:name(...)`.
func (p *Parser) parseFactor() (Node, error) {
	e, err := p.parseTerm()
	if err != nil || e == nil {
		return e, err
	}
	for {
		start := p.pos()
		if _, isCall, err := p.accept(lex.LeftParen); err != nil {
			return nil, err
		} else if isCall {
			args, err := p.acceptArgs(lex.RightParen)
			if err != nil {
				return nil, err
			}
			if _, hasDo, err := p.accept(lex.Do); err != nil {
				return nil, err
			} else if hasDo {
				body, err := p.acceptBlock()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(lex.End); err != nil {
					return nil, err
				}
				args = append(args, &Fun{base: base{start}, Body: body})
			}
			e = &Call{base: base{start}, Fn: e, Args: args}
			continue
		}
		if _, isIndex, err := p.accept(lex.LeftSquare); err != nil {
			return nil, err
		} else if isIndex {
			args, err := p.acceptArgs(lex.RightSquare)
			if err != nil {
				return nil, err
			}
			if len(args) == 1 {
				e = &Index{base: base{start}, Recv: e, Key: args[0]}
			} else {
				e = &Call{base: base{start}, Method: "[]", Args: append([]Node{e}, args...)}
			}
			continue
		}
		if t, isMethod, err := p.accept(lex.Method); err != nil {
			return nil, err
		} else if isMethod {
			args := []Node{e}
			if _, hasParen, err := p.accept(lex.LeftParen); err != nil {
				return nil, err
			} else if hasParen {
				rest, err := p.acceptArgs(lex.RightParen)
				if err != nil {
					return nil, err
				}
				args = append(args, rest...)
			}
			e = &Call{base: base{start}, Method: t.Ident, Args: args}
			continue
		}
		return e, nil
	}
}

func (p *Parser) acceptArgs(close lex.Kind) ([]Node, error) {
	var args []Node
	if t, err := p.peek(); err != nil {
		return nil, err
	} else if t.Kind == close {
		p.have = false
		return args, nil
	}
	for {
		arg, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if _, more, err := p.accept(lex.Comma); err != nil {
			return nil, err
		} else if !more {
			break
		}
	}
	if _, err := p.expect(close); err != nil {
		return nil, err
	}
	return args, nil
}

// parseTerm recognizes a single primary term: everything that can start
// an expression, dispatched by leading keyword/token the way the source
// grammar's ml_accept_term switches on the current token.
func (p *Parser) parseTerm() (Node, error) {
	start := p.pos()
	t, err := p.peek()
	if err != nil {
		return nil, err
	}

	switch t.Kind {
	case lex.Nil:
		p.have = false
		return &Literal{base: base{start}, Kind: LitNil}, nil
	case lex.Integer:
		p.have = false
		return &Literal{base: base{start}, Kind: LitInt, Int: t.Int}, nil
	case lex.Real:
		p.have = false
		return &Literal{base: base{start}, Kind: LitReal, Real: t.Real}, nil
	case lex.String:
		return p.parseInterpString()
	case lex.Ident:
		p.have = false
		return &Ident{base: base{start}, Name: t.Ident}, nil
	case lex.Method:
		p.have = false
		return &MethodRef{base: base{start}, Name: t.Ident}, nil
	case lex.Old:
		p.have = false
		return &Old{base: base{start}}, nil
	case lex.Operator:
		p.have = false
		operand, err := p.acceptFactor()
		if err != nil {
			return nil, err
		}
		return &UnOp{base: base{start}, Op: t.Ident, Operand: operand}, nil
	case lex.Not:
		p.have = false
		operand, err := p.acceptExpression(LevelSimple)
		if err != nil {
			return nil, err
		}
		return &UnOp{base: base{start}, Op: "not", Operand: operand}, nil
	case lex.LeftParen:
		p.have = false
		e, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.RightParen); err != nil {
			return nil, err
		}
		return e, nil
	case lex.LeftSquare:
		p.have = false
		items, err := p.acceptArgs(lex.RightSquare)
		if err != nil {
			return nil, err
		}
		return &ListExpr{base: base{start}, Items: items}, nil
	case lex.LeftBrace:
		return p.parseTreeLiteral(start)
	case lex.Do:
		p.have = false
		body, err := p.acceptBlock()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.End); err != nil {
			return nil, err
		}
		return body, nil
	case lex.If:
		return p.parseIf(start)
	case lex.Loop:
		p.have = false
		body, err := p.acceptBlock()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.End); err != nil {
			return nil, err
		}
		return &Loop{base: base{start}, Body: body}, nil
	case lex.While:
		p.have = false
		cond, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		return &While{base: base{start}, Cond: cond}, nil
	case lex.Until:
		p.have = false
		cond, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		return &Until{base: base{start}, Cond: cond}, nil
	case lex.Exit:
		p.have = false
		if nt, err := p.peek(); err != nil {
			return nil, err
		} else if nt.Kind == lex.EOL || nt.Kind == lex.EOI || nt.Kind == lex.End || nt.Kind == lex.Semicolon {
			return &Exit{base: base{start}}, nil
		}
		val, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		return &Exit{base: base{start}, Value: val}, nil
	case lex.Next:
		p.have = false
		return &NextExpr{base: base{start}}, nil
	case lex.For:
		return p.parseFor(start)
	case lex.All:
		p.have = false
		src, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		return &Call{base: base{start}, Method: "all", Args: []Node{src}}, nil
	case lex.Fun:
		return p.parseFun(start, "")
	case lex.Return:
		p.have = false
		if nt, err := p.peek(); err != nil {
			return nil, err
		} else if nt.Kind == lex.EOL || nt.Kind == lex.EOI || nt.Kind == lex.End || nt.Kind == lex.Semicolon {
			return &Return{base: base{start}}, nil
		}
		val, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		return &Return{base: base{start}, Value: val}, nil
	case lex.With:
		return p.parseWith(start)
	case lex.When:
		return p.parseWhen(start)
	case lex.Exists:
		return p.parseExistsExpr(start)
	case lex.Insert:
		return p.parseInsert(start)
	case lex.Signal:
		return p.parseSignal(start)
	case lex.Update:
		return p.parseUpdate(start)
	case lex.Delete:
		return p.parseDelete(start)
	default:
		return nil, nil
	}
}

func (p *Parser) parseInterpString() (Node, error) {
	start := p.pos()
	t, _, err := p.accept(lex.String)
	if err != nil {
		return nil, err
	}
	segs := []InterpSegment{{Literal: t.Str}}
	for t.Int == 1 {
		inner, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.RightBrace); err != nil {
			return nil, err
		}
		segs = append(segs, InterpSegment{Expr: inner})
		t, err = p.sc.ContinueString()
		if err != nil {
			return nil, err
		}
		segs = append(segs, InterpSegment{Literal: t.Str})
	}
	if len(segs) == 1 {
		return &Literal{base: base{start}, Kind: LitString, Str: segs[0].Literal}, nil
	}
	return &InterpString{base: base{start}, Segments: segs}, nil
}

func (p *Parser) parseTreeLiteral(start Pos) (Node, error) {
	p.have = false
	tr := &TreeExpr{base: base{start}}
	if t, err := p.peek(); err != nil {
		return nil, err
	} else if t.Kind == lex.RightBrace {
		p.have = false
		return tr, nil
	}
	for {
		key, err := p.acceptExpression(LevelSimple)
		if err != nil {
			return nil, err
		}
		var val Node = &Literal{base: base{start}, Kind: LitNil}
		if _, hasIs, err := p.accept(lex.Is); err != nil {
			return nil, err
		} else if hasIs {
			val, err = p.acceptExpression(LevelDefault)
			if err != nil {
				return nil, err
			}
		}
		tr.Keys = append(tr.Keys, key)
		tr.Vals = append(tr.Vals, val)
		if _, more, err := p.accept(lex.Comma); err != nil {
			return nil, err
		} else if !more {
			break
		}
	}
	if _, err := p.expect(lex.RightBrace); err != nil {
		return nil, err
	}
	return tr, nil
}

func (p *Parser) parseIf(start Pos) (Node, error) {
	p.have = false
	cond, err := p.acceptExpression(LevelDefault)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.Then); err != nil {
		return nil, err
	}
	thenBlk, err := p.acceptBlock()
	if err != nil {
		return nil, err
	}
	node := &If{base: base{start}, Cond: cond, Then: thenBlk}
	if _, isElseif, err := p.accept(lex.Elseif); err != nil {
		return nil, err
	} else if isElseif {
		node.Else, err = p.parseIf(p.pos())
		if err != nil {
			return nil, err
		}
		return node, nil
	}
	if _, isElse, err := p.accept(lex.Else); err != nil {
		return nil, err
	} else if isElse {
		node.Else, err = p.acceptBlock()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) parseFor(start Pos) (Node, error) {
	p.have = false
	f := &For{base: base{start}}
	if _, hasVar, err := p.accept(lex.Var); err != nil {
		return nil, err
	} else if hasVar {
		f.VarCopy = true
	}
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, hasComma, err := p.accept(lex.Comma); err != nil {
		return nil, err
	} else if hasComma {
		f.Key = name
		f.Name, err = p.identName()
		if err != nil {
			return nil, err
		}
	} else {
		f.Name = name
	}
	if _, isIn, err := p.accept(lex.In); err != nil {
		return nil, err
	} else if isIn {
		f.Source, err = p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
	} else if _, err := p.expect(lex.Assign); err == nil {
		f.Source, err = p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}
	if _, err := p.expect(lex.Do); err != nil {
		return nil, err
	}
	f.Body, err = p.acceptBlock()
	if err != nil {
		return nil, err
	}
	if _, hasElse, err := p.accept(lex.Else); err != nil {
		return nil, err
	} else if hasElse {
		f.Else, err = p.acceptBlock()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return f, nil
}

// parseParamList parses a parenthesized parameter list: plain names,
// optionally ending in `...rest`, whose leading ellipsis marks rest as
// collecting every trailing argument into a list (spec.md §4.C/§4.D's
// "parameter count negated if the last parameter collects variadic
// rest"). The ellipsis scans as an Operator token, not punctuation.
func (p *Parser) parseParamList() ([]string, bool, error) {
	if _, err := p.expect(lex.LeftParen); err != nil {
		return nil, false, err
	}
	var params []string
	variadic := false
	if t, err := p.peek(); err != nil {
		return nil, false, err
	} else if t.Kind != lex.RightParen {
		for {
			if t, isOp, err := p.accept(lex.Operator); err != nil {
				return nil, false, err
			} else if isOp {
				if t.Ident != "..." {
					return nil, false, p.errf("unexpected operator %q in parameter list", t.Ident)
				}
				variadic = true
			}
			pn, err := p.identName()
			if err != nil {
				return nil, false, err
			}
			params = append(params, pn)
			if variadic {
				break
			}
			if _, more, err := p.accept(lex.Comma); err != nil {
				return nil, false, err
			} else if !more {
				break
			}
		}
	}
	if _, err := p.expect(lex.RightParen); err != nil {
		return nil, false, err
	}
	return params, variadic, nil
}

func (p *Parser) parseFun(start Pos, name string) (Node, error) {
	p.have = false
	params, variadic, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	fn := &Fun{base: base{start}, Name: name, Params: params, Variadic: variadic}
	if _, hasDo, err := p.accept(lex.Do); err != nil {
		return nil, err
	} else if hasDo {
		fn.Body, err = p.acceptBlock()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.End); err != nil {
			return nil, err
		}
	} else {
		fn.Body, err = p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
	}
	return fn, nil
}

func (p *Parser) parseWith(start Pos) (Node, error) {
	p.have = false
	w := &With{base: base{start}}
	for {
		name, err := p.identName()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.Assign); err != nil {
			return nil, err
		}
		init, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		w.Names = append(w.Names, name)
		w.Inits = append(w.Inits, init)
		if _, more, err := p.accept(lex.Comma); err != nil {
			return nil, err
		} else if !more {
			break
		}
	}
	if _, err := p.expect(lex.Do); err != nil {
		return nil, err
	}
	body, err := p.acceptBlock()
	if err != nil {
		return nil, err
	}
	w.Body = body
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return w, nil
}

// parseFieldAssigns parses a comma-separated `field := expr` list, the
// shared shape of insert/signal/update/exists arguments.
func (p *Parser) parseFieldAssigns(close lex.Kind) ([]FieldAssign, error) {
	var fields []FieldAssign
	if t, err := p.peek(); err != nil {
		return nil, err
	} else if t.Kind == close {
		return fields, nil
	}
	for {
		name, err := p.identName()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lex.Assign); err != nil {
			return nil, err
		}
		val, err := p.acceptExpression(LevelDefault)
		if err != nil {
			return nil, err
		}
		fields = append(fields, FieldAssign{Field: name, Value: val})
		if _, more, err := p.accept(lex.Comma); err != nil {
			return nil, err
		} else if !more {
			break
		}
	}
	return fields, nil
}

func (p *Parser) parseInsert(start Pos) (Node, error) {
	p.have = false
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.LeftParen); err != nil {
		return nil, err
	}
	fields, err := p.parseFieldAssigns(lex.RightParen)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.RightParen); err != nil {
		return nil, err
	}
	return &Insert{base: base{start}, Schema: name, Fields: fields}, nil
}

func (p *Parser) parseSignal(start Pos) (Node, error) {
	p.have = false
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.LeftParen); err != nil {
		return nil, err
	}
	fields, err := p.parseFieldAssigns(lex.RightParen)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.RightParen); err != nil {
		return nil, err
	}
	return &Signal{base: base{start}, Schema: name, Fields: fields}, nil
}

// parseUpdate accepts `update Name(key := v, ...) is field := expr, ... end`.
func (p *Parser) parseUpdate(start Pos) (Node, error) {
	p.have = false
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.LeftParen); err != nil {
		return nil, err
	}
	keys, err := p.parseFieldAssigns(lex.RightParen)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.RightParen); err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.Is); err != nil {
		return nil, err
	}
	updates, err := p.parseFieldAssigns(lex.End)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return &Update{base: base{start}, Schema: name, Keys: keys, Updates: updates}, nil
}

func (p *Parser) parseDelete(start Pos) (Node, error) {
	p.have = false
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.LeftParen); err != nil {
		return nil, err
	}
	keys, err := p.parseFieldAssigns(lex.RightParen)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.RightParen); err != nil {
		return nil, err
	}
	return &Delete{base: base{start}, Schema: name, Keys: keys}, nil
}

// parseClauseKeysAndBinds reads the two optional groups that follow a
// schema name in an exists/when clause: `[k := expr, ...]` constrains
// which instance the step's index lookup must land on (omitted entirely
// for a broad, unfiltered step), and `(alias := field, ...)` binds named
// aliases off the matching instance's fields (omitted for a step, such as
// a negated existence check, that binds nothing). Using the square
// brackets the scanner already produces for `recv[key]` index expressions
// to spell the key group keeps it visually distinct from the paren-bound
// alias list, matching spec.md §4.B's `Name[k := expr, …] ( alias := f, …
// )` form exactly rather than collapsing both groups onto one delimiter.
func (p *Parser) parseClauseKeysAndBinds() (keys, binds []FieldAssign, err error) {
	if _, hasKeys, err := p.accept(lex.LeftSquare); err != nil {
		return nil, nil, err
	} else if hasKeys {
		keys, err = p.parseFieldAssigns(lex.RightSquare)
		if err != nil {
			return nil, nil, err
		}
		if _, err := p.expect(lex.RightSquare); err != nil {
			return nil, nil, err
		}
	}
	if _, hasBinds, err := p.accept(lex.LeftParen); err != nil {
		return nil, nil, err
	} else if hasBinds {
		binds, err = p.parseFieldAssigns(lex.RightParen)
		if err != nil {
			return nil, nil, err
		}
		if _, err := p.expect(lex.RightParen); err != nil {
			return nil, nil, err
		}
	}
	return keys, binds, nil
}

// parseExistsClauseChain parses the shared `[not] Name[key := v,...](alias
// := field,...) [and [not] Name2[...](...)...]` chain used by both `exists`
// and `when`.
func (p *Parser) parseExistsClauseChain() ([]ExistsClause, error) {
	var clauses []ExistsClause
	for {
		var clause ExistsClause
		if _, neg, err := p.accept(lex.Not); err != nil {
			return nil, err
		} else if neg {
			clause.Negated = true
		}
		name, err := p.identName()
		if err != nil {
			return nil, err
		}
		clause.Schema = name
		keys, binds, err := p.parseClauseKeysAndBinds()
		if err != nil {
			return nil, err
		}
		clause.Keys = keys
		clause.Binds = binds
		clauses = append(clauses, clause)
		if _, more, err := p.accept(lex.And); err != nil {
			return nil, err
		} else if !more {
			break
		}
	}
	return clauses, nil
}

func (p *Parser) parseExistsExpr(start Pos) (Node, error) {
	p.have = false
	clauses, err := p.parseExistsClauseChain()
	if err != nil {
		return nil, err
	}
	ex := &Exists{base: base{start}, Clauses: clauses}
	if _, err := p.expect(lex.Then); err != nil {
		return nil, err
	}
	ex.Then, err = p.acceptBlock()
	if err != nil {
		return nil, err
	}
	if _, hasElse, err := p.accept(lex.Else); err != nil {
		return nil, err
	} else if hasElse {
		ex.Else, err = p.acceptBlock()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return ex, nil
}

// parseWhen accepts `when [delete] [insert] Name[key := v,...](alias :=
// field,...) [and [not] Name2[...](...)...] do body end`.
// The optional leading `delete`/`insert` keywords mark the head clause as
// negated (fires on removal) or created-only (fires only for genuinely new
// rows, suppressing update-triggered fires), mirroring
// ml_ra_accept_when_expr's Negated/Created flags.
func (p *Parser) parseWhen(start Pos) (Node, error) {
	p.have = false
	clause := ExistsClause{}
	if _, neg, err := p.accept(lex.Delete); err != nil {
		return nil, err
	} else if neg {
		clause.Negated = true
	}
	w := &When{base: base{start}}
	if _, created, err := p.accept(lex.Insert); err != nil {
		return nil, err
	} else if created {
		w.Created = true
	}
	name, err := p.identName()
	if err != nil {
		return nil, err
	}
	clause.Schema = name
	keys, binds, err := p.parseClauseKeysAndBinds()
	if err != nil {
		return nil, err
	}
	clause.Keys = keys
	clause.Binds = binds
	w.Clauses = []ExistsClause{clause}
	if _, more, err := p.accept(lex.And); err != nil {
		return nil, err
	} else if more {
		rest, err := p.parseExistsClauseChain()
		if err != nil {
			return nil, err
		}
		w.Clauses = append(w.Clauses, rest...)
	}
	if _, err := p.expect(lex.Do); err != nil {
		return nil, err
	}
	w.Body, err = p.acceptBlock()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lex.End); err != nil {
		return nil, err
	}
	return w, nil
}
