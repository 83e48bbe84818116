// Package lex turns a line-oriented source reader into a token stream for
// internal/parse. It mirrors the hand-rolled scanner of the language this
// engine grew out of: an identifier is scanned whole and then looked up
// exactly in a fixed keyword table, and line endings
// are themselves significant tokens (so statements don't need terminators).
package lex

import "fmt"

// Kind identifies what a Token is. The keyword kinds sit in one contiguous
// range, between EOI and Ident.
type Kind int

const (
	EOL Kind = iota
	EOI

	If
	Then
	Elseif
	Else
	End
	Loop
	While
	Until
	Exit
	Next
	For
	All
	In
	Is
	Fun
	Return
	With
	Do
	On
	Nil
	And
	Or
	Not
	Old
	Def
	When
	Schema
	Index
	Exists
	Insert
	Signal
	Update
	Delete
	Var

	Ident

	LeftParen
	RightParen
	LeftSquare
	RightSquare
	LeftBrace
	RightBrace
	Semicolon
	Colon
	Comma
	Assign
	Method

	Integer
	Real
	String

	Operator
)

// keywords maps each keyword's spelling to its Kind; the scanner looks a
// whole scanned identifier up here by exact match. Keeping the table
// spelled out in grammar order makes it easy to eyeball against the
// grammar.
var keywords = map[string]Kind{
	"if": If, "then": Then, "elseif": Elseif, "else": Else, "end": End,
	"loop": Loop, "while": While, "until": Until, "exit": Exit, "next": Next,
	"for": For, "all": All, "in": In, "is": Is, "fun": Fun, "return": Return,
	"with": With, "do": Do, "on": On, "nil": Nil, "and": And, "or": Or,
	"not": Not, "old": Old, "def": Def, "when": When, "schema": Schema,
	"index": Index, "exists": Exists, "insert": Insert, "signal": Signal,
	"update": Update, "delete": Delete, "var": Var,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindNames = map[Kind]string{
	EOL: "<end of line>", EOI: "<end of input>", Ident: "<identifier>",
	LeftParen: "(", RightParen: ")", LeftSquare: "[", RightSquare: "]",
	LeftBrace: "{", RightBrace: "}", Semicolon: ";", Colon: ":", Comma: ",",
	Assign: ":=", Method: "<method>", Integer: "<integer>", Real: "<real>",
	String: "<string>", Operator: "<operator>",
}

func init() {
	for word, k := range keywords {
		kindNames[k] = word
	}
}

// Token is one lexical unit plus its source position, carried through to
// compiled instructions so runtime errors can report a line number.
type Token struct {
	Kind   Kind
	Source string
	Line   int
	Ident  string // identifiers, method/operator names
	Int    int64
	Real   float64
	Str    string // string literal payload
}

func (t Token) String() string {
	switch t.Kind {
	case Ident, Method:
		return t.Ident
	case Integer:
		return fmt.Sprintf("%d", t.Int)
	case Real:
		return fmt.Sprintf("%g", t.Real)
	case String:
		return fmt.Sprintf("%q", t.Str)
	default:
		return t.Kind.String()
	}
}
