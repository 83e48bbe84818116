package lex

import (
	"strconv"
	"strings"

	"github.com/ravel-lang/ravel/internal/ravelerr"
)

// Reader supplies the scanner with source one line at a time. A script
// file and a REPL console both satisfy this with different backing
// implementations (bufio.Scanner over a file, chzyer/readline over a
// terminal); returning ok=false signals end of input.
type Reader func() (line string, ok bool)

// operatorChars mirrors the source scanner's OperatorChars table: any run
// of these runes forms a single Operator token, so "<=" and "?!" are both
// valid user-defined operator names.
var operatorChars = map[rune]bool{
	'!': true, '@': true, '#': true, '$': true, '%': true, '^': true,
	'&': true, '*': true, '-': true, '+': true, '=': true, '|': true,
	'\\': true, '~': true, '`': true, '/': true, '?': true, '<': true,
	'>': true, '.': true,
}

var punctuation = map[rune]Kind{
	'(': LeftParen, ')': RightParen, '[': LeftSquare, ']': RightSquare,
	'{': LeftBrace, '}': RightBrace, ';': Semicolon, ':': Colon, ',': Comma,
}

// Scanner tokenizes one source (a file or a console session) line by line.
type Scanner struct {
	source    string
	line      int
	buf       string
	atEnd     bool
	atLineEnd bool
	read      Reader
}

func New(source string, read Reader) *Scanner {
	return &Scanner{source: source, read: read}
}

func (s *Scanner) Line() int { return s.line }

func (s *Scanner) Source() string { return s.source }

func (s *Scanner) errf(format string, args ...interface{}) error {
	return ravelerr.New(ravelerr.ParseError, format, args...).WithFrame(s.source, s.line)
}

// Next scans and returns the next token, consuming it.
func (s *Scanner) Next() (Token, error) {
	tok, rest, err := s.scan(s.buf)
	if err != nil {
		return Token{}, err
	}
	s.buf = rest
	return tok, nil
}

func (s *Scanner) tok(k Kind) Token { return Token{Kind: k, Source: s.source, Line: s.line} }

// scan is the core tokenizer loop, mirroring the source scanner's single
// `for (;;)` dispatch over the current character. Reader lines arrive
// without a trailing newline, so line endings are tracked with atLineEnd
// rather than by matching a '\n' byte: each line the Reader hands back
// is consumed down to "" and then yields exactly one EOL before the next
// line is fetched.
func (s *Scanner) scan(buf string) (Token, string, error) {
	for {
		if buf == "" {
			if s.atLineEnd {
				s.atLineEnd = false
				return s.tok(EOL), buf, nil
			}
			if s.atEnd {
				return s.tok(EOI), buf, nil
			}
			line, ok := s.read()
			s.line++
			if !ok {
				s.atEnd = true
				return s.tok(EOI), buf, nil
			}
			s.atLineEnd = true
			buf = line
			continue
		}
		c := rune(buf[0])
		switch {
		case c <= ' ':
			buf = buf[1:]
			continue
		case c == '-' && len(buf) > 1 && buf[1] == '-':
			// Line comment: the rest of the physical line is discarded,
			// but the EOL it would have produced still fires.
			buf = ""
			continue
		case isAlpha(c) || c == '_':
			return s.scanIdent(buf)
		case isDigit(c) || (c == '-' && len(buf) > 1 && isDigit(rune(buf[1]))):
			return s.scanNumber(buf)
		case c == '\'':
			return s.scanQuoteString(buf[1:])
		case c == '"':
			return s.scanDoubleString(buf[1:])
		case c == ':':
			return s.scanColon(buf)
		default:
			if k, ok := punctuation[c]; ok {
				return s.tok(k), buf[1:], nil
			}
			if operatorChars[c] {
				return s.scanOperator(buf)
			}
			return Token{}, buf, s.errf("unexpected character %q", c)
		}
	}
}

func isAlpha(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
func isDigit(c rune) bool { return c >= '0' && c <= '9' }
func isAlnum(c rune) bool { return isAlpha(c) || isDigit(c) }

func (s *Scanner) scanIdent(buf string) (Token, string, error) {
	i := 1
	for i < len(buf) && (isAlnum(rune(buf[i])) || buf[i] == '_') {
		i++
	}
	word, rest := buf[:i], buf[i:]
	if k, ok := keywords[word]; ok {
		return s.tok(k), rest, nil
	}
	t := s.tok(Ident)
	t.Ident = word
	return t, rest, nil
}

func (s *Scanner) scanNumber(buf string) (Token, string, error) {
	i := 0
	if buf[i] == '-' {
		i++
	}
	isReal := false
	for i < len(buf) && isDigit(rune(buf[i])) {
		i++
	}
	if i < len(buf) && buf[i] == '.' && i+1 < len(buf) && isDigit(rune(buf[i+1])) {
		isReal = true
		i++
		for i < len(buf) && isDigit(rune(buf[i])) {
			i++
		}
	}
	if i < len(buf) && (buf[i] == 'e' || buf[i] == 'E') {
		j := i + 1
		if j < len(buf) && (buf[j] == '+' || buf[j] == '-') {
			j++
		}
		if j < len(buf) && isDigit(rune(buf[j])) {
			isReal = true
			i = j
			for i < len(buf) && isDigit(rune(buf[i])) {
				i++
			}
		}
	}
	lit, rest := buf[:i], buf[i:]
	if isReal {
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Token{}, buf, s.errf("invalid number %q", lit)
		}
		t := s.tok(Real)
		t.Real = v
		return t, rest, nil
	}
	v, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return Token{}, buf, s.errf("invalid number %q", lit)
	}
	t := s.tok(Integer)
	t.Int = v
	return t, rest, nil
}

func (s *Scanner) scanColon(buf string) (Token, string, error) {
	if len(buf) > 1 && buf[1] == '=' {
		return s.tok(Assign), buf[2:], nil
	}
	if len(buf) > 1 && (isAlpha(rune(buf[1])) || buf[1] == '_') {
		i := 1
		for i < len(buf) && (isAlnum(rune(buf[i])) || buf[i] == '_') {
			i++
		}
		t := s.tok(Method)
		t.Ident = buf[1:i]
		return t, buf[i:], nil
	}
	if len(buf) > 1 && buf[1] == ':' {
		i := 2
		for i < len(buf) && operatorChars[rune(buf[i])] {
			i++
		}
		t := s.tok(Method)
		t.Ident = buf[2:i]
		return t, buf[i:], nil
	}
	return s.tok(Colon), buf[1:], nil
}

func (s *Scanner) scanOperator(buf string) (Token, string, error) {
	i := 0
	for i < len(buf) && operatorChars[rune(buf[i])] {
		i++
	}
	t := s.tok(Operator)
	t.Ident = buf[:i]
	return t, buf[i:], nil
}

// scanDoubleString scans a non-interpolating "..." literal in one pass,
// the way the source scanner does (double-quoted strings never embed
// expressions; only single-quoted ones do).
func (s *Scanner) scanDoubleString(buf string) (Token, string, error) {
	var sb strings.Builder
	for {
		if buf == "" {
			return Token{}, buf, s.errf("end of input while parsing string")
		}
		c := buf[0]
		if c == '"' {
			t := s.tok(String)
			t.Str = sb.String()
			return t, buf[1:], nil
		}
		if c == '\\' {
			if len(buf) < 2 {
				return Token{}, buf, s.errf("end of input while parsing string")
			}
			sb.WriteByte(unescape(buf[1]))
			buf = buf[2:]
			continue
		}
		sb.WriteByte(c)
		buf = buf[1:]
	}
}

func unescape(c byte) byte {
	switch c {
	case 'r':
		return '\r'
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'e':
		return 0x1b
	default:
		return c
	}
}

// StringSegment is one piece of a (possibly interpolated) single-quoted
// string literal: either a literal run of text, or a marker that an
// embedded expression follows (which internal/parse reads with its normal
// expression grammar before calling ContinueString to resume here).
type StringSegment struct {
	Literal string
	HasMore bool // true when a "{expr}" interpolation follows this segment
}

// scanQuoteString scans the literal run up to a closing quote, an
// embedded "{", or a line continuation (an unterminated 'string spanning
// a newline).
func (s *Scanner) scanQuoteString(buf string) (Token, string, error) {
	seg, rest, err := s.scanStringSegment(buf)
	if err != nil {
		return Token{}, buf, err
	}
	t := s.tok(String)
	t.Str = seg.Literal
	if seg.HasMore {
		// Re-used the Int field as a boolean continuation marker so
		// the parser can tell "closed string" from "interpolation
		// follows" without adding a new Kind.
		t.Int = 1
	}
	return t, rest, nil
}

// ContinueString resumes scanning a single-quoted string literal's next
// segment after the parser has consumed the embedded "{expr}" and its
// closing brace. It must only be called in that context.
func (s *Scanner) ContinueString() (Token, error) {
	seg, rest, err := s.scanStringSegment(s.buf)
	if err != nil {
		return Token{}, err
	}
	s.buf = rest
	t := s.tok(String)
	t.Str = seg.Literal
	if seg.HasMore {
		t.Int = 1
	}
	return t, nil
}

func (s *Scanner) scanStringSegment(buf string) (StringSegment, string, error) {
	var sb strings.Builder
	for {
		if buf == "" {
			line, ok := s.read()
			s.line++
			if !ok {
				return StringSegment{}, buf, s.errf("end of input while parsing string")
			}
			buf = line
			continue
		}
		c := buf[0]
		switch c {
		case '\'':
			return StringSegment{Literal: sb.String()}, buf[1:], nil
		case '{':
			return StringSegment{Literal: sb.String(), HasMore: true}, buf[1:], nil
		case '\\':
			if len(buf) < 2 {
				return StringSegment{}, buf, s.errf("end of input while parsing string")
			}
			if buf[1] == '{' {
				sb.WriteByte('{')
			} else {
				sb.WriteByte(unescape(buf[1]))
			}
			buf = buf[2:]
		default:
			sb.WriteByte(c)
			buf = buf[1:]
		}
	}
}
