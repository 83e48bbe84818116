// Package ravelerr defines the closed set of error kinds produced by the
// engine and the bounded source trace every instruction appends to as an
// error propagates.
package ravelerr

import "fmt"

// Kind names an error category. These mirror the named string kinds a
// reimplementation target must keep distinguishable even though the
// engine represents them as one Error type rather than distinct Go types.
type Kind string

const (
	TypeError     Kind = "TypeError"
	MethodError   Kind = "MethodError"
	CompareError  Kind = "CompareError"
	ParseError    Kind = "ParseError"
	RegexError    Kind = "RegexError"
	SchemaError   Kind = "SchemaError"
	FieldError    Kind = "FieldError"
	ParamError    Kind = "ParamError"
	LoadError     Kind = "LoadError"
	NameError     Kind = "NameError"
	ResultError   Kind = "ResultError"
	InternalError Kind = "InternalError"
	SigarError    Kind = "SigarError"
)

// MaxTraceFrames bounds how many (source, line) frames an error carries
// as it unwinds through nested calls.
const MaxTraceFrames = 16

// Frame is one (source, line) trace entry.
type Frame struct {
	Source string
	Line   int
}

// Error is the engine's single concrete error representation. User code
// never sees distinct Go types per kind; it inspects Kind and Message
// through the language-level ErrorValue instead.
type Error struct {
	Kind    Kind
	Message string
	Trace   []Frame
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithFrame returns e with one more trace frame appended, dropping the
// oldest frame once the bound is reached. The receiver is mutated and
// returned for convenient chaining at each propagation point.
func (e *Error) WithFrame(source string, line int) *Error {
	if len(e.Trace) >= MaxTraceFrames {
		e.Trace = e.Trace[1:]
	}
	e.Trace = append(e.Trace, Frame{Source: source, Line: line})
	return e
}

// As reports whether err is (or wraps) a *ravelerr.Error of the given kind.
func As(err error, kind Kind) (*Error, bool) {
	re, ok := err.(*Error)
	if !ok || re == nil {
		return nil, false
	}
	return re, re.Kind == kind
}
