package builtins

import (
	"io"
	"os"

	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// TFile gives `open`'s result its own place in the tagged-value Kind
// space (value.KFile), the same way internal/loop's TEvent and
// internal/listener's TListener each define their own Type for a Kind
// value already reserved in internal/value. File is the trivial wrapper
// spec.md §1 frames as an external collaborator — a thin adapter over
// *os.File exposed through the ordinary method-dispatch surface
// (`:read`, `:write`, `:close`) rather than a private opcode.
var TFile = value.NewType("file", value.TAny)

// File is a script-level handle on an open *os.File.
type File struct {
	f      *os.File
	closed bool
}

func (*File) Kind() value.Kind  { return value.KFile }
func (*File) Type() *value.Type { return TFile }

func init() {
	value.Register("read", []*value.Type{TFile}, func(args []value.Value) (value.Value, error) {
		fv := args[0].(*File)
		if fv.closed {
			return nil, ravelerr.New(ravelerr.LoadError, "read from closed file")
		}
		b, err := io.ReadAll(fv.f)
		if err != nil {
			return nil, ravelerr.New(ravelerr.LoadError, "%s", err.Error())
		}
		return value.NewString(string(b)), nil
	})
	value.Register("write", []*value.Type{TFile, value.TString}, func(args []value.Value) (value.Value, error) {
		fv := args[0].(*File)
		if fv.closed {
			return nil, ravelerr.New(ravelerr.LoadError, "write to closed file")
		}
		s := args[1].(*value.StringValue).S
		if _, err := fv.f.WriteString(s); err != nil {
			return nil, ravelerr.New(ravelerr.LoadError, "%s", err.Error())
		}
		return value.Nil, nil
	})
	value.Register("close", []*value.Type{TFile}, func(args []value.Value) (value.Value, error) {
		fv := args[0].(*File)
		if fv.closed {
			return value.Nil, nil
		}
		fv.closed = true
		if err := fv.f.Close(); err != nil {
			return nil, ravelerr.New(ravelerr.LoadError, "%s", err.Error())
		}
		return value.Nil, nil
	})
	value.Register("string", []*value.Type{TFile}, func(args []value.Value) (value.Value, error) {
		return value.NewString("<file>"), nil
	})
}

// builtinOpen implements `open(path, mode)` (spec.md §6): mode is one of
// "r" (read), "w" (truncate/create for write), "a" (append).
func builtinOpen(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return nil, ravelerr.New(ravelerr.ParamError, "open expects (path, mode)")
	}
	path, ok := args[0].(*value.StringValue)
	if !ok {
		return nil, ravelerr.New(ravelerr.TypeError, "open expects a string path")
	}
	mode, ok := args[1].(*value.StringValue)
	if !ok {
		return nil, ravelerr.New(ravelerr.TypeError, "open expects a string mode")
	}
	var f *os.File
	var err error
	switch mode.S {
	case "r":
		f, err = os.Open(path.S)
	case "w":
		f, err = os.Create(path.S)
	case "a":
		f, err = os.OpenFile(path.S, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	default:
		return nil, ravelerr.New(ravelerr.ParamError, "open mode must be \"r\", \"w\" or \"a\", got %q", mode.S)
	}
	if err != nil {
		return nil, ravelerr.New(ravelerr.LoadError, "%s", err.Error())
	}
	return &File{f: f}, nil
}
