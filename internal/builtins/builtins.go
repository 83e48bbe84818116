// Package builtins wires RAVEL's standard global functions (spec.md §6:
// print, after, every, open) into value.RegisterGlobal, the way
// internal/listener/internal/store install themselves into each other's
// hook variables — here the direction is one-shot and explicit (Install
// is called once by cmd/ravel) rather than an
// init-time side effect, since a REPL session may want to re-install
// globals against a fresh internal/loop dispatcher in tests.
package builtins

import (
	"fmt"
	"os"
	"time"

	"github.com/ravel-lang/ravel/internal/loop"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// Install registers every standard global. Idempotent: calling it twice
// just replaces each binding with an equivalent one.
func Install() {
	value.RegisterGlobal("print", value.NewFunction("print", builtinPrint))
	value.RegisterGlobal("after", value.NewFunction("after", builtinAfter))
	value.RegisterGlobal("every", value.NewFunction("every", builtinEvery))
	value.RegisterGlobal("open", value.NewFunction("open", builtinOpen))
}

// builtinPrint serializes each argument via the "string" multi-method
// and writes them to stdout back to back with no separator —
// `print(1 + 2 * 3, "\n")` prints exactly "9\n" (operators have no
// precedence and chain left to right, so this is (1 + 2) * 3), and
// spec.md §8 scenario 4's `print(n, "=", a, "\n")` prints "A=20\n" with no spaces
// inserted between arguments.
func builtinPrint(args []value.Value) (value.Value, error) {
	for _, a := range args {
		s, err := value.ToDisplayString(a)
		if err != nil {
			return nil, err
		}
		fmt.Fprint(os.Stdout, s)
	}
	return value.Nil, nil
}

// builtinAfter implements `after(delay, f, args…)`: delay is seconds
// (integer or real), f is called once the delay elapses with the
// trailing args, through internal/loop's single dispatcher rather than
// a direct call (spec.md §4.G/§5: "not called synchronously").
func builtinAfter(args []value.Value) (value.Value, error) {
	d, fn, rest, err := parseSchedule("after", args)
	if err != nil {
		return nil, err
	}
	return loop.After(d, func() error {
		_, err := value.Call(fn, rest)
		return err
	}), nil
}

// builtinEvery implements `every(period, f, args…)`: f is re-armed every
// period until a call of f raises an error. The value f returns is not
// inspected, so returning a non-nil value does not stop it.
func builtinEvery(args []value.Value) (value.Value, error) {
	d, fn, rest, err := parseSchedule("every", args)
	if err != nil {
		return nil, err
	}
	return loop.Every(d, func() error {
		_, err := value.Call(fn, rest)
		return err
	}), nil
}

func parseSchedule(name string, args []value.Value) (time.Duration, value.Value, []value.Value, error) {
	if len(args) < 2 {
		return 0, nil, nil, ravelerr.New(ravelerr.ParamError, "%s expects at least (delay, function)", name)
	}
	secs, err := toSeconds(args[0])
	if err != nil {
		return 0, nil, nil, err
	}
	return time.Duration(secs * float64(time.Second)), args[1], args[2:], nil
}

func toSeconds(v value.Value) (float64, error) {
	switch n := v.(type) {
	case value.IntValue:
		return float64(n), nil
	case value.RealValue:
		return float64(n), nil
	default:
		return 0, ravelerr.New(ravelerr.ParamError, "expected a number of seconds, got %s", v.Type().Name)
	}
}
