package value

import "github.com/ravel-lang/ravel/internal/ravelerr"

// globals holds the language's standard top-level bindings (print, after,
// every, open, ...). Identifiers that don't resolve to a local slot or
// upvalue fall back here at runtime, matching spec.md §6's "standard
// globals" surface.
var globals = map[string]Value{}

// RegisterGlobal installs or replaces a global binding. Called by
// internal/builtins at startup.
func RegisterGlobal(name string, v Value) { globals[name] = v }

// LookupGlobal resolves a global by name, NameError if unbound.
func LookupGlobal(name string) (Value, error) {
	v, ok := globals[name]
	if !ok {
		return nil, ravelerr.New(ravelerr.NameError, "undefined name %q", name)
	}
	return v, nil
}
